package ledger

import "time"

const (
	operationEnsureBalance = "ensure_balance"
	operationApplyDelta    = "apply_delta"
	operationReserve       = "reserve"
	operationConfirm       = "confirm"
	operationCancel        = "cancel"
	operationSpendDirect   = "spend_direct"
	operationEarn          = "earn"
	operationRefund        = "refund"

	operationStatusOK               = "ok"
	operationStatusError            = "error"
	operationStatusAlreadyConfirmed = "already_confirmed"
	operationStatusAlreadyCancelled = "already_cancelled"

	// CancelReasonExpired marks reservations terminated by their deadline.
	CancelReasonExpired = "expired"

	reservationIDPrefix = "rsv"
	emptyMetadataJSON   = "{}"

	defaultReservationTTL   = 30 * time.Minute
	defaultSweepBatchSize   = 100
	defaultTransactionPage  = 20
	maxTransactionPage      = 500
	defaultBonusDescription = "initial grant"
)
