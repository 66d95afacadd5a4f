package ledger

import (
	"context"
	"time"
)

// BalanceDelta is one atomic change to a balance row.
// Amount is signed; Earned and Spent are the non-negative lifetime counter increments.
type BalanceDelta struct {
	UserID UserID
	Amount Credits
	Earned Credits
	Spent  Credits
	// RequireSufficient rejects the update with ErrInsufficientCredits when the
	// resulting balance would be negative.
	RequireSufficient bool
	At                time.Time
}

// ReservationTransition is a compare-and-set on a reservation's status.
type ReservationTransition struct {
	UserID        UserID
	ReservationID ReservationID
	From          ReservationStatus
	To            ReservationStatus
	CancelReason  string
	At            time.Time
}

// ReservationFilter narrows ListReservations. A zero Status matches every status.
type ReservationFilter struct {
	Status ReservationStatus
	Limit  int
}

// Store is the persistence contract used by Service.
//
// Implementations must make ApplyDelta a single atomic read-modify-write on the
// balance row and TransitionReservation a single conditional update that reports
// whether it changed a row.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetBalance(ctx context.Context, userID UserID) (UserBalance, error)
	CreateBalanceIfAbsent(ctx context.Context, userID UserID, at time.Time) (UserBalance, bool, error)
	ApplyDelta(ctx context.Context, delta BalanceDelta) (UserBalance, error)

	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	SumRefunds(ctx context.Context, originalTransactionID TransactionID) (Credits, error)

	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, userID UserID, reservationID ReservationID) (Reservation, error)
	TransitionReservation(ctx context.Context, transition ReservationTransition) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	ListReservations(ctx context.Context, userID UserID, filter ReservationFilter) ([]Reservation, error)
	PurgeReservations(ctx context.Context, olderThan time.Time) (int64, error)
}

// PriceLookup resolves the current cost of a priceable item.
type PriceLookup interface {
	ItemPrice(ctx context.Context, itemID ItemID) (ItemPrice, error)
}
