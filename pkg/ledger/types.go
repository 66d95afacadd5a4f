package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credits is a signed whole-credit amount.
type Credits int64

// NewCredits validates a strictly positive amount.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// Negated returns the amount with the opposite sign.
func (credits Credits) Negated() Credits {
	return -credits
}

// Abs returns the magnitude of the amount.
func (credits Credits) Abs() Credits {
	if credits < 0 {
		return -credits
	}
	return credits
}

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// ReservationID is the opaque handle returned by Reserve.
type ReservationID struct {
	value string
}

// TransactionID identifies one transaction log row.
type TransactionID struct {
	value string
}

// ItemID identifies a priceable item in the cost table.
type ItemID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id ReservationID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// NewItemID validates and normalizes a priceable item id.
func NewItemID(raw string) (ItemID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ItemID{}, fmt.Errorf("%w: empty value", ErrInvalidItemID)
	}
	return ItemID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ItemID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id ItemID) IsZero() bool {
	return id.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = emptyMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return emptyMetadataJSON
	}
	return metadata.value
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	status := ReservationStatus(strings.TrimSpace(raw))
	switch status {
	case ReservationStatusPending, ReservationStatusConfirmed, ReservationStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is allowed.
func (status ReservationStatus) IsTerminal() bool {
	return status == ReservationStatusConfirmed || status == ReservationStatusCancelled
}

// TransactionType enumerates transaction log kinds.
type TransactionType string

const (
	TransactionEarned TransactionType = "earned"
	TransactionSpent  TransactionType = "spent"
	TransactionRefund TransactionType = "refund"
	TransactionBonus  TransactionType = "bonus"
)

// TransactionTypes lists every transaction kind in a stable order.
var TransactionTypes = []TransactionType{TransactionEarned, TransactionSpent, TransactionRefund, TransactionBonus}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.TrimSpace(raw))
	if _, err := transactionType.effect(1); err != nil {
		return "", err
	}
	return transactionType, nil
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsCredit reports whether the kind adds to the balance.
func (transactionType TransactionType) IsCredit() bool {
	effect, err := transactionType.effect(1)
	return err == nil && effect.Signed > 0
}

// balanceEffect describes how one transaction moves the balance and lifetime counters.
type balanceEffect struct {
	Signed Credits
	Earned Credits
	Spent  Credits
}

func (transactionType TransactionType) effect(amount Credits) (balanceEffect, error) {
	switch transactionType {
	case TransactionEarned, TransactionRefund, TransactionBonus:
		return balanceEffect{Signed: amount, Earned: amount}, nil
	case TransactionSpent:
		return balanceEffect{Signed: amount.Negated(), Spent: amount}, nil
	default:
		return balanceEffect{}, fmt.Errorf("%w: %q", ErrInvalidTransactionType, string(transactionType))
	}
}

// UserBalance is the per-user balance row.
type UserBalance struct {
	UserID      UserID
	Balance     Credits
	TotalEarned Credits
	TotalSpent  Credits
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsConsistent reports whether balance equals earned minus spent.
func (balance UserBalance) IsConsistent() bool {
	return balance.Balance == balance.TotalEarned-balance.TotalSpent
}

// Reservation is a frozen-price hold awaiting confirm or cancel.
type Reservation struct {
	ID           ReservationID
	UserID       UserID
	ItemID       ItemID
	Amount       Credits
	Description  string
	Status       ReservationStatus
	CancelReason string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsExpiredAt reports whether a pending reservation has passed its deadline.
func (reservation Reservation) IsExpiredAt(now time.Time) bool {
	return reservation.Status == ReservationStatusPending && now.After(reservation.ExpiresAt)
}

// Transaction is one append-only balance mutation. Amount is signed: spent rows are negative.
type Transaction struct {
	ID                    TransactionID
	UserID                UserID
	Type                  TransactionType
	Amount                Credits
	Description           string
	PriceableItemID       string
	RelatedItemID         string
	ReservationID         string
	OriginalTransactionID string
	Metadata              MetadataJSON
	BalanceAfter          Credits
	CreatedAt             time.Time
}

// ItemPrice is the pricing collaborator's view of an item.
type ItemPrice struct {
	ItemID ItemID
	Cost   Credits
	Active bool
}
