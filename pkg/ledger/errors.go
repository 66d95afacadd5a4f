package ledger

import (
	"errors"
	"fmt"
)

// Root error kinds. Every error returned by Service matches at most one of these
// or one of the reservation/credit sentinels below.
var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrReservationExpired     = errors.New("reservation expired")
	ErrCannotConfirmCancelled = errors.New("cannot confirm cancelled reservation")
	ErrCannotCancelConfirmed  = errors.New("cannot cancel confirmed reservation")
	ErrReservationExists      = errors.New("reservation already exists")
	ErrInvalidServiceConfig   = errors.New("invalid service config")

	ErrUserNotFound        = fmt.Errorf("%w: user balance", ErrNotFound)
	ErrReservationNotFound = fmt.Errorf("%w: reservation", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("%w: transaction", ErrNotFound)
	ErrItemNotFound        = fmt.Errorf("%w: priceable item", ErrNotFound)
	ErrItemInactive        = fmt.Errorf("%w: inactive", ErrItemNotFound)

	ErrInvalidUserID          = fmt.Errorf("%w: invalid user id", ErrValidation)
	ErrInvalidReservationID   = fmt.Errorf("%w: invalid reservation id", ErrValidation)
	ErrInvalidTransactionID   = fmt.Errorf("%w: invalid transaction id", ErrValidation)
	ErrInvalidItemID          = fmt.Errorf("%w: invalid item id", ErrValidation)
	ErrInvalidCredits         = fmt.Errorf("%w: invalid credits", ErrValidation)
	ErrInvalidTransactionType = fmt.Errorf("%w: invalid transaction type", ErrValidation)
	ErrInvalidStatus          = fmt.Errorf("%w: invalid reservation status", ErrValidation)
	ErrInvalidMetadataJSON    = fmt.Errorf("%w: invalid metadata json", ErrValidation)
	ErrItemMismatch           = fmt.Errorf("%w: priceable item does not match reservation", ErrValidation)
	ErrOverRefund             = fmt.Errorf("%w: refund exceeds original spend", ErrValidation)
	ErrRefundMismatch         = fmt.Errorf("%w: original transaction cannot be refunded", ErrValidation)
	ErrInvalidPeriod          = fmt.Errorf("%w: invalid period", ErrValidation)
)

// InsufficientCreditsError reports the amount a caller needed and what the user had.
type InsufficientCreditsError struct {
	UserID    UserID
	Required  Credits
	Available Credits
}

func (insufficientError InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: required %d, available %d", insufficientError.UserID, insufficientError.Required, insufficientError.Available)
}

// Is matches ErrInsufficientCredits.
func (insufficientError InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// ReservationStateError reports that a reservation is in a state that rejects the requested transition.
type ReservationStateError struct {
	ReservationID ReservationID
	Status        ReservationStatus
	CancelReason  string
	kind          error
}

func newReservationStateError(reservation Reservation, kind error) ReservationStateError {
	return ReservationStateError{
		ReservationID: reservation.ID,
		Status:        reservation.Status,
		CancelReason:  reservation.CancelReason,
		kind:          kind,
	}
}

func (stateError ReservationStateError) Error() string {
	if stateError.CancelReason != "" {
		return fmt.Sprintf("%v: reservation %s is %s (%s)", stateError.kind, stateError.ReservationID, stateError.Status, stateError.CancelReason)
	}
	return fmt.Sprintf("%v: reservation %s is %s", stateError.kind, stateError.ReservationID, stateError.Status)
}

// Unwrap returns the sentinel describing the rejected transition.
func (stateError ReservationStateError) Unwrap() error {
	return stateError.kind
}

// StorageUnavailable marks a backend failure as retryable by the caller.
func StorageUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
