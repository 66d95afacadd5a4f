package ledger

import (
	"errors"
	"strings"
	"testing"
)

const (
	operationName    = "ledger"
	subjectName      = "entry"
	codeName         = "invalid"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestOperationErrorAccessors(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	var operationError OperationError
	if !errors.As(WrapError(operationName, subjectName, codeName, baseError), &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != operationName || operationError.Subject() != subjectName || operationError.Code() != codeName {
		test.Fatalf("unexpected segments: %s/%s/%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	if !errors.Is(operationError, baseError) {
		test.Fatalf("expected OperationError to unwrap to the base error")
	}
}

func TestInsufficientCreditsErrorMatchesSentinel(test *testing.T) {
	test.Parallel()
	err := WrapError(operationName, subjectName, codeName, InsufficientCreditsError{
		UserID:    mustUserID(test, testUserIdentifier),
		Required:  30,
		Available: 12,
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientCredits, err)
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
		test.Fatalf("insufficient credits must not match other root kinds")
	}
	expected := "insufficient credits for " + testUserIdentifier + ": required 30, available 12"
	if message := (InsufficientCreditsError{UserID: mustUserID(test, testUserIdentifier), Required: 30, Available: 12}).Error(); message != expected {
		test.Fatalf("expected %q, got %q", expected, message)
	}
}

func TestReservationStateErrorUnwrapsKind(test *testing.T) {
	test.Parallel()
	reservation := Reservation{
		ID:           mustReservationID(test, "rsv_1"),
		Status:       ReservationStatusCancelled,
		CancelReason: CancelReasonExpired,
	}
	err := newReservationStateError(reservation, ErrReservationExpired)
	if !errors.Is(err, ErrReservationExpired) || errors.Is(err, ErrCannotConfirmCancelled) {
		test.Fatalf("unexpected unwrap for %v", err)
	}
	if !strings.Contains(err.Error(), "(expired)") {
		test.Fatalf("expected cancel reason in %q", err.Error())
	}
	confirmed := newReservationStateError(Reservation{ID: reservation.ID, Status: ReservationStatusConfirmed}, ErrCannotCancelConfirmed)
	if strings.Contains(confirmed.Error(), "(") {
		test.Fatalf("unexpected reason suffix in %q", confirmed.Error())
	}
}

func TestErrorKindHierarchy(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		err  error
		root error
	}{
		{err: ErrUserNotFound, root: ErrNotFound},
		{err: ErrReservationNotFound, root: ErrNotFound},
		{err: ErrItemInactive, root: ErrItemNotFound},
		{err: ErrItemInactive, root: ErrNotFound},
		{err: ErrInvalidCredits, root: ErrValidation},
		{err: ErrItemMismatch, root: ErrValidation},
		{err: ErrOverRefund, root: ErrValidation},
		{err: ErrInvalidPeriod, root: ErrValidation},
		{err: StorageUnavailable(errors.New(baseErrorMessage)), root: ErrStorageUnavailable},
	}
	for _, testCase := range testCases {
		if !errors.Is(testCase.err, testCase.root) {
			test.Fatalf(errorMismatchMessage, testCase.root, testCase.err)
		}
	}
	if StorageUnavailable(nil) != nil {
		test.Fatalf("expected nil for nil storage error")
	}
}
