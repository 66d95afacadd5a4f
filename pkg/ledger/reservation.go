package ledger

import (
	"context"
	"fmt"
	"strings"
)

// CancelReasonCaller is recorded when Cancel is called without a reason.
const CancelReasonCaller = "cancelled"

// ReserveRequest asks for a frozen quote on a priceable item.
type ReserveRequest struct {
	UserID      UserID
	ItemID      ItemID
	Description string
}

// ConfirmRequest converts a pending reservation into a debit.
type ConfirmRequest struct {
	ReservationID ReservationID
	UserID        UserID
	ItemID        ItemID
	RelatedItemID string
	Description   string
	Metadata      MetadataJSON
}

// ConfirmResult is returned for both fresh and repeated confirmations.
type ConfirmResult struct {
	Reservation      Reservation
	TransactionID    TransactionID
	NewBalance       Credits
	AmountSpent      Credits
	AlreadyConfirmed bool
}

// CancelRequest releases a pending reservation.
type CancelRequest struct {
	ReservationID ReservationID
	UserID        UserID
	Reason        string
}

// CancelResult is returned for both fresh and repeated cancellations.
type CancelResult struct {
	Reservation      Reservation
	Amount           Credits
	AlreadyCancelled bool
}

// Reserve quotes the item's current cost and records a pending reservation for it.
// The balance check is advisory; Confirm re-checks against the live balance.
func (service *Service) Reserve(ctx context.Context, request ReserveRequest) (Reservation, error) {
	reservation, operationError := service.reserve(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		UserID:        request.UserID,
		ReservationID: reservation.ID,
		ItemID:        request.ItemID,
		Amount:        reservation.Amount,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

func (service *Service) reserve(ctx context.Context, request ReserveRequest) (Reservation, error) {
	if request.UserID.IsZero() {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	price, err := service.itemPrice(ctx, request.ItemID)
	if err != nil {
		return Reservation{}, err
	}
	balance, err := service.EnsureBalance(ctx, request.UserID, service.initialGrant)
	if err != nil {
		return Reservation{}, err
	}
	if balance.Balance < price.Cost {
		return Reservation{}, InsufficientCreditsError{UserID: request.UserID, Required: price.Cost, Available: balance.Balance}
	}
	reservationID, err := service.newReservationID()
	if err != nil {
		return Reservation{}, err
	}
	now := service.nowFn()
	reservation := Reservation{
		ID:          reservationID,
		UserID:      request.UserID,
		ItemID:      request.ItemID,
		Amount:      price.Cost,
		Description: strings.TrimSpace(request.Description),
		Status:      ReservationStatusPending,
		ExpiresAt:   now.Add(service.reservationTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := service.store.CreateReservation(ctx, reservation); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// Confirm debits the reservation's frozen amount exactly once.
//
// Repeated confirmations return AlreadyConfirmed without debiting again. The
// pending-to-confirmed compare-and-set and the debit commit together, so a
// confirm racing another confirm, a cancel, or the sweeper applies at most one
// terminal transition.
func (service *Service) Confirm(ctx context.Context, request ConfirmRequest) (ConfirmResult, error) {
	result, operationError := service.confirm(ctx, request)
	status := ""
	if operationError == nil && result.AlreadyConfirmed {
		status = operationStatusAlreadyConfirmed
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationConfirm,
		UserID:        request.UserID,
		ReservationID: request.ReservationID,
		TransactionID: result.TransactionID,
		ItemID:        request.ItemID,
		Amount:        result.AmountSpent,
		Status:        status,
		Error:         operationError,
	})
	if operationError != nil {
		return ConfirmResult{}, operationError
	}
	return result, nil
}

func (service *Service) confirm(ctx context.Context, request ConfirmRequest) (ConfirmResult, error) {
	if request.UserID.IsZero() {
		return ConfirmResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.ReservationID.IsZero() {
		return ConfirmResult{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	reservation, err := service.store.GetReservation(ctx, request.UserID, request.ReservationID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if !request.ItemID.IsZero() && request.ItemID != reservation.ItemID {
		return ConfirmResult{}, fmt.Errorf("%w: reservation %s is for %s", ErrItemMismatch, reservation.ID, reservation.ItemID)
	}
	if reservation.Status.IsTerminal() {
		return service.resolveConfirmed(ctx, reservation)
	}

	now := service.nowFn()
	if reservation.IsExpiredAt(now) {
		return service.expireOnConfirm(ctx, reservation)
	}

	balance, err := service.store.GetBalance(ctx, request.UserID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if balance.Balance < reservation.Amount {
		return ConfirmResult{}, InsufficientCreditsError{UserID: request.UserID, Required: reservation.Amount, Available: balance.Balance}
	}

	description := strings.TrimSpace(request.Description)
	if description == "" {
		description = reservation.Description
	}
	var (
		result  ConfirmResult
		current Reservation
		lost    bool
	)
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		changed, err := transactionStore.TransitionReservation(ctx, ReservationTransition{
			UserID:        reservation.UserID,
			ReservationID: reservation.ID,
			From:          ReservationStatusPending,
			To:            ReservationStatusConfirmed,
			At:            now,
		})
		if err != nil {
			return err
		}
		if !changed {
			lost = true
			current, err = transactionStore.GetReservation(ctx, reservation.UserID, reservation.ID)
			return err
		}
		debit, err := service.applyDeltaInTx(ctx, transactionStore, DeltaRequest{
			UserID:          reservation.UserID,
			Amount:          reservation.Amount,
			Type:            TransactionSpent,
			Description:     description,
			PriceableItemID: reservation.ItemID,
			RelatedItemID:   request.RelatedItemID,
			ReservationID:   reservation.ID,
			Metadata:        request.Metadata,
		}, now)
		if err != nil {
			return err
		}
		confirmed := reservation
		confirmed.Status = ReservationStatusConfirmed
		confirmed.UpdatedAt = now
		result = ConfirmResult{
			Reservation:   confirmed,
			TransactionID: debit.TransactionID,
			NewBalance:    debit.NewBalance,
			AmountSpent:   reservation.Amount,
		}
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	if lost {
		return service.resolveConfirmed(ctx, current)
	}
	return result, nil
}

// expireOnConfirm terminalizes a pending reservation found past its deadline.
func (service *Service) expireOnConfirm(ctx context.Context, reservation Reservation) (ConfirmResult, error) {
	now := service.nowFn()
	changed, err := service.store.TransitionReservation(ctx, ReservationTransition{
		UserID:        reservation.UserID,
		ReservationID: reservation.ID,
		From:          ReservationStatusPending,
		To:            ReservationStatusCancelled,
		CancelReason:  CancelReasonExpired,
		At:            now,
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	if !changed {
		current, err := service.store.GetReservation(ctx, reservation.UserID, reservation.ID)
		if err != nil {
			return ConfirmResult{}, err
		}
		return service.resolveConfirmed(ctx, current)
	}
	expired := reservation
	expired.Status = ReservationStatusCancelled
	expired.CancelReason = CancelReasonExpired
	expired.UpdatedAt = now
	return ConfirmResult{}, newReservationStateError(expired, ErrReservationExpired)
}

// resolveConfirmed maps a reservation observed after losing a race, or found
// terminal up front, to the confirm outcome.
func (service *Service) resolveConfirmed(ctx context.Context, reservation Reservation) (ConfirmResult, error) {
	switch reservation.Status {
	case ReservationStatusConfirmed:
		result := ConfirmResult{
			Reservation:      reservation,
			AmountSpent:      reservation.Amount,
			AlreadyConfirmed: true,
		}
		balance, err := service.store.GetBalance(ctx, reservation.UserID)
		if err != nil {
			return ConfirmResult{}, err
		}
		result.NewBalance = balance.Balance
		return result, nil
	case ReservationStatusCancelled:
		return ConfirmResult{}, newReservationStateError(reservation, ErrCannotConfirmCancelled)
	default:
		return ConfirmResult{}, StorageUnavailable(fmt.Errorf("reservation %s changed concurrently", reservation.ID))
	}
}

// Cancel releases a pending reservation. It never touches the balance.
func (service *Service) Cancel(ctx context.Context, request CancelRequest) (CancelResult, error) {
	result, operationError := service.cancel(ctx, request)
	status := ""
	if operationError == nil && result.AlreadyCancelled {
		status = operationStatusAlreadyCancelled
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		UserID:        request.UserID,
		ReservationID: request.ReservationID,
		ItemID:        result.Reservation.ItemID,
		Amount:        result.Amount,
		Status:        status,
		Error:         operationError,
	})
	if operationError != nil {
		return CancelResult{}, operationError
	}
	return result, nil
}

func (service *Service) cancel(ctx context.Context, request CancelRequest) (CancelResult, error) {
	if request.UserID.IsZero() {
		return CancelResult{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if request.ReservationID.IsZero() {
		return CancelResult{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	reservation, err := service.store.GetReservation(ctx, request.UserID, request.ReservationID)
	if err != nil {
		return CancelResult{}, err
	}
	if reservation.Status.IsTerminal() {
		return resolveCancelled(reservation)
	}
	reason := strings.TrimSpace(request.Reason)
	if reason == "" {
		reason = CancelReasonCaller
	}
	now := service.nowFn()
	changed, err := service.store.TransitionReservation(ctx, ReservationTransition{
		UserID:        reservation.UserID,
		ReservationID: reservation.ID,
		From:          ReservationStatusPending,
		To:            ReservationStatusCancelled,
		CancelReason:  reason,
		At:            now,
	})
	if err != nil {
		return CancelResult{}, err
	}
	if !changed {
		current, err := service.store.GetReservation(ctx, reservation.UserID, reservation.ID)
		if err != nil {
			return CancelResult{}, err
		}
		return resolveCancelled(current)
	}
	cancelled := reservation
	cancelled.Status = ReservationStatusCancelled
	cancelled.CancelReason = reason
	cancelled.UpdatedAt = now
	return CancelResult{Reservation: cancelled, Amount: reservation.Amount}, nil
}

func resolveCancelled(reservation Reservation) (CancelResult, error) {
	switch reservation.Status {
	case ReservationStatusCancelled:
		return CancelResult{Reservation: reservation, Amount: reservation.Amount, AlreadyCancelled: true}, nil
	case ReservationStatusConfirmed:
		return CancelResult{}, newReservationStateError(reservation, ErrCannotCancelConfirmed)
	default:
		return CancelResult{}, StorageUnavailable(fmt.Errorf("reservation %s changed concurrently", reservation.ID))
	}
}

// GetReservation loads one of the user's reservations.
func (service *Service) GetReservation(ctx context.Context, userID UserID, reservationID ReservationID) (Reservation, error) {
	if userID.IsZero() {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if reservationID.IsZero() {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return service.store.GetReservation(ctx, userID, reservationID)
}

// ListReservations lists the user's reservations newest first, optionally by status.
func (service *Service) ListReservations(ctx context.Context, userID UserID, status ReservationStatus, limit int) ([]Reservation, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if status != "" {
		if _, err := ParseReservationStatus(status.String()); err != nil {
			return nil, err
		}
	}
	return service.store.ListReservations(ctx, userID, ReservationFilter{Status: status, Limit: normalizeLimit(limit)})
}
