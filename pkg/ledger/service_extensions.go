package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Summary is a user's balance with their recent activity.
type Summary struct {
	Balance             UserBalance
	RecentTransactions  []Transaction
	PendingReservations []Reservation
}

// ListTransactions lists a user's transactions newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return service.store.ListTransactions(ctx, userID, normalizeLimit(limit))
}

// GetSummary returns the balance (zero-valued for unknown users), the latest
// transactions, and pending reservations.
func (service *Service) GetSummary(ctx context.Context, userID UserID, transactionLimit int) (Summary, error) {
	if userID.IsZero() {
		return Summary{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	balance, err := service.store.GetBalance(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return Summary{Balance: UserBalance{UserID: userID}}, nil
	}
	if err != nil {
		return Summary{}, err
	}
	transactions, err := service.store.ListTransactions(ctx, userID, normalizeLimit(transactionLimit))
	if err != nil {
		return Summary{}, err
	}
	pending, err := service.store.ListReservations(ctx, userID, ReservationFilter{Status: ReservationStatusPending, Limit: maxTransactionPage})
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Balance:             balance,
		RecentTransactions:  transactions,
		PendingReservations: pending,
	}, nil
}
