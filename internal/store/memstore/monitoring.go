package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/monitoring"
)

func (store *Store) CountReservationsByStatus(_ context.Context) (map[ledger.ReservationStatus]int64, error) {
	counts := make(map[ledger.ReservationStatus]int64)
	err := store.read(func(current *data) error {
		for _, reservation := range current.reservations {
			counts[reservation.Status]++
		}
		return nil
	})
	return counts, err
}

func (store *Store) PendingReservationStats(_ context.Context, now time.Time, stuckBefore time.Time) (monitoring.PendingStats, error) {
	var stats monitoring.PendingStats
	err := store.read(func(current *data) error {
		for _, reservation := range current.reservations {
			if reservation.Status != ledger.ReservationStatusPending {
				continue
			}
			stats.Pending++
			stats.PendingAmount += reservation.Amount
			if reservation.ExpiresAt.Before(now) {
				stats.Expired++
			}
			if reservation.CreatedAt.Before(stuckBefore) {
				stats.Stuck++
			}
		}
		return nil
	})
	return stats, err
}

func (store *Store) BalanceTotals(_ context.Context) (monitoring.BalanceTotals, error) {
	var totals monitoring.BalanceTotals
	err := store.read(func(current *data) error {
		for _, balance := range current.balances {
			totals.Users++
			totals.Balance += balance.Balance
			totals.TotalEarned += balance.TotalEarned
			totals.TotalSpent += balance.TotalSpent
			if balance.Balance < 0 {
				totals.Negative++
			}
			if !balance.IsConsistent() {
				totals.Inconsistent++
			}
		}
		return nil
	})
	return totals, err
}

func (store *Store) CountLedgerMismatches(_ context.Context) (int64, error) {
	var mismatches int64
	err := store.read(func(current *data) error {
		sums := make(map[ledger.UserID]ledger.Credits)
		for _, transaction := range current.transactions {
			sums[transaction.UserID] += transaction.Amount
		}
		for userID, balance := range current.balances {
			if sums[userID] != balance.Balance {
				mismatches++
			}
		}
		return nil
	})
	return mismatches, err
}

func (store *Store) TransactionStats(_ context.Context, since time.Time) ([]monitoring.TypeStats, error) {
	byType := make(map[ledger.TransactionType]monitoring.TypeStats)
	err := store.read(func(current *data) error {
		for _, transaction := range current.transactions {
			if transaction.CreatedAt.Before(since) {
				continue
			}
			stats := byType[transaction.Type]
			stats.Type = transaction.Type
			stats.Count++
			stats.Amount += transaction.Amount.Abs()
			byType[transaction.Type] = stats
		}
		return nil
	})
	stats := make([]monitoring.TypeStats, 0, len(byType))
	for _, transactionType := range ledger.TransactionTypes {
		if value, ok := byType[transactionType]; ok {
			stats = append(stats, value)
		}
	}
	return stats, err
}

func (store *Store) CountActiveUsers(_ context.Context, since time.Time) (int64, error) {
	active := make(map[ledger.UserID]struct{})
	err := store.read(func(current *data) error {
		for _, transaction := range current.transactions {
			if !transaction.CreatedAt.Before(since) {
				active[transaction.UserID] = struct{}{}
			}
		}
		return nil
	})
	return int64(len(active)), err
}

func (store *Store) ReservationActivity(_ context.Context, since time.Time) (monitoring.ReservationActivity, error) {
	var activity monitoring.ReservationActivity
	err := store.read(func(current *data) error {
		for _, reservation := range current.reservations {
			if !reservation.CreatedAt.Before(since) {
				activity.Created++
			}
			if reservation.UpdatedAt.Before(since) {
				continue
			}
			switch reservation.Status {
			case ledger.ReservationStatusConfirmed:
				activity.Confirmed++
			case ledger.ReservationStatusCancelled:
				activity.Cancelled++
			}
		}
		return nil
	})
	return activity, err
}

func (store *Store) TopUsersBySpent(_ context.Context, limit int) ([]ledger.UserBalance, error) {
	var balances []ledger.UserBalance
	err := store.read(func(current *data) error {
		for _, balance := range current.balances {
			balances = append(balances, balance)
		}
		return nil
	})
	sort.Slice(balances, func(left, right int) bool {
		if balances[left].TotalSpent == balances[right].TotalSpent {
			return balances[left].UserID.String() < balances[right].UserID.String()
		}
		return balances[left].TotalSpent > balances[right].TotalSpent
	})
	if limit > 0 && len(balances) > limit {
		balances = balances[:limit]
	}
	return balances, err
}

func (store *Store) ItemUsage(_ context.Context) ([]monitoring.ItemUsage, error) {
	byItem := make(map[string]monitoring.ItemUsage)
	err := store.read(func(current *data) error {
		for _, transaction := range current.transactions {
			if transaction.PriceableItemID == "" {
				continue
			}
			usage := byItem[transaction.PriceableItemID]
			usage.ItemID = transaction.PriceableItemID
			switch transaction.Type {
			case ledger.TransactionSpent:
				usage.SpendCount++
				usage.CreditsSpent += transaction.Amount.Abs()
			case ledger.TransactionRefund:
				usage.RefundCount++
				usage.CreditsRefunded += transaction.Amount.Abs()
			default:
				continue
			}
			byItem[transaction.PriceableItemID] = usage
		}
		return nil
	})
	usage := make([]monitoring.ItemUsage, 0, len(byItem))
	for _, value := range byItem {
		usage = append(usage, value)
	}
	sort.Slice(usage, func(left, right int) bool {
		if usage[left].CreditsSpent == usage[right].CreditsSpent {
			return usage[left].ItemID < usage[right].ItemID
		}
		return usage[left].CreditsSpent > usage[right].CreditsSpent
	})
	return usage, err
}
