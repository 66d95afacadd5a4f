package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/monitoring"
)

const (
	sqlLedgerMismatches = `
		select count(*) from user_balances b
		left join (
			select user_id, sum(amount) as total from credit_transactions group by user_id
		) t on t.user_id = b.user_id
		where b.balance <> coalesce(t.total, 0)
	`

	sqlItemUsage = `
		select
			priceable_item_id as item_id,
			cast(coalesce(sum(case when type = 'spent' then 1 else 0 end),0) as bigint) as spend_count,
			cast(coalesce(sum(case when type = 'spent' then -amount else 0 end),0) as bigint) as credits_spent,
			cast(coalesce(sum(case when type = 'refund' then 1 else 0 end),0) as bigint) as refund_count,
			cast(coalesce(sum(case when type = 'refund' then amount else 0 end),0) as bigint) as credits_refunded
		from credit_transactions
		where priceable_item_id is not null and priceable_item_id <> '' and type in ('spent','refund')
		group by priceable_item_id
		order by credits_spent desc, item_id asc
	`
)

type statusCount struct {
	Status string
	Total  int64
}

type pendingRow struct {
	Pending       int64
	Expired       int64
	Stuck         int64
	PendingAmount int64
}

type totalsRow struct {
	Users        int64
	Balance      int64
	TotalEarned  int64
	TotalSpent   int64
	Negative     int64
	Inconsistent int64
}

type typeRow struct {
	Type   string
	Count  int64
	Amount int64
}

type activityRow struct {
	Created   int64
	Confirmed int64
	Cancelled int64
}

type itemRow struct {
	ItemID          string
	SpendCount      int64
	CreditsSpent    int64
	RefundCount     int64
	CreditsRefunded int64
}

func (store *Store) CountReservationsByStatus(ctx context.Context) (map[ledger.ReservationStatus]int64, error) {
	var rows []statusCount
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	counts := make(map[ledger.ReservationStatus]int64, len(rows))
	for _, row := range rows {
		status, err := ledger.ParseReservationStatus(row.Status)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMonitoring, errorCodeInvalid, err)
		}
		counts[status] = row.Total
	}
	return counts, nil
}

func (store *Store) PendingReservationStats(ctx context.Context, now time.Time, stuckBefore time.Time) (monitoring.PendingStats, error) {
	var row pendingRow
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select(
			"count(*) as pending, "+
				"cast(coalesce(sum(case when expires_at < ? then 1 else 0 end),0) as bigint) as expired, "+
				"cast(coalesce(sum(case when created_at < ? then 1 else 0 end),0) as bigint) as stuck, "+
				"cast(coalesce(sum(amount),0) as bigint) as pending_amount",
			now.UTC(), stuckBefore.UTC(),
		).
		Where("status = ?", ledger.ReservationStatusPending.String()).
		Scan(&row).Error
	if err != nil {
		return monitoring.PendingStats{}, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return monitoring.PendingStats{
		Pending:       row.Pending,
		Expired:       row.Expired,
		Stuck:         row.Stuck,
		PendingAmount: ledger.Credits(row.PendingAmount),
	}, nil
}

func (store *Store) BalanceTotals(ctx context.Context) (monitoring.BalanceTotals, error) {
	var row totalsRow
	err := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Select(
			"count(*) as users, " +
				"cast(coalesce(sum(balance),0) as bigint) as balance, " +
				"cast(coalesce(sum(total_earned),0) as bigint) as total_earned, " +
				"cast(coalesce(sum(total_spent),0) as bigint) as total_spent, " +
				"cast(coalesce(sum(case when balance < 0 then 1 else 0 end),0) as bigint) as negative, " +
				"cast(coalesce(sum(case when balance <> total_earned - total_spent then 1 else 0 end),0) as bigint) as inconsistent",
		).
		Scan(&row).Error
	if err != nil {
		return monitoring.BalanceTotals{}, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return monitoring.BalanceTotals{
		Users:        row.Users,
		Balance:      ledger.Credits(row.Balance),
		TotalEarned:  ledger.Credits(row.TotalEarned),
		TotalSpent:   ledger.Credits(row.TotalSpent),
		Negative:     row.Negative,
		Inconsistent: row.Inconsistent,
	}, nil
}

func (store *Store) CountLedgerMismatches(ctx context.Context) (int64, error) {
	var mismatches int64
	if err := store.db.WithContext(ctx).Raw(sqlLedgerMismatches).Scan(&mismatches).Error; err != nil {
		return 0, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return mismatches, nil
}

func (store *Store) TransactionStats(ctx context.Context, since time.Time) ([]monitoring.TypeStats, error) {
	var rows []typeRow
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("type, count(*) as count, cast(coalesce(sum(abs(amount)),0) as bigint) as amount").
		Where("created_at >= ?", since.UTC()).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	stats := make([]monitoring.TypeStats, 0, len(rows))
	for _, row := range rows {
		transactionType, err := ledger.ParseTransactionType(row.Type)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMonitoring, errorCodeInvalid, err)
		}
		stats = append(stats, monitoring.TypeStats{Type: transactionType, Count: row.Count, Amount: ledger.Credits(row.Amount)})
	}
	return stats, nil
}

func (store *Store) CountActiveUsers(ctx context.Context, since time.Time) (int64, error) {
	var active int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("created_at >= ?", since.UTC()).
		Distinct("user_id").
		Count(&active).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return active, nil
}

func (store *Store) ReservationActivity(ctx context.Context, since time.Time) (monitoring.ReservationActivity, error) {
	var row activityRow
	sinceUTC := since.UTC()
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select(
			"cast(coalesce(sum(case when created_at >= ? then 1 else 0 end),0) as bigint) as created, "+
				"cast(coalesce(sum(case when status = 'confirmed' and updated_at >= ? then 1 else 0 end),0) as bigint) as confirmed, "+
				"cast(coalesce(sum(case when status = 'cancelled' and updated_at >= ? then 1 else 0 end),0) as bigint) as cancelled",
			sinceUTC, sinceUTC, sinceUTC,
		).
		Scan(&row).Error
	if err != nil {
		return monitoring.ReservationActivity{}, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return monitoring.ReservationActivity{Created: row.Created, Confirmed: row.Confirmed, Cancelled: row.Cancelled}, nil
}

func (store *Store) TopUsersBySpent(ctx context.Context, limit int) ([]ledger.UserBalance, error) {
	var rows []UserBalance
	err := store.db.WithContext(ctx).
		Order("total_spent DESC").
		Order("user_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	balances := make([]ledger.UserBalance, 0, len(rows))
	for _, row := range rows {
		balance, err := mapUserBalance(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMonitoring, errorCodeInvalid, err)
		}
		balances = append(balances, balance)
	}
	return balances, nil
}

func (store *Store) ItemUsage(ctx context.Context) ([]monitoring.ItemUsage, error) {
	var rows []itemRow
	if err := store.db.WithContext(ctx).Raw(sqlItemUsage).Scan(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	usage := make([]monitoring.ItemUsage, 0, len(rows))
	for _, row := range rows {
		usage = append(usage, monitoring.ItemUsage{
			ItemID:          row.ItemID,
			SpendCount:      row.SpendCount,
			CreditsSpent:    ledger.Credits(row.CreditsSpent),
			RefundCount:     row.RefundCount,
			CreditsRefunded: ledger.Credits(row.CreditsRefunded),
		})
	}
	return usage, nil
}
