package pgstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/monitoring"
)

const (
	sqlCountReservationsByStatus = `select status, count(*) from reservations group by status`

	sqlPendingStats = `
		select
			count(*),
			count(*) filter (where expires_at < $1),
			count(*) filter (where created_at < $2),
			coalesce(sum(amount),0)::bigint
		from reservations
		where status = 'pending'
	`

	sqlBalanceTotals = `
		select
			count(*),
			coalesce(sum(balance),0)::bigint,
			coalesce(sum(total_earned),0)::bigint,
			coalesce(sum(total_spent),0)::bigint,
			count(*) filter (where balance < 0),
			count(*) filter (where balance <> total_earned - total_spent)
		from user_balances
	`

	sqlLedgerMismatches = `
		select count(*) from user_balances b
		left join (
			select user_id, sum(amount) as total from credit_transactions group by user_id
		) t on t.user_id = b.user_id
		where b.balance <> coalesce(t.total, 0)
	`

	sqlTransactionStats = `
		select type, count(*), coalesce(sum(abs(amount)),0)::bigint
		from credit_transactions
		where created_at >= $1
		group by type
	`

	sqlCountActiveUsers = `select count(distinct user_id) from credit_transactions where created_at >= $1`

	sqlReservationActivity = `
		select
			count(*) filter (where created_at >= $1),
			count(*) filter (where status = 'confirmed' and updated_at >= $1),
			count(*) filter (where status = 'cancelled' and updated_at >= $1)
		from reservations
	`

	sqlTopUsersBySpent = `
		select user_id, balance, total_earned, total_spent, created_at, updated_at
		from user_balances
		order by total_spent desc, user_id asc
		limit $1
	`

	sqlItemUsage = `
		select
			priceable_item_id,
			count(*) filter (where type = 'spent'),
			coalesce(sum(-amount) filter (where type = 'spent'),0)::bigint,
			count(*) filter (where type = 'refund'),
			coalesce(sum(amount) filter (where type = 'refund'),0)::bigint
		from credit_transactions
		where priceable_item_id is not null and priceable_item_id <> '' and type in ('spent','refund')
		group by priceable_item_id
		order by 3 desc, 1 asc
	`
)

func (store *Store) CountReservationsByStatus(ctx context.Context) (map[ledger.ReservationStatus]int64, error) {
	rows, err := store.db.Query(ctx, sqlCountReservationsByStatus)
	if err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	defer rows.Close()
	counts := make(map[ledger.ReservationStatus]int64)
	for rows.Next() {
		var (
			statusValue string
			total       int64
		)
		if err := rows.Scan(&statusValue, &total); err != nil {
			return nil, wrapStoreError(errorSubjectMonitoring, errorCodeInvalid, err)
		}
		status, err := ledger.ParseReservationStatus(statusValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMonitoring, errorCodeInvalid, err)
		}
		counts[status] = total
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return counts, nil
}

func (store *Store) PendingReservationStats(ctx context.Context, now time.Time, stuckBefore time.Time) (monitoring.PendingStats, error) {
	var (
		stats         monitoring.PendingStats
		pendingAmount int64
	)
	err := store.db.QueryRow(ctx, sqlPendingStats, now.UTC(), stuckBefore.UTC()).
		Scan(&stats.Pending, &stats.Expired, &stats.Stuck, &pendingAmount)
	if err != nil {
		return monitoring.PendingStats{}, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	stats.PendingAmount = ledger.Credits(pendingAmount)
	return stats, nil
}

func (store *Store) BalanceTotals(ctx context.Context) (monitoring.BalanceTotals, error) {
	var (
		totals  monitoring.BalanceTotals
		amounts [3]int64
	)
	err := store.db.QueryRow(ctx, sqlBalanceTotals).
		Scan(&totals.Users, &amounts[0], &amounts[1], &amounts[2], &totals.Negative, &totals.Inconsistent)
	if err != nil {
		return monitoring.BalanceTotals{}, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	totals.Balance = ledger.Credits(amounts[0])
	totals.TotalEarned = ledger.Credits(amounts[1])
	totals.TotalSpent = ledger.Credits(amounts[2])
	return totals, nil
}

func (store *Store) CountLedgerMismatches(ctx context.Context) (int64, error) {
	var mismatches int64
	if err := store.db.QueryRow(ctx, sqlLedgerMismatches).Scan(&mismatches); err != nil {
		return 0, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return mismatches, nil
}

func (store *Store) TransactionStats(ctx context.Context, since time.Time) ([]monitoring.TypeStats, error) {
	rows, err := store.db.Query(ctx, sqlTransactionStats, since.UTC())
	if err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	defer rows.Close()
	var stats []monitoring.TypeStats
	for rows.Next() {
		var (
			typeValue string
			count     int64
			amount    int64
		)
		if err := rows.Scan(&typeValue, &count, &amount); err != nil {
			return nil, wrapStoreError(errorSubjectMonitoring, errorCodeInvalid, err)
		}
		transactionType, err := ledger.ParseTransactionType(typeValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMonitoring, errorCodeInvalid, err)
		}
		stats = append(stats, monitoring.TypeStats{Type: transactionType, Count: count, Amount: ledger.Credits(amount)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return stats, nil
}

func (store *Store) CountActiveUsers(ctx context.Context, since time.Time) (int64, error) {
	var active int64
	if err := store.db.QueryRow(ctx, sqlCountActiveUsers, since.UTC()).Scan(&active); err != nil {
		return 0, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return active, nil
}

func (store *Store) ReservationActivity(ctx context.Context, since time.Time) (monitoring.ReservationActivity, error) {
	var activity monitoring.ReservationActivity
	err := store.db.QueryRow(ctx, sqlReservationActivity, since.UTC()).
		Scan(&activity.Created, &activity.Confirmed, &activity.Cancelled)
	if err != nil {
		return monitoring.ReservationActivity{}, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return activity, nil
}

func (store *Store) TopUsersBySpent(ctx context.Context, limit int) ([]ledger.UserBalance, error) {
	rows, err := store.db.Query(ctx, sqlTopUsersBySpent, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	defer rows.Close()
	var balances []ledger.UserBalance
	for rows.Next() {
		balance, err := scanBalance(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMonitoring, errorCodeInvalid, err)
		}
		balances = append(balances, balance)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return balances, nil
}

func (store *Store) ItemUsage(ctx context.Context) ([]monitoring.ItemUsage, error) {
	rows, err := store.db.Query(ctx, sqlItemUsage)
	if err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	defer rows.Close()
	var usage []monitoring.ItemUsage
	for rows.Next() {
		var (
			item    monitoring.ItemUsage
			amounts [2]int64
		)
		if err := rows.Scan(&item.ItemID, &item.SpendCount, &amounts[0], &item.RefundCount, &amounts[1]); err != nil {
			return nil, wrapStoreError(errorSubjectMonitoring, errorCodeInvalid, err)
		}
		item.CreditsSpent = ledger.Credits(amounts[0])
		item.CreditsRefunded = ledger.Credits(amounts[1])
		usage = append(usage, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectMonitoring, errorCodeQuery, ledger.StorageUnavailable(err))
	}
	return usage, nil
}
