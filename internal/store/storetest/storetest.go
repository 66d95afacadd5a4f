// Package storetest holds the behavior every ledger backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/monitoring"
)

// Store is the full backend surface.
type Store interface {
	ledger.Store
	monitoring.Store
}

// Factory returns an empty store for one subtest.
type Factory func(test *testing.T) Store

const (
	userPrimary   = "store-user-a"
	userSecondary = "store-user-b"
	userDrifted   = "store-user-c"
	itemPrimary   = "model-x"
	metadataBlob  = `{"model":"x","tokens":12}`
)

// Epoch is the reference time used by the suite. Whole seconds keep every backend exact.
var Epoch = time.Date(2026, time.February, 2, 10, 0, 0, 0, time.UTC)

// Run exercises a backend against the shared contract.
func Run(test *testing.T, newStore Factory) {
	test.Run("balances", func(test *testing.T) { testBalances(test, newStore(test)) })
	test.Run("transactions", func(test *testing.T) { testTransactions(test, newStore(test)) })
	test.Run("reservations", func(test *testing.T) { testReservations(test, newStore(test)) })
	test.Run("expiry and purge", func(test *testing.T) { testExpiryAndPurge(test, newStore(test)) })
	test.Run("rollback", func(test *testing.T) { testRollback(test, newStore(test)) })
	test.Run("monitoring", func(test *testing.T) { testMonitoring(test, newStore(test)) })
}

func testBalances(test *testing.T, store Store) {
	ctx := context.Background()
	userID := mustUserID(test, userPrimary)

	if _, err := store.GetBalance(ctx, userID); !errors.Is(err, ledger.ErrUserNotFound) {
		test.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := store.ApplyDelta(ctx, ledger.BalanceDelta{UserID: userID, Amount: 5, Earned: 5, At: Epoch}); !errors.Is(err, ledger.ErrUserNotFound) {
		test.Fatalf("expected ErrUserNotFound for missing row, got %v", err)
	}
	created, isNew, err := store.CreateBalanceIfAbsent(ctx, userID, Epoch)
	if err != nil || !isNew {
		test.Fatalf("expected a new row, got %v (%v)", isNew, err)
	}
	if created.Balance != 0 || created.UserID != userID || !created.CreatedAt.Equal(Epoch) {
		test.Fatalf("unexpected new row: %+v", created)
	}
	_, isNew, err = store.CreateBalanceIfAbsent(ctx, userID, Epoch.Add(time.Hour))
	if err != nil || isNew {
		test.Fatalf("expected the existing row, got %v (%v)", isNew, err)
	}

	credited, err := store.ApplyDelta(ctx, ledger.BalanceDelta{UserID: userID, Amount: 100, Earned: 100, At: Epoch.Add(time.Minute)})
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if credited.Balance != 100 || credited.TotalEarned != 100 || !credited.UpdatedAt.Equal(Epoch.Add(time.Minute)) {
		test.Fatalf("unexpected credited row: %+v", credited)
	}
	_, err = store.ApplyDelta(ctx, ledger.BalanceDelta{UserID: userID, Amount: -101, Spent: 101, RequireSufficient: true, At: Epoch})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	debited, err := store.ApplyDelta(ctx, ledger.BalanceDelta{UserID: userID, Amount: -100, Spent: 100, RequireSufficient: true, At: Epoch})
	if err != nil {
		test.Fatalf("debit to zero: %v", err)
	}
	if debited.Balance != 0 || debited.TotalSpent != 100 || !debited.IsConsistent() {
		test.Fatalf("unexpected debited row: %+v", debited)
	}
}

func testTransactions(test *testing.T, store Store) {
	ctx := context.Background()
	userID := mustUserID(test, userPrimary)
	original := transaction(test, "txn-spend", userID, ledger.TransactionSpent, -30, Epoch)
	original.PriceableItemID = itemPrimary
	original.RelatedItemID = "chat-1"
	original.ReservationID = "rsv_1"
	original.Metadata = mustMetadata(test, metadataBlob)
	original.BalanceAfter = 70
	rows := []ledger.Transaction{
		original,
		refundOf(test, "txn-refund-1", original, 10, Epoch.Add(time.Minute)),
		refundOf(test, "txn-refund-2", original, 5, Epoch.Add(2*time.Minute)),
		transaction(test, "txn-other", mustUserID(test, userSecondary), ledger.TransactionEarned, 9, Epoch),
	}
	for _, row := range rows {
		if err := store.InsertTransaction(ctx, row); err != nil {
			test.Fatalf("insert %s: %v", row.ID, err)
		}
	}
	if err := store.InsertTransaction(ctx, original); !errors.Is(err, ledger.ErrValidation) {
		test.Fatalf("expected duplicate insert to fail validation, got %v", err)
	}

	loaded, err := store.GetTransaction(ctx, original.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if loaded.Type != ledger.TransactionSpent || loaded.Amount != -30 || loaded.BalanceAfter != 70 ||
		loaded.PriceableItemID != itemPrimary || loaded.RelatedItemID != "chat-1" || loaded.ReservationID != "rsv_1" ||
		loaded.OriginalTransactionID != "" || !loaded.CreatedAt.Equal(Epoch) {
		test.Fatalf("unexpected round trip: %+v", loaded)
	}
	assertSameJSON(test, metadataBlob, loaded.Metadata.String())
	if _, err := store.GetTransaction(ctx, mustTransactionID(test, "txn-missing")); !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}

	listed, err := store.ListTransactions(ctx, userID, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].ID.String() != "txn-refund-2" || listed[1].ID.String() != "txn-refund-1" {
		test.Fatalf("expected newest first, got %+v", listed)
	}
	all, err := store.ListTransactions(ctx, userID, 0)
	if err != nil || len(all) != 3 {
		test.Fatalf("expected three rows without a limit, got %d (%v)", len(all), err)
	}

	refunded, err := store.SumRefunds(ctx, original.ID)
	if err != nil || refunded != 15 {
		test.Fatalf("expected 15 refunded, got %d (%v)", refunded, err)
	}
	none, err := store.SumRefunds(ctx, mustTransactionID(test, "txn-other"))
	if err != nil || none != 0 {
		test.Fatalf("expected no refunds, got %d (%v)", none, err)
	}
}

func testReservations(test *testing.T, store Store) {
	ctx := context.Background()
	userID := mustUserID(test, userPrimary)
	otherUser := mustUserID(test, userSecondary)
	first := reservation(test, "rsv_first", userID, ledger.ReservationStatusPending, Epoch, Epoch.Add(time.Hour))
	first.Description = "first call"
	second := reservation(test, "rsv_second", userID, ledger.ReservationStatusPending, Epoch.Add(time.Minute), Epoch.Add(time.Hour))
	foreign := reservation(test, "rsv_foreign", otherUser, ledger.ReservationStatusPending, Epoch, Epoch.Add(time.Hour))
	for _, row := range []ledger.Reservation{first, second, foreign} {
		if err := store.CreateReservation(ctx, row); err != nil {
			test.Fatalf("create %s: %v", row.ID, err)
		}
	}
	if err := store.CreateReservation(ctx, first); !errors.Is(err, ledger.ErrReservationExists) {
		test.Fatalf("expected ErrReservationExists, got %v", err)
	}

	loaded, err := store.GetReservation(ctx, userID, first.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if loaded.Amount != first.Amount || loaded.ItemID != first.ItemID || loaded.Description != "first call" ||
		loaded.Status != ledger.ReservationStatusPending || !loaded.ExpiresAt.Equal(first.ExpiresAt) {
		test.Fatalf("unexpected round trip: %+v", loaded)
	}
	if _, err := store.GetReservation(ctx, otherUser, first.ID); !errors.Is(err, ledger.ErrReservationNotFound) {
		test.Fatalf("expected other users to miss, got %v", err)
	}

	confirm := ledger.ReservationTransition{
		UserID:        userID,
		ReservationID: first.ID,
		From:          ledger.ReservationStatusPending,
		To:            ledger.ReservationStatusConfirmed,
		At:            Epoch.Add(5 * time.Minute),
	}
	changed, err := store.TransitionReservation(ctx, confirm)
	if err != nil || !changed {
		test.Fatalf("expected first transition to win, got %v (%v)", changed, err)
	}
	changed, err = store.TransitionReservation(ctx, confirm)
	if err != nil || changed {
		test.Fatalf("expected repeated transition to be a no-op, got %v (%v)", changed, err)
	}
	cancel := confirm
	cancel.To = ledger.ReservationStatusCancelled
	cancel.CancelReason = ledger.CancelReasonCaller
	if changed, err := store.TransitionReservation(ctx, cancel); err != nil || changed {
		test.Fatalf("cancel must not override a confirmation, got %v (%v)", changed, err)
	}
	missing := confirm
	missing.ReservationID = mustReservationID(test, "rsv_missing")
	if _, err := store.TransitionReservation(ctx, missing); !errors.Is(err, ledger.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
	loaded, err = store.GetReservation(ctx, userID, first.ID)
	if err != nil || loaded.Status != ledger.ReservationStatusConfirmed || !loaded.UpdatedAt.Equal(confirm.At) {
		test.Fatalf("unexpected confirmed row: %+v (%v)", loaded, err)
	}

	pending, err := store.ListReservations(ctx, userID, ledger.ReservationFilter{Status: ledger.ReservationStatusPending})
	if err != nil || len(pending) != 1 || pending[0].ID != second.ID {
		test.Fatalf("unexpected pending list: %+v (%v)", pending, err)
	}
	all, err := store.ListReservations(ctx, userID, ledger.ReservationFilter{})
	if err != nil || len(all) != 2 || all[0].ID != second.ID {
		test.Fatalf("expected newest first, got %+v (%v)", all, err)
	}
	limited, err := store.ListReservations(ctx, userID, ledger.ReservationFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		test.Fatalf("expected one row, got %d (%v)", len(limited), err)
	}
}

func testExpiryAndPurge(test *testing.T, store Store) {
	ctx := context.Background()
	userID := mustUserID(test, userPrimary)
	now := Epoch.Add(time.Hour)
	rows := []ledger.Reservation{
		reservation(test, "rsv_late", userID, ledger.ReservationStatusPending, Epoch, now.Add(-10*time.Minute)),
		reservation(test, "rsv_later", userID, ledger.ReservationStatusPending, Epoch, now.Add(-20*time.Minute)),
		reservation(test, "rsv_latest", userID, ledger.ReservationStatusPending, Epoch, now.Add(-30*time.Minute)),
		reservation(test, "rsv_deadline", userID, ledger.ReservationStatusPending, Epoch, now),
		reservation(test, "rsv_live", userID, ledger.ReservationStatusPending, Epoch, now.Add(time.Minute)),
		reservation(test, "rsv_done", userID, ledger.ReservationStatusConfirmed, Epoch, now.Add(-time.Hour)),
	}
	for _, row := range rows {
		if err := store.CreateReservation(ctx, row); err != nil {
			test.Fatalf("create %s: %v", row.ID, err)
		}
	}

	expired, err := store.ListExpiredPending(ctx, now, 10)
	if err != nil {
		test.Fatalf("list expired: %v", err)
	}
	if ids := reservationIDs(expired); !reflect.DeepEqual(ids, []string{"rsv_latest", "rsv_later", "rsv_late"}) {
		test.Fatalf("unexpected expired rows: %v", ids)
	}
	batch, err := store.ListExpiredPending(ctx, now, 2)
	if err != nil || len(batch) != 2 {
		test.Fatalf("expected a batch of two, got %d (%v)", len(batch), err)
	}

	purged, err := store.PurgeReservations(ctx, Epoch.Add(time.Second))
	if err != nil || purged != 1 {
		test.Fatalf("expected one terminal row purged, got %d (%v)", purged, err)
	}
	remaining, err := store.ListReservations(ctx, userID, ledger.ReservationFilter{})
	if err != nil || len(remaining) != len(rows)-1 {
		test.Fatalf("expected pending rows to survive the purge, got %d (%v)", len(remaining), err)
	}
}

func testRollback(test *testing.T, store Store) {
	ctx := context.Background()
	userID := mustUserID(test, userPrimary)
	rollbackError := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, _, err := txStore.CreateBalanceIfAbsent(ctx, userID, Epoch); err != nil {
			return err
		}
		if _, err := txStore.ApplyDelta(ctx, ledger.BalanceDelta{UserID: userID, Amount: 10, Earned: 10, At: Epoch}); err != nil {
			return err
		}
		if err := txStore.InsertTransaction(ctx, transaction(test, "txn-rolled-back", userID, ledger.TransactionEarned, 10, Epoch)); err != nil {
			return err
		}
		return rollbackError
	})
	if !errors.Is(err, rollbackError) {
		test.Fatalf("expected the callback error, got %v", err)
	}
	if _, err := store.GetBalance(ctx, userID); !errors.Is(err, ledger.ErrUserNotFound) {
		test.Fatalf("expected the balance row to roll back, got %v", err)
	}
	if _, err := store.GetTransaction(ctx, mustTransactionID(test, "txn-rolled-back")); !errors.Is(err, ledger.ErrTransactionNotFound) {
		test.Fatalf("expected the transaction to roll back, got %v", err)
	}

	err = store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		_, _, err := txStore.CreateBalanceIfAbsent(ctx, userID, Epoch)
		return err
	})
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	if _, err := store.GetBalance(ctx, userID); err != nil {
		test.Fatalf("expected committed row, got %v", err)
	}
}

func testMonitoring(test *testing.T, store Store) {
	ctx := context.Background()
	now := Epoch.Add(48 * time.Hour)
	primary := mustUserID(test, userPrimary)
	secondary := mustUserID(test, userSecondary)
	drifted := mustUserID(test, userDrifted)

	for _, userID := range []ledger.UserID{primary, secondary, drifted} {
		if _, _, err := store.CreateBalanceIfAbsent(ctx, userID, Epoch); err != nil {
			test.Fatalf("create balance: %v", err)
		}
	}
	deltas := []ledger.BalanceDelta{
		{UserID: primary, Amount: 100, Earned: 100, At: now},
		{UserID: primary, Amount: -30, Spent: 30, At: now},
		{UserID: primary, Amount: 10, Earned: 10, At: now},
		{UserID: secondary, Amount: 5, Earned: 5, At: now},
		{UserID: drifted, Amount: 10, At: now},
	}
	for _, delta := range deltas {
		if _, err := store.ApplyDelta(ctx, delta); err != nil {
			test.Fatalf("apply delta: %v", err)
		}
	}
	spent := transaction(test, "txn-m-spent", primary, ledger.TransactionSpent, -30, now.Add(-2*time.Minute))
	spent.PriceableItemID = itemPrimary
	refund := refundOf(test, "txn-m-refund", spent, 10, now.Add(-time.Minute))
	transactions := []ledger.Transaction{
		transaction(test, "txn-m-bonus", primary, ledger.TransactionBonus, 100, Epoch),
		spent,
		refund,
		transaction(test, "txn-m-earned", secondary, ledger.TransactionEarned, 5, now.Add(-3*time.Minute)),
	}
	for _, row := range transactions {
		if err := store.InsertTransaction(ctx, row); err != nil {
			test.Fatalf("insert %s: %v", row.ID, err)
		}
	}
	stale := reservation(test, "rsv_m_stale", primary, ledger.ReservationStatusPending, now.Add(-2*time.Hour), now.Add(-time.Hour))
	live := reservation(test, "rsv_m_live", primary, ledger.ReservationStatusPending, now, now.Add(10*time.Minute))
	confirmed := reservation(test, "rsv_m_confirmed", primary, ledger.ReservationStatusConfirmed, now.Add(-10*time.Minute), now.Add(time.Hour))
	confirmed.UpdatedAt = now.Add(-5 * time.Minute)
	cancelled := reservation(test, "rsv_m_cancelled", secondary, ledger.ReservationStatusCancelled, now.Add(-10*time.Minute), now.Add(time.Hour))
	cancelled.UpdatedAt = now.Add(-5 * time.Minute)
	for _, row := range []ledger.Reservation{stale, live, confirmed, cancelled} {
		if err := store.CreateReservation(ctx, row); err != nil {
			test.Fatalf("create %s: %v", row.ID, err)
		}
	}

	byStatus, err := store.CountReservationsByStatus(ctx)
	if err != nil {
		test.Fatalf("count by status: %v", err)
	}
	wantStatus := map[ledger.ReservationStatus]int64{
		ledger.ReservationStatusPending:   2,
		ledger.ReservationStatusConfirmed: 1,
		ledger.ReservationStatusCancelled: 1,
	}
	if !reflect.DeepEqual(byStatus, wantStatus) {
		test.Fatalf("expected %v, got %v", wantStatus, byStatus)
	}

	pending, err := store.PendingReservationStats(ctx, now, now.Add(-time.Hour))
	if err != nil {
		test.Fatalf("pending stats: %v", err)
	}
	if pending != (monitoring.PendingStats{Pending: 2, Expired: 1, Stuck: 1, PendingAmount: stale.Amount + live.Amount}) {
		test.Fatalf("unexpected pending stats: %+v", pending)
	}

	totals, err := store.BalanceTotals(ctx)
	if err != nil {
		test.Fatalf("balance totals: %v", err)
	}
	if totals != (monitoring.BalanceTotals{Users: 3, Balance: 95, TotalEarned: 115, TotalSpent: 30, Inconsistent: 1}) {
		test.Fatalf("unexpected totals: %+v", totals)
	}
	mismatches, err := store.CountLedgerMismatches(ctx)
	if err != nil || mismatches != 1 {
		test.Fatalf("expected one ledger mismatch, got %d (%v)", mismatches, err)
	}

	stats, err := store.TransactionStats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		test.Fatalf("transaction stats: %v", err)
	}
	byType := make(map[ledger.TransactionType]monitoring.TypeStats, len(stats))
	for _, row := range stats {
		byType[row.Type] = row
	}
	wantTypes := map[ledger.TransactionType]monitoring.TypeStats{
		ledger.TransactionSpent:  {Type: ledger.TransactionSpent, Count: 1, Amount: 30},
		ledger.TransactionRefund: {Type: ledger.TransactionRefund, Count: 1, Amount: 10},
		ledger.TransactionEarned: {Type: ledger.TransactionEarned, Count: 1, Amount: 5},
	}
	if !reflect.DeepEqual(byType, wantTypes) {
		test.Fatalf("expected %v, got %v", wantTypes, byType)
	}
	active, err := store.CountActiveUsers(ctx, now.Add(-24*time.Hour))
	if err != nil || active != 2 {
		test.Fatalf("expected two active users, got %d (%v)", active, err)
	}

	activity, err := store.ReservationActivity(ctx, now.Add(-30*time.Minute))
	if err != nil {
		test.Fatalf("reservation activity: %v", err)
	}
	if activity != (monitoring.ReservationActivity{Created: 3, Confirmed: 1, Cancelled: 1}) {
		test.Fatalf("unexpected activity: %+v", activity)
	}

	top, err := store.TopUsersBySpent(ctx, 2)
	if err != nil {
		test.Fatalf("top users: %v", err)
	}
	if len(top) != 2 || top[0].UserID != primary || top[0].TotalSpent != 30 || top[1].UserID != secondary {
		test.Fatalf("unexpected top users: %+v", top)
	}

	usage, err := store.ItemUsage(ctx)
	if err != nil {
		test.Fatalf("item usage: %v", err)
	}
	wantUsage := []monitoring.ItemUsage{{ItemID: itemPrimary, SpendCount: 1, CreditsSpent: 30, RefundCount: 1, CreditsRefunded: 10}}
	if !reflect.DeepEqual(usage, wantUsage) {
		test.Fatalf("expected %+v, got %+v", wantUsage, usage)
	}
}

func transaction(test *testing.T, id string, userID ledger.UserID, transactionType ledger.TransactionType, amount ledger.Credits, at time.Time) ledger.Transaction {
	test.Helper()
	return ledger.Transaction{
		ID:           mustTransactionID(test, id),
		UserID:       userID,
		Type:         transactionType,
		Amount:       amount,
		Metadata:     mustMetadata(test, ""),
		BalanceAfter: amount,
		CreatedAt:    at,
	}
}

func refundOf(test *testing.T, id string, original ledger.Transaction, amount ledger.Credits, at time.Time) ledger.Transaction {
	test.Helper()
	refund := transaction(test, id, original.UserID, ledger.TransactionRefund, amount, at)
	refund.OriginalTransactionID = original.ID.String()
	refund.PriceableItemID = original.PriceableItemID
	return refund
}

func reservation(test *testing.T, id string, userID ledger.UserID, status ledger.ReservationStatus, createdAt time.Time, expiresAt time.Time) ledger.Reservation {
	test.Helper()
	itemID, err := ledger.NewItemID(itemPrimary)
	if err != nil {
		test.Fatalf("item id: %v", err)
	}
	return ledger.Reservation{
		ID:        mustReservationID(test, id),
		UserID:    userID,
		ItemID:    itemID,
		Amount:    12,
		Status:    status,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func reservationIDs(reservations []ledger.Reservation) []string {
	ids := make([]string, 0, len(reservations))
	for _, reservation := range reservations {
		ids = append(ids, reservation.ID.String())
	}
	return ids
}

func assertSameJSON(test *testing.T, expected string, actual string) {
	test.Helper()
	var expectedValue, actualValue any
	if err := json.Unmarshal([]byte(expected), &expectedValue); err != nil {
		test.Fatalf("decode expected: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &actualValue); err != nil {
		test.Fatalf("decode %q: %v", actual, err)
	}
	if !reflect.DeepEqual(expectedValue, actualValue) {
		test.Fatalf("expected %s, got %s", expected, actual)
	}
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustTransactionID(test *testing.T, raw string) ledger.TransactionID {
	test.Helper()
	transactionID, err := ledger.NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return transactionID
}

func mustReservationID(test *testing.T, raw string) ledger.ReservationID {
	test.Helper()
	reservationID, err := ledger.NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func mustMetadata(test *testing.T, raw string) ledger.MetadataJSON {
	test.Helper()
	metadata, err := ledger.NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
