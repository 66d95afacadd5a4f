package monitoring

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// PendingStats summarizes pending reservations at a point in time.
type PendingStats struct {
	Pending       int64
	Expired       int64
	Stuck         int64
	PendingAmount ledger.Credits
}

// BalanceTotals aggregates every balance row.
type BalanceTotals struct {
	Users        int64
	Balance      ledger.Credits
	TotalEarned  ledger.Credits
	TotalSpent   ledger.Credits
	Negative     int64
	Inconsistent int64
}

// TypeStats aggregates transactions of one type. Amount is the sum of magnitudes.
type TypeStats struct {
	Type   ledger.TransactionType
	Count  int64
	Amount ledger.Credits
}

// ReservationActivity counts reservation lifecycle events in a window.
type ReservationActivity struct {
	Created   int64
	Confirmed int64
	Cancelled int64
}

// ItemUsage aggregates spends and refunds attributed to a priceable item.
type ItemUsage struct {
	ItemID          string         `json:"itemId"`
	SpendCount      int64          `json:"spendCount"`
	CreditsSpent    ledger.Credits `json:"creditsSpent"`
	RefundCount     int64          `json:"refundCount"`
	CreditsRefunded ledger.Credits `json:"creditsRefunded"`
}

// Store is the read-only query contract the Reporter depends on.
type Store interface {
	CountReservationsByStatus(ctx context.Context) (map[ledger.ReservationStatus]int64, error)
	PendingReservationStats(ctx context.Context, now time.Time, stuckBefore time.Time) (PendingStats, error)
	BalanceTotals(ctx context.Context) (BalanceTotals, error)
	// CountLedgerMismatches counts users whose balance differs from the sum of their transactions.
	CountLedgerMismatches(ctx context.Context) (int64, error)
	TransactionStats(ctx context.Context, since time.Time) ([]TypeStats, error)
	CountActiveUsers(ctx context.Context, since time.Time) (int64, error)
	ReservationActivity(ctx context.Context, since time.Time) (ReservationActivity, error)
	TopUsersBySpent(ctx context.Context, limit int) ([]ledger.UserBalance, error)
	ItemUsage(ctx context.Context) ([]ItemUsage, error)
}
