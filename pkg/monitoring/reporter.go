// Package monitoring computes read-only health and usage reports over the credit ledger.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// HealthStatus is the tri-state health classification.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Period selects the trailing window of GetUsageMetrics.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

const (
	defaultTopUsers = 10
	maxTopUsers     = 100
	systemWindow    = 24 * time.Hour
)

// ErrInvalidReporterConfig reports a bad Reporter wiring.
var ErrInvalidReporterConfig = errors.New("invalid reporter config")

// ParsePeriod validates a period name. Empty input selects PeriodDay.
func ParsePeriod(raw string) (Period, error) {
	switch period := Period(strings.ToLower(strings.TrimSpace(raw))); period {
	case "":
		return PeriodDay, nil
	case PeriodDay, PeriodWeek, PeriodMonth:
		return period, nil
	default:
		return "", fmt.Errorf("%w: %q", ledger.ErrInvalidPeriod, raw)
	}
}

// Duration returns the window length.
func (period Period) Duration() time.Duration {
	switch period {
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Thresholds drive the health classification.
type Thresholds struct {
	ExpiredPendingWarning  int64
	ExpiredPendingCritical int64
	RefundRatioWarning     float64
	RefundRatioCritical    float64
	StuckAfter             time.Duration
	RefundWindow           time.Duration
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ExpiredPendingWarning:  10,
		ExpiredPendingCritical: 100,
		RefundRatioWarning:     0.1,
		RefundRatioCritical:    0.3,
		StuckAfter:             time.Hour,
		RefundWindow:           24 * time.Hour,
	}
}

// SystemMetrics is a point-in-time aggregate of the whole ledger.
type SystemMetrics struct {
	TotalUsers           int64                              `json:"totalUsers"`
	TotalBalance         ledger.Credits                     `json:"totalBalance"`
	TotalEarned          ledger.Credits                     `json:"totalEarned"`
	TotalSpent           ledger.Credits                     `json:"totalSpent"`
	ReservationsByStatus map[ledger.ReservationStatus]int64 `json:"reservationsByStatus"`
	PendingAmount        ledger.Credits                     `json:"pendingAmount"`
	TransactionsLast24h  int64                              `json:"transactionsLast24h"`
	GeneratedAt          time.Time                          `json:"generatedAt"`
}

// HealthMetrics carries the consistency signals and their classification.
type HealthMetrics struct {
	Status               HealthStatus `json:"status"`
	ExpiredPending       int64        `json:"expiredPending"`
	StuckPending         int64        `json:"stuckPending"`
	NegativeBalances     int64        `json:"negativeBalances"`
	InconsistentBalances int64        `json:"inconsistentBalances"`
	LedgerMismatches     int64        `json:"ledgerMismatches"`
	RefundCount          int64        `json:"refundCount"`
	SpentCount           int64        `json:"spentCount"`
	RefundRatio          float64      `json:"refundRatio"`
	Issues               []string     `json:"issues"`
	CheckedAt            time.Time    `json:"checkedAt"`
}

// UsageMetrics aggregates activity in a trailing window.
type UsageMetrics struct {
	Period                Period                                    `json:"period"`
	Since                 time.Time                                 `json:"since"`
	CountsByType          map[ledger.TransactionType]int64          `json:"countsByType"`
	AmountsByType         map[ledger.TransactionType]ledger.Credits `json:"amountsByType"`
	ActiveUsers           int64                                     `json:"activeUsers"`
	ReservationsCreated   int64                                     `json:"reservationsCreated"`
	ReservationsConfirmed int64                                     `json:"reservationsConfirmed"`
	ReservationsCancelled int64                                     `json:"reservationsCancelled"`
	ConfirmRate           float64                                   `json:"confirmRate"`
}

// UserUsage is one row of GetTopUsers.
type UserUsage struct {
	UserID      string         `json:"userId"`
	Balance     ledger.Credits `json:"balance"`
	TotalEarned ledger.Credits `json:"totalEarned"`
	TotalSpent  ledger.Credits `json:"totalSpent"`
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(thresholds Thresholds) ReporterOption {
	return func(reporter *Reporter) {
		reporter.thresholds = thresholds
	}
}

// Reporter computes reports over a Store.
type Reporter struct {
	store      Store
	nowFn      func() time.Time
	thresholds Thresholds
}

// NewReporter wires a Reporter.
func NewReporter(store Store, now func() time.Time, options ...ReporterOption) (*Reporter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidReporterConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidReporterConfig)
	}
	reporter := &Reporter{store: store, nowFn: now, thresholds: DefaultThresholds()}
	for _, option := range options {
		if option != nil {
			option(reporter)
		}
	}
	if reporter.thresholds.StuckAfter <= 0 || reporter.thresholds.RefundWindow <= 0 {
		return nil, fmt.Errorf("%w: windows must be positive", ErrInvalidReporterConfig)
	}
	return reporter, nil
}

// GetSystemMetrics returns ledger-wide totals.
func (reporter *Reporter) GetSystemMetrics(ctx context.Context) (SystemMetrics, error) {
	now := reporter.nowFn()
	totals, err := reporter.store.BalanceTotals(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}
	byStatus, err := reporter.store.CountReservationsByStatus(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}
	pending, err := reporter.store.PendingReservationStats(ctx, now, now.Add(-reporter.thresholds.StuckAfter))
	if err != nil {
		return SystemMetrics{}, err
	}
	recent, err := reporter.store.TransactionStats(ctx, now.Add(-systemWindow))
	if err != nil {
		return SystemMetrics{}, err
	}
	var recentCount int64
	for _, stats := range recent {
		recentCount += stats.Count
	}
	return SystemMetrics{
		TotalUsers:           totals.Users,
		TotalBalance:         totals.Balance,
		TotalEarned:          totals.TotalEarned,
		TotalSpent:           totals.TotalSpent,
		ReservationsByStatus: byStatus,
		PendingAmount:        pending.PendingAmount,
		TransactionsLast24h:  recentCount,
		GeneratedAt:          now,
	}, nil
}

// GetHealthMetrics gathers the consistency signals and classifies them.
func (reporter *Reporter) GetHealthMetrics(ctx context.Context) (HealthMetrics, error) {
	now := reporter.nowFn()
	pending, err := reporter.store.PendingReservationStats(ctx, now, now.Add(-reporter.thresholds.StuckAfter))
	if err != nil {
		return HealthMetrics{}, err
	}
	totals, err := reporter.store.BalanceTotals(ctx)
	if err != nil {
		return HealthMetrics{}, err
	}
	mismatches, err := reporter.store.CountLedgerMismatches(ctx)
	if err != nil {
		return HealthMetrics{}, err
	}
	windowStats, err := reporter.store.TransactionStats(ctx, now.Add(-reporter.thresholds.RefundWindow))
	if err != nil {
		return HealthMetrics{}, err
	}
	metrics := HealthMetrics{
		ExpiredPending:       pending.Expired,
		StuckPending:         pending.Stuck,
		NegativeBalances:     totals.Negative,
		InconsistentBalances: totals.Inconsistent,
		LedgerMismatches:     mismatches,
		CheckedAt:            now,
	}
	for _, stats := range windowStats {
		switch stats.Type {
		case ledger.TransactionRefund:
			metrics.RefundCount = stats.Count
		case ledger.TransactionSpent:
			metrics.SpentCount = stats.Count
		case ledger.TransactionEarned, ledger.TransactionBonus:
		}
	}
	if metrics.SpentCount > 0 {
		metrics.RefundRatio = float64(metrics.RefundCount) / float64(metrics.SpentCount)
	}
	metrics.Status, metrics.Issues = Classify(metrics, reporter.thresholds)
	return metrics, nil
}

// Classify derives the health status and the list of tripped checks.
func Classify(metrics HealthMetrics, thresholds Thresholds) (HealthStatus, []string) {
	issues := []string{}
	critical := false
	warning := false
	if metrics.NegativeBalances > 0 {
		critical = true
		issues = append(issues, fmt.Sprintf("%d users have a negative balance", metrics.NegativeBalances))
	}
	if metrics.InconsistentBalances > 0 {
		critical = true
		issues = append(issues, fmt.Sprintf("%d users have balance != earned - spent", metrics.InconsistentBalances))
	}
	if metrics.LedgerMismatches > 0 {
		critical = true
		issues = append(issues, fmt.Sprintf("%d users have balance != sum of transactions", metrics.LedgerMismatches))
	}
	switch {
	case metrics.ExpiredPending > thresholds.ExpiredPendingCritical:
		critical = true
		issues = append(issues, fmt.Sprintf("%d expired reservations still pending", metrics.ExpiredPending))
	case metrics.ExpiredPending > thresholds.ExpiredPendingWarning:
		warning = true
		issues = append(issues, fmt.Sprintf("%d expired reservations still pending", metrics.ExpiredPending))
	}
	if metrics.StuckPending > 0 {
		warning = true
		issues = append(issues, fmt.Sprintf("%d reservations pending longer than %s", metrics.StuckPending, thresholds.StuckAfter))
	}
	switch {
	case metrics.RefundRatio > thresholds.RefundRatioCritical:
		critical = true
		issues = append(issues, fmt.Sprintf("refund ratio %.2f", metrics.RefundRatio))
	case metrics.RefundRatio > thresholds.RefundRatioWarning:
		warning = true
		issues = append(issues, fmt.Sprintf("refund ratio %.2f", metrics.RefundRatio))
	}
	switch {
	case critical:
		return HealthCritical, issues
	case warning:
		return HealthWarning, issues
	default:
		return HealthHealthy, issues
	}
}

// GetUsageMetrics aggregates activity over the trailing period.
func (reporter *Reporter) GetUsageMetrics(ctx context.Context, period Period) (UsageMetrics, error) {
	period, err := ParsePeriod(string(period))
	if err != nil {
		return UsageMetrics{}, err
	}
	since := reporter.nowFn().Add(-period.Duration())
	stats, err := reporter.store.TransactionStats(ctx, since)
	if err != nil {
		return UsageMetrics{}, err
	}
	activeUsers, err := reporter.store.CountActiveUsers(ctx, since)
	if err != nil {
		return UsageMetrics{}, err
	}
	activity, err := reporter.store.ReservationActivity(ctx, since)
	if err != nil {
		return UsageMetrics{}, err
	}
	usage := UsageMetrics{
		Period:                period,
		Since:                 since,
		CountsByType:          make(map[ledger.TransactionType]int64, len(ledger.TransactionTypes)),
		AmountsByType:         make(map[ledger.TransactionType]ledger.Credits, len(ledger.TransactionTypes)),
		ActiveUsers:           activeUsers,
		ReservationsCreated:   activity.Created,
		ReservationsConfirmed: activity.Confirmed,
		ReservationsCancelled: activity.Cancelled,
	}
	for _, transactionType := range ledger.TransactionTypes {
		usage.CountsByType[transactionType] = 0
		usage.AmountsByType[transactionType] = 0
	}
	for _, typeStats := range stats {
		usage.CountsByType[typeStats.Type] = typeStats.Count
		usage.AmountsByType[typeStats.Type] = typeStats.Amount
	}
	if resolved := activity.Confirmed + activity.Cancelled; resolved > 0 {
		usage.ConfirmRate = float64(activity.Confirmed) / float64(resolved)
	}
	return usage, nil
}

// GetTopUsers returns users ordered by lifetime spend.
func (reporter *Reporter) GetTopUsers(ctx context.Context, limit int) ([]UserUsage, error) {
	if limit <= 0 {
		limit = defaultTopUsers
	}
	if limit > maxTopUsers {
		limit = maxTopUsers
	}
	balances, err := reporter.store.TopUsersBySpent(ctx, limit)
	if err != nil {
		return nil, err
	}
	users := make([]UserUsage, 0, len(balances))
	for _, balance := range balances {
		users = append(users, UserUsage{
			UserID:      balance.UserID.String(),
			Balance:     balance.Balance,
			TotalEarned: balance.TotalEarned,
			TotalSpent:  balance.TotalSpent,
		})
	}
	return users, nil
}

// GetModelUsageStats returns spend and refund aggregates per priceable item.
func (reporter *Reporter) GetModelUsageStats(ctx context.Context) ([]ItemUsage, error) {
	return reporter.store.ItemUsage(ctx)
}
