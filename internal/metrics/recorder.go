// Package metrics exports ledger activity as Prometheus series.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/monitoring"
)

const namespace = "credits"

var healthStatuses = []monitoring.HealthStatus{
	monitoring.HealthHealthy,
	monitoring.HealthWarning,
	monitoring.HealthCritical,
}

// Recorder owns a registry and the ledger series registered on it.
type Recorder struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	operationAmount *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	sweepCancelled  prometheus.Counter
	sweepDuration   prometheus.Histogram
	healthStatus    *prometheus.GaugeVec
	healthSignals   *prometheus.GaugeVec
}

// NewRecorder registers the ledger series on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"operation", "status"}),
		operationAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_credits_total",
			Help:      "Credits moved by successful ledger operations.",
		}, []string{"operation"}),
		sweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Expiry sweeps by trigger and outcome.",
		}, []string{"trigger", "status"}),
		sweepCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "reservations_expired_total",
			Help:      "Reservations cancelled by the expiry sweeper.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one expiry sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		healthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "1 for the current health classification, 0 otherwise.",
		}, []string{"status"}),
		healthSignals: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "signal",
			Help:      "Latest value of each consistency signal.",
		}, []string{"signal"}),
	}
}

// Registry exposes the underlying registry.
func (recorder *Recorder) Registry() *prometheus.Registry {
	return recorder.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{})
}

// LogOperation implements ledger.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error == nil && entry.Amount > 0 {
		recorder.operationAmount.WithLabelValues(entry.Operation).Add(float64(entry.Amount))
	}
}

// ObserveSweep is a ledger.SweepObserver.
func (recorder *Recorder) ObserveSweep(_ context.Context, report ledger.SweepReport) {
	trigger := "scheduled"
	if report.Forced {
		trigger = "forced"
	}
	status := "ok"
	if report.Err != nil {
		status = "error"
		if errors.Is(report.Err, context.Canceled) {
			status = "cancelled"
		}
	}
	recorder.sweepRuns.WithLabelValues(trigger, status).Inc()
	recorder.sweepCancelled.Add(float64(report.Cancelled))
	recorder.sweepDuration.Observe(report.Duration.Seconds())
}

// ObserveHealth publishes the latest health report.
func (recorder *Recorder) ObserveHealth(health monitoring.HealthMetrics) {
	for _, status := range healthStatuses {
		value := 0.0
		if status == health.Status {
			value = 1
		}
		recorder.healthStatus.WithLabelValues(string(status)).Set(value)
	}
	recorder.healthSignals.WithLabelValues("expired_pending").Set(float64(health.ExpiredPending))
	recorder.healthSignals.WithLabelValues("stuck_pending").Set(float64(health.StuckPending))
	recorder.healthSignals.WithLabelValues("negative_balances").Set(float64(health.NegativeBalances))
	recorder.healthSignals.WithLabelValues("inconsistent_balances").Set(float64(health.InconsistentBalances))
	recorder.healthSignals.WithLabelValues("ledger_mismatches").Set(float64(health.LedgerMismatches))
	recorder.healthSignals.WithLabelValues("refund_ratio").Set(health.RefundRatio)
}
