// Package logging builds zap loggers and adapts them to ledger callbacks.
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// New builds a production JSON logger, or a development console logger at debug.
func New(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	var cfg zap.Config
	if atomicLevel.Level() == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = atomicLevel
	return cfg.Build()
}

// OperationLogger writes ledger operations to zap.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger. A nil logger discards entries.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.ReservationID.IsZero() {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if !entry.ItemID.IsZero() {
		fields = append(fields, zap.String("item_id", entry.ItemID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

// SweepObserver returns a ledger.SweepObserver that logs each run.
func SweepObserver(logger *zap.Logger) ledger.SweepObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, report ledger.SweepReport) {
		fields := []zap.Field{
			zap.Int("cancelled", report.Cancelled),
			zap.Bool("forced", report.Forced),
			zap.Duration("duration", report.Duration),
		}
		if report.Err != nil {
			logger.Error("expiry sweep failed", append(fields, zap.Error(report.Err))...)
			return
		}
		if report.Cancelled == 0 {
			logger.Debug("expiry sweep", fields...)
			return
		}
		logger.Info("expiry sweep", fields...)
	}
}
