package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/internal/config"
	"github.com/MarkoPoloResearchLab/credits/internal/database"
	"github.com/MarkoPoloResearchLab/credits/internal/logging"
	"github.com/MarkoPoloResearchLab/credits/internal/metrics"
	"github.com/MarkoPoloResearchLab/credits/internal/pricing"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/credits/internal/throttle"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/monitoring"
)

// ledgerStore is what every backend provides.
type ledgerStore interface {
	ledger.Store
	monitoring.Store
}

// runtime holds the wired ledger components for one process.
type runtime struct {
	logger   *zap.Logger
	service  *ledger.Service
	sweeper  *ledger.Sweeper
	reporter *monitoring.Reporter
	recorder *metrics.Recorder
	closers  []func() error
}

func (rt *runtime) Close() error {
	var closeErr error
	for index := len(rt.closers) - 1; index >= 0; index-- {
		closeErr = errors.Join(closeErr, rt.closers[index]())
	}
	_ = rt.logger.Sync()
	return closeErr
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	rt := &runtime{logger: logger, recorder: metrics.NewRecorder()}

	store, err := rt.openStore(ctx, cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	catalog, err := rt.loadCatalog(cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	initialGrant := ledger.Credits(cfg.InitialGrant)
	rt.service, err = ledger.NewService(store, catalog, utcNow,
		ledger.WithReservationTTL(cfg.ReservationTTL),
		ledger.WithInitialGrant(initialGrant),
		ledger.WithOperationLogger(logging.NewOperationLogger(logger)),
		ledger.WithOperationLogger(rt.recorder),
	)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}

	sweeperOptions := []ledger.SweeperOption{
		ledger.WithSweepMinInterval(cfg.SweepMinInterval),
		ledger.WithSweepBatchSize(cfg.SweepBatchSize),
		ledger.WithSweepInterval(cfg.SweepInterval),
		ledger.WithSweepObserver(logging.SweepObserver(logger)),
		ledger.WithSweepObserver(rt.recorder.ObserveSweep),
	}
	if cfg.RedisURL != "" {
		client, err := throttle.Connect(ctx, cfg.RedisURL)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, client.Close)
		redisThrottle, err := throttle.NewRedisSweepThrottle(client, "")
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		sweeperOptions = append(sweeperOptions, ledger.WithSweepThrottle(redisThrottle))
	}
	rt.sweeper, err = ledger.NewSweeper(store, utcNow, sweeperOptions...)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("sweeper init: %w", err)
	}

	thresholds := monitoring.DefaultThresholds()
	thresholds.StuckAfter = cfg.StuckAfter
	rt.reporter, err = monitoring.NewReporter(store, utcNow, monitoring.WithThresholds(thresholds))
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("reporter init: %w", err)
	}
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context, cfg config.Config) (ledgerStore, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		rt.logger.Warn("using in-memory store; balances are lost on exit")
		return memstore.New(), nil
	case config.StoreDriverPgx:
		pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		store := pgstore.New(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		db, cleanup, driver, err := database.OpenGorm(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		rt.closers = append(rt.closers, cleanup)
		if err := database.PrepareSchema(db); err != nil {
			return nil, err
		}
		rt.logger.Debug("gorm store ready", zap.String("driver", driver))
		return gormstore.New(db), nil
	}
}

func (rt *runtime) loadCatalog(cfg config.Config) (*pricing.Catalog, error) {
	if cfg.PricingFile == "" {
		rt.logger.Warn("no pricing catalog configured; reservations will fail with item not found")
		return pricing.NewCatalog()
	}
	catalog, err := pricing.LoadFile(cfg.PricingFile)
	if err != nil {
		return nil, err
	}
	rt.logger.Info("pricing catalog loaded", zap.String("path", cfg.PricingFile), zap.Int("items", len(catalog.Items())))
	return catalog, nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
