package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/internal/config"
	"github.com/MarkoPoloResearchLab/credits/internal/opsapi"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/monitoring"
)

const (
	flagForce       = "force"
	flagOlderThan   = "older-than"
	flagUser        = "user"
	flagAmount      = "amount"
	flagType        = "type"
	flagDescription = "description"

	exitCodeCritical = 2
)

var errCriticalHealth = errors.New("ledger health is critical")

type sweepResult struct {
	Ran       bool `json:"ran"`
	Cancelled int  `json:"cancelled"`
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the expiry sweeper and the ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	server, err := opsapi.NewServer(opsapi.Config{
		Reporter:       rt.reporter,
		Sweeper:        rt.sweeper,
		MetricsHandler: rt.recorder.Handler(),
		HealthObserver: rt.recorder.ObserveHealth,
		Logger:         rt.logger,
	})
	if err != nil {
		return err
	}

	rt.sweeper.Start(ctx)
	defer rt.sweeper.Stop()
	rt.logger.Info("expiry sweeper started",
		zap.Duration("interval", cfg.SweepInterval),
		zap.Duration("min_interval", cfg.SweepMinInterval),
	)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		publishHealth(serveCtx, rt, cfg.SweepInterval)
	}()

	err = server.Run(serveCtx, cfg.ListenAddr)
	cancel()
	<-healthDone
	rt.logger.Info("shutdown complete")
	return err
}

// publishHealth refreshes the health gauges until ctx is done.
func publishHealth(ctx context.Context, rt *runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		health, err := rt.reporter.GetHealthMetrics(ctx)
		if err != nil && ctx.Err() == nil {
			rt.logger.Warn("health refresh failed", zap.Error(err))
		} else if err == nil {
			rt.recorder.ObserveHealth(health)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newSweepCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Cancel pending reservations past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, err := cmd.Flags().GetBool(flagForce)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			if force {
				cancelled, err := rt.sweeper.ForceSweep(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), sweepResult{Ran: true, Cancelled: cancelled})
			}
			outcome, err := rt.sweeper.SweepIfDue(cmd.Context(), 0)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sweepResult{Ran: outcome.Ran, Cancelled: outcome.Cancelled})
		},
	}
	cmd.Flags().Bool(flagForce, false, "sweep even if the throttle interval has not elapsed")
	return cmd
}

func newPurgeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal reservations older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, err := cmd.Flags().GetDuration(flagOlderThan)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			purged, err := rt.sweeper.PurgeOld(cmd.Context(), parseRetention(olderThan, cfg.RetentionPeriod))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int64{"purged": purged})
		},
	}
	cmd.Flags().Duration(flagOlderThan, 0, "retention override (defaults to --retention)")
	return cmd
}

func newHealthCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the ledger health report; exits 2 when critical",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			health, err := rt.reporter.GetHealthMetrics(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), health); err != nil {
				return err
			}
			if health.Status == monitoring.HealthCritical {
				return exitError{code: exitCodeCritical, err: errCriticalHealth}
			}
			return nil
		},
	}
}

func newGrantCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit a user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			request, err := grantRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			result, err := rt.service.Earn(cmd.Context(), request)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"transactionId": result.TransactionID.String(),
				"newBalance":    result.NewBalance,
			})
		},
	}
	cmd.Flags().String(flagUser, "", "user id (required)")
	cmd.Flags().Int64(flagAmount, 0, "credits to add (required)")
	cmd.Flags().String(flagType, ledger.TransactionEarned.String(), "transaction type: earned or bonus")
	cmd.Flags().String(flagDescription, "", "ledger description")
	return cmd
}

func grantRequestFromFlags(cmd *cobra.Command) (ledger.EarnRequest, error) {
	rawUser, err := cmd.Flags().GetString(flagUser)
	if err != nil {
		return ledger.EarnRequest{}, err
	}
	rawAmount, err := cmd.Flags().GetInt64(flagAmount)
	if err != nil {
		return ledger.EarnRequest{}, err
	}
	rawType, err := cmd.Flags().GetString(flagType)
	if err != nil {
		return ledger.EarnRequest{}, err
	}
	description, err := cmd.Flags().GetString(flagDescription)
	if err != nil {
		return ledger.EarnRequest{}, err
	}
	userID, err := ledger.NewUserID(rawUser)
	if err != nil {
		return ledger.EarnRequest{}, fmt.Errorf("--%s: %w", flagUser, err)
	}
	amount, err := ledger.NewCredits(rawAmount)
	if err != nil {
		return ledger.EarnRequest{}, fmt.Errorf("--%s: %w", flagAmount, err)
	}
	transactionType, err := ledger.ParseTransactionType(rawType)
	if err != nil {
		return ledger.EarnRequest{}, fmt.Errorf("--%s: %w", flagType, err)
	}
	return ledger.EarnRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        transactionType,
		Description: description,
	}, nil
}

func writeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
