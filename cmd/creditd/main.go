package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/credits/internal/config"
)

const dotEnvFile = ".env"

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	err  error
}

func (exit exitError) Error() string {
	return exit.err.Error()
}

func (exit exitError) Unwrap() error {
	return exit.err
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Prepaid credit ledger with two-phase reservations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd.Root(), v, cfg)
		},
	}

	defaults := config.Defaults()
	flags := cmd.PersistentFlags()
	flags.String(config.KeyDatabaseURL, defaults.DatabaseURL, "database URL (postgres:// or sqlite path)")
	flags.String(config.KeyStoreDriver, defaults.StoreDriver, "store implementation: gorm, pgx or memory")
	flags.String(config.KeyListenAddr, defaults.ListenAddr, "ops HTTP listen address")
	flags.String(config.KeyPricingFile, "", "TOML pricing catalog")
	flags.Duration(config.KeyReservationTTL, defaults.ReservationTTL, "reservation deadline offset")
	flags.Duration(config.KeySweepInterval, defaults.SweepInterval, "background sweep period")
	flags.Duration(config.KeySweepMinInterval, defaults.SweepMinInterval, "minimum spacing between throttled sweeps")
	flags.Int(config.KeySweepBatchSize, defaults.SweepBatchSize, "expired reservations loaded per query")
	flags.Duration(config.KeyStuckAfter, defaults.StuckAfter, "age after which a pending reservation is reported as stuck")
	flags.Duration(config.KeyRetentionPeriod, defaults.RetentionPeriod, "age after which terminal reservations may be purged")
	flags.String(config.KeyRedisURL, "", "redis URL for the shared sweep throttle")
	flags.Int64(config.KeyInitialGrant, defaults.InitialGrant, "bonus credited to new balances")
	flags.String(config.KeyLogLevel, defaults.LogLevel, "log level: debug, info, warn or error")

	cmd.AddCommand(
		newServeCommand(cfg),
		newSweepCommand(cfg),
		newPurgeCommand(cfg),
		newHealthCommand(cfg),
		newGrantCommand(cfg),
	)
	return cmd
}

var configKeys = []string{
	config.KeyDatabaseURL,
	config.KeyStoreDriver,
	config.KeyListenAddr,
	config.KeyPricingFile,
	config.KeyReservationTTL,
	config.KeySweepInterval,
	config.KeySweepMinInterval,
	config.KeySweepBatchSize,
	config.KeyStuckAfter,
	config.KeyRetentionPeriod,
	config.KeyRedisURL,
	config.KeyInitialGrant,
	config.KeyLogLevel,
}

func loadConfig(root *cobra.Command, v *viper.Viper, cfg *config.Config) error {
	if err := config.LoadDotEnv(dotEnvFile); err != nil {
		return err
	}
	config.SetDefaults(v)
	if err := config.BindEnvironment(v); err != nil {
		return err
	}
	for _, key := range configKeys {
		if err := v.BindPFlag(key, root.PersistentFlags().Lookup(key)); err != nil {
			return err
		}
	}
	loaded, err := config.FromViper(v)
	if err != nil {
		return err
	}
	*cfg = loaded
	return nil
}

func parseRetention(raw time.Duration, fallback time.Duration) time.Duration {
	if raw > 0 {
		return raw
	}
	return fallback
}
