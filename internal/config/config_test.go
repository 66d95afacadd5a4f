package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultsAreValid(test *testing.T) {
	test.Parallel()
	if err := Defaults().Validate(); err != nil {
		test.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateRejects(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "unknown driver", mutate: func(cfg *Config) { cfg.StoreDriver = "mongo" }, field: "StoreDriver"},
		{name: "missing database", mutate: func(cfg *Config) { cfg.DatabaseURL = "" }, field: "DatabaseURL"},
		{name: "zero ttl", mutate: func(cfg *Config) { cfg.ReservationTTL = 0 }, field: "ReservationTTL"},
		{name: "zero batch", mutate: func(cfg *Config) { cfg.SweepBatchSize = 0 }, field: "SweepBatchSize"},
		{name: "negative grant", mutate: func(cfg *Config) { cfg.InitialGrant = -1 }, field: "InitialGrant"},
		{name: "bad log level", mutate: func(cfg *Config) { cfg.LogLevel = "trace" }, field: "LogLevel"},
		{name: "bad redis url", mutate: func(cfg *Config) { cfg.RedisURL = "not a url" }, field: "RedisURL"},
		{name: "missing listen addr", mutate: func(cfg *Config) { cfg.ListenAddr = "" }, field: "ListenAddr"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cfg := Defaults()
			testCase.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), testCase.field) {
				test.Fatalf("expected %s in %q", testCase.field, err.Error())
			}
		})
	}
}

func TestMemoryDriverNeedsNoDatabase(test *testing.T) {
	test.Parallel()
	cfg := Defaults()
	cfg.StoreDriver = StoreDriverMemory
	cfg.DatabaseURL = ""
	if err := cfg.Validate(); err != nil {
		test.Fatalf("memory driver should not need a database: %v", err)
	}
}

func TestFromViper(test *testing.T) {
	test.Parallel()
	v := viper.New()
	SetDefaults(v)
	v.Set(KeyStoreDriver, " PGX ")
	v.Set(KeyDatabaseURL, "postgres://localhost/credits")
	v.Set(KeyReservationTTL, "5m")
	v.Set(KeyInitialGrant, 50)
	v.Set(KeyRedisURL, "redis://localhost:6379/0")

	cfg, err := FromViper(v)
	if err != nil {
		test.Fatalf("from viper: %v", err)
	}
	if cfg.StoreDriver != StoreDriverPgx {
		test.Fatalf("expected pgx driver, got %q", cfg.StoreDriver)
	}
	if cfg.ReservationTTL != 5*time.Minute {
		test.Fatalf("expected 5m ttl, got %s", cfg.ReservationTTL)
	}
	if cfg.InitialGrant != 50 {
		test.Fatalf("expected grant 50, got %d", cfg.InitialGrant)
	}
	if cfg.SweepBatchSize != defaultSweepBatchSize || cfg.RetentionPeriod != defaultRetentionPeriod {
		test.Fatalf("expected defaults to fill the rest, got %+v", cfg)
	}
}

func TestFromViperRejectsInvalid(test *testing.T) {
	test.Parallel()
	v := viper.New()
	SetDefaults(v)
	v.Set(KeySweepBatchSize, -3)
	if _, err := FromViper(v); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadDotEnvMissingFileIsIgnored(test *testing.T) {
	test.Parallel()
	if err := LoadDotEnv(filepath.Join(test.TempDir(), ".env")); err != nil {
		test.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestLoadDotEnvSetsVariables(test *testing.T) {
	path := filepath.Join(test.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CREDITD_TEST_DOTENV_VALUE=loaded\n"), 0o600); err != nil {
		test.Fatalf("write: %v", err)
	}
	test.Cleanup(func() { _ = os.Unsetenv("CREDITD_TEST_DOTENV_VALUE") })
	if err := LoadDotEnv(path); err != nil {
		test.Fatalf("load: %v", err)
	}
	if got := os.Getenv("CREDITD_TEST_DOTENV_VALUE"); got != "loaded" {
		test.Fatalf("expected loaded, got %q", got)
	}
}
