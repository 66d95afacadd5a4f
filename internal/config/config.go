// Package config loads creditd runtime settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Keys shared by flags, environment bindings and viper lookups.
const (
	KeyDatabaseURL      = "database-url"
	KeyStoreDriver      = "store-driver"
	KeyListenAddr       = "listen-addr"
	KeyPricingFile      = "pricing-file"
	KeyReservationTTL   = "reservation-ttl"
	KeySweepInterval    = "sweep-interval"
	KeySweepMinInterval = "sweep-min-interval"
	KeySweepBatchSize   = "sweep-batch-size"
	KeyStuckAfter       = "stuck-after"
	KeyRetentionPeriod  = "retention"
	KeyRedisURL         = "redis-url"
	KeyInitialGrant     = "initial-grant"
	KeyLogLevel         = "log-level"
)

const (
	EnvPrefix = "CREDITD"

	StoreDriverGorm   = "gorm"
	StoreDriverPgx    = "pgx"
	StoreDriverMemory = "memory"

	defaultDatabaseURL      = "sqlite:///tmp/credits.db"
	defaultListenAddr       = ":8090"
	defaultReservationTTL   = 30 * time.Minute
	defaultSweepInterval    = time.Minute
	defaultSweepMinInterval = 30 * time.Second
	defaultSweepBatchSize   = 100
	defaultStuckAfter       = time.Hour
	defaultRetentionPeriod  = 720 * time.Hour
	defaultLogLevel         = "info"
)

// ErrInvalidConfig reports settings that failed validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL      string        `validate:"required_unless=StoreDriver memory"`
	StoreDriver      string        `validate:"oneof=gorm pgx memory"`
	ListenAddr       string        `validate:"required"`
	PricingFile      string        `validate:"omitempty"`
	ReservationTTL   time.Duration `validate:"gt=0"`
	SweepInterval    time.Duration `validate:"gt=0"`
	SweepMinInterval time.Duration `validate:"gte=0"`
	SweepBatchSize   int           `validate:"gt=0"`
	StuckAfter       time.Duration `validate:"gt=0"`
	RetentionPeriod  time.Duration `validate:"gt=0"`
	RedisURL         string        `validate:"omitempty,url"`
	InitialGrant     int64         `validate:"gte=0"`
	LogLevel         string        `validate:"oneof=debug info warn error"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Config {
	return Config{
		DatabaseURL:      defaultDatabaseURL,
		StoreDriver:      StoreDriverGorm,
		ListenAddr:       defaultListenAddr,
		ReservationTTL:   defaultReservationTTL,
		SweepInterval:    defaultSweepInterval,
		SweepMinInterval: defaultSweepMinInterval,
		SweepBatchSize:   defaultSweepBatchSize,
		StuckAfter:       defaultStuckAfter,
		RetentionPeriod:  defaultRetentionPeriod,
		LogLevel:         defaultLogLevel,
	}
}

// SetDefaults registers Defaults on v so unset keys resolve to them.
func SetDefaults(v *viper.Viper) {
	defaults := Defaults()
	v.SetDefault(KeyDatabaseURL, defaults.DatabaseURL)
	v.SetDefault(KeyStoreDriver, defaults.StoreDriver)
	v.SetDefault(KeyListenAddr, defaults.ListenAddr)
	v.SetDefault(KeyReservationTTL, defaults.ReservationTTL)
	v.SetDefault(KeySweepInterval, defaults.SweepInterval)
	v.SetDefault(KeySweepMinInterval, defaults.SweepMinInterval)
	v.SetDefault(KeySweepBatchSize, defaults.SweepBatchSize)
	v.SetDefault(KeyStuckAfter, defaults.StuckAfter)
	v.SetDefault(KeyRetentionPeriod, defaults.RetentionPeriod)
	v.SetDefault(KeyLogLevel, defaults.LogLevel)
}

// BindEnvironment maps every key to CREDITD_<KEY>, plus the conventional
// DATABASE_URL and REDIS_URL names.
func BindEnvironment(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(KeyDatabaseURL, EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := v.BindEnv(KeyRedisURL, EnvPrefix+"_REDIS_URL", "REDIS_URL"); err != nil {
		return err
	}
	return nil
}

// LoadDotEnv loads path into the process environment when the file exists.
// Variables already set are left untouched.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FromViper reads every key from v and validates the result.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		DatabaseURL:      strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		StoreDriver:      strings.ToLower(strings.TrimSpace(v.GetString(KeyStoreDriver))),
		ListenAddr:       strings.TrimSpace(v.GetString(KeyListenAddr)),
		PricingFile:      strings.TrimSpace(v.GetString(KeyPricingFile)),
		ReservationTTL:   v.GetDuration(KeyReservationTTL),
		SweepInterval:    v.GetDuration(KeySweepInterval),
		SweepMinInterval: v.GetDuration(KeySweepMinInterval),
		SweepBatchSize:   v.GetInt(KeySweepBatchSize),
		StuckAfter:       v.GetDuration(KeyStuckAfter),
		RetentionPeriod:  v.GetDuration(KeyRetentionPeriod),
		RedisURL:         strings.TrimSpace(v.GetString(KeyRedisURL)),
		InitialGrant:     v.GetInt64(KeyInitialGrant),
		LogLevel:         strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags and reports every failing field.
func (cfg Config) Validate() error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		messages = append(messages, fmt.Sprintf("%s failed %s", fieldError.Field(), fieldError.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(messages, "; "))
}
