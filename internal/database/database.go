// Package database opens the SQL backends behind the ledger stores.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultSQLiteFile = "credits.db"
	memoryPath        = ":memory:"
)

// OpenGorm opens dsn with the matching GORM dialector. The returned cleanup
// closes the underlying pool.
func OpenGorm(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := ResolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer; one connection keeps row updates serialized.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, "", fmt.Errorf("ping %s: %w", driver, err)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

// OpenPool opens a pgx pool for the raw PostgreSQL store.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	driver, _, err := ResolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	if driver != DriverPostgres {
		return nil, fmt.Errorf("pgx store requires a postgres url, got %s", driver)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// ResolveDriver maps a DSN to a driver name and, for sqlite, a file path.
// Anything that is not a postgres or sqlite URL is treated as a sqlite path.
func ResolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == memoryPath || strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// PrepareSchema creates or updates the ledger tables.
func PrepareSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
