// Package repository persists loans, collateral, payments, health history,
// liquidations and pool stats with sqlx.
//
// Queries are written with "?" placeholders and rebound per driver so the same
// code runs on PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite). Times are
// always passed from Go; no query relies on now() or row locks.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/harvestchain/lending/internal/config"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Connect opens the configured database and applies pool settings.
func Connect(ctx context.Context, cfg config.DBConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository.Connect %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// Migrate brings the schema for the database's driver up to the latest
// embedded version. Applied versions are tracked in schema_migrations.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	driver := db.DriverName()

	src, err := iofs.New(migrations, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("repository.Migrate: no schema for driver %q: %w", driver, err)
	}

	var target database.Driver
	switch driver {
	case "postgres":
		target, err = migratepg.WithInstance(db.DB, &migratepg.Config{})
	case "sqlite":
		target, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("repository.Migrate: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return fmt.Errorf("repository.Migrate: %w", err)
	}
	// The sqlite driver closes the shared *sql.DB on Close; the postgres one
	// only returns the connection it pinned.
	if driver == "postgres" {
		defer m.Close()
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("repository.Migrate: up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("repository.Migrate: version: %w", err)
	}
	slog.Debug("schema migrated", "driver", driver, "version", version, "dirty", dirty)
	return nil
}

// WithinTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func WithinTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique/primary key violation on
// either supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}
