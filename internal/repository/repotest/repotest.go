// Package repotest opens migrated in-memory SQLite databases for tests.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/repository"
	"github.com/jmoiron/sqlx"
)

// Open returns a fresh migrated database that is closed when the test ends.
// The pool holds a single connection, which is what keeps an in-memory SQLite
// database alive and shared across calls.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	db, err := repository.Connect(ctx, config.DBConfig{
		Driver: "sqlite",
		DSN:    "file::memory:?_pragma=foreign_keys(1)",
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	t.Cleanup(func() { _ = db.Close() })

	if err := repository.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// SeedPool creates a pool for asset and credits it with liquidity.
func SeedPool(t testing.TB, db *sqlx.DB, asset string, liquidity domain.Cents) {
	t.Helper()
	ctx := context.Background()
	pools := repository.NewPoolRepository(db)
	now := time.Now().UTC()

	err := repository.WithinTx(ctx, db, func(tx *sqlx.Tx) error {
		if err := pools.Ensure(ctx, tx, asset, now); err != nil {
			return err
		}
		if liquidity > 0 {
			return pools.CreditDeposit(ctx, tx, asset, liquidity, now)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed pool %s: %v", asset, err)
	}
}
