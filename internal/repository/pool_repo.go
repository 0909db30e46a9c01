package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harvestchain/lending/internal/domain"
	"github.com/jmoiron/sqlx"
)

// PoolRepository handles the per-asset liquidity ledger. Every balance change
// is a single atomic increment; nothing reads a balance and writes it back.
type PoolRepository struct {
	db *sqlx.DB
}

// NewPoolRepository creates a new PoolRepository.
func NewPoolRepository(db *sqlx.DB) *PoolRepository {
	return &PoolRepository{db: db}
}

// Get fetches the stats of one pool.
func (r *PoolRepository) Get(ctx context.Context, asset string) (*domain.PoolStats, error) {
	var p domain.PoolStats
	err := r.db.GetContext(ctx, &p, r.db.Rebind(`
		SELECT asset_address, total_liquidity, available_liquidity, total_borrowed,
		       total_loans_originated, total_loans_repaid, total_liquidations, updated_at
		FROM pool_stats WHERE asset_address = ?`),
		asset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPoolNotFound
		}
		return nil, fmt.Errorf("pool_repo.Get: %w", err)
	}
	return &p, nil
}

// List returns every pool ordered by asset address.
func (r *PoolRepository) List(ctx context.Context) ([]*domain.PoolStats, error) {
	var pools []*domain.PoolStats
	err := r.db.SelectContext(ctx, &pools, `
		SELECT asset_address, total_liquidity, available_liquidity, total_borrowed,
		       total_loans_originated, total_loans_repaid, total_liquidations, updated_at
		FROM pool_stats ORDER BY asset_address`)
	if err != nil {
		return nil, fmt.Errorf("pool_repo.List: %w", err)
	}
	return pools, nil
}

// Ensure creates an empty pool row if none exists.
func (r *PoolRepository) Ensure(ctx context.Context, tx sqlx.ExtContext, asset string, now time.Time) error {
	_, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pool_stats (asset_address, updated_at) VALUES (?, ?)
		ON CONFLICT (asset_address) DO NOTHING`),
		asset, now)
	if err != nil {
		return fmt.Errorf("pool_repo.Ensure: %w", err)
	}
	return nil
}

// Reserve moves a loan's principal from available to borrowed. The debit is
// conditional on available ≥ amount, so concurrent originations can never
// overdraw the pool.
func (r *PoolRepository) Reserve(ctx context.Context, tx sqlx.ExtContext, asset string, amount domain.Cents, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE pool_stats
		SET available_liquidity = available_liquidity - ?,
		    total_borrowed      = total_borrowed + ?,
		    updated_at          = ?
		WHERE asset_address = ? AND available_liquidity >= ?`),
		amount, amount, now, asset, amount)
	if err != nil {
		return fmt.Errorf("pool_repo.Reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pool_repo.Reserve rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = sqlx.GetContext(ctx, tx, &exists,
		r.db.Rebind(`SELECT COUNT(*) FROM pool_stats WHERE asset_address = ?`), asset)
	if err != nil {
		return fmt.Errorf("pool_repo.Reserve lookup: %w", err)
	}
	if exists == 0 {
		return domain.ErrPoolNotFound
	}
	return domain.ErrInsufficientLiquidity
}

// Release undoes a reservation for an origination that was cancelled.
func (r *PoolRepository) Release(ctx context.Context, tx sqlx.ExtContext, asset string, amount domain.Cents, now time.Time) error {
	return r.apply(ctx, tx, "Release", `
		UPDATE pool_stats
		SET available_liquidity = available_liquidity + ?,
		    total_borrowed      = total_borrowed - ?,
		    updated_at          = ?
		WHERE asset_address = ?`,
		amount, amount, now, asset)
}

// CountOrigination increments the origination counter once a loan is active.
func (r *PoolRepository) CountOrigination(ctx context.Context, tx sqlx.ExtContext, asset string, now time.Time) error {
	return r.apply(ctx, tx, "CountOrigination", `
		UPDATE pool_stats
		SET total_loans_originated = total_loans_originated + 1, updated_at = ?
		WHERE asset_address = ?`,
		now, asset)
}

// CreditDeposit adds investor liquidity.
func (r *PoolRepository) CreditDeposit(ctx context.Context, tx sqlx.ExtContext, asset string, amount domain.Cents, now time.Time) error {
	return r.apply(ctx, tx, "CreditDeposit", `
		UPDATE pool_stats
		SET total_liquidity     = total_liquidity + ?,
		    available_liquidity = available_liquidity + ?,
		    updated_at          = ?
		WHERE asset_address = ?`,
		amount, amount, now, asset)
}

// CreditPayment adds a received repayment to the pool.
func (r *PoolRepository) CreditPayment(ctx context.Context, tx sqlx.ExtContext, asset string, amount domain.Cents, now time.Time) error {
	return r.apply(ctx, tx, "CreditPayment", `
		UPDATE pool_stats
		SET total_liquidity     = total_liquidity + ?,
		    available_liquidity = available_liquidity + ?,
		    updated_at          = ?
		WHERE asset_address = ?`,
		amount, amount, now, asset)
}

// SettleRepayment closes a repaid loan's position: the principal leaves
// borrowed (and the matching repaid principal leaves total, since payments
// were already credited in full).
func (r *PoolRepository) SettleRepayment(ctx context.Context, tx sqlx.ExtContext, asset string, principal domain.Cents, now time.Time) error {
	return r.apply(ctx, tx, "SettleRepayment", `
		UPDATE pool_stats
		SET total_borrowed     = total_borrowed - ?,
		    total_liquidity    = total_liquidity - ?,
		    total_loans_repaid = total_loans_repaid + 1,
		    updated_at         = ?
		WHERE asset_address = ?`,
		principal, principal, now, asset)
}

// SettleLiquidation credits recovered funds and writes off the principal.
func (r *PoolRepository) SettleLiquidation(ctx context.Context, tx sqlx.ExtContext, asset string, principal, recovered domain.Cents, now time.Time) error {
	return r.apply(ctx, tx, "SettleLiquidation", `
		UPDATE pool_stats
		SET available_liquidity = available_liquidity + ?,
		    total_borrowed      = total_borrowed - ?,
		    total_liquidity     = total_liquidity + ? - ?,
		    total_liquidations  = total_liquidations + 1,
		    updated_at          = ?
		WHERE asset_address = ?`,
		recovered, principal, recovered, principal, now, asset)
}

func (r *PoolRepository) apply(ctx context.Context, tx sqlx.ExtContext, op, query string, args ...interface{}) error {
	res, err := tx.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("pool_repo.%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pool_repo.%s rows: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("pool_repo.%s: %w", op, domain.ErrPoolNotFound)
	}
	return nil
}

// RecordDeposit appends a deposit to the ledger. A second deposit with the
// same (asset, reference) returns ErrDepositExists.
func (r *PoolRepository) RecordDeposit(ctx context.Context, tx sqlx.ExtContext, d *domain.Deposit) error {
	query := `
		INSERT INTO deposits (id, asset_address, investor_account, amount, reference, tx_ref, created_at)
		VALUES (:id, :asset_address, :investor_account, :amount, :reference, :tx_ref, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, tx, query, d); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDepositExists
		}
		return fmt.Errorf("pool_repo.RecordDeposit: %w", err)
	}
	return nil
}
