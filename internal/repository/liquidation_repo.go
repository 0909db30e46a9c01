package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/jmoiron/sqlx"
)

const liquidationColumns = `id, loan_id, borrower_account, collateral_amount, collateral_value,
	usdc_recovered, liquidation_penalty, liquidation_price, health_factor,
	liquidator_account, liquidator_reward, status, disposal_tx_ref, liquidated_at`

// LiquidationRepository handles liquidation records. The unique loan_id
// column guarantees at most one liquidation per loan.
type LiquidationRepository struct {
	db *sqlx.DB
}

// NewLiquidationRepository creates a new LiquidationRepository.
func NewLiquidationRepository(db *sqlx.DB) *LiquidationRepository {
	return &LiquidationRepository{db: db}
}

// CreatePending reserves the liquidation row before the disposal runs.
func (r *LiquidationRepository) CreatePending(ctx context.Context, tx sqlx.ExtContext, lq *domain.Liquidation) error {
	query := `
		INSERT INTO liquidations (` + liquidationColumns + `)
		VALUES (:id, :loan_id, :borrower_account, :collateral_amount, :collateral_value,
			:usdc_recovered, :liquidation_penalty, :liquidation_price, :health_factor,
			:liquidator_account, :liquidator_reward, :status, :disposal_tx_ref, :liquidated_at)`
	if _, err := sqlx.NamedExecContext(ctx, tx, query, lq); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrLiquidationExists
		}
		return fmt.Errorf("liquidation_repo.CreatePending: %w", err)
	}
	return nil
}

// GetByLoanID fetches the liquidation of a loan.
func (r *LiquidationRepository) GetByLoanID(ctx context.Context, loanID uuid.UUID) (*domain.Liquidation, error) {
	var lq domain.Liquidation
	err := r.db.GetContext(ctx, &lq,
		r.db.Rebind(`SELECT `+liquidationColumns+` FROM liquidations WHERE loan_id = ?`), loanID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLiquidationNotFound
		}
		return nil, fmt.Errorf("liquidation_repo.GetByLoanID: %w", err)
	}
	return &lq, nil
}

// Settle marks a pending liquidation settled with the disposal reference.
func (r *LiquidationRepository) Settle(ctx context.Context, tx sqlx.ExtContext, id uuid.UUID, txRef string) error {
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE liquidations SET status = ?, disposal_tx_ref = ?
		WHERE id = ? AND status = ?`),
		domain.LiquidationSettled, txRef, id, domain.LiquidationPending)
	if err != nil {
		return fmt.Errorf("liquidation_repo.Settle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("liquidation_repo.Settle rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("liquidation_repo.Settle %s: %w", id, domain.ErrLiquidationNotFound)
	}
	return nil
}

// DeletePending removes a pending row after a failed disposal so the loan
// can be liquidated again on a later tick. Settled rows are never deleted.
func (r *LiquidationRepository) DeletePending(ctx context.Context, tx sqlx.ExtContext, id uuid.UUID) error {
	_, err := tx.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM liquidations WHERE id = ? AND status = ?`),
		id, domain.LiquidationPending)
	if err != nil {
		return fmt.Errorf("liquidation_repo.DeletePending: %w", err)
	}
	return nil
}
