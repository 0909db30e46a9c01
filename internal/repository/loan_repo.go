package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const loanColumns = `id, borrower_account, asset_address, loan_amount, collateral_amount,
	collateral_token_id, repayment_amount, interest_rate, collateralization_ratio,
	liquidation_threshold, liquidation_price, health_factor, status, taken_at,
	due_date, repaid_at, liquidated_at, created_at, updated_at`

const collateralColumns = `loan_id, token_id, amount, initial_price, current_price,
	locked_at, unlocked_at, lock_tx_ref, unlock_tx_ref`

// LoanRepository handles loans, their collateral locks and health history.
//
// Methods that take a sqlx.ExtContext run on whatever they are given: the
// *sqlx.DB for a single statement, or a *sqlx.Tx to group writes.
type LoanRepository struct {
	db *sqlx.DB
}

// NewLoanRepository creates a new LoanRepository.
func NewLoanRepository(db *sqlx.DB) *LoanRepository {
	return &LoanRepository{db: db}
}

// ──────────────────────────────────────────────────────────────────────────────
// Loans
// ──────────────────────────────────────────────────────────────────────────────

// Create inserts a loan and its collateral lock.
func (r *LoanRepository) Create(ctx context.Context, tx sqlx.ExtContext, l *domain.Loan, c *domain.CollateralLock) error {
	loanQuery := `
		INSERT INTO loans (` + loanColumns + `)
		VALUES (:id, :borrower_account, :asset_address, :loan_amount, :collateral_amount,
			:collateral_token_id, :repayment_amount, :interest_rate, :collateralization_ratio,
			:liquidation_threshold, :liquidation_price, :health_factor, :status, :taken_at,
			:due_date, :repaid_at, :liquidated_at, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, tx, loanQuery, l); err != nil {
		return fmt.Errorf("loan_repo.Create loan: %w", err)
	}

	lockQuery := `
		INSERT INTO collateral_locks (` + collateralColumns + `)
		VALUES (:loan_id, :token_id, :amount, :initial_price, :current_price,
			:locked_at, :unlocked_at, :lock_tx_ref, :unlock_tx_ref)`
	if _, err := sqlx.NamedExecContext(ctx, tx, lockQuery, c); err != nil {
		return fmt.Errorf("loan_repo.Create collateral: %w", err)
	}
	return nil
}

// GetByID fetches a single loan.
func (r *LoanRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	return r.getByID(ctx, r.db, id)
}

func (r *LoanRepository) getByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*domain.Loan, error) {
	var l domain.Loan
	err := sqlx.GetContext(ctx, q, &l,
		r.db.Rebind(`SELECT `+loanColumns+` FROM loans WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLoanNotFound
		}
		return nil, fmt.Errorf("loan_repo.GetByID: %w", err)
	}
	return &l, nil
}

// ListByStatus returns all loans in any of the given statuses, oldest first.
func (r *LoanRepository) ListByStatus(ctx context.Context, statuses ...domain.LoanStatus) ([]*domain.Loan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+loanColumns+` FROM loans WHERE status IN (?) ORDER BY taken_at ASC`,
		statuses)
	if err != nil {
		return nil, fmt.Errorf("loan_repo.ListByStatus: %w", err)
	}
	var loans []*domain.Loan
	if err := r.db.SelectContext(ctx, &loans, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loan_repo.ListByStatus: %w", err)
	}
	return loans, nil
}

// ListByBorrower returns a borrower's loans, newest first.
func (r *LoanRepository) ListByBorrower(ctx context.Context, borrower string, limit, offset int) ([]*domain.Loan, error) {
	var loans []*domain.Loan
	err := r.db.SelectContext(ctx, &loans, r.db.Rebind(`
		SELECT `+loanColumns+` FROM loans
		WHERE borrower_account = ?
		ORDER BY taken_at DESC
		LIMIT ? OFFSET ?`),
		borrower, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("loan_repo.ListByBorrower: %w", err)
	}
	return loans, nil
}

// Transition moves a loan from one status to another with a compare-and-set.
// When the loan is not in `from`, it returns the conflict error matching the
// loan's actual status (see domain.ConflictFor), or ErrLoanNotFound.
func (r *LoanRepository) Transition(ctx context.Context, tx sqlx.ExtContext, id uuid.UUID, from, to domain.LoanStatus, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE loans SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		to, now, id, from)
	if err != nil {
		return fmt.Errorf("loan_repo.Transition %s->%s: %w", from, to, err)
	}
	return r.checkCAS(ctx, tx, res, id)
}

// Activate completes origination: pending → active.
func (r *LoanRepository) Activate(ctx context.Context, tx sqlx.ExtContext, id uuid.UUID, now time.Time) error {
	return r.Transition(ctx, tx, id, domain.LoanPending, domain.LoanActive, now)
}

// MarkRepaid completes repayment: repaying → repaid, stamping repaid_at.
func (r *LoanRepository) MarkRepaid(ctx context.Context, tx sqlx.ExtContext, id uuid.UUID, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE loans SET status = ?, repaid_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		domain.LoanRepaid, now, now, id, domain.LoanRepaying)
	if err != nil {
		return fmt.Errorf("loan_repo.MarkRepaid: %w", err)
	}
	return r.checkCAS(ctx, tx, res, id)
}

// MarkLiquidated completes liquidation: liquidating → liquidated, zeroing the
// health factor and stamping liquidated_at.
func (r *LoanRepository) MarkLiquidated(ctx context.Context, tx sqlx.ExtContext, id uuid.UUID, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE loans SET status = ?, health_factor = ?, liquidated_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		domain.LoanLiquidated, decimal.Zero, now, now, id, domain.LoanLiquidating)
	if err != nil {
		return fmt.Errorf("loan_repo.MarkLiquidated: %w", err)
	}
	return r.checkCAS(ctx, tx, res, id)
}

// UpdateHealthFactor stores a freshly computed health factor. Only active
// loans are touched; the returned bool is false when the loan left active.
func (r *LoanRepository) UpdateHealthFactor(ctx context.Context, tx sqlx.ExtContext, id uuid.UUID, hf decimal.Decimal, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE loans SET health_factor = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		hf, now, id, domain.LoanActive)
	if err != nil {
		return false, fmt.Errorf("loan_repo.UpdateHealthFactor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("loan_repo.UpdateHealthFactor rows: %w", err)
	}
	return n == 1, nil
}

// Touch bumps updated_at without changing state. The reconciler uses it to
// push back the next staleness check of a loan it could not resolve.
func (r *LoanRepository) Touch(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE loans SET updated_at = ? WHERE id = ?`), now, id)
	if err != nil {
		return fmt.Errorf("loan_repo.Touch: %w", err)
	}
	return nil
}

func (r *LoanRepository) checkCAS(ctx context.Context, q sqlx.QueryerContext, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("loan_repo: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var status domain.LoanStatus
	err = sqlx.GetContext(ctx, q, &status, r.db.Rebind(`SELECT status FROM loans WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrLoanNotFound
		}
		return fmt.Errorf("loan_repo: read status: %w", err)
	}
	return domain.ConflictFor(status)
}

// ──────────────────────────────────────────────────────────────────────────────
// Collateral
// ──────────────────────────────────────────────────────────────────────────────

// GetCollateral fetches the collateral lock paired with a loan.
func (r *LoanRepository) GetCollateral(ctx context.Context, loanID uuid.UUID) (*domain.CollateralLock, error) {
	var c domain.CollateralLock
	err := r.db.GetContext(ctx, &c,
		r.db.Rebind(`SELECT `+collateralColumns+` FROM collateral_locks WHERE loan_id = ?`), loanID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCollateralNotFound
		}
		return nil, fmt.Errorf("loan_repo.GetCollateral: %w", err)
	}
	return &c, nil
}

// RecordLock stores the treasury reference of a confirmed collateral lock.
func (r *LoanRepository) RecordLock(ctx context.Context, tx sqlx.ExtContext, loanID uuid.UUID, txRef string) error {
	_, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE collateral_locks SET lock_tx_ref = ? WHERE loan_id = ?`),
		txRef, loanID)
	if err != nil {
		return fmt.Errorf("loan_repo.RecordLock: %w", err)
	}
	return nil
}

// RecordRelease stamps unlocked_at once. A second call affects no row and
// returns an error, so collateral can never be released twice.
func (r *LoanRepository) RecordRelease(ctx context.Context, tx sqlx.ExtContext, loanID uuid.UUID, txRef string, now time.Time) error {
	var ref *string
	if txRef != "" {
		ref = &txRef
	}
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE collateral_locks SET unlocked_at = ?, unlock_tx_ref = ?
		WHERE loan_id = ? AND unlocked_at IS NULL`),
		now, ref, loanID)
	if err != nil {
		return fmt.Errorf("loan_repo.RecordRelease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("loan_repo.RecordRelease rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("loan_repo.RecordRelease: collateral of loan %s already released or missing", loanID)
	}
	return nil
}

// UpdateCurrentPrice refreshes the collateral mark price.
func (r *LoanRepository) UpdateCurrentPrice(ctx context.Context, tx sqlx.ExtContext, loanID uuid.UUID, price decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE collateral_locks SET current_price = ? WHERE loan_id = ?`),
		price, loanID)
	if err != nil {
		return fmt.Errorf("loan_repo.UpdateCurrentPrice: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Health history
// ──────────────────────────────────────────────────────────────────────────────

// AppendHealth inserts one risk snapshot. Rows are never updated or deleted.
func (r *LoanRepository) AppendHealth(ctx context.Context, tx sqlx.ExtContext, h *domain.HealthRecord) error {
	query := `
		INSERT INTO health_history (id, loan_id, health_factor, collateral_price, collateral_value, checked_at)
		VALUES (:id, :loan_id, :health_factor, :collateral_price, :collateral_value, :checked_at)`
	if _, err := sqlx.NamedExecContext(ctx, tx, query, h); err != nil {
		return fmt.Errorf("loan_repo.AppendHealth: %w", err)
	}
	return nil
}

// ListHealth returns the most recent snapshots of a loan, newest first.
func (r *LoanRepository) ListHealth(ctx context.Context, loanID uuid.UUID, limit int) ([]*domain.HealthRecord, error) {
	var rows []*domain.HealthRecord
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, loan_id, health_factor, collateral_price, collateral_value, checked_at
		FROM health_history
		WHERE loan_id = ?
		ORDER BY checked_at DESC
		LIMIT ?`),
		loanID, limit)
	if err != nil {
		return nil, fmt.Errorf("loan_repo.ListHealth: %w", err)
	}
	return rows, nil
}
