package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/jmoiron/sqlx"
)

// PaymentRepository handles the append-only repayment ledger.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// PaymentTotals summarises the payments recorded for one loan.
type PaymentTotals struct {
	Count int          `db:"count"`
	Sum   domain.Cents `db:"total"`
}

// Create appends a payment. (loan_id, sequence) is unique, so a receipt can
// only be recorded once.
func (r *PaymentRepository) Create(ctx context.Context, tx sqlx.ExtContext, p *domain.Payment) error {
	query := `
		INSERT INTO payments
			(id, loan_id, sequence, borrower_account, payment_amount, payment_type,
			 remaining_balance, tx_ref, paid_at)
		VALUES
			(:id, :loan_id, :sequence, :borrower_account, :payment_amount, :payment_type,
			 :remaining_balance, :tx_ref, :paid_at)`
	if _, err := sqlx.NamedExecContext(ctx, tx, query, p); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment_repo.Create: payment %d of loan %s: %w", p.Sequence, p.LoanID, domain.ErrLoanBusy)
		}
		return fmt.Errorf("payment_repo.Create: %w", err)
	}
	return nil
}

// ListByLoan returns a loan's payments in the order they were received.
func (r *PaymentRepository) ListByLoan(ctx context.Context, loanID uuid.UUID) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	err := r.db.SelectContext(ctx, &payments, r.db.Rebind(`
		SELECT id, loan_id, sequence, borrower_account, payment_amount, payment_type,
		       remaining_balance, tx_ref, paid_at
		FROM payments
		WHERE loan_id = ?
		ORDER BY sequence ASC`),
		loanID)
	if err != nil {
		return nil, fmt.Errorf("payment_repo.ListByLoan: %w", err)
	}
	return payments, nil
}

// Totals returns the number and cumulative amount of a loan's payments.
func (r *PaymentRepository) Totals(ctx context.Context, loanID uuid.UUID) (PaymentTotals, error) {
	var t PaymentTotals
	err := r.db.GetContext(ctx, &t, r.db.Rebind(`
		SELECT COUNT(*) AS count, COALESCE(SUM(payment_amount), 0) AS total
		FROM payments
		WHERE loan_id = ?`),
		loanID)
	if err != nil {
		return PaymentTotals{}, fmt.Errorf("payment_repo.Totals: %w", err)
	}
	return t, nil
}
