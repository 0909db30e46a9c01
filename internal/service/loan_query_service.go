package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
)

// LoanQueryService serves read-only views of loans.
type LoanQueryService struct {
	repos Repos
}

// NewLoanQueryService builds a LoanQueryService.
func NewLoanQueryService(repos Repos) *LoanQueryService {
	return &LoanQueryService{repos: repos}
}

// LoanDetail is a loan with its collateral, payments and liquidation.
type LoanDetail struct {
	*domain.Loan
	Collateral  *domain.CollateralLock `json:"collateral"`
	Payments    []*domain.Payment      `json:"payments"`
	Liquidation *domain.Liquidation    `json:"liquidation,omitempty"`
}

// GetLoan returns one loan or domain.ErrLoanNotFound.
func (s *LoanQueryService) GetLoan(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	return s.repos.Loans.GetByID(ctx, id)
}

// GetLoanDetail returns a loan together with everything recorded against it.
func (s *LoanQueryService) GetLoanDetail(ctx context.Context, id uuid.UUID) (*LoanDetail, error) {
	loan, err := s.repos.Loans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	col, err := s.repos.Loans.GetCollateral(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.repos.Payments.ListByLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []*domain.Payment{}
	}

	d := &LoanDetail{Loan: loan, Collateral: col, Payments: payments}
	lq, err := s.repos.Liquidations.GetByLoanID(ctx, id)
	switch {
	case err == nil:
		d.Liquidation = lq
	case !errors.Is(err, domain.ErrLiquidationNotFound):
		return nil, err
	}
	return d, nil
}

// GetActiveLoans returns every loan the monitor watches.
func (s *LoanQueryService) GetActiveLoans(ctx context.Context) ([]*domain.Loan, error) {
	return s.repos.Loans.ListByStatus(ctx, domain.LoanActive)
}

// GetLoansAtRisk returns active loans whose last recorded health factor is
// in [1.0, 1.1). Nothing is re-priced.
func (s *LoanQueryService) GetLoansAtRisk(ctx context.Context) ([]*domain.Loan, error) {
	loans, err := s.GetActiveLoans(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Loan, 0, len(loans))
	for _, l := range loans {
		if domain.IsAtRisk(l.HealthFactor) {
			out = append(out, l)
		}
	}
	return out, nil
}

// ListPayments returns a loan's payments in order.
func (s *LoanQueryService) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*domain.Payment, error) {
	if _, err := s.repos.Loans.GetByID(ctx, loanID); err != nil {
		return nil, err
	}
	return s.repos.Payments.ListByLoan(ctx, loanID)
}

// HealthHistory returns the newest limit snapshots of a loan.
func (s *LoanQueryService) HealthHistory(ctx context.Context, loanID uuid.UUID, limit int) ([]*domain.HealthRecord, error) {
	if _, err := s.repos.Loans.GetByID(ctx, loanID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repos.Loans.ListHealth(ctx, loanID, limit)
}

// ListBorrowerLoans pages through a borrower's loans, newest first.
func (s *LoanQueryService) ListBorrowerLoans(ctx context.Context, borrower string, limit, offset int) ([]*domain.Loan, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repos.Loans.ListByBorrower(ctx, borrower, limit, offset)
}
