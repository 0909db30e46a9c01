package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/metrics"
	"github.com/harvestchain/lending/internal/repository"
	"github.com/jmoiron/sqlx"
)

// RepaymentService records borrower repayments and closes fully repaid loans.
type RepaymentService struct {
	repos     Repos
	transfers TransferPort
	accounts  Accounts
	metrics   *metrics.LendingMetrics
	log       *slog.Logger
}

// NewRepaymentService builds a RepaymentService.
func NewRepaymentService(repos Repos, transfers TransferPort, accounts Accounts, m *metrics.LendingMetrics, logger *slog.Logger) *RepaymentService {
	return &RepaymentService{
		repos:     repos,
		transfers: transfers,
		accounts:  accounts,
		metrics:   m,
		log:       logger.With("component", "repayment"),
	}
}

// ProcessRepayment receives a stablecoin payment from the borrower and
// records it. A payment bringing the cumulative total to the repayment
// amount closes the loan and unlocks its collateral.
//
// A failed receipt is looked up at the treasury before the loan is handed
// back: a transfer that did execute is recorded as usual, and one whose state
// cannot be established leaves the loan repaying for the reconciler.
//
// The returned Payment is non-nil whenever the receipt was recorded, even if
// a later step failed: a full payment whose collateral unlock fails returns
// the payment together with a StepError{unlock_collateral}, and the loan
// stays repaying until the reconciler completes the release.
func (s *RepaymentService) ProcessRepayment(ctx context.Context, req domain.RepaymentRequest) (*domain.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", domain.ErrInvalidRequest)
	}
	if !req.Amount.WithinBounds() {
		return nil, fmt.Errorf("%w: payment amount exceeds %s", domain.ErrInvalidRequest, domain.MaxCents)
	}

	loan, err := s.repos.Loans.GetByID(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}
	if loan.BorrowerAccount != req.BorrowerAccount {
		return nil, fmt.Errorf("repayment_service.ProcessRepayment: %w", domain.ErrBorrowerMismatch)
	}
	if !loan.IsActive() {
		return nil, fmt.Errorf("repayment_service.ProcessRepayment: loan %s is %s: %w",
			loan.ID, loan.Status, domain.ConflictFor(loan.Status))
	}

	// ── Hold the loan ────────────────────────────────────────────────────────
	if err := s.repos.Loans.Transition(ctx, s.repos.DB, loan.ID, domain.LoanActive, domain.LoanRepaying, nowUTC()); err != nil {
		return nil, err
	}

	totals, err := s.repos.Payments.Totals(ctx, loan.ID)
	if err != nil {
		s.release(ctx, loan)
		return nil, err
	}
	seq := totals.Count + 1

	// ── Receive stablecoin ───────────────────────────────────────────────────
	rcpt, err := s.transfers.TransferStable(ctx, domain.StableTransfer{
		From:           loan.BorrowerAccount,
		To:             s.accounts.Treasury,
		Amount:         req.Amount,
		Memo:           fmt.Sprintf("loan %s repayment %d", loan.ID, seq),
		IdempotencyKey: loan.PaymentKey(seq),
	})
	if err != nil {
		s.metrics.IncStepFailure(string(domain.StepReceivePayment))
		s.log.Error("repayment step failed", "loan_id", loan.ID, "step", domain.StepReceivePayment, "err", err)
		stepErr := &domain.StepError{Op: "repay", Step: domain.StepReceivePayment, LoanID: loan.ID, Err: err}

		// The transfer may have run even though the call failed.
		found, lookupErr := s.transfers.LookupTransfer(ctx, loan.PaymentKey(seq))
		switch {
		case errors.Is(lookupErr, domain.ErrTransferNotFound):
			s.release(ctx, loan)
			return nil, stepErr
		case lookupErr != nil:
			s.log.Error("loan left repaying for reconciliation", "loan_id", loan.ID, "err", lookupErr)
			return nil, stepErr
		}
		rcpt = found
	}

	payment, err := s.recordPayment(ctx, loan, totals, req.Amount, rcpt.TxRef)
	if err != nil {
		s.log.Error("received payment not recorded", "loan_id", loan.ID, "sequence", seq, "tx_ref", rcpt.TxRef, "err", err)
		return nil, fmt.Errorf("repayment_service.ProcessRepayment: record: %w", err)
	}

	if payment.PaymentType == domain.PaymentPartial {
		s.log.Info("partial repayment",
			"loan_id", loan.ID,
			"amount", payment.PaymentAmount.String(),
			"remaining", payment.RemainingBalance.String(),
		)
		return payment, nil
	}

	// ── Close the loan ───────────────────────────────────────────────────────
	if err := s.completeRepayment(ctx, loan); err != nil {
		return payment, err
	}
	s.log.Info("loan repaid", "loan_id", loan.ID, "borrower", loan.BorrowerAccount,
		"interest", loan.Interest().String())
	return payment, nil
}

// recordPayment persists the n-th payment, credits the pool and, for a
// partial payment, hands the loan back to active.
func (s *RepaymentService) recordPayment(ctx context.Context, loan *domain.Loan, prior repository.PaymentTotals, amount domain.Cents, txRef string) (*domain.Payment, error) {
	now := nowUTC()
	kind, remaining := domain.ClassifyPayment(loan.RepaymentAmount, prior.Sum+amount)
	p := &domain.Payment{
		ID:               uuid.New(),
		LoanID:           loan.ID,
		Sequence:         prior.Count + 1,
		BorrowerAccount:  loan.BorrowerAccount,
		PaymentAmount:    amount,
		PaymentType:      kind,
		RemainingBalance: remaining,
		TxRef:            txRef,
		PaidAt:           now,
	}

	err := s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repos.Payments.Create(ctx, tx, p); err != nil {
			return err
		}
		if err := s.repos.Pools.CreditPayment(ctx, tx, loan.AssetAddress, amount, now); err != nil {
			return err
		}
		if kind == domain.PaymentPartial {
			return s.repos.Loans.Transition(ctx, tx, loan.ID, domain.LoanRepaying, domain.LoanActive, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncRepayment(string(kind))
	return p, nil
}

// completeRepayment unlocks the collateral of a fully paid loan and settles
// it. The unlock key makes a retry after a partial failure safe.
func (s *RepaymentService) completeRepayment(ctx context.Context, loan *domain.Loan) error {
	rcpt, err := s.transfers.UnlockCollateral(ctx, domain.CollateralTransfer{
		Account:        loan.BorrowerAccount,
		TokenID:        loan.CollateralTokenID,
		Amount:         loan.CollateralAmount,
		IdempotencyKey: loan.UnlockKey(),
	})
	if err != nil {
		s.metrics.IncStepFailure(string(domain.StepUnlockCollateral))
		s.log.Error("repayment step failed", "loan_id", loan.ID, "step", domain.StepUnlockCollateral, "err", err)
		return &domain.StepError{Op: "repay", Step: domain.StepUnlockCollateral, LoanID: loan.ID, Err: err}
	}

	now := nowUTC()
	err = s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repos.Loans.MarkRepaid(ctx, tx, loan.ID, now); err != nil {
			return err
		}
		if err := s.repos.Loans.RecordRelease(ctx, tx, loan.ID, rcpt.TxRef, now); err != nil {
			return err
		}
		return s.repos.Pools.SettleRepayment(ctx, tx, loan.AssetAddress, loan.LoanAmount, now)
	})
	if err != nil {
		s.log.Error("unlocked loan not settled", "loan_id", loan.ID, "tx_ref", rcpt.TxRef, "err", err)
		return fmt.Errorf("repayment_service.completeRepayment: %w", err)
	}
	return nil
}

// release hands a held loan back to active after a failed receipt.
func (s *RepaymentService) release(ctx context.Context, loan *domain.Loan) {
	if err := s.repos.Loans.Transition(ctx, s.repos.DB, loan.ID, domain.LoanRepaying, domain.LoanActive, nowUTC()); err != nil {
		s.log.Error("loan left repaying", "loan_id", loan.ID, "err", err)
	}
}
