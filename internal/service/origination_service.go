package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/metrics"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// OriginationService validates new loans, fixes their terms and runs the
// lock-then-disburse saga.
type OriginationService struct {
	repos     Repos
	transfers TransferPort
	oracle    PriceOracle
	accounts  Accounts
	metrics   *metrics.LendingMetrics
	log       *slog.Logger
}

// NewOriginationService builds an OriginationService.
func NewOriginationService(
	repos Repos,
	transfers TransferPort,
	oracle PriceOracle,
	accounts Accounts,
	m *metrics.LendingMetrics,
	logger *slog.Logger,
) *OriginationService {
	return &OriginationService{
		repos:     repos,
		transfers: transfers,
		oracle:    oracle,
		accounts:  accounts,
		metrics:   m,
		log:       logger.With("component", "origination"),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// OriginateLoan
// ──────────────────────────────────────────────────────────────────────────────

// OriginateLoan creates an active loan backed by locked collateral.
//
// Validation failures (ErrInvalidRequest, ErrInsufficientCollateral,
// ErrInsufficientLiquidity, ErrPoolNotFound) leave no trace. External
// failures are returned as *domain.StepError:
//
//   - lock_collateral: the reservation is released and the loan cancelled.
//   - disburse: the loan stays pending with its lock recorded; the
//     reconciler activates or unwinds it once the treasury state is known.
func (s *OriginationService) OriginateLoan(ctx context.Context, req domain.OriginateLoanRequest) (*domain.Loan, error) {
	// ── 1. Validate ──────────────────────────────────────────────────────────
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var price decimal.Decimal
	if req.Price != nil {
		price = *req.Price
	} else {
		p, err := quote(ctx, s.oracle, req.CollateralTokenID)
		if err != nil {
			s.metrics.IncStepFailure(string(domain.StepPrice))
			return nil, &domain.StepError{Op: "originate", Step: domain.StepPrice, Err: err}
		}
		price = p
	}

	if cv := domain.CollateralValue(req.CollateralAmount, price); cv.GreaterThan(domain.MaxCents.Decimal()) {
		s.metrics.IncOrigination("rejected")
		return nil, fmt.Errorf("%w: collateral value %s exceeds %s", domain.ErrInvalidRequest,
			cv.StringFixed(2), domain.MaxCents)
	}
	if !domain.HasSufficientCollateral(req.CollateralAmount, price, req.LoanAmount) {
		s.metrics.IncOrigination("rejected")
		return nil, fmt.Errorf("%w: %s × %s < %s × %s", domain.ErrInsufficientCollateral,
			req.CollateralAmount, price, req.LoanAmount, domain.CollateralizationRatio)
	}

	// ── 2. Reserve liquidity + persist pending loan ──────────────────────────
	now := nowUTC()
	terms := domain.ComputeTerms(req.LoanAmount, req.CollateralAmount, price, now)
	loan := &domain.Loan{
		ID:                     uuid.New(),
		BorrowerAccount:        req.BorrowerAccount,
		AssetAddress:           req.AssetAddress,
		LoanAmount:             req.LoanAmount,
		CollateralAmount:       req.CollateralAmount,
		CollateralTokenID:      req.CollateralTokenID,
		RepaymentAmount:        terms.RepaymentAmount,
		InterestRate:           domain.InterestRate,
		CollateralizationRatio: domain.CollateralizationRatio,
		LiquidationThreshold:   domain.LiquidationThreshold,
		LiquidationPrice:       terms.LiquidationPrice,
		HealthFactor:           terms.HealthFactor,
		Status:                 domain.LoanPending,
		TakenAt:                terms.TakenAt,
		DueDate:                terms.DueDate,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	lock := &domain.CollateralLock{
		LoanID:       loan.ID,
		TokenID:      req.CollateralTokenID,
		Amount:       req.CollateralAmount,
		InitialPrice: price,
		CurrentPrice: price,
		LockedAt:     now,
	}

	err := s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repos.Pools.Reserve(ctx, tx, loan.AssetAddress, loan.LoanAmount, now); err != nil {
			return err
		}
		return s.repos.Loans.Create(ctx, tx, loan, lock)
	})
	if err != nil {
		s.metrics.IncOrigination("rejected")
		return nil, fmt.Errorf("origination_service.OriginateLoan: reserve: %w", err)
	}

	// ── 3. Lock collateral ───────────────────────────────────────────────────
	lockRcpt, err := s.transfers.LockCollateral(ctx, domain.CollateralTransfer{
		Account:        loan.BorrowerAccount,
		TokenID:        loan.CollateralTokenID,
		Amount:         loan.CollateralAmount,
		IdempotencyKey: loan.LockKey(),
	})
	if err != nil {
		s.stepFailed(loan, domain.StepLockCollateral, err)
		if abortErr := s.abortPending(ctx, loan); abortErr != nil {
			s.log.Error("origination left pending for reconciliation",
				"loan_id", loan.ID, "step", domain.StepRelease, "err", abortErr)
		}
		return nil, &domain.StepError{Op: "originate", Step: domain.StepLockCollateral, LoanID: loan.ID, Err: err}
	}
	if err := s.repos.Loans.RecordLock(ctx, s.repos.DB, loan.ID, lockRcpt.TxRef); err != nil {
		// Not fatal: activation records the reference again.
		s.log.Warn("could not record lock reference", "loan_id", loan.ID, "err", err)
	}

	// ── 4. Disburse ──────────────────────────────────────────────────────────
	if _, err := s.transfers.TransferStable(ctx, domain.StableTransfer{
		From:           s.accounts.Treasury,
		To:             loan.BorrowerAccount,
		Amount:         loan.LoanAmount,
		Memo:           fmt.Sprintf("loan %s disbursement", loan.ID),
		IdempotencyKey: loan.DisburseKey(),
	}); err != nil {
		s.stepFailed(loan, domain.StepDisburse, err)
		return nil, &domain.StepError{Op: "originate", Step: domain.StepDisburse, LoanID: loan.ID, Err: err}
	}

	// ── 5. Activate ──────────────────────────────────────────────────────────
	if err := s.activate(ctx, loan, lockRcpt.TxRef, price); err != nil {
		s.log.Error("disbursed loan not activated", "loan_id", loan.ID, "err", err)
		return nil, fmt.Errorf("origination_service.OriginateLoan: activate %s: %w", loan.ID, err)
	}

	loan.Status = domain.LoanActive
	s.metrics.IncOrigination("active")
	s.log.Info("loan originated",
		"loan_id", loan.ID,
		"borrower", loan.BorrowerAccount,
		"amount", loan.LoanAmount.String(),
		"health_factor", loan.HealthFactor.String(),
	)
	return loan, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Saga steps shared with the reconciler
// ──────────────────────────────────────────────────────────────────────────────

// activate flips a disbursed loan to active, counts the origination and writes
// the first health snapshot, all in one transaction.
func (s *OriginationService) activate(ctx context.Context, loan *domain.Loan, lockRef string, price decimal.Decimal) error {
	now := nowUTC()
	return s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repos.Loans.RecordLock(ctx, tx, loan.ID, lockRef); err != nil {
			return err
		}
		if err := s.repos.Loans.Activate(ctx, tx, loan.ID, now); err != nil {
			return err
		}
		if err := s.repos.Pools.CountOrigination(ctx, tx, loan.AssetAddress, now); err != nil {
			return err
		}
		return s.repos.Loans.AppendHealth(ctx, tx, domain.NewHealthRecord(loan, price, now))
	})
}

// abortPending unwinds an origination that never disbursed. A lock that did
// reach the treasury is released first; a treasury that cannot be queried
// leaves the loan pending.
func (s *OriginationService) abortPending(ctx context.Context, loan *domain.Loan) error {
	lockRcpt, err := s.transfers.LookupTransfer(ctx, loan.LockKey())
	switch {
	case errors.Is(err, domain.ErrTransferNotFound):
		return s.cancel(ctx, loan, "", "")
	case err != nil:
		return fmt.Errorf("lookup lock: %w", err)
	}

	relRcpt, err := s.transfers.UnlockCollateral(ctx, domain.CollateralTransfer{
		Account:        loan.BorrowerAccount,
		TokenID:        loan.CollateralTokenID,
		Amount:         loan.CollateralAmount,
		IdempotencyKey: loan.ReleaseKey(),
	})
	if err != nil {
		s.stepFailed(loan, domain.StepRelease, err)
		return &domain.StepError{Op: "originate", Step: domain.StepRelease, LoanID: loan.ID, Err: err}
	}
	return s.cancel(ctx, loan, lockRcpt.TxRef, relRcpt.TxRef)
}

// cancel closes a pending loan and gives its reservation back to the pool.
// When the collateral had been locked, the release is stamped too.
func (s *OriginationService) cancel(ctx context.Context, loan *domain.Loan, lockRef, releaseRef string) error {
	now := nowUTC()
	err := s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repos.Loans.Transition(ctx, tx, loan.ID, domain.LoanPending, domain.LoanCancelled, now); err != nil {
			return err
		}
		if err := s.repos.Pools.Release(ctx, tx, loan.AssetAddress, loan.LoanAmount, now); err != nil {
			return err
		}
		if lockRef == "" {
			return nil
		}
		if err := s.repos.Loans.RecordLock(ctx, tx, loan.ID, lockRef); err != nil {
			return err
		}
		return s.repos.Loans.RecordRelease(ctx, tx, loan.ID, releaseRef, now)
	})
	if err != nil {
		return fmt.Errorf("cancel loan %s: %w", loan.ID, err)
	}
	s.metrics.IncOrigination("cancelled")
	s.log.Info("origination cancelled", "loan_id", loan.ID, "collateral_released", lockRef != "")
	return nil
}

func (s *OriginationService) stepFailed(loan *domain.Loan, step domain.Step, err error) {
	s.metrics.IncStepFailure(string(step))
	s.log.Error("origination step failed", "loan_id", loan.ID, "step", step, "err", err)
}
