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

// LiquidationService force-closes undercollateralised loans.
type LiquidationService struct {
	repos     Repos
	oracle    PriceOracle
	venue     ExecutionVenue
	transfers TransferPort
	notifier  RiskNotifier
	accounts  Accounts
	metrics   *metrics.LendingMetrics
	log       *slog.Logger
}

// NewLiquidationService builds a LiquidationService. transfers is used to
// confirm disposals whose call failed; notifier may be nil.
func NewLiquidationService(
	repos Repos,
	oracle PriceOracle,
	venue ExecutionVenue,
	transfers TransferPort,
	notifier RiskNotifier,
	accounts Accounts,
	m *metrics.LendingMetrics,
	logger *slog.Logger,
) *LiquidationService {
	return &LiquidationService{
		repos:     repos,
		oracle:    oracle,
		venue:     venue,
		transfers: transfers,
		notifier:  notifier,
		accounts:  accounts,
		metrics:   m,
		log:       logger.With("component", "liquidation"),
	}
}

// CheckAndLiquidate re-prices a loan and liquidates it when its health factor
// is below 1.0.
//
// Calls that change nothing return a result whose Outcome says why
// (healthy, already_closed, busy) and a nil error. Only one caller can
// ever move a loan to liquidated; concurrent callers get a no-op result.
func (s *LiquidationService) CheckAndLiquidate(ctx context.Context, loanID uuid.UUID) (*domain.LiquidationResult, error) {
	loan, err := s.repos.Loans.GetByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !loan.IsActive() {
		return noOp(loan, outcomeFor(loan.Status)), nil
	}

	price, err := quote(ctx, s.oracle, loan.CollateralTokenID)
	if err != nil {
		s.metrics.IncStepFailure(string(domain.StepPrice))
		return nil, &domain.StepError{Op: "liquidate", Step: domain.StepPrice, LoanID: loan.ID, Err: err}
	}
	hf := domain.HealthFactor(loan.CollateralAmount, price, loan.LoanAmount)
	if !domain.IsLiquidatable(hf) {
		res := noOp(loan, domain.OutcomeHealthy)
		res.HealthFactor = hf
		return res, nil
	}

	// ── Claim the loan ───────────────────────────────────────────────────────
	q := domain.QuoteLiquidation(loan.CollateralAmount, price, loan.LoanAmount)
	lq := &domain.Liquidation{
		ID:                           uuid.New(),
		LoanID:                       loan.ID,
		BorrowerAccount:              loan.BorrowerAccount,
		CollateralAmount:             loan.CollateralAmount,
		CollateralValueAtLiquidation: q.CollateralValue,
		USDCRecovered:                q.Recovered,
		LiquidationPenalty:           q.Penalty,
		LiquidationPrice:             price,
		HealthFactorAtLiquidation:    hf,
		LiquidatorAccount:            s.liquidatorAccount(),
		LiquidatorReward:             q.LiquidatorFee,
		Status:                       domain.LiquidationPending,
		LiquidatedAt:                 nowUTC(),
	}
	err = s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repos.Loans.Transition(ctx, tx, loan.ID, domain.LoanActive, domain.LoanLiquidating, lq.LiquidatedAt); err != nil {
			return err
		}
		return s.repos.Liquidations.CreatePending(ctx, tx, lq)
	})
	if err != nil {
		if domain.IsConflict(err) {
			return s.lostRace(ctx, loan, hf, err)
		}
		return nil, fmt.Errorf("liquidation_service.CheckAndLiquidate: claim: %w", err)
	}

	// ── Dispose of the collateral ────────────────────────────────────────────
	rcpt, err := s.venue.Dispose(ctx, domain.DisposalOrder{
		LiquidationID:  lq.ID,
		LoanID:         loan.ID,
		TokenID:        loan.CollateralTokenID,
		Amount:         loan.CollateralAmount,
		Price:          price,
		Proceeds:       q.Recovered,
		IdempotencyKey: lq.DisposeKey(),
	})
	if err != nil {
		s.metrics.IncStepFailure(string(domain.StepDispose))
		s.log.Error("liquidation step failed", "loan_id", loan.ID, "step", domain.StepDispose, "err", err)
		stepErr := &domain.StepError{Op: "liquidate", Step: domain.StepDispose, LoanID: loan.ID, Err: err}

		found, lookupErr := s.venueLookup(ctx, lq)
		switch {
		case errors.Is(lookupErr, domain.ErrTransferNotFound):
			if abortErr := s.abort(ctx, loan, lq); abortErr != nil {
				s.log.Error("loan left liquidating", "loan_id", loan.ID, "err", abortErr)
			}
			return nil, stepErr
		case lookupErr != nil:
			s.log.Error("loan left liquidating for reconciliation", "loan_id", loan.ID, "err", lookupErr)
			return nil, stepErr
		}
		rcpt = found
	}

	if err := s.settle(ctx, loan, lq, rcpt.TxRef); err != nil {
		s.log.Error("disposed collateral not settled", "loan_id", loan.ID, "tx_ref", rcpt.TxRef, "err", err)
		return nil, fmt.Errorf("liquidation_service.CheckAndLiquidate: settle: %w", err)
	}

	res := &domain.LiquidationResult{
		LoanID:       loan.ID,
		Outcome:      domain.OutcomeLiquidated,
		HealthFactor: hf,
		Status:       domain.LoanLiquidated,
		Liquidation:  lq,
	}
	s.log.Warn("loan liquidated",
		"loan_id", loan.ID,
		"borrower", loan.BorrowerAccount,
		"health_factor", hf.String(),
		"price", price.String(),
		"recovered", q.Recovered.String(),
		"penalty", q.Penalty.String(),
	)
	if s.notifier != nil {
		s.notifier.NotifyLiquidated(res)
	}
	return res, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Saga steps shared with the reconciler
// ──────────────────────────────────────────────────────────────────────────────

// settle books a completed disposal: liquidation settled, loan liquidated,
// collateral released and the pool credited, in one transaction.
func (s *LiquidationService) settle(ctx context.Context, loan *domain.Loan, lq *domain.Liquidation, txRef string) error {
	now := nowUTC()
	err := s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repos.Liquidations.Settle(ctx, tx, lq.ID, txRef); err != nil {
			return err
		}
		if err := s.repos.Loans.MarkLiquidated(ctx, tx, loan.ID, now); err != nil {
			return err
		}
		if err := s.repos.Loans.RecordRelease(ctx, tx, loan.ID, txRef, now); err != nil {
			return err
		}
		return s.repos.Pools.SettleLiquidation(ctx, tx, loan.AssetAddress, loan.LoanAmount, lq.USDCRecovered, now)
	})
	if err != nil {
		return err
	}
	lq.Status = domain.LiquidationSettled
	lq.DisposalTxRef = &txRef
	s.metrics.IncLiquidation()
	return nil
}

// abort drops the pending liquidation and returns the loan to active so the
// next monitor tick can evaluate it again.
func (s *LiquidationService) abort(ctx context.Context, loan *domain.Loan, lq *domain.Liquidation) error {
	return s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repos.Liquidations.DeletePending(ctx, tx, lq.ID); err != nil {
			return err
		}
		return s.repos.Loans.Transition(ctx, tx, loan.ID, domain.LoanLiquidating, domain.LoanActive, nowUTC())
	})
}

// lostRace turns a failed claim into the no-op result of whoever won.
func (s *LiquidationService) lostRace(ctx context.Context, loan *domain.Loan, hf decimal.Decimal, cause error) (*domain.LiquidationResult, error) {
	current, err := s.repos.Loans.GetByID(ctx, loan.ID)
	if err != nil {
		return nil, err
	}
	outcome := outcomeFor(current.Status)
	if errors.Is(cause, domain.ErrLiquidationExists) {
		outcome = domain.OutcomeBusy
	}
	s.log.Info("liquidation skipped", "loan_id", loan.ID, "status", current.Status, "outcome", outcome)
	res := noOp(current, outcome)
	res.HealthFactor = hf
	return res, nil
}

// venueLookup asks the treasury whether a disposal ran despite a failed call.
// Without a transfer port nothing can be confirmed, so the disposal is
// treated as not executed.
func (s *LiquidationService) venueLookup(ctx context.Context, lq *domain.Liquidation) (domain.TransferReceipt, error) {
	if s.transfers == nil {
		return domain.TransferReceipt{}, domain.ErrTransferNotFound
	}
	return s.transfers.LookupTransfer(ctx, lq.DisposeKey())
}

func (s *LiquidationService) liquidatorAccount() *string {
	if s.accounts.Liquidator == "" {
		return nil
	}
	acct := s.accounts.Liquidator
	return &acct
}

func outcomeFor(status domain.LoanStatus) domain.LiquidationOutcome {
	if status.IsTerminal() {
		return domain.OutcomeAlreadyClosed
	}
	return domain.OutcomeBusy
}

func noOp(loan *domain.Loan, outcome domain.LiquidationOutcome) *domain.LiquidationResult {
	return &domain.LiquidationResult{
		LoanID:       loan.ID,
		Outcome:      outcome,
		HealthFactor: loan.HealthFactor,
		Status:       loan.Status,
	}
}
