package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/metrics"
	"github.com/jmoiron/sqlx"
)

// MonitorService re-prices every active loan once per tick, records its
// health and hands undercollateralised loans to the liquidator.
type MonitorService struct {
	repos       Repos
	oracle      PriceOracle
	liquidator  Liquidator
	notifier    RiskNotifier
	loanTimeout time.Duration
	metrics     *metrics.LendingMetrics
	log         *slog.Logger
}

// NewMonitorService builds a MonitorService. notifier may be nil; a zero
// loanTimeout disables the per-loan deadline.
func NewMonitorService(
	repos Repos,
	oracle PriceOracle,
	liquidator Liquidator,
	notifier RiskNotifier,
	loanTimeout time.Duration,
	m *metrics.LendingMetrics,
	logger *slog.Logger,
) *MonitorService {
	return &MonitorService{
		repos:       repos,
		oracle:      oracle,
		liquidator:  liquidator,
		notifier:    notifier,
		loanTimeout: loanTimeout,
		metrics:     m,
		log:         logger.With("component", "monitor"),
	}
}

// RunMonitorTick checks all active loans sequentially. A failure on one loan
// is counted in Errors and does not stop the sweep. The returned error is
// non-nil only when the active set could not be loaded or ctx was cancelled.
func (s *MonitorService) RunMonitorTick(ctx context.Context) (domain.TickSummary, error) {
	start := time.Now()
	summary := domain.TickSummary{AtRiskLoans: []domain.AtRiskLoan{}}

	loans, err := s.repos.Loans.ListByStatus(ctx, domain.LoanActive)
	if err != nil {
		return summary, fmt.Errorf("monitor_service.RunMonitorTick: %w", err)
	}

	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}
		summary.Checked++

		res, err := s.checkLoan(ctx, loan)
		if err != nil {
			summary.Errors++
			s.log.Error("loan check failed", "loan_id", loan.ID, "err", err)
			continue
		}
		switch {
		case res.liquidated:
			summary.Liquidated++
		case res.atRisk != nil:
			summary.AtRisk++
			summary.AtRiskLoans = append(summary.AtRiskLoans, *res.atRisk)
		}
	}

	summary.Duration = time.Since(start)
	s.metrics.ObserveTick(summary.Checked, summary.AtRisk, summary.Errors, summary.Duration)
	s.log.Info("monitor tick",
		"checked", summary.Checked,
		"liquidated", summary.Liquidated,
		"at_risk", summary.AtRisk,
		"errors", summary.Errors,
		"duration", summary.Duration,
	)
	return summary, nil
}

type checkResult struct {
	liquidated bool
	atRisk     *domain.AtRiskLoan
}

func (s *MonitorService) checkLoan(ctx context.Context, loan *domain.Loan) (checkResult, error) {
	if s.loanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.loanTimeout)
		defer cancel()
	}

	price, err := quote(ctx, s.oracle, loan.CollateralTokenID)
	if err != nil {
		s.metrics.IncStepFailure(string(domain.StepPrice))
		return checkResult{}, &domain.StepError{Op: "monitor", Step: domain.StepPrice, LoanID: loan.ID, Err: err}
	}

	now := nowUTC()
	record := domain.NewHealthRecord(loan, price, now)
	hf := record.HealthFactor

	stillActive := true
	err = s.repos.inTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.repos.Loans.UpdateHealthFactor(ctx, tx, loan.ID, hf, now)
		if err != nil {
			return err
		}
		if !ok {
			stillActive = false
			return errLoanLeftActive
		}
		if err := s.repos.Loans.UpdateCurrentPrice(ctx, tx, loan.ID, price); err != nil {
			return err
		}
		return s.repos.Loans.AppendHealth(ctx, tx, record)
	})
	if !stillActive {
		// Repaid or claimed since the sweep started.
		return checkResult{}, nil
	}
	if err != nil {
		return checkResult{}, err
	}

	switch {
	case domain.IsLiquidatable(hf):
		res, err := s.liquidator.CheckAndLiquidate(ctx, loan.ID)
		if err != nil {
			return checkResult{}, err
		}
		return checkResult{liquidated: res.Outcome == domain.OutcomeLiquidated}, nil

	case domain.IsAtRisk(hf):
		at := domain.AtRiskLoan{
			LoanID:          loan.ID,
			BorrowerAccount: loan.BorrowerAccount,
			HealthFactor:    hf,
			Price:           price,
		}
		s.log.Warn("loan at risk",
			"loan_id", loan.ID,
			"borrower", loan.BorrowerAccount,
			"health_factor", hf.String(),
			"price", price.String(),
		)
		if s.notifier != nil {
			s.notifier.NotifyAtRisk(at)
		}
		return checkResult{atRisk: &at}, nil
	}
	return checkResult{}, nil
}

// errLoanLeftActive rolls back a health update for a loan that is no longer
// active. It never leaves checkLoan.
var errLoanLeftActive = errors.New("loan left active")
