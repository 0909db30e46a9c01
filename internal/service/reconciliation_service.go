package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/metrics"
)

// ReconciliationService drives loans left in an in-flight status by a crash
// or an external failure to a consistent state, using the treasury's record
// of each idempotency key as the source of truth.
type ReconciliationService struct {
	repos       Repos
	transfers   TransferPort
	origination *OriginationService
	repayment   *RepaymentService
	liquidation *LiquidationService
	staleAfter  time.Duration
	metrics     *metrics.LendingMetrics
	log         *slog.Logger
}

// NewReconciliationService builds a ReconciliationService. Loans are only
// touched once they have been in flight for longer than staleAfter.
func NewReconciliationService(
	repos Repos,
	transfers TransferPort,
	origination *OriginationService,
	repayment *RepaymentService,
	liquidation *LiquidationService,
	staleAfter time.Duration,
	m *metrics.LendingMetrics,
	logger *slog.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		repos:       repos,
		transfers:   transfers,
		origination: origination,
		repayment:   repayment,
		liquidation: liquidation,
		staleAfter:  staleAfter,
		metrics:     m,
		log:         logger.With("component", "reconciler"),
	}
}

// Reconcile actions.
const (
	ActionActivated        = "activated"
	ActionCancelled        = "cancelled"
	ActionRepaid           = "repaid"
	ActionPaymentRecorded  = "payment_recorded"
	ActionReverted         = "reverted"
	ActionLiquidated       = "liquidated"
	ActionLiquidationAbort = "liquidation_aborted"
	ActionDeferred         = "deferred"
)

// ReconcileAction is what the reconciler did to one loan.
type ReconcileAction struct {
	LoanID uuid.UUID         `json:"loan_id"`
	Status domain.LoanStatus `json:"status"`
	Action string            `json:"action"`
	Error  string            `json:"error,omitempty"`
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Examined int               `json:"examined"`
	Errors   int               `json:"errors"`
	Actions  []ReconcileAction `json:"actions"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Reconcile
// ──────────────────────────────────────────────────────────────────────────────

// Reconcile resolves every stale pending, repaying and liquidating loan.
// A loan whose treasury state cannot be established is deferred to the next
// pass.
func (s *ReconciliationService) Reconcile(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Actions: []ReconcileAction{}}

	loans, err := s.staleInFlight(ctx)
	if err != nil {
		return report, fmt.Errorf("reconciliation_service.Reconcile: %w", err)
	}

	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++

		var action string
		switch loan.Status {
		case domain.LoanPending:
			action, err = s.resolvePending(ctx, loan)
		case domain.LoanRepaying:
			action, err = s.resolveRepaying(ctx, loan)
		case domain.LoanLiquidating:
			action, err = s.resolveLiquidating(ctx, loan)
		}

		a := ReconcileAction{LoanID: loan.ID, Status: loan.Status, Action: action}
		if err != nil {
			report.Errors++
			a.Action = ActionDeferred
			a.Error = err.Error()
			s.log.Error("reconciliation deferred", "loan_id", loan.ID, "status", loan.Status, "err", err)
			if touchErr := s.repos.Loans.Touch(ctx, loan.ID, nowUTC()); touchErr != nil {
				s.log.Warn("could not defer loan", "loan_id", loan.ID, "err", touchErr)
			}
		} else {
			s.log.Info("loan reconciled", "loan_id", loan.ID, "status", loan.Status, "action", action)
		}
		s.metrics.IncReconcileAction(a.Action)
		report.Actions = append(report.Actions, a)
	}
	return report, nil
}

func (s *ReconciliationService) staleInFlight(ctx context.Context) ([]*domain.Loan, error) {
	loans, err := s.repos.Loans.ListByStatus(ctx, domain.LoanPending, domain.LoanRepaying, domain.LoanLiquidating)
	if err != nil {
		return nil, err
	}
	cutoff := nowUTC().Add(-s.staleAfter)
	stale := loans[:0]
	for _, l := range loans {
		if !l.UpdatedAt.After(cutoff) {
			stale = append(stale, l)
		}
	}
	return stale, nil
}

// resolvePending finishes an origination whose disbursement went through and
// unwinds any other.
func (s *ReconciliationService) resolvePending(ctx context.Context, loan *domain.Loan) (string, error) {
	_, err := s.transfers.LookupTransfer(ctx, loan.DisburseKey())
	switch {
	case errors.Is(err, domain.ErrTransferNotFound):
		if err := s.origination.abortPending(ctx, loan); err != nil {
			return "", err
		}
		return ActionCancelled, nil
	case err != nil:
		return "", fmt.Errorf("lookup disbursement: %w", err)
	}

	lockRcpt, err := s.transfers.LookupTransfer(ctx, loan.LockKey())
	if err != nil {
		return "", fmt.Errorf("disbursed loan without lock: %w", err)
	}
	col, err := s.repos.Loans.GetCollateral(ctx, loan.ID)
	if err != nil {
		return "", err
	}
	if err := s.origination.activate(ctx, loan, lockRcpt.TxRef, col.InitialPrice); err != nil {
		return "", err
	}
	s.origination.metrics.IncOrigination("active")
	return ActionActivated, nil
}

// resolveRepaying records a payment the treasury received but the ledger
// missed, completes a fully paid loan, or releases the hold.
func (s *ReconciliationService) resolveRepaying(ctx context.Context, loan *domain.Loan) (string, error) {
	totals, err := s.repos.Payments.Totals(ctx, loan.ID)
	if err != nil {
		return "", err
	}
	if totals.Sum >= loan.RepaymentAmount {
		if err := s.repayment.completeRepayment(ctx, loan); err != nil {
			return "", err
		}
		return ActionRepaid, nil
	}

	rcpt, err := s.transfers.LookupTransfer(ctx, loan.PaymentKey(totals.Count+1))
	switch {
	case errors.Is(err, domain.ErrTransferNotFound):
		if err := s.repos.Loans.Transition(ctx, s.repos.DB, loan.ID, domain.LoanRepaying, domain.LoanActive, nowUTC()); err != nil {
			return "", err
		}
		return ActionReverted, nil
	case err != nil:
		return "", fmt.Errorf("lookup payment: %w", err)
	case !rcpt.Amount.IsPositive():
		return "", fmt.Errorf("payment receipt %s carries no amount", rcpt.TxRef)
	}

	payment, err := s.repayment.recordPayment(ctx, loan, totals, rcpt.Amount, rcpt.TxRef)
	if err != nil {
		return "", err
	}
	if payment.PaymentType == domain.PaymentPartial {
		return ActionPaymentRecorded, nil
	}
	if err := s.repayment.completeRepayment(ctx, loan); err != nil {
		return "", err
	}
	return ActionRepaid, nil
}

// resolveLiquidating settles a disposal the venue executed, or aborts the
// liquidation so the monitor can retry it.
func (s *ReconciliationService) resolveLiquidating(ctx context.Context, loan *domain.Loan) (string, error) {
	lq, err := s.repos.Liquidations.GetByLoanID(ctx, loan.ID)
	if err != nil {
		return "", err
	}
	if lq.Status != domain.LiquidationPending {
		return "", fmt.Errorf("liquidation %s is %s but loan is still liquidating", lq.ID, lq.Status)
	}

	// A write-off moves no funds, so the treasury has nothing to look up.
	if !lq.USDCRecovered.IsPositive() {
		if err := s.liquidation.settle(ctx, loan, lq, domain.WriteOffRef(lq.DisposeKey())); err != nil {
			return "", err
		}
		return ActionLiquidated, nil
	}

	rcpt, err := s.transfers.LookupTransfer(ctx, lq.DisposeKey())
	switch {
	case errors.Is(err, domain.ErrTransferNotFound):
		if err := s.liquidation.abort(ctx, loan, lq); err != nil {
			return "", err
		}
		return ActionLiquidationAbort, nil
	case err != nil:
		return "", fmt.Errorf("lookup disposal: %w", err)
	}

	if err := s.liquidation.settle(ctx, loan, lq, rcpt.TxRef); err != nil {
		return "", err
	}
	return ActionLiquidated, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// FindInconsistencies
// ──────────────────────────────────────────────────────────────────────────────

// Inconsistency kinds.
const (
	KindTerminalLocked = "terminal_collateral_locked"
	KindActiveReleased = "active_collateral_released"
	KindStaleInFlight  = "stale_in_flight"
)

// Inconsistency is a loan whose collateral state does not match its status.
type Inconsistency struct {
	LoanID    uuid.UUID         `json:"loan_id"`
	Status    domain.LoanStatus `json:"status"`
	Kind      string            `json:"kind"`
	Detail    string            `json:"detail"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// FindInconsistencies lists loans that need manual review. It only reads.
func (s *ReconciliationService) FindInconsistencies(ctx context.Context) ([]Inconsistency, error) {
	out := []Inconsistency{}

	settled, err := s.repos.Loans.ListByStatus(ctx,
		domain.LoanActive, domain.LoanRepaid, domain.LoanLiquidated, domain.LoanCancelled)
	if err != nil {
		return nil, fmt.Errorf("reconciliation_service.FindInconsistencies: %w", err)
	}
	for _, l := range settled {
		col, err := s.repos.Loans.GetCollateral(ctx, l.ID)
		if err != nil {
			return nil, fmt.Errorf("reconciliation_service.FindInconsistencies: %w", err)
		}
		switch {
		case l.Status.IsTerminal() && col.LockTxRef != nil && !col.IsReleased():
			out = append(out, Inconsistency{
				LoanID: l.ID, Status: l.Status, Kind: KindTerminalLocked, UpdatedAt: l.UpdatedAt,
				Detail: fmt.Sprintf("collateral %s %s still in custody", col.Amount, col.TokenID),
			})
		case l.Status == domain.LoanActive && col.IsReleased():
			out = append(out, Inconsistency{
				LoanID: l.ID, Status: l.Status, Kind: KindActiveReleased, UpdatedAt: l.UpdatedAt,
				Detail: "loan is active but its collateral was released",
			})
		}
	}

	stale, err := s.staleInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciliation_service.FindInconsistencies: %w", err)
	}
	for _, l := range stale {
		out = append(out, Inconsistency{
			LoanID: l.ID, Status: l.Status, Kind: KindStaleInFlight, UpdatedAt: l.UpdatedAt,
			Detail: fmt.Sprintf("in flight since %s", l.UpdatedAt.Format(time.RFC3339)),
		})
	}
	return out, nil
}
