package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTreasuryDown = errors.New("treasury unreachable")

func stepLoanID(t *testing.T, err error) *domain.StepError {
	t.Helper()
	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	return se
}

func TestReconcileActivatesDisbursedLoan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.treasury.loseOp(opStable, true)

	_, err := e.origination.OriginateLoan(ctx, loanRequest(100000, "150"))
	se := stepLoanID(t, err)
	assert.Equal(t, domain.StepDisburse, se.Step)
	e.treasury.loseOp(opStable, false)

	report, err := e.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, service.ActionActivated, report.Actions[0].Action)

	assert.Equal(t, domain.LoanActive, e.loan(t, se.LoanID).Status)
	assert.Equal(t, int64(1), e.pool(t).TotalLoansOriginated)
	e.requirePoolBalanced(t)
}

func TestReconcileCancelsUndisbursedLoan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.treasury.failOp(opStable, errTreasuryDown)

	_, err := e.origination.OriginateLoan(ctx, loanRequest(100000, "150"))
	se := stepLoanID(t, err)
	e.treasury.failOp(opStable, nil)

	report, err := e.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, service.ActionCancelled, report.Actions[0].Action)

	loan := e.loan(t, se.LoanID)
	assert.Equal(t, domain.LoanCancelled, loan.Status)
	assert.True(t, e.treasury.has(loan.ReleaseKey()))
	assert.False(t, e.treasury.has(loan.DisburseKey()))

	col, err := e.repos.Loans.GetCollateral(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, col.IsReleased())

	p := e.pool(t)
	assert.Equal(t, domain.Cents(500000), p.AvailableLiquidity)
	assert.Zero(t, p.TotalBorrowed)
}

func TestReconcileRecordsMissedPayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")

	// The receipt runs, the call fails and the treasury cannot be asked.
	e.treasury.loseOp(opStable, true)
	e.treasury.setLookupErr(errTreasuryDown)
	_, err := e.repayment.ProcessRepayment(ctx, repay(loan, 60000))
	require.Error(t, err)
	assert.Equal(t, domain.LoanRepaying, e.loan(t, loan.ID).Status)

	e.treasury.loseOp(opStable, false)
	e.treasury.setLookupErr(nil)

	report, err := e.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, service.ActionPaymentRecorded, report.Actions[0].Action)

	assert.Equal(t, domain.LoanActive, e.loan(t, loan.ID).Status)
	payments, err := e.repos.Payments.ListByLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.Cents(60000), payments[0].PaymentAmount)
	assert.Equal(t, domain.Cents(50000), payments[0].RemainingBalance)
}

func TestReconcileRevertsUnpaidHold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")

	e.treasury.failOp(opStable, errTreasuryDown)
	e.treasury.setLookupErr(errTreasuryDown)
	_, err := e.repayment.ProcessRepayment(ctx, repay(loan, 60000))
	require.Error(t, err)
	e.treasury.failOp(opStable, nil)
	e.treasury.setLookupErr(nil)

	report, err := e.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, service.ActionReverted, report.Actions[0].Action)
	assert.Equal(t, domain.LoanActive, e.loan(t, loan.ID).Status)
}

func TestReconcileCompletesRepayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")

	e.treasury.failOp(opUnlock, errTreasuryDown)
	_, err := e.repayment.ProcessRepayment(ctx, repay(loan, 110000))
	require.Error(t, err)
	e.treasury.failOp(opUnlock, nil)

	report, err := e.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, service.ActionRepaid, report.Actions[0].Action)

	assert.Equal(t, domain.LoanRepaid, e.loan(t, loan.ID).Status)
	assert.Equal(t, 1, e.treasury.countKeys(":unlock"))
	assert.Equal(t, int64(1), e.pool(t).TotalLoansRepaid)
	e.requirePoolBalanced(t)
}

func TestReconcileSettlesExecutedDisposal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")
	e.oracle.set(testToken, "7")

	e.treasury.loseOp(opDispose, true)
	e.treasury.setLookupErr(errTreasuryDown)
	_, err := e.liquidation.CheckAndLiquidate(ctx, loan.ID)
	require.Error(t, err)
	assert.Equal(t, domain.LoanLiquidating, e.loan(t, loan.ID).Status)
	e.treasury.setLookupErr(nil)

	report, err := e.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, service.ActionLiquidated, report.Actions[0].Action)

	assert.Equal(t, domain.LoanLiquidated, e.loan(t, loan.ID).Status)
	lq, err := e.repos.Liquidations.GetByLoanID(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LiquidationSettled, lq.Status)
	assert.Equal(t, int64(1), e.pool(t).TotalLiquidations)
	e.requirePoolBalanced(t)
}

func TestReconcileAbortsMissingDisposal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")
	e.oracle.set(testToken, "7")

	e.treasury.failOp(opDispose, errTreasuryDown)
	e.treasury.setLookupErr(errTreasuryDown)
	_, err := e.liquidation.CheckAndLiquidate(ctx, loan.ID)
	require.Error(t, err)
	e.treasury.setLookupErr(nil)

	report, err := e.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, service.ActionLiquidationAbort, report.Actions[0].Action)
	assert.Equal(t, domain.LoanActive, e.loan(t, loan.ID).Status)
	assert.Zero(t, e.countLiquidations(t, loan.ID))
}

func TestReconcileSettlesWriteOffWithoutLookup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")
	e.oracle.set(testToken, "0.00001")

	e.treasury.failOp(opDispose, errTreasuryDown)
	e.treasury.setLookupErr(errTreasuryDown)
	_, err := e.liquidation.CheckAndLiquidate(ctx, loan.ID)
	require.Error(t, err)
	require.Equal(t, domain.LoanLiquidating, e.loan(t, loan.ID).Status)
	e.treasury.setLookupErr(nil)

	report, err := e.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, service.ActionLiquidated, report.Actions[0].Action)

	assert.Equal(t, domain.LoanLiquidated, e.loan(t, loan.ID).Status)
	lq, err := e.repos.Liquidations.GetByLoanID(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LiquidationSettled, lq.Status)
	assert.Zero(t, lq.USDCRecovered)
	require.NotNil(t, lq.DisposalTxRef)
	assert.Equal(t, domain.WriteOffRef(lq.DisposeKey()), *lq.DisposalTxRef)
	e.requirePoolBalanced(t)
}

func TestReconcileDefersWhenTreasuryUnreachable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.treasury.failOp(opStable, errTreasuryDown)
	_, err := e.origination.OriginateLoan(ctx, loanRequest(100000, "150"))
	se := stepLoanID(t, err)
	e.treasury.setLookupErr(errTreasuryDown)

	report, err := e.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, service.ActionDeferred, report.Actions[0].Action)
	assert.NotEmpty(t, report.Actions[0].Error)
	assert.Equal(t, domain.LoanPending, e.loan(t, se.LoanID).Status)
}

func TestFindInconsistencies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	healthy := e.originate(t, 100000, "150")
	stuck := e.originate(t, 100000, "150")

	// A terminal loan whose collateral never left custody.
	_, err := e.db.Exec(e.db.Rebind(`UPDATE loans SET status = ? WHERE id = ?`), domain.LoanRepaid, stuck.ID)
	require.NoError(t, err)

	e.treasury.failOp(opStable, errTreasuryDown)
	_, err = e.origination.OriginateLoan(ctx, loanRequest(100000, "150"))
	pending := stepLoanID(t, err)

	found, err := e.reconciler.FindInconsistencies(ctx)
	require.NoError(t, err)

	kinds := map[string]string{}
	for _, f := range found {
		kinds[f.LoanID.String()] = f.Kind
	}
	assert.Len(t, found, 2)
	assert.Equal(t, service.KindTerminalLocked, kinds[stuck.ID.String()])
	assert.Equal(t, service.KindStaleInFlight, kinds[pending.LoanID.String()])
	assert.NotContains(t, kinds, healthy.ID.String())
}
