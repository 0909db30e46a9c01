package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repay(loan *domain.Loan, amount domain.Cents) domain.RepaymentRequest {
	return domain.RepaymentRequest{LoanID: loan.ID, BorrowerAccount: loan.BorrowerAccount, Amount: amount}
}

// Pays 600 then 500 on a 1100 repayment.
func TestProcessRepaymentPartialThenFull(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")

	first, err := e.repayment.ProcessRepayment(ctx, repay(loan, 60000))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPartial, first.PaymentType)
	assert.Equal(t, domain.Cents(50000), first.RemainingBalance)
	assert.Equal(t, 1, first.Sequence)
	assert.Equal(t, domain.LoanActive, e.loan(t, loan.ID).Status)

	second, err := e.repayment.ProcessRepayment(ctx, repay(loan, 50000))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFull, second.PaymentType)
	assert.Zero(t, second.RemainingBalance)
	assert.Equal(t, 2, second.Sequence)

	closed := e.loan(t, loan.ID)
	assert.Equal(t, domain.LoanRepaid, closed.Status)
	require.NotNil(t, closed.RepaidAt)

	col, err := e.repos.Loans.GetCollateral(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, col.IsReleased())
	assert.Equal(t, 1, e.treasury.countKeys(":unlock"))

	p := e.pool(t)
	assert.Zero(t, p.TotalBorrowed)
	assert.Equal(t, domain.Cents(510000), p.AvailableLiquidity)
	assert.Equal(t, domain.Cents(510000), p.TotalLiquidity, "pool earns the interest")
	assert.Equal(t, int64(1), p.TotalLoansRepaid)
	e.requirePoolBalanced(t)

	payments, err := e.query.ListPayments(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.NotEqual(t, payments[0].TxRef, payments[1].TxRef)
}

func TestProcessRepaymentOverpaymentFloorsBalance(t *testing.T) {
	e := newEnv(t)
	loan := e.originate(t, 100000, "150")

	p, err := e.repayment.ProcessRepayment(context.Background(), repay(loan, 120000))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFull, p.PaymentType)
	assert.Zero(t, p.RemainingBalance)
	assert.Equal(t, domain.LoanRepaid, e.loan(t, loan.ID).Status)
	e.requirePoolBalanced(t)
}

func TestProcessRepaymentAfterCloseIsRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")

	_, err := e.repayment.ProcessRepayment(ctx, repay(loan, 110000))
	require.NoError(t, err)

	_, err = e.repayment.ProcessRepayment(ctx, repay(loan, 100))
	assert.ErrorIs(t, err, domain.ErrLoanAlreadyClosed)
	assert.Equal(t, 1, e.treasury.countKeys(":unlock"))
}

func TestProcessRepaymentRejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")

	_, err := e.repayment.ProcessRepayment(ctx, domain.RepaymentRequest{
		LoanID: loan.ID, BorrowerAccount: "0.0.9999", Amount: 100,
	})
	assert.ErrorIs(t, err, domain.ErrBorrowerMismatch)

	_, err = e.repayment.ProcessRepayment(ctx, repay(loan, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = e.repayment.ProcessRepayment(ctx, domain.RepaymentRequest{
		LoanID: uuid.New(), BorrowerAccount: testBorrower, Amount: 100,
	})
	assert.ErrorIs(t, err, domain.ErrLoanNotFound)

	assert.Equal(t, domain.LoanActive, e.loan(t, loan.ID).Status)
}

func TestProcessRepaymentReceiveFailureRevertsHold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")
	e.treasury.failOp(opStable, errors.New("borrower balance too low"))

	p, err := e.repayment.ProcessRepayment(ctx, repay(loan, 60000))
	assert.Nil(t, p)

	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StepReceivePayment, se.Step)
	assert.Equal(t, domain.LoanActive, e.loan(t, loan.ID).Status)

	payments, err := e.repos.Payments.ListByLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestProcessRepaymentUnlockFailureLeavesRepaying(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")
	e.treasury.failOp(opUnlock, errors.New("custody offline"))

	p, err := e.repayment.ProcessRepayment(ctx, repay(loan, 110000))
	require.NotNil(t, p, "received payment is still reported")
	assert.Equal(t, domain.PaymentFull, p.PaymentType)

	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StepUnlockCollateral, se.Step)

	// Observable: repaying with payments covering the repayment.
	assert.Equal(t, domain.LoanRepaying, e.loan(t, loan.ID).Status)
	totals, err := e.repos.Payments.Totals(ctx, loan.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(totals.Sum), int64(loan.RepaymentAmount))

	_, err = e.repayment.ProcessRepayment(ctx, repay(loan, 100))
	assert.ErrorIs(t, err, domain.ErrLoanBusy)
}

func TestProcessRepaymentLostReceiptIsRecorded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	loan := e.originate(t, 100000, "150")
	e.treasury.loseOp(opStable, true)

	p, err := e.repayment.ProcessRepayment(ctx, repay(loan, 60000))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPartial, p.PaymentType)
	assert.Equal(t, domain.LoanActive, e.loan(t, loan.ID).Status)
	assert.Equal(t, domain.Cents(460000), e.pool(t).AvailableLiquidity)
}
