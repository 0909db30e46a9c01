package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/harvestchain/lending/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Loan of 1000 against 150 tokens at $10.
func TestOriginateLoanReferenceScenario(t *testing.T) {
	e := newEnv(t)

	loan := e.originate(t, 100000, "150")

	assert.Equal(t, domain.LoanActive, loan.Status)
	assert.Equal(t, domain.Cents(110000), loan.RepaymentAmount)
	assert.True(t, dec("1.35").Equal(loan.HealthFactor), "hf = %s", loan.HealthFactor)
	assert.Equal(t, loan.TakenAt.Add(domain.LoanDuration), loan.DueDate)

	stored := e.loan(t, loan.ID)
	assert.Equal(t, domain.LoanActive, stored.Status)

	col, err := e.repos.Loans.GetCollateral(context.Background(), loan.ID)
	require.NoError(t, err)
	require.NotNil(t, col.LockTxRef)
	assert.False(t, col.IsReleased())
	assert.True(t, dec("10").Equal(col.InitialPrice))

	p := e.pool(t)
	assert.Equal(t, domain.Cents(400000), p.AvailableLiquidity)
	assert.Equal(t, domain.Cents(100000), p.TotalBorrowed)
	assert.Equal(t, int64(1), p.TotalLoansOriginated)
	e.requirePoolBalanced(t)

	history, err := e.repos.Loans.ListHealth(context.Background(), loan.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, dec("1.35").Equal(history[0].HealthFactor))

	assert.True(t, e.treasury.has(loan.LockKey()))
	assert.True(t, e.treasury.has(loan.DisburseKey()))
}

func TestOriginateLoanUsesRequestPrice(t *testing.T) {
	e := newEnv(t)
	e.oracle.setErr(errors.New("oracle down"))

	req := loanRequest(100000, "150")
	price := dec("12")
	req.Price = &price

	loan, err := e.origination.OriginateLoan(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, dec("1.62").Equal(loan.HealthFactor), "hf = %s", loan.HealthFactor)
}

func TestOriginateLoanRejections(t *testing.T) {
	cases := []struct {
		name   string
		req    func() domain.OriginateLoanRequest
		target error
	}{
		{
			name:   "insufficient collateral",
			req:    func() domain.OriginateLoanRequest { return loanRequest(100000, "124") },
			target: domain.ErrInsufficientCollateral,
		},
		{
			name:   "pool exhausted",
			req:    func() domain.OriginateLoanRequest { return loanRequest(600000, "1000") },
			target: domain.ErrInsufficientLiquidity,
		},
		{
			name: "unknown pool",
			req: func() domain.OriginateLoanRequest {
				r := loanRequest(100000, "150")
				r.AssetAddress = "0xDAI"
				return r
			},
			target: domain.ErrPoolNotFound,
		},
		{
			name:   "collateral value out of range",
			req:    func() domain.OriginateLoanRequest { return loanRequest(100000, "1e17") },
			target: domain.ErrInvalidRequest,
		},
		{
			name:   "zero amount",
			req:    func() domain.OriginateLoanRequest { return loanRequest(0, "150") },
			target: domain.ErrInvalidRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)

			_, err := e.origination.OriginateLoan(context.Background(), tc.req())
			require.ErrorIs(t, err, tc.target)

			loans, err := e.repos.Loans.ListByBorrower(context.Background(), testBorrower, 10, 0)
			require.NoError(t, err)
			assert.Empty(t, loans)

			p := e.pool(t)
			assert.Equal(t, domain.Cents(500000), p.AvailableLiquidity)
			assert.Zero(t, p.TotalBorrowed)
			assert.Zero(t, e.treasury.callCount(opLock))
		})
	}
}

func TestOriginateLoanOracleFailure(t *testing.T) {
	e := newEnv(t)
	e.oracle.setErr(errors.New("timeout"))

	_, err := e.origination.OriginateLoan(context.Background(), loanRequest(100000, "150"))

	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StepPrice, se.Step)
	assert.True(t, domain.IsExternal(err))
	assert.Equal(t, domain.Cents(500000), e.pool(t).AvailableLiquidity)
}

func TestOriginateLoanLockFailureCancels(t *testing.T) {
	e := newEnv(t)
	e.treasury.failOp(opLock, errors.New("custody offline"))

	_, err := e.origination.OriginateLoan(context.Background(), loanRequest(100000, "150"))

	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StepLockCollateral, se.Step)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Contains(t, err.Error(), "transfer failed")

	loan := e.loan(t, se.LoanID)
	assert.Equal(t, domain.LoanCancelled, loan.Status)
	assert.Zero(t, e.treasury.callCount(opStable), "nothing disbursed")

	p := e.pool(t)
	assert.Equal(t, domain.Cents(500000), p.AvailableLiquidity)
	assert.Zero(t, p.TotalBorrowed)
	assert.Zero(t, p.TotalLoansOriginated)
}

func TestOriginateLoanLostLockIsReleased(t *testing.T) {
	e := newEnv(t)
	e.treasury.loseOp(opLock, true)

	_, err := e.origination.OriginateLoan(context.Background(), loanRequest(100000, "150"))

	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	loan := e.loan(t, se.LoanID)
	assert.Equal(t, domain.LoanCancelled, loan.Status)
	assert.True(t, e.treasury.has(loan.ReleaseKey()), "executed lock is released")

	col, err := e.repos.Loans.GetCollateral(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.True(t, col.IsReleased())
	require.NotNil(t, col.LockTxRef)
	require.NotNil(t, col.UnlockTxRef)
}

func TestOriginateLoanDisburseFailureStaysPending(t *testing.T) {
	e := newEnv(t)
	e.treasury.failOp(opStable, errors.New("insufficient treasury funds"))

	_, err := e.origination.OriginateLoan(context.Background(), loanRequest(100000, "150"))

	var se *domain.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StepDisburse, se.Step)

	loan := e.loan(t, se.LoanID)
	assert.Equal(t, domain.LoanPending, loan.Status)

	col, err := e.repos.Loans.GetCollateral(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.NotNil(t, col.LockTxRef, "lock is recorded for the reconciler")
	assert.Equal(t, domain.Cents(400000), e.pool(t).AvailableLiquidity, "reservation is held")
}
