package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/metrics"
	"github.com/harvestchain/lending/internal/repository/repotest"
	"github.com/harvestchain/lending/internal/service"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testAsset    = "0xUSDC"
	testToken    = "GROVE-ETH-001"
	testBorrower = "0.0.1001"
)

// ──────────────────────────────────────────────────────────────────────────────
// Treasury fake
// ──────────────────────────────────────────────────────────────────────────────

const (
	opLock    = "lock"
	opUnlock  = "unlock"
	opStable  = "stable"
	opDispose = "dispose"
)

// fakeTreasury is an in-memory TransferPort and ExecutionVenue that honours
// idempotency keys.
type fakeTreasury struct {
	mu        sync.Mutex
	next      int
	executed  map[string]domain.TransferReceipt
	calls     map[string]int
	fail      map[string]error
	lost      map[string]bool
	lookupErr error
}

func newFakeTreasury() *fakeTreasury {
	return &fakeTreasury{
		executed: map[string]domain.TransferReceipt{},
		calls:    map[string]int{},
		fail:     map[string]error{},
		lost:     map[string]bool{},
	}
}

// failOp makes every call of op fail before anything executes.
func (f *fakeTreasury) failOp(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// loseOp makes op execute but report a failure, as after a client timeout.
func (f *fakeTreasury) loseOp(op string, lost bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[op] = lost
}

func (f *fakeTreasury) setLookupErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupErr = err
}

func (f *fakeTreasury) exec(op, key string, amount domain.Cents) (domain.TransferReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err := f.fail[op]; err != nil {
		return domain.TransferReceipt{}, fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}
	if r, ok := f.executed[key]; ok {
		return r, nil
	}
	f.next++
	r := domain.TransferReceipt{TxRef: fmt.Sprintf("tx-%04d", f.next), Amount: amount}
	f.executed[key] = r
	if f.lost[op] {
		return domain.TransferReceipt{}, fmt.Errorf("%w: context deadline exceeded", domain.ErrTransferFailed)
	}
	return r, nil
}

func (f *fakeTreasury) LockCollateral(_ context.Context, req domain.CollateralTransfer) (domain.TransferReceipt, error) {
	return f.exec(opLock, req.IdempotencyKey, 0)
}

func (f *fakeTreasury) UnlockCollateral(_ context.Context, req domain.CollateralTransfer) (domain.TransferReceipt, error) {
	return f.exec(opUnlock, req.IdempotencyKey, 0)
}

func (f *fakeTreasury) TransferStable(_ context.Context, req domain.StableTransfer) (domain.TransferReceipt, error) {
	return f.exec(opStable, req.IdempotencyKey, req.Amount)
}

func (f *fakeTreasury) Dispose(_ context.Context, order domain.DisposalOrder) (domain.TransferReceipt, error) {
	return f.exec(opDispose, order.IdempotencyKey, order.Proceeds)
}

func (f *fakeTreasury) LookupTransfer(_ context.Context, key string) (domain.TransferReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return domain.TransferReceipt{}, f.lookupErr
	}
	r, ok := f.executed[key]
	if !ok {
		return domain.TransferReceipt{}, domain.ErrTransferNotFound
	}
	return r, nil
}

func (f *fakeTreasury) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.executed[key]
	return ok
}

// countKeys returns how many executed transfers have a key ending in suffix.
func (f *fakeTreasury) countKeys(suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.executed {
		if strings.HasSuffix(k, suffix) {
			n++
		}
	}
	return n
}

func (f *fakeTreasury) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ──────────────────────────────────────────────────────────────────────────────
// Oracle & notifier fakes
// ──────────────────────────────────────────────────────────────────────────────

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
}

func (o *fakeOracle) set(token, price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[token] = decimal.RequireFromString(price)
}

func (o *fakeOracle) setErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *fakeOracle) GetPrice(_ context.Context, token string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return decimal.Zero, o.err
	}
	p, ok := o.prices[token]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, token)
	}
	return p, nil
}

type fakeNotifier struct {
	mu         sync.Mutex
	atRisk     []domain.AtRiskLoan
	liquidated []*domain.LiquidationResult
}

func (n *fakeNotifier) NotifyAtRisk(l domain.AtRiskLoan) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.atRisk = append(n.atRisk, l)
}

func (n *fakeNotifier) NotifyLiquidated(r *domain.LiquidationResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.liquidated = append(n.liquidated, r)
}

// ──────────────────────────────────────────────────────────────────────────────
// Test environment
// ──────────────────────────────────────────────────────────────────────────────

type env struct {
	db       *sqlx.DB
	repos    service.Repos
	treasury *fakeTreasury
	oracle   *fakeOracle
	notifier *fakeNotifier
	metrics  *metrics.LendingMetrics
	registry *prometheus.Registry

	origination *service.OriginationService
	repayment   *service.RepaymentService
	liquidation *service.LiquidationService
	monitor     *service.MonitorService
	reconciler  *service.ReconciliationService
	pools       *service.PoolService
	query       *service.LoanQueryService
}

// newEnv wires every service over a fresh SQLite database holding a pool of
// 5000.00 and an oracle quoting testToken at 10.
func newEnv(t *testing.T) *env {
	t.Helper()

	db := repotest.Open(t)
	repotest.SeedPool(t, db, testAsset, 500000)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := service.NewRepos(db)
	treasury := newFakeTreasury()
	oracle := &fakeOracle{prices: map[string]decimal.Decimal{}}
	oracle.set(testToken, "10")
	notifier := &fakeNotifier{}
	accounts := service.Accounts{Treasury: "0.0.500", Desk: "0.0.501", Liquidator: "0.0.502"}

	e := &env{
		db:       db,
		repos:    repos,
		treasury: treasury,
		oracle:   oracle,
		notifier: notifier,
		metrics:  m,
		registry: reg,
	}
	e.origination = service.NewOriginationService(repos, treasury, oracle, accounts, m, logger)
	e.repayment = service.NewRepaymentService(repos, treasury, accounts, m, logger)
	e.liquidation = service.NewLiquidationService(repos, oracle, treasury, treasury, notifier, accounts, m, logger)
	e.monitor = service.NewMonitorService(repos, oracle, e.liquidation, notifier, 0, m, logger)
	e.reconciler = service.NewReconciliationService(repos, treasury, e.origination, e.repayment, e.liquidation, 0, m, logger)
	e.pools = service.NewPoolService(repos, treasury, accounts, logger)
	e.query = service.NewLoanQueryService(repos)
	return e
}

func loanRequest(amount domain.Cents, collateral string) domain.OriginateLoanRequest {
	return domain.OriginateLoanRequest{
		BorrowerAccount:   testBorrower,
		AssetAddress:      testAsset,
		LoanAmount:        amount,
		CollateralTokenID: testToken,
		CollateralAmount:  decimal.RequireFromString(collateral),
	}
}

// originate creates an active loan at the current oracle price.
func (e *env) originate(t *testing.T, amount domain.Cents, collateral string) *domain.Loan {
	t.Helper()
	loan, err := e.origination.OriginateLoan(context.Background(), loanRequest(amount, collateral))
	require.NoError(t, err)
	return loan
}

func (e *env) loan(t *testing.T, id uuid.UUID) *domain.Loan {
	t.Helper()
	l, err := e.repos.Loans.GetByID(context.Background(), id)
	require.NoError(t, err)
	return l
}

func (e *env) pool(t *testing.T) *domain.PoolStats {
	t.Helper()
	p, err := e.repos.Pools.Get(context.Background(), testAsset)
	require.NoError(t, err)
	return p
}

// requirePoolBalanced asserts total = available + borrowed.
func (e *env) requirePoolBalanced(t *testing.T) {
	t.Helper()
	p := e.pool(t)
	require.Equal(t, p.TotalLiquidity, p.AvailableLiquidity+p.TotalBorrowed,
		"total %s != available %s + borrowed %s", p.TotalLiquidity, p.AvailableLiquidity, p.TotalBorrowed)
}

func (e *env) countLiquidations(t *testing.T, loanID uuid.UUID) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.Get(&n, e.db.Rebind(`SELECT COUNT(*) FROM liquidations WHERE loan_id = ?`), loanID))
	return n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
