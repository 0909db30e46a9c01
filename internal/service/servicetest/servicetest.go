// Package servicetest wires the lending services over an in-memory SQLite
// database with in-process treasury and oracle doubles, for HTTP-level tests.
package servicetest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/metrics"
	"github.com/harvestchain/lending/internal/repository/repotest"
	"github.com/harvestchain/lending/internal/service"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Asset is the stablecoin pool every Env is seeded with.
const Asset = "0xUSDC"

// SeedLiquidity is the initial balance of the Asset pool (5000.00).
const SeedLiquidity domain.Cents = 500000

// JWTSecret signs the tokens issued by Env.Token.
const JWTSecret = "servicetest-secret-0123456789"

// ──────────────────────────────────────────────────────────────────────────────
// Treasury
// ──────────────────────────────────────────────────────────────────────────────

// Treasury is an in-memory TransferPort and ExecutionVenue. Every call is
// idempotent by key and succeeds.
type Treasury struct {
	mu   sync.Mutex
	seen map[string]domain.TransferReceipt
}

// NewTreasury returns an empty Treasury.
func NewTreasury() *Treasury {
	return &Treasury{seen: make(map[string]domain.TransferReceipt)}
}

func (t *Treasury) exec(key string, amount domain.Cents) (domain.TransferReceipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.seen[key]; ok {
		return r, nil
	}
	r := domain.TransferReceipt{TxRef: fmt.Sprintf("tx-%d", len(t.seen)+1), Amount: amount}
	t.seen[key] = r
	return r, nil
}

func (t *Treasury) LockCollateral(_ context.Context, r domain.CollateralTransfer) (domain.TransferReceipt, error) {
	return t.exec(r.IdempotencyKey, 0)
}

func (t *Treasury) UnlockCollateral(_ context.Context, r domain.CollateralTransfer) (domain.TransferReceipt, error) {
	return t.exec(r.IdempotencyKey, 0)
}

func (t *Treasury) TransferStable(_ context.Context, r domain.StableTransfer) (domain.TransferReceipt, error) {
	return t.exec(r.IdempotencyKey, r.Amount)
}

func (t *Treasury) Dispose(_ context.Context, o domain.DisposalOrder) (domain.TransferReceipt, error) {
	return t.exec(o.IdempotencyKey, o.Proceeds)
}

func (t *Treasury) LookupTransfer(_ context.Context, key string) (domain.TransferReceipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.seen[key]; ok {
		return r, nil
	}
	return domain.TransferReceipt{}, domain.ErrTransferNotFound
}

// ──────────────────────────────────────────────────────────────────────────────
// Oracle
// ──────────────────────────────────────────────────────────────────────────────

// Oracle quotes one price for every token.
type Oracle struct {
	mu    sync.Mutex
	price decimal.Decimal
}

// Set changes the quoted price.
func (o *Oracle) Set(price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = decimal.RequireFromString(price)
}

func (o *Oracle) GetPrice(context.Context, string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.price, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Env
// ──────────────────────────────────────────────────────────────────────────────

// Env is a fully wired set of lending services.
type Env struct {
	DB       *sqlx.DB
	Treasury *Treasury
	Oracle   *Oracle
	Registry *prometheus.Registry
	Logger   *slog.Logger

	Auth        *service.AuthService
	Origination *service.OriginationService
	Repayment   *service.RepaymentService
	Liquidation *service.LiquidationService
	Monitor     *service.MonitorService
	Reconcile   *service.ReconciliationService
	Pools       *service.PoolService
	Query       *service.LoanQueryService
}

// New builds an Env with the Asset pool seeded and the oracle quoting 10.
func New(t testing.TB) *Env {
	t.Helper()
	db := repotest.Open(t)
	repotest.SeedPool(t, db, Asset, SeedLiquidity)

	e := &Env{
		DB:       db,
		Treasury: NewTreasury(),
		Oracle:   &Oracle{},
		Registry: prometheus.NewRegistry(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	e.Oracle.Set("10")

	m := metrics.New(e.Registry)
	repos := service.NewRepos(db)
	accounts := service.Accounts{Treasury: "0.0.500", Desk: "0.0.501", Liquidator: "0.0.502"}

	e.Auth = service.NewAuthService(config.JWTConfig{Secret: JWTSecret})
	e.Origination = service.NewOriginationService(repos, e.Treasury, e.Oracle, accounts, m, e.Logger)
	e.Repayment = service.NewRepaymentService(repos, e.Treasury, accounts, m, e.Logger)
	e.Liquidation = service.NewLiquidationService(repos, e.Oracle, e.Treasury, e.Treasury, nil, accounts, m, e.Logger)
	e.Monitor = service.NewMonitorService(repos, e.Oracle, e.Liquidation, nil, time.Second, m, e.Logger)
	e.Reconcile = service.NewReconciliationService(
		repos, e.Treasury, e.Origination, e.Repayment, e.Liquidation, time.Minute, m, e.Logger)
	e.Pools = service.NewPoolService(repos, e.Treasury, accounts, e.Logger)
	e.Query = service.NewLoanQueryService(repos)
	return e
}

// Token issues a one-minute access token.
func (e *Env) Token(t testing.TB, account string, role domain.Role) string {
	t.Helper()
	tok, err := e.Auth.IssueAccessToken(account, role, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// Originate opens a 1000.00 loan against 150 tokens for borrower.
func (e *Env) Originate(t testing.TB, borrower string) *domain.Loan {
	t.Helper()
	loan, err := e.Origination.OriginateLoan(context.Background(), domain.OriginateLoanRequest{
		BorrowerAccount:   borrower,
		AssetAddress:      Asset,
		LoanAmount:        100000,
		CollateralTokenID: "GROVE-ETH-001",
		CollateralAmount:  decimal.NewFromInt(150),
	})
	if err != nil {
		t.Fatalf("originate: %v", err)
	}
	return loan
}
