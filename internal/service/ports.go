package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harvestchain/lending/internal/config"
	"github.com/harvestchain/lending/internal/domain"
	"github.com/harvestchain/lending/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// External collaborators
// ──────────────────────────────────────────────────────────────────────────────

// TransferPort executes custody and stablecoin movements at the treasury.
// Every request carries an idempotency key; repeating a call with the same key
// must return the original result instead of moving funds again.
type TransferPort interface {
	LockCollateral(ctx context.Context, req domain.CollateralTransfer) (domain.TransferReceipt, error)
	UnlockCollateral(ctx context.Context, req domain.CollateralTransfer) (domain.TransferReceipt, error)
	TransferStable(ctx context.Context, req domain.StableTransfer) (domain.TransferReceipt, error)
	// LookupTransfer returns the receipt of an executed transfer, or
	// domain.ErrTransferNotFound when nothing ran under key.
	LookupTransfer(ctx context.Context, key string) (domain.TransferReceipt, error)
}

// PriceOracle quotes the USD price of one collateral token.
type PriceOracle interface {
	GetPrice(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// ExecutionVenue sells liquidated collateral. Implemented by treasury.Desk.
type ExecutionVenue interface {
	Dispose(ctx context.Context, order domain.DisposalOrder) (domain.TransferReceipt, error)
}

// RiskNotifier receives monitor and liquidation events. Implemented by ws.Hub.
type RiskNotifier interface {
	NotifyAtRisk(loan domain.AtRiskLoan)
	NotifyLiquidated(result *domain.LiquidationResult)
}

// Liquidator is what the monitor needs from LiquidationService.
type Liquidator interface {
	CheckAndLiquidate(ctx context.Context, loanID uuid.UUID) (*domain.LiquidationResult, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Shared wiring
// ──────────────────────────────────────────────────────────────────────────────

// Repos bundles the repositories every lending service works with.
type Repos struct {
	DB           *sqlx.DB
	Loans        *repository.LoanRepository
	Payments     *repository.PaymentRepository
	Liquidations *repository.LiquidationRepository
	Pools        *repository.PoolRepository
}

// NewRepos builds all repositories over one database handle.
func NewRepos(db *sqlx.DB) Repos {
	return Repos{
		DB:           db,
		Loans:        repository.NewLoanRepository(db),
		Payments:     repository.NewPaymentRepository(db),
		Liquidations: repository.NewLiquidationRepository(db),
		Pools:        repository.NewPoolRepository(db),
	}
}

// Accounts names the treasury-side accounts funds move between.
type Accounts struct {
	Treasury   string
	Desk       string
	Liquidator string
}

// AccountsFromConfig reads the lending accounts from configuration.
func AccountsFromConfig(cfg config.LendingConfig) Accounts {
	return Accounts{
		Treasury:   cfg.TreasuryAccount,
		Desk:       cfg.DeskAccount,
		Liquidator: cfg.LiquidatorAccount,
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

// inTx runs fn inside one database transaction.
func (r Repos) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return repository.WithinTx(ctx, r.DB, fn)
}

// quote asks the oracle for a price and rejects negative quotes.
func quote(ctx context.Context, oracle PriceOracle, tokenID string) (decimal.Decimal, error) {
	p, err := oracle.GetPrice(ctx, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	if p.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative quote %s for %s", domain.ErrPriceUnavailable, p, tokenID)
	}
	return p, nil
}
