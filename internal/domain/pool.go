package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PoolStats is the aggregate ledger of one stablecoin liquidity pool.
// Every balance moves through atomic SQL increments; the struct is a read
// snapshot only.
type PoolStats struct {
	AssetAddress         string    `json:"asset_address"          db:"asset_address"`
	TotalLiquidity       Cents     `json:"total_liquidity"        db:"total_liquidity"`
	AvailableLiquidity   Cents     `json:"available_liquidity"    db:"available_liquidity"`
	TotalBorrowed        Cents     `json:"total_borrowed"         db:"total_borrowed"`
	TotalLoansOriginated int64     `json:"total_loans_originated" db:"total_loans_originated"`
	TotalLoansRepaid     int64     `json:"total_loans_repaid"     db:"total_loans_repaid"`
	TotalLiquidations    int64     `json:"total_liquidations"     db:"total_liquidations"`
	UpdatedAt            time.Time `json:"updated_at"             db:"updated_at"`
}

// UtilizationRate returns totalBorrowed / totalLiquidity, or zero for an
// empty pool.
func (p *PoolStats) UtilizationRate() decimal.Decimal {
	if p.TotalLiquidity <= 0 {
		return decimal.Zero
	}
	return p.TotalBorrowed.Decimal().DivRound(p.TotalLiquidity.Decimal(), 4)
}

// PoolView is the JSON shape returned to operators.
type PoolView struct {
	*PoolStats
	UtilizationRate decimal.Decimal `json:"utilization_rate"`
}

// View pairs the snapshot with its derived utilization rate.
func (p *PoolStats) View() PoolView {
	return PoolView{PoolStats: p, UtilizationRate: p.UtilizationRate()}
}

// DepositRequest credits investor liquidity to a pool.
type DepositRequest struct {
	InvestorAccount string `json:"investor_account"`
	AssetAddress    string `json:"asset_address"`
	Amount          Cents  `json:"amount"`
	// Reference makes the deposit transfer idempotent across client retries.
	Reference string `json:"reference"`
}

// Deposit is the ledger row of one credited investor deposit.
type Deposit struct {
	ID              uuid.UUID `json:"id"               db:"id"`
	AssetAddress    string    `json:"asset_address"    db:"asset_address"`
	InvestorAccount string    `json:"investor_account" db:"investor_account"`
	Amount          Cents     `json:"amount"           db:"amount"`
	Reference       string    `json:"reference"        db:"reference"`
	TxRef           string    `json:"tx_ref"           db:"tx_ref"`
	CreatedAt       time.Time `json:"created_at"       db:"created_at"`
}

// Validate checks the deposit request shape.
func (r DepositRequest) Validate() error {
	switch {
	case r.InvestorAccount == "":
		return fmt.Errorf("%w: investor account is required", ErrInvalidRequest)
	case r.AssetAddress == "":
		return fmt.Errorf("%w: asset address is required", ErrInvalidRequest)
	case r.Reference == "":
		return fmt.Errorf("%w: deposit reference is required", ErrInvalidRequest)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: deposit amount must be positive", ErrInvalidRequest)
	case !r.Amount.WithinBounds():
		return fmt.Errorf("%w: deposit amount exceeds %s", ErrInvalidRequest, MaxCents)
	}
	return nil
}

// DepositKey is the idempotency key of the deposit transfer.
func (r DepositRequest) DepositKey() string {
	return fmt.Sprintf("pool:%s:deposit:%s", r.AssetAddress, r.Reference)
}
