// Package domain defines the core business entities and risk rules for the
// grove-collateralized lending core.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// LoanStatus represents the lifecycle state of a loan.
type LoanStatus string

const (
	LoanPending     LoanStatus = "pending"     // origination in flight
	LoanActive      LoanStatus = "active"      // disbursed, monitored
	LoanRepaying    LoanStatus = "repaying"    // a repayment holds the loan
	LoanLiquidating LoanStatus = "liquidating" // a disposal holds the loan
	LoanRepaid      LoanStatus = "repaid"
	LoanLiquidated  LoanStatus = "liquidated"
	LoanCancelled   LoanStatus = "cancelled" // origination aborted and compensated
)

// IsTerminal reports whether no further transition is possible.
func (s LoanStatus) IsTerminal() bool {
	return s == LoanRepaid || s == LoanLiquidated || s == LoanCancelled
}

// IsInFlight reports whether a two-step operation currently holds the loan.
func (s LoanStatus) IsInFlight() bool {
	return s == LoanPending || s == LoanRepaying || s == LoanLiquidating
}

// ──────────────────────────────────────────────────────────────────────────────
// Loan
// ──────────────────────────────────────────────────────────────────────────────

// Loan is a borrower's credit position against grove-token collateral.
type Loan struct {
	ID                     uuid.UUID       `json:"id"                      db:"id"`
	BorrowerAccount        string          `json:"borrower_account"        db:"borrower_account"`
	AssetAddress           string          `json:"asset_address"           db:"asset_address"`
	LoanAmount             Cents           `json:"loan_amount"             db:"loan_amount"`
	CollateralAmount       decimal.Decimal `json:"collateral_amount"       db:"collateral_amount"`
	CollateralTokenID      string          `json:"collateral_token_id"     db:"collateral_token_id"`
	RepaymentAmount        Cents           `json:"repayment_amount"        db:"repayment_amount"`
	InterestRate           decimal.Decimal `json:"interest_rate"           db:"interest_rate"`
	CollateralizationRatio decimal.Decimal `json:"collateralization_ratio" db:"collateralization_ratio"`
	LiquidationThreshold   decimal.Decimal `json:"liquidation_threshold"   db:"liquidation_threshold"`
	LiquidationPrice       decimal.Decimal `json:"liquidation_price"       db:"liquidation_price"`
	HealthFactor           decimal.Decimal `json:"health_factor"           db:"health_factor"`
	Status                 LoanStatus      `json:"status"                  db:"status"`
	TakenAt                time.Time       `json:"taken_at"                db:"taken_at"`
	DueDate                time.Time       `json:"due_date"                db:"due_date"`
	RepaidAt               *time.Time      `json:"repaid_at,omitempty"     db:"repaid_at"`
	LiquidatedAt           *time.Time      `json:"liquidated_at,omitempty" db:"liquidated_at"`
	CreatedAt              time.Time       `json:"created_at"              db:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"              db:"updated_at"`
}

// IsActive returns true when the loan can be repaid, monitored or liquidated.
func (l *Loan) IsActive() bool {
	return l.Status == LoanActive
}

// Interest is the fixed interest owed on top of principal.
func (l *Loan) Interest() Cents {
	return l.RepaymentAmount - l.LoanAmount
}

// Idempotency keys for the external calls of each saga. Retrying a step with
// the same key must never move funds twice.

func (l *Loan) LockKey() string     { return fmt.Sprintf("loan:%s:lock", l.ID) }
func (l *Loan) DisburseKey() string { return fmt.Sprintf("loan:%s:disburse", l.ID) }
func (l *Loan) ReleaseKey() string  { return fmt.Sprintf("loan:%s:release", l.ID) }
func (l *Loan) UnlockKey() string   { return fmt.Sprintf("loan:%s:unlock", l.ID) }

// PaymentKey is the key for the n-th (1-based) repayment receipt.
func (l *Loan) PaymentKey(n int) string {
	return fmt.Sprintf("loan:%s:payment:%d", l.ID, n)
}

// OriginateLoanRequest is the input for creating a new loan.
// Price is optional; when nil the current oracle quote is used.
type OriginateLoanRequest struct {
	BorrowerAccount   string           `json:"borrower_account"`
	AssetAddress      string           `json:"asset_address"`
	LoanAmount        Cents            `json:"loan_amount"`
	CollateralTokenID string           `json:"collateral_token_id"`
	CollateralAmount  decimal.Decimal  `json:"collateral_amount"`
	Price             *decimal.Decimal `json:"price,omitempty"`
}

// Validate checks the request shape. Collateral sufficiency is checked
// separately once the price is known.
func (r OriginateLoanRequest) Validate() error {
	switch {
	case r.BorrowerAccount == "":
		return fmt.Errorf("%w: borrower account is required", ErrInvalidRequest)
	case r.AssetAddress == "":
		return fmt.Errorf("%w: asset address is required", ErrInvalidRequest)
	case r.CollateralTokenID == "":
		return fmt.Errorf("%w: collateral token is required", ErrInvalidRequest)
	case !r.LoanAmount.IsPositive():
		return fmt.Errorf("%w: loan amount must be positive", ErrInvalidRequest)
	case !r.LoanAmount.WithinBounds():
		return fmt.Errorf("%w: loan amount exceeds %s", ErrInvalidRequest, MaxCents)
	case !r.CollateralAmount.IsPositive():
		return fmt.Errorf("%w: collateral amount must be positive", ErrInvalidRequest)
	case r.Price != nil && !r.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Collateral
// ──────────────────────────────────────────────────────────────────────────────

// CollateralLock is the custody record paired 1:1 with a loan.
type CollateralLock struct {
	LoanID       uuid.UUID       `json:"loan_id"                 db:"loan_id"`
	TokenID      string          `json:"token_id"                db:"token_id"`
	Amount       decimal.Decimal `json:"amount"                  db:"amount"`
	InitialPrice decimal.Decimal `json:"initial_price"           db:"initial_price"`
	CurrentPrice decimal.Decimal `json:"current_price"           db:"current_price"`
	LockedAt     time.Time       `json:"locked_at"               db:"locked_at"`
	UnlockedAt   *time.Time      `json:"unlocked_at,omitempty"   db:"unlocked_at"`
	LockTxRef    *string         `json:"lock_tx_ref,omitempty"   db:"lock_tx_ref"`
	UnlockTxRef  *string         `json:"unlock_tx_ref,omitempty" db:"unlock_tx_ref"`
}

// IsReleased reports whether the collateral has left custody.
func (c *CollateralLock) IsReleased() bool {
	return c.UnlockedAt != nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Payment
// ──────────────────────────────────────────────────────────────────────────────

// PaymentType distinguishes partial from final repayments.
type PaymentType string

const (
	PaymentPartial PaymentType = "partial"
	PaymentFull    PaymentType = "full"
)

// Payment is an immutable record of one repayment transfer.
type Payment struct {
	ID               uuid.UUID   `json:"id"                db:"id"`
	LoanID           uuid.UUID   `json:"loan_id"           db:"loan_id"`
	Sequence         int         `json:"sequence"          db:"sequence"`
	BorrowerAccount  string      `json:"borrower_account"  db:"borrower_account"`
	PaymentAmount    Cents       `json:"payment_amount"    db:"payment_amount"`
	PaymentType      PaymentType `json:"payment_type"      db:"payment_type"`
	RemainingBalance Cents       `json:"remaining_balance" db:"remaining_balance"`
	TxRef            string      `json:"tx_ref"            db:"tx_ref"`
	PaidAt           time.Time   `json:"paid_at"           db:"paid_at"`
}

// RepaymentRequest is the input for ProcessRepayment.
type RepaymentRequest struct {
	LoanID          uuid.UUID `json:"loan_id"`
	BorrowerAccount string    `json:"borrower_account"`
	Amount          Cents     `json:"amount"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Health history
// ──────────────────────────────────────────────────────────────────────────────

// HealthRecord is one append-only risk snapshot of a loan.
type HealthRecord struct {
	ID              uuid.UUID       `json:"id"               db:"id"`
	LoanID          uuid.UUID       `json:"loan_id"          db:"loan_id"`
	HealthFactor    decimal.Decimal `json:"health_factor"    db:"health_factor"`
	CollateralPrice decimal.Decimal `json:"collateral_price" db:"collateral_price"`
	CollateralValue Cents           `json:"collateral_value" db:"collateral_value"`
	CheckedAt       time.Time       `json:"checked_at"       db:"checked_at"`
}

// NewHealthRecord builds a snapshot for a loan at the given price.
func NewHealthRecord(l *Loan, price decimal.Decimal, at time.Time) *HealthRecord {
	return &HealthRecord{
		ID:              uuid.New(),
		LoanID:          l.ID,
		HealthFactor:    HealthFactor(l.CollateralAmount, price, l.LoanAmount),
		CollateralPrice: price,
		CollateralValue: CentsFromDecimal(CollateralValue(l.CollateralAmount, price)),
		CheckedAt:       at,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Liquidation
// ──────────────────────────────────────────────────────────────────────────────

// LiquidationStatus tracks the disposal saga of a liquidation record.
type LiquidationStatus string

const (
	LiquidationPending LiquidationStatus = "pending" // row reserved, disposal in flight
	LiquidationSettled LiquidationStatus = "settled"
)

// Liquidation is the terminal record of a forced closure.
// At most one row exists per loan.
type Liquidation struct {
	ID                           uuid.UUID         `json:"id"                              db:"id"`
	LoanID                       uuid.UUID         `json:"loan_id"                         db:"loan_id"`
	BorrowerAccount              string            `json:"borrower_account"                db:"borrower_account"`
	CollateralAmount             decimal.Decimal   `json:"collateral_amount"               db:"collateral_amount"`
	CollateralValueAtLiquidation Cents             `json:"collateral_value_at_liquidation" db:"collateral_value"`
	USDCRecovered                Cents             `json:"usdc_recovered"                  db:"usdc_recovered"`
	LiquidationPenalty           Cents             `json:"liquidation_penalty"             db:"liquidation_penalty"`
	LiquidationPrice             decimal.Decimal   `json:"liquidation_price"               db:"liquidation_price"`
	HealthFactorAtLiquidation    decimal.Decimal   `json:"health_factor_at_liquidation"    db:"health_factor"`
	LiquidatorAccount            *string           `json:"liquidator_account,omitempty"    db:"liquidator_account"`
	LiquidatorReward             Cents             `json:"liquidator_reward"               db:"liquidator_reward"`
	Status                       LiquidationStatus `json:"status"                          db:"status"`
	DisposalTxRef                *string           `json:"disposal_tx_ref,omitempty"       db:"disposal_tx_ref"`
	LiquidatedAt                 time.Time         `json:"liquidated_at"                   db:"liquidated_at"`
}

// DisposeKey is the idempotency key of the collateral disposal.
func (lq *Liquidation) DisposeKey() string {
	return fmt.Sprintf("liquidation:%s:dispose", lq.ID)
}

// LiquidationOutcome is what CheckAndLiquidate did.
type LiquidationOutcome string

const (
	OutcomeLiquidated    LiquidationOutcome = "liquidated"
	OutcomeHealthy       LiquidationOutcome = "healthy"        // no-op: health factor ≥ 1.0
	OutcomeAlreadyClosed LiquidationOutcome = "already_closed" // no-op: loan is terminal
	OutcomeBusy          LiquidationOutcome = "busy"           // no-op: another operation holds the loan
)

// LiquidationResult reports the outcome of a liquidation check.
// Liquidation is set only for OutcomeLiquidated.
type LiquidationResult struct {
	LoanID       uuid.UUID          `json:"loan_id"`
	Outcome      LiquidationOutcome `json:"outcome"`
	HealthFactor decimal.Decimal    `json:"health_factor"`
	Status       LoanStatus         `json:"loan_status"`
	Liquidation  *Liquidation       `json:"liquidation,omitempty"`
}

// IsNoOp returns true when the call changed nothing.
func (r *LiquidationResult) IsNoOp() bool {
	return r.Outcome != OutcomeLiquidated
}

// ──────────────────────────────────────────────────────────────────────────────
// Monitor
// ──────────────────────────────────────────────────────────────────────────────

// AtRiskLoan is a loan flagged in the [1.0, 1.1) band during a tick.
type AtRiskLoan struct {
	LoanID          uuid.UUID       `json:"loan_id"`
	BorrowerAccount string          `json:"borrower_account"`
	HealthFactor    decimal.Decimal `json:"health_factor"`
	Price           decimal.Decimal `json:"price"`
}

// TickSummary is the result of one monitor sweep.
type TickSummary struct {
	Checked     int           `json:"checked"`
	Liquidated  int           `json:"liquidated"`
	AtRisk      int           `json:"at_risk"`
	Errors      int           `json:"errors"`
	AtRiskLoans []AtRiskLoan  `json:"at_risk_loans"`
	Duration    time.Duration `json:"duration_ns"`
}
