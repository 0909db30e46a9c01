package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fixed risk parameters
// ──────────────────────────────────────────────────────────────────────────────

var (
	// InterestRate is the flat interest charged over the life of a loan (10 %).
	InterestRate = decimal.RequireFromString("0.10")

	// CollateralizationRatio is the minimum collateral value / principal at
	// origination (125 %).
	CollateralizationRatio = decimal.RequireFromString("1.25")

	// LiquidationThreshold is the haircut applied to collateral value when
	// computing health factor and liquidation price (90 %).
	LiquidationThreshold = decimal.RequireFromString("0.90")

	// LiquidationPenaltyRate is the share of collateral value the borrower
	// forfeits on a forced closure (5 %).
	LiquidationPenaltyRate = decimal.RequireFromString("0.05")

	// LiquidatorRewardRate is the share of collateral value paid to the
	// liquidator (2 %).
	LiquidatorRewardRate = decimal.RequireFromString("0.02")

	// LiquidationFloor: a health factor strictly below this is liquidated.
	LiquidationFloor = decimal.NewFromInt(1)

	// AtRiskCeiling: health factors in [LiquidationFloor, AtRiskCeiling) are
	// flagged as at risk.
	AtRiskCeiling = decimal.RequireFromString("1.10")
)

// LoanDuration is the fixed term of every loan.
const LoanDuration = 180 * 24 * time.Hour

// healthFactorPlaces is the precision health factors are stored and compared at.
const healthFactorPlaces = 2

// liquidationPricePlaces is the precision of the per-token liquidation price.
const liquidationPricePlaces = 8

// ──────────────────────────────────────────────────────────────────────────────
// Terms
// ──────────────────────────────────────────────────────────────────────────────

// CollateralValue returns amount × price without rounding.
func CollateralValue(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price)
}

// HasSufficientCollateral reports whether amount × price ≥ principal × 1.25.
// Compared exactly; no rounding is applied to either side.
func HasSufficientCollateral(amount, price decimal.Decimal, principal Cents) bool {
	required := principal.Decimal().Mul(CollateralizationRatio)
	return CollateralValue(amount, price).GreaterThanOrEqual(required)
}

// RepaymentFor returns principal × (1 + InterestRate).
func RepaymentFor(principal Cents) Cents {
	return CentsFromDecimal(principal.Decimal().Mul(decimal.NewFromInt(1).Add(InterestRate)))
}

// LiquidationPriceFor returns the per-token price at which the haircut
// collateral value equals the principal:
//
//	liquidationPrice = principal / (collateralAmount × LiquidationThreshold)
func LiquidationPriceFor(principal Cents, collateralAmount decimal.Decimal) decimal.Decimal {
	denom := collateralAmount.Mul(LiquidationThreshold)
	if denom.IsZero() {
		return decimal.Zero
	}
	return principal.Decimal().DivRound(denom, liquidationPricePlaces)
}

// HealthFactor computes round2((collateralAmount × price × threshold) / principal).
// Origination and the monitor both go through this function so that the same
// inputs always produce the same stored value.
func HealthFactor(collateralAmount, price decimal.Decimal, principal Cents) decimal.Decimal {
	if principal <= 0 {
		return decimal.Zero
	}
	haircut := CollateralValue(collateralAmount, price).Mul(LiquidationThreshold)
	return haircut.DivRound(principal.Decimal(), healthFactorPlaces)
}

// IsLiquidatable reports whether a (rounded) health factor is below 1.0.
func IsLiquidatable(hf decimal.Decimal) bool {
	return hf.LessThan(LiquidationFloor)
}

// IsAtRisk reports whether 1.0 ≤ hf < 1.1.
func IsAtRisk(hf decimal.Decimal) bool {
	return hf.GreaterThanOrEqual(LiquidationFloor) && hf.LessThan(AtRiskCeiling)
}

// LoanTerms are the values fixed at origination.
type LoanTerms struct {
	RepaymentAmount  Cents
	LiquidationPrice decimal.Decimal
	HealthFactor     decimal.Decimal
	TakenAt          time.Time
	DueDate          time.Time
}

// ComputeTerms derives the fixed terms of a new loan.
func ComputeTerms(principal Cents, collateralAmount, price decimal.Decimal, takenAt time.Time) LoanTerms {
	return LoanTerms{
		RepaymentAmount:  RepaymentFor(principal),
		LiquidationPrice: LiquidationPriceFor(principal, collateralAmount),
		HealthFactor:     HealthFactor(collateralAmount, price, principal),
		TakenAt:          takenAt,
		DueDate:          takenAt.Add(LoanDuration),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Liquidation quote
// ──────────────────────────────────────────────────────────────────────────────

// LiquidationQuote is the proceeds split for disposing of a loan's collateral
// at a given price.
type LiquidationQuote struct {
	Price           decimal.Decimal `json:"price"`
	CollateralValue Cents           `json:"collateral_value"`
	Penalty         Cents           `json:"penalty"`
	LiquidatorFee   Cents           `json:"liquidator_reward"`
	Recovered       Cents           `json:"usdc_recovered"`
}

// QuoteLiquidation splits the collateral value:
//
//	collateralValue = amount × price
//	penalty         = collateralValue × 5 %
//	reward          = collateralValue × 2 %
//	recovered       = min(collateralValue − penalty − reward, principal)
//
// Recovered never exceeds the principal; any surplus is forfeited.
func QuoteLiquidation(collateralAmount, price decimal.Decimal, principal Cents) LiquidationQuote {
	cv := CollateralValue(collateralAmount, price)
	penalty := cv.Mul(LiquidationPenaltyRate)
	reward := cv.Mul(LiquidatorRewardRate)
	net := CentsFromDecimal(cv.Sub(penalty).Sub(reward))
	if net < 0 {
		net = 0
	}
	return LiquidationQuote{
		Price:           price,
		CollateralValue: CentsFromDecimal(cv),
		Penalty:         CentsFromDecimal(penalty),
		LiquidatorFee:   CentsFromDecimal(reward),
		Recovered:       MinCents(net, principal),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Repayment
// ──────────────────────────────────────────────────────────────────────────────

// ClassifyPayment returns the payment type and remaining balance after a
// payment that brings the cumulative total to cumulative.
//
//	remaining = max(0, repaymentAmount − cumulative)
func ClassifyPayment(repaymentAmount, cumulative Cents) (PaymentType, Cents) {
	if cumulative >= repaymentAmount {
		return PaymentFull, 0
	}
	return PaymentPartial, repaymentAmount - cumulative
}
