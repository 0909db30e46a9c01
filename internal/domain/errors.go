package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors. Compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Not-found errors
var (
	// ErrLoanNotFound is returned when no loan matches the given id.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrCollateralNotFound is returned when a loan has no collateral lock row.
	ErrCollateralNotFound = errors.New("collateral lock not found")

	// ErrPoolNotFound is returned when no liquidity pool exists for the asset.
	ErrPoolNotFound = errors.New("liquidity pool not found")

	// ErrLiquidationNotFound is returned when a loan has no liquidation record.
	ErrLiquidationNotFound = errors.New("liquidation not found")
)

// Validation errors
var (
	// ErrInvalidRequest is returned for malformed input (missing fields,
	// non-positive amounts).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInsufficientCollateral is returned when collateral value is below
	// loanAmount × collateralization ratio.
	ErrInsufficientCollateral = errors.New("insufficient collateral")

	// ErrInsufficientLiquidity is returned when the pool cannot fund the loan.
	ErrInsufficientLiquidity = errors.New("pool liquidity exhausted")
)

// State conflict errors
var (
	// ErrLoanAlreadyClosed is the distinct "already terminal" signal: the loan
	// was repaid, liquidated or cancelled before this call.
	ErrLoanAlreadyClosed = errors.New("loan is already closed")

	// ErrLoanBusy is returned when another in-flight operation holds the loan.
	ErrLoanBusy = errors.New("loan is being processed by another operation")

	// ErrLoanNotActive is returned when an operation needs an active loan and
	// the loan is still being originated.
	ErrLoanNotActive = errors.New("loan is not active")

	// ErrLiquidationExists is returned when a liquidation row already exists
	// for the loan.
	ErrLiquidationExists = errors.New("loan already has a liquidation")

	// ErrDepositExists is returned when a deposit reference was already
	// credited to the pool.
	ErrDepositExists = errors.New("deposit already credited")
)

// External collaborator errors
var (
	// ErrTransferFailed wraps every treasury failure.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrTransferNotFound is returned by a transfer lookup when no transfer
	// with the idempotency key was ever executed.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrPriceUnavailable is returned when the oracle has no usable quote.
	ErrPriceUnavailable = errors.New("price unavailable")
)

// Auth errors
var (
	// ErrUnauthorized is returned when a valid token is not present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the caller lacks the required role.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrBorrowerMismatch is returned when the caller is not the loan's borrower.
	ErrBorrowerMismatch = errors.New("borrower does not match loan")

	// ErrTokenExpired is returned when a JWT has passed its TTL.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or its
	// signature does not match.
	ErrTokenInvalid = errors.New("token is invalid")
)

// ──────────────────────────────────────────────────────────────────────────────
// StepError
// ──────────────────────────────────────────────────────────────────────────────

// Step names a single external call inside a saga.
type Step string

const (
	StepPrice            Step = "price"
	StepLockCollateral   Step = "lock_collateral"
	StepDisburse         Step = "disburse"
	StepRelease          Step = "release_collateral"
	StepReceivePayment   Step = "receive_payment"
	StepUnlockCollateral Step = "unlock_collateral"
	StepDispose          Step = "dispose_collateral"
	StepDeposit          Step = "receive_deposit"
)

// StepError records which external step of an operation failed, so that the
// caller and the reconciler can tell how far the operation got.
type StepError struct {
	Op     string
	Step   Step
	LoanID uuid.UUID
	Err    error
}

func (e *StepError) Error() string {
	if e.LoanID == uuid.Nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %s (loan %s): %v", e.Op, e.Step, e.LoanID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors. ErrTransferNotFound is excluded: it is a lookup
// answer, not a missing entity.
func IsNotFound(err error) bool {
	return isAny(err,
		ErrLoanNotFound,
		ErrCollateralNotFound,
		ErrPoolNotFound,
		ErrLiquidationNotFound,
	)
}

// IsValidation returns true for input errors rejected before any side effect.
func IsValidation(err error) bool {
	return isAny(err,
		ErrInvalidRequest,
		ErrInsufficientCollateral,
		ErrInsufficientLiquidity,
	)
}

// IsConflict returns true for errors that represent a loan state conflict.
func IsConflict(err error) bool {
	return isAny(err,
		ErrLoanAlreadyClosed,
		ErrLoanBusy,
		ErrLoanNotActive,
		ErrLiquidationExists,
	)
}

// IsExternal returns true when an external collaborator failed.
func IsExternal(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return true
	}
	return isAny(err, ErrTransferFailed, ErrPriceUnavailable)
}

// IsAuthError returns true for authentication/authorisation errors.
func IsAuthError(err error) bool {
	return isAny(err,
		ErrUnauthorized,
		ErrForbidden,
		ErrBorrowerMismatch,
		ErrTokenExpired,
		ErrTokenInvalid,
	)
}

// ConflictFor maps a loan status that failed a compare-and-set to the error a
// caller should see.
func ConflictFor(s LoanStatus) error {
	switch {
	case s.IsTerminal():
		return ErrLoanAlreadyClosed
	case s == LoanPending:
		return ErrLoanNotActive
	default:
		return ErrLoanBusy
	}
}
