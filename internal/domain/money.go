package domain

import (
	"bytes"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Cents is a USD-denominated amount held in integer minor units.
// Persisted as BIGINT so pool increments never drift.
type Cents int64

// MaxCents is the largest amount the ledger accepts on any request or
// computed collateral value at origination ($10 trillion).
const MaxCents Cents = 1_000_000_000_000_000

var (
	hundred  = decimal.NewFromInt(100)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// CentsFromDecimal converts a dollar value to cents, rounding half away from
// zero. This is the only place fractional cents are discarded. Values beyond
// the int64 range saturate at its bounds.
func CentsFromDecimal(d decimal.Decimal) Cents {
	c := d.Mul(hundred).Round(0)
	switch {
	case c.GreaterThan(maxInt64):
		return Cents(math.MaxInt64)
	case c.LessThan(minInt64):
		return Cents(math.MinInt64)
	}
	return Cents(c.IntPart())
}

// ParseCents parses a dollar string such as "1000" or "976.50".
func ParseCents(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.Abs().GreaterThan(MaxCents.Decimal()) {
		return 0, fmt.Errorf("%w: amount %q exceeds %s", ErrInvalidRequest, s, MaxCents)
	}
	return CentsFromDecimal(d), nil
}

// WithinBounds reports whether c is positive and no larger than MaxCents.
func (c Cents) WithinBounds() bool { return c > 0 && c <= MaxCents }

// Decimal returns the dollar value as an exact decimal.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// String renders the amount with exactly two decimals, e.g. "1100.00".
func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

func (c Cents) IsPositive() bool { return c > 0 }

// MinCents returns the smaller of a and b.
func MinCents(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}

// MarshalJSON renders cents as a quoted fixed-point dollar string so that
// clients never see float rounding.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (c *Cents) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*c = 0
		return nil
	}
	v, err := ParseCents(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
