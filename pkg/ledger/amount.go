package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	amountScale = 2
	// maxAmountDigits bounds the integer digits of an int64 cents value.
	maxAmountDigits = 19
	// Exponents outside this window are rejected before any rescaling.
	minAmountExponent = -(amountScale + maxAmountDigits)
	maxAmountExponent = maxAmountDigits
)

var maxAmountCents = decimal.NewFromInt(math.MaxInt64)

// AmountCents is a non-negative fixed-point value with two fractional digits, held in cents.
type AmountCents int64

// PositiveAmountCents is an AmountCents that is strictly greater than zero.
type PositiveAmountCents int64

// NewAmountCents validates a non-negative cents value.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return AmountCents(raw), nil
}

// NewPositiveAmountCents validates a cents value and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmountCents(raw), nil
}

// ParseAmount parses a decimal string such as "12.50" into cents.
func ParseAmount(raw string) (PositiveAmountCents, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewAmountFromDecimal(value)
}

// NewAmountFromDecimal converts a decimal into cents, rejecting values that would need rounding.
func NewAmountFromDecimal(value decimal.Decimal) (PositiveAmountCents, error) {
	if !value.IsPositive() {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	exponent := value.Exponent()
	if exponent < minAmountExponent || exponent > maxAmountExponent {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	if value.NumDigits()+int(exponent)+amountScale > maxAmountDigits {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	if !value.Equal(value.Truncate(amountScale)) {
		return 0, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, amountScale)
	}
	cents := value.Shift(amountScale)
	if cents.GreaterThan(maxAmountCents) {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	return PositiveAmountCents(cents.IntPart()), nil
}

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Decimal returns the value in currency units.
func (amount AmountCents) Decimal() decimal.Decimal {
	return decimal.New(int64(amount), -amountScale)
}

// String formats the value with exactly two fractional digits.
func (amount AmountCents) String() string {
	return amount.Decimal().StringFixed(amountScale)
}

// Int64 returns the raw cents value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens the value to AmountCents.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// String formats the value with exactly two fractional digits.
func (amount PositiveAmountCents) String() string {
	return amount.ToAmountCents().String()
}

func checkedAdd(left int64, right int64) (int64, error) {
	if (right > 0 && left > math.MaxInt64-right) || (right < 0 && left < math.MinInt64-right) {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	return left + right, nil
}
