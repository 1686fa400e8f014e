package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errEmptyAmount    = errors.New("amount is empty")
	errNegativeAmount = errors.New("amount is negative")
)

var hundred = decimal.NewFromInt(100)

// ParseAmount parses a non-negative decimal amount string.
func ParseAmount(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, errEmptyAmount
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", trimmed, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, errNegativeAmount
	}
	return amount, nil
}

// ParseAmountOrZero parses an amount string, treating empty or malformed
// values as zero. Used for stored columns owned by other writers.
func ParseAmountOrZero(value string) decimal.Decimal {
	amount, err := ParseAmount(value)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

// ValidPercent reports whether pct falls within [0, 100].
func ValidPercent(pct decimal.Decimal) bool {
	return !pct.IsNegative() && pct.LessThanOrEqual(hundred)
}

// ApplyPercent returns base × pct / 100 exactly. The division by 100 is a
// decimal exponent shift, so no precision is lost.
func ApplyPercent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Shift(-2)
}
