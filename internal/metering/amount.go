package metering

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a USD monetary value. Arithmetic is exact base-10.
type Amount = decimal.Decimal

// Zero is the zero amount.
var Zero = decimal.Zero

// StoredScale is the number of fractional digits kept for persisted amounts,
// matching the NUMERIC(20,10) columns.
const StoredScale int32 = 10

// ParseAmount parses a non-negative decimal string such as "10.00".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("metering: invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return Zero, fmt.Errorf("metering: amount %q must not be negative", s)
	}
	return d, nil
}

// FormatAmount renders an amount for humans: "$10.00", "-$0.25".
func FormatAmount(a Amount) string {
	if a.IsNegative() {
		return "-$" + a.Neg().StringFixed(2)
	}
	return "$" + a.StringFixed(2)
}

func maxAmount(a, b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
