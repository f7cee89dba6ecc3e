package payment

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// ToMinorUnits converts a major-unit amount into the provider's unit. This is
// the only conversion on the outbound path.
func ToMinorUnits(amount decimal.Decimal, multiplier int64) (int64, error) {
	if multiplier < 1 {
		multiplier = 1
	}
	minor := amount.Mul(decimal.NewFromInt(multiplier))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s x %d", ErrFractionalMinorUnits, amount.String(), multiplier)
	}
	if minor.Abs().GreaterThan(maxMinorUnits) {
		return 0, fmt.Errorf("%w: %s x %d", ErrAmountOutOfRange, amount.String(), multiplier)
	}
	return minor.IntPart(), nil
}

// FromMinorUnits converts a provider-reported amount back to major units. The
// reported amount is kept exact, fractions included.
func FromMinorUnits(minor decimal.Decimal, multiplier int64) decimal.Decimal {
	if multiplier < 1 {
		multiplier = 1
	}
	return minor.Div(decimal.NewFromInt(multiplier))
}
