package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// USDCDecimals is the precision every stake and payout is held at.
const USDCDecimals = 6

// PlatformFeeRate is the share of a winning chain's profit collected as fee.
var PlatformFeeRate = decimal.RequireFromString("0.02")

var one = decimal.NewFromInt(1)

// ValidatePrice checks that a binary outcome price lies strictly in (0, 1).
func ValidatePrice(price decimal.Decimal) error {
	if !price.IsPositive() || price.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: price %s outside (0, 1)", ErrInvalidAmount, price)
	}
	return nil
}

// OddsFromPrice converts a binary share price to decimal odds.
func OddsFromPrice(price decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidatePrice(price); err != nil {
		return decimal.Zero, err
	}
	return one.DivRound(price, 16), nil
}

// PayoutAt returns what stake buys at price when the outcome wins: one unit
// per share, stake/price shares. The result is truncated toward zero at
// USDC precision.
func PayoutAt(stake, price decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidatePrice(price); err != nil {
		return decimal.Zero, err
	}
	if stake.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative stake %s", ErrInvalidAmount, stake)
	}
	return stake.DivRound(price, 16).Truncate(USDCDecimals), nil
}

// PlatformFee returns the fee owed on a completed chain: PlatformFeeRate of
// the profit, rounded half-up at USDC precision. There is no fee without a
// profit.
func PlatformFee(payout, initialStake decimal.Decimal) decimal.Decimal {
	profit := payout.Sub(initialStake)
	if !profit.IsPositive() {
		return decimal.Zero
	}
	return profit.Mul(PlatformFeeRate).Round(USDCDecimals)
}
