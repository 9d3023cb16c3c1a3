package settlement

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Limits are the base-unit bounds a payment amount is checked against before
// anything is submitted on-chain.
type Limits struct {
	Min           *big.Int
	Max           *big.Int
	FreeBalance   *big.Int
	SenderBalance *big.Int
}

// ValidateAmount converts a human decimal amount into integer base units and
// checks it against the bridge limits. It has no side effects; a failure
// here means no network call was made.
func ValidateAmount(amount string, decimals int, limits Limits) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, newError(CodeInvalidAmount, "amount %q is not a decimal number", amount)
	}
	if d.Sign() <= 0 {
		return nil, newError(CodeInvalidAmount, "amount must be positive")
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, newError(CodeInvalidAmount, "amount %q has more than %d decimal places", amount, decimals)
	}
	raw := shifted.BigInt()

	if limits.Min != nil && raw.Cmp(limits.Min) < 0 {
		return nil, newError(CodeAmountTooLow, "amount too low, minimum is %s", human(limits.Min, decimals))
	}
	if limits.Max != nil && raw.Cmp(limits.Max) > 0 {
		return nil, newError(CodeAmountTooHigh, "amount too high, maximum is %s", human(limits.Max, decimals))
	}
	if limits.FreeBalance != nil && raw.Cmp(limits.FreeBalance) > 0 {
		return nil, newError(CodeInsufficientLiquidity, "insufficient bridge balance, available is %s", human(limits.FreeBalance, decimals))
	}
	if limits.SenderBalance != nil && raw.Cmp(limits.SenderBalance) > 0 {
		return nil, newError(CodeInsufficientFunds, "insufficient funds, balance is %s", human(limits.SenderBalance, decimals))
	}
	return raw, nil
}

func human(raw *big.Int, decimals int) string {
	return decimal.NewFromBigInt(raw, -int32(decimals)).String()
}
