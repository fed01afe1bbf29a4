package txminer

import "math/big"

// escalationMultiplier returns the fee multiplier for resend attempt n.
// It grows linearly and saturates at 10x.
func escalationMultiplier(resend int64) int64 {
	m := 2 * resend
	if m > 10 {
		return 10
	}
	return m
}

// EscalatedLegacyGasPrice returns the bumped legacy gas price for resend
// attempt n, capped at maxGasPrice when the cap is set.
func EscalatedLegacyGasPrice(original *big.Int, resend int64, maxGasPrice *big.Int) *big.Int {
	bumped := new(big.Int).Mul(original, big.NewInt(escalationMultiplier(resend)))
	return capPrice(bumped, maxGasPrice)
}

// EscalatedDynamicFees returns the bumped tip and fee cap for resend attempt
// n: the tip is multiplied, and the fee cap is twice the original plus the
// new tip, each capped at maxGasPrice when set.
func EscalatedDynamicFees(
	originalMaxFee, originalTip *big.Int, resend int64, maxGasPrice *big.Int,
) (maxFee, tip *big.Int) {
	tip = new(big.Int).Mul(originalTip, big.NewInt(escalationMultiplier(resend)))
	tip = capPrice(tip, maxGasPrice)

	maxFee = new(big.Int).Mul(originalMaxFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	maxFee = capPrice(maxFee, maxGasPrice)
	return maxFee, tip
}

func capPrice(price, maxGasPrice *big.Int) *big.Int {
	if maxGasPrice != nil && maxGasPrice.Sign() > 0 && price.Cmp(maxGasPrice) > 0 {
		return new(big.Int).Set(maxGasPrice)
	}
	return price
}
