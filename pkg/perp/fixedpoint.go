package perp

import "math/big"

// mulDiv returns a*b/c with the division truncated toward zero. Every ratio
// in this package goes through here so the rounding direction is uniform:
// share pricing rounds in favor of the pool, withdrawals and fee conversions
// against the caller.
func mulDiv(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// pow10 returns 10^d.
func pow10(d uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil)
}

// toPricingUnit values an index-token amount in pricing units at the given
// mark price. price is pricing units per whole index token.
func toPricingUnit(indexAmount, price, indexScale *big.Int) *big.Int {
	return mulDiv(indexAmount, price, indexScale)
}

// toIndexUnits converts a pricing-unit value into index-token units at the
// given mark price. Signs are preserved, magnitudes truncate toward zero.
func toIndexUnits(value, price, indexScale *big.Int) *big.Int {
	return mulDiv(value, indexScale, price)
}
