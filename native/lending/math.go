package lending

import "math/big"

const secondsPerYear = 31_536_000

// ray is the 1e27 fixed-point base used for per-second rate factors.
var ray = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

// rayMul multiplies two ray-scaled values, rounding half up.
func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, new(big.Int).Rsh(ray, 1))
	return product.Quo(product, ray)
}

// ratToRay converts a rational value into ray fixed point, truncating.
func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(r.Num(), ray)
	return scaled.Quo(scaled, r.Denom())
}

// rateFactor computes the growth factor (1 + apr/secondsPerYear)^seconds in
// ray fixed point via square-and-multiply.
func rateFactor(apr *big.Rat, seconds uint64) *big.Int {
	factor := new(big.Int).Set(ray)
	if apr == nil || apr.Sign() <= 0 || seconds == 0 {
		return factor
	}
	perSecond := new(big.Rat).Quo(apr, new(big.Rat).SetInt64(secondsPerYear))
	base := new(big.Int).Add(ray, ratToRay(perSecond))
	exp := seconds
	for exp > 0 {
		if exp&1 == 1 {
			factor = rayMul(factor, base)
		}
		exp >>= 1
		if exp > 0 {
			base = rayMul(base, base)
		}
	}
	return factor
}

// computeInterest returns the interest accrued on principal over the given
// number of seconds at the supplied APR, using compound growth.
func computeInterest(principal *big.Int, apr *big.Rat, seconds uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || seconds == 0 {
		return big.NewInt(0)
	}
	factor := rateFactor(apr, seconds)
	grown := new(big.Int).Mul(principal, factor)
	grown.Quo(grown, ray)
	interest := new(big.Int).Sub(grown, principal)
	if interest.Sign() < 0 {
		return big.NewInt(0)
	}
	return interest
}

// sharesForDeposit converts a deposit amount into pool shares proportional to
// the current pool value. The first deposit mints shares one to one.
func sharesForDeposit(amount, poolValue, totalShares *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if totalShares == nil || totalShares.Sign() == 0 || poolValue == nil || poolValue.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	shares := new(big.Int).Mul(amount, totalShares)
	return shares.Quo(shares, poolValue)
}

// sharesForAmount converts a withdrawal amount into the shares to burn at the
// current share price, rounding up so the burned claim always covers the
// payout.
func sharesForAmount(amount, poolValue, totalShares *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if totalShares == nil || totalShares.Sign() == 0 || poolValue == nil || poolValue.Sign() == 0 {
		return big.NewInt(0)
	}
	shares := new(big.Int).Mul(amount, totalShares)
	shares.Add(shares, new(big.Int).Sub(poolValue, big.NewInt(1)))
	return shares.Quo(shares, poolValue)
}

// amountForShares converts pool shares back into the underlying amount.
func amountForShares(shares, poolValue, totalShares *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 {
		return big.NewInt(0)
	}
	if totalShares == nil || totalShares.Sign() == 0 {
		return big.NewInt(0)
	}
	amount := new(big.Int).Mul(shares, poolValue)
	return amount.Quo(amount, totalShares)
}

// bpsShare returns value * bps / 10_000.
func bpsShare(value *big.Int, bps uint64) *big.Int {
	if value == nil || value.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(value, new(big.Int).SetUint64(bps))
	return share.Quo(share, big.NewInt(10_000))
}
