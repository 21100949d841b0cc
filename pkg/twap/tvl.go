package twap

import (
	"math"
	"math/big"

	"github.com/fetchoracle/twapfeed/pkg/pool"
)

const baseDecimals = 18

var oneE18 = new(big.Float).SetPrec(floatPrec).SetFloat64(1e18)

// ScaleFactor lifts a price quoted against a token with the given decimals to 18 decimals.
func ScaleFactor(decimals int) float64 {
	if decimals <= 0 || decimals >= baseDecimals {
		return 1
	}
	return math.Pow10(baseDecimals - decimals)
}

// TVL estimates the value locked in the pair, used as the price weight.
// Reserves are arranged asset first and the currency side is normalized to
// 18 decimals, then
//
//	vl0 = (1e18 * r1 / (r0 + 1e18)) * r0
//	vl1 = (1e18 * r0 / (r1 + 1e18)) * r1
func TVL(pair pool.Pair, asset string, reserves pool.Reserves) float64 {
	r0 := new(big.Float).SetPrec(floatPrec).SetInt(reserves.Reserve0)
	r1 := new(big.Float).SetPrec(floatPrec).SetInt(reserves.Reserve1)
	if !pair.AssetIsToken0(asset) {
		r0, r1 = r1, r0
	}
	if f := ScaleFactor(pair.Decimals); f != 1 {
		r1.Mul(r1, new(big.Float).SetPrec(floatPrec).SetFloat64(f))
	}

	vl0 := valueLocked(r0, r1)
	vl1 := valueLocked(r1, r0)
	tvl, _ := new(big.Float).SetPrec(floatPrec).Add(vl0, vl1).Float64()
	return tvl
}

// valueLocked is (1e18 * other / (own + 1e18)) * own.
func valueLocked(own, other *big.Float) *big.Float {
	num := new(big.Float).SetPrec(floatPrec).Mul(oneE18, other)
	den := new(big.Float).SetPrec(floatPrec).Add(own, oneE18)
	out := num.Quo(num, den)
	return out.Mul(out, own)
}
