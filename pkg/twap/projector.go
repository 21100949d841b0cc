package twap

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/fetchoracle/twapfeed/pkg/pool"
)

// Resolution is the number of fractional bits in a UQ112x112 price.
const Resolution = 112

// PriceFractions returns reserve1/reserve0 and reserve0/reserve1 as UQ112x112,
// rounded down like the pair contract's uqdiv.
func PriceFractions(reserve0, reserve1 *big.Int) (*uint256.Int, *uint256.Int, error) {
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() <= 0 || reserve1.Sign() <= 0 {
		return nil, nil, fmt.Errorf("price fraction of reserves %v/%v: %w", reserve0, reserve1, ErrDivisionByZero)
	}
	f0, err := uqdiv(reserve1, reserve0)
	if err != nil {
		return nil, nil, err
	}
	f1, err := uqdiv(reserve0, reserve1)
	if err != nil {
		return nil, nil, err
	}
	return f0, f1, nil
}

func uqdiv(num, den *big.Int) (*uint256.Int, error) {
	q := new(big.Int).Lsh(num, Resolution)
	q.Quo(q, den)
	v, overflow := uint256.FromBig(q)
	if overflow {
		return nil, fmt.Errorf("price fraction %s/%s overflows 256 bits", num, den)
	}
	return v, nil
}

// Project advances snap by elapsed seconds assuming reserves stay constant.
// Accumulators wrap modulo 2^256 and the timestamp modulo 2^32, as on chain.
func Project(snap pool.Snapshot, reserves pool.Reserves, elapsed uint32) (pool.Snapshot, error) {
	if elapsed == 0 {
		return snap, nil
	}
	f0, f1, err := PriceFractions(reserves.Reserve0, reserves.Reserve1)
	if err != nil {
		return pool.Snapshot{}, err
	}
	dt := uint256.NewInt(uint64(elapsed))

	p0 := new(uint256.Int).Mul(f0, dt)
	p0.Add(p0, snap.Price0Cumulative)
	p1 := new(uint256.Int).Mul(f1, dt)
	p1.Add(p1, snap.Price1Cumulative)

	return pool.Snapshot{
		Price0Cumulative: p0,
		Price1Cumulative: p1,
		BlockTimestamp:   snap.BlockTimestamp + elapsed,
		Pair:             snap.Pair,
	}, nil
}
