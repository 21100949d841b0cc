package twap_test

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchoracle/twapfeed/pkg/pool"
	"github.com/fetchoracle/twapfeed/pkg/twap"
)

// q returns n * 2^112.
func q(n uint64) *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(n), twap.Resolution)
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestPriceFractionsMatchUQ112x112(t *testing.T) {
	f0, f1, err := twap.PriceFractions(big.NewInt(2), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Lsh(uint256.NewInt(1), 111), f0)
	assert.Equal(t, new(uint256.Int).Lsh(uint256.NewInt(1), 113), f1)

	// floor, not round: 1/3
	f0, _, err = twap.PriceFractions(big.NewInt(3), big.NewInt(1))
	require.NoError(t, err)
	want := new(big.Int).Quo(new(big.Int).Lsh(big.NewInt(1), 112), big.NewInt(3))
	assert.Equal(t, 0, f0.ToBig().Cmp(want))
}

func TestPriceFractionsZeroReserve(t *testing.T) {
	_, _, err := twap.PriceFractions(big.NewInt(0), big.NewInt(5))
	assert.ErrorIs(t, err, twap.ErrDivisionByZero)
	_, _, err = twap.PriceFractions(big.NewInt(5), big.NewInt(0))
	assert.ErrorIs(t, err, twap.ErrDivisionByZero)
}

func TestProjectAdvancesLinearly(t *testing.T) {
	snap := pool.Snapshot{Price0Cumulative: q(10), Price1Cumulative: q(20), BlockTimestamp: 1000, Pair: "WPLS/DAI"}
	reserves := pool.Reserves{Reserve0: e18(1), Reserve1: e18(4)}

	out, err := twap.Project(snap, reserves, 50)
	require.NoError(t, err)
	assert.Equal(t, uint32(1050), out.BlockTimestamp)
	assert.Equal(t, "WPLS/DAI", out.Pair)
	// price0 = 4, price1 = 1/4
	assert.True(t, out.Price0Cumulative.Eq(q(10+4*50)), out.Price0Cumulative.Dec())
	wantP1 := new(uint256.Int).Add(q(20), new(uint256.Int).Mul(new(uint256.Int).Rsh(q(1), 2), uint256.NewInt(50)))
	assert.True(t, out.Price1Cumulative.Eq(wantP1), out.Price1Cumulative.Dec())

	// input untouched
	assert.True(t, snap.Price0Cumulative.Eq(q(10)))
}

func TestProjectWraps(t *testing.T) {
	top := new(uint256.Int).SetAllOne()
	snap := pool.Snapshot{Price0Cumulative: top, Price1Cumulative: top, BlockTimestamp: ^uint32(0) - 9}
	reserves := pool.Reserves{Reserve0: big.NewInt(1), Reserve1: big.NewInt(1)}

	out, err := twap.Project(snap, reserves, 20)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), out.BlockTimestamp)
	// max + 20*2^112 == 20*2^112 - 1 (mod 2^256)
	want := new(uint256.Int).Sub(q(20), uint256.NewInt(1))
	assert.True(t, out.Price0Cumulative.Eq(want), out.Price0Cumulative.Dec())
}

func TestProjectZeroElapsedIsIdentity(t *testing.T) {
	snap := pool.Snapshot{Price0Cumulative: q(1), Price1Cumulative: q(2), BlockTimestamp: 5}
	out, err := twap.Project(snap, pool.Reserves{Reserve0: big.NewInt(0), Reserve1: big.NewInt(0)}, 0)
	require.NoError(t, err)
	assert.True(t, snap.Equal(out))
}
