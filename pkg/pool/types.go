package pool

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Pair is one tracked pool. Token0/Token1 follow the pool contract's own ordering,
// which the contract does not expose by symbol, so it comes from configuration.
type Pair struct {
	Currency string
	Token0   string
	Token1   string
	Address  common.Address
	// Decimals of the currency token; prices are normalized to 18 decimals.
	// Zero means 18.
	Decimals int
}

// Key is the checkpoint key, e.g. "WPLS/DAI".
func (p Pair) Key() string {
	return fmt.Sprintf("%s/%s", strings.ToUpper(p.Token0), strings.ToUpper(p.Token1))
}

// IsAsset reports whether token is asset or its wrapped form ("pls" matches
// "pls" and "wpls", not "plsx").
func IsAsset(token, asset string) bool {
	token = strings.ToLower(strings.TrimSpace(token))
	asset = strings.ToLower(strings.TrimSpace(asset))
	return asset != "" && (token == asset || token == "w"+asset)
}

// AssetIsToken0 reports whether asset (e.g. "pls") names the pool's token0.
func (p Pair) AssetIsToken0(asset string) bool { return IsAsset(p.Token0, asset) }

// HasAsset reports whether either side of the pair is asset.
func (p Pair) HasAsset(asset string) bool {
	return IsAsset(p.Token0, asset) || IsAsset(p.Token1, asset)
}

// Snapshot is one reading of a pool's cumulative price accumulators.
type Snapshot struct {
	Price0Cumulative *uint256.Int
	Price1Cumulative *uint256.Int
	BlockTimestamp   uint32
	Pair             string
}

// Equal compares accumulator values and timestamp.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.BlockTimestamp == o.BlockTimestamp &&
		s.Price0Cumulative.Eq(o.Price0Cumulative) &&
		s.Price1Cumulative.Eq(o.Price1Cumulative)
}

// Reserves as returned by getReserves.
type Reserves struct {
	Reserve0           *big.Int
	Reserve1           *big.Int
	BlockTimestampLast uint32
}

// State is everything read from a pool in a single block.
type State struct {
	Snapshot       Snapshot
	Reserves       Reserves
	BlockNumber    uint64
	BlockTimestamp uint32
}
