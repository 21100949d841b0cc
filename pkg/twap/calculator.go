package twap

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

const floatPrec = 256

// maxForwardSeconds bounds a wrap-aware difference. Anything at or above half
// the uint32 range means the current timestamp is behind the previous one.
const maxForwardSeconds = 1 << 31

var q112 = new(big.Float).SetPrec(floatPrec).SetMantExp(big.NewFloat(1), Resolution)

// Elapsed is current-previous over uint32 timestamps, wrap aware.
func Elapsed(currentTs, previousTs uint32) (uint32, error) {
	d := currentTs - previousTs
	if d >= maxForwardSeconds {
		return 0, fmt.Errorf("timestamps %d -> %d: %w", previousTs, currentTs, ErrInvalidOrdering)
	}
	return d, nil
}

// Calculate returns the average price between two accumulator readings:
// ((current - previous) / 2^112) / (currentTs - previousTs).
func Calculate(current, previous *uint256.Int, currentTs, previousTs uint32) (float64, error) {
	timeDiff, err := Elapsed(currentTs, previousTs)
	if err != nil {
		return 0, err
	}
	if timeDiff == 0 {
		return 0, fmt.Errorf("timestamps %d -> %d: %w", previousTs, currentTs, ErrDivisionByZero)
	}

	diff := new(uint256.Int).Sub(current, previous)
	num := new(big.Float).SetPrec(floatPrec).SetInt(diff.ToBig())
	num.Quo(num, q112)
	num.Quo(num, new(big.Float).SetPrec(floatPrec).SetUint64(uint64(timeDiff)))

	price, _ := num.Float64()
	return price, nil
}
