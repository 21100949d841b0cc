package pool

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/metrics"
	"github.com/fetchoracle/twapfeed/pkg/retry"
	"github.com/fetchoracle/twapfeed/pkg/rpc"
)

const methodLatestHeader = "eth_getBlockByNumber"

// ReaderConfig controls retries and per-attempt timeouts.
type ReaderConfig struct {
	Retry       retry.Config
	CallTimeout time.Duration
}

// Reader reads reserves and cumulative prices from pair contracts.
type Reader struct {
	client  rpc.Client
	cfg     ReaderConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewReader returns a Reader over client. m may be nil.
func NewReader(client rpc.Client, cfg ReaderConfig, logger *zap.Logger, m *metrics.Metrics) *Reader {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Reader{client: client, cfg: cfg, logger: logger, metrics: m}
}

// do runs fn under the retry policy; each attempt gets its own timeout.
func (r *Reader) do(ctx context.Context, address common.Address, method string, fn func(ctx context.Context) error) error {
	attempts := 0
	logger := r.logger.With(zap.String("address", address.Hex()))
	err := retry.WithBackoff(ctx, r.cfg.Retry, logger, method, func(ctx context.Context) error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		err := fn(callCtx)
		r.metrics.ObserveRPC(method, err)
		return err
	})
	if err != nil {
		return &RPCUnavailableError{Address: address, Method: method, Attempts: attempts, Err: err}
	}
	return nil
}

func (r *Reader) call(ctx context.Context, address common.Address, block *big.Int, method string) ([]interface{}, error) {
	data, err := ParsedPairABI.Pack(method)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("pack %s: %w", method, err))
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &address, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, retry.Permanent(fmt.Errorf("call %s: empty result, %s is not a pair contract", method, address.Hex()))
	}
	vals, err := ParsedPairABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func decodeReserves(vals []interface{}) (Reserves, error) {
	if len(vals) != 3 {
		return Reserves{}, fmt.Errorf("getReserves: %d outputs", len(vals))
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	ts, ok2 := vals[2].(uint32)
	if !ok0 || !ok1 || !ok2 {
		return Reserves{}, fmt.Errorf("getReserves: unexpected output types %T %T %T", vals[0], vals[1], vals[2])
	}
	return Reserves{Reserve0: r0, Reserve1: r1, BlockTimestampLast: ts}, nil
}

func decodeCumulative(method string, vals []interface{}) (*uint256.Int, error) {
	if len(vals) != 1 {
		return nil, fmt.Errorf("%s: %d outputs", method, len(vals))
	}
	b, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, vals[0])
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%s: value overflows uint256", method)
	}
	return v, nil
}

// GetReserves reads getReserves() at the latest block.
func (r *Reader) GetReserves(ctx context.Context, pair Pair) (Reserves, error) {
	var res Reserves
	err := r.do(ctx, pair.Address, MethodGetReserves, func(ctx context.Context) error {
		vals, err := r.call(ctx, pair.Address, nil, MethodGetReserves)
		if err != nil {
			return err
		}
		res, err = decodeReserves(vals)
		return err
	})
	return res, err
}

// CurrentBlockTimestamp returns the latest block time reduced mod 2^32, the
// width of the pair's blockTimestampLast.
func (r *Reader) CurrentBlockTimestamp(ctx context.Context) (uint32, error) {
	var ts uint32
	err := r.do(ctx, common.Address{}, methodLatestHeader, func(ctx context.Context) error {
		h, err := r.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		ts = uint32(h.Time)
		return nil
	})
	return ts, err
}

// ReadState reads reserves and both accumulators pinned to one block number,
// so the three values describe the same pool state.
func (r *Reader) ReadState(ctx context.Context, pair Pair) (State, error) {
	var st State
	err := r.do(ctx, pair.Address, "readState", func(ctx context.Context) error {
		h, err := r.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("latest header: %w", err)
		}
		if h.Number == nil {
			return fmt.Errorf("latest header: missing number")
		}
		block := new(big.Int).Set(h.Number)

		vals, err := r.call(ctx, pair.Address, block, MethodGetReserves)
		if err != nil {
			return err
		}
		reserves, err := decodeReserves(vals)
		if err != nil {
			return err
		}
		vals, err = r.call(ctx, pair.Address, block, MethodPrice0CumulativeLast)
		if err != nil {
			return err
		}
		p0, err := decodeCumulative(MethodPrice0CumulativeLast, vals)
		if err != nil {
			return err
		}
		vals, err = r.call(ctx, pair.Address, block, MethodPrice1CumulativeLast)
		if err != nil {
			return err
		}
		p1, err := decodeCumulative(MethodPrice1CumulativeLast, vals)
		if err != nil {
			return err
		}

		st = State{
			Snapshot: Snapshot{
				Price0Cumulative: p0,
				Price1Cumulative: p1,
				BlockTimestamp:   reserves.BlockTimestampLast,
				Pair:             pair.Key(),
			},
			Reserves:       reserves,
			BlockNumber:    block.Uint64(),
			BlockTimestamp: uint32(h.Time),
		}
		return nil
	})
	if err != nil {
		return State{}, err
	}
	r.logger.Debug("Read pool state",
		zap.String("pair", pair.Key()),
		zap.Uint64("block", st.BlockNumber),
		zap.Uint32("blockTimestampLast", st.Snapshot.BlockTimestamp),
		zap.String("price0CumulativeLast", st.Snapshot.Price0Cumulative.Dec()),
		zap.String("price1CumulativeLast", st.Snapshot.Price1Cumulative.Dec()))
	return st, nil
}

// GetCumulativePrices returns the accumulators with their blockTimestampLast.
func (r *Reader) GetCumulativePrices(ctx context.Context, pair Pair) (Snapshot, error) {
	st, err := r.ReadState(ctx, pair)
	if err != nil {
		return Snapshot{}, err
	}
	return st.Snapshot, nil
}
