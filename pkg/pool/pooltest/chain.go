// Package pooltest runs go-ethereum's JSON-RPC server in-process with an
// "eth" service that serves a set of constant-product pairs, for tests of the
// pool reader and the TWAP engine.
package pooltest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/fetchoracle/twapfeed/pkg/pool"
)

// ChainID reported by eth_chainId.
const ChainID = 369

var errUnavailable = errors.New("node unavailable")

// PairState is the on-chain state of one pair.
type PairState struct {
	Reserve0           *big.Int
	Reserve1           *big.Int
	BlockTimestampLast uint32
	Price0Cumulative   *big.Int
	Price1Cumulative   *big.Int
}

// Chain is the state behind the fake node. Use the setters; everything is
// guarded by mu.
type Chain struct {
	mu          sync.Mutex
	blockNumber uint64
	blockTime   uint64
	pairs       map[common.Address]*PairState
	failNext    int
	failAlways  bool
	calls       map[string]int
	callBlocks  []string

	RPC    *gethrpc.Server
	Server *httptest.Server
}

// NewChain starts a fake node; it is stopped when the test ends.
func NewChain(t interface{ Cleanup(func()) }) *Chain {
	c := &Chain{
		blockNumber: 1,
		pairs:       map[common.Address]*PairState{},
		calls:       map[string]int{},
	}
	c.RPC = gethrpc.NewServer()
	if err := c.RPC.RegisterName("eth", &ethService{chain: c}); err != nil {
		panic(fmt.Sprintf("pooltest: register eth service: %v", err))
	}
	c.Server = httptest.NewServer(c.RPC)
	t.Cleanup(func() {
		c.Server.Close()
		c.RPC.Stop()
	})
	return c
}

// URL of the fake node.
func (c *Chain) URL() string { return c.Server.URL }

// SetPair installs or replaces the state of a pair.
func (c *Chain) SetPair(addr common.Address, st PairState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := st
	c.pairs[addr] = &cp
}

// SetBlock sets the latest block number and time.
func (c *Chain) SetBlock(number, timestamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockNumber = number
	c.blockTime = timestamp
}

// FailNext makes the next n requests return a JSON-RPC error.
func (c *Chain) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// FailAlways makes every request return a JSON-RPC error until reset.
func (c *Chain) FailAlways(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAlways = v
}

// Calls returns how many requests were received for an RPC method or, for
// eth_call, for a pair method name such as "getReserves".
func (c *Chain) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// CallBlocks returns the block tags passed to eth_call, in order.
func (c *Chain) CallBlocks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.callBlocks...)
}

// enter counts a request and applies the failure knobs. Callers hold mu.
func (c *Chain) enter(method string) error {
	c.calls[method]++
	if c.failAlways {
		return errUnavailable
	}
	if c.failNext > 0 {
		c.failNext--
		return errUnavailable
	}
	return nil
}

// ethService is registered under the "eth" namespace; every exported method
// becomes eth_<lowerCamelName>.
type ethService struct {
	chain *Chain
}

type callArgs struct {
	To    *common.Address `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Input hexutil.Bytes   `json:"input"`
}

func (s *ethService) ChainId() (*hexutil.Big, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("eth_chainId"); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(big.NewInt(ChainID)), nil
}

func (s *ethService) BlockNumber() (hexutil.Uint64, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("eth_blockNumber"); err != nil {
		return 0, err
	}
	return hexutil.Uint64(c.blockNumber), nil
}

// GetBlockByNumber serves the latest header whatever tag is asked for.
func (s *ethService) GetBlockByNumber(_ context.Context, _ string, _ bool) (*types.Header, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("eth_getBlockByNumber"); err != nil {
		return nil, err
	}
	return &types.Header{
		Number:     new(big.Int).SetUint64(c.blockNumber),
		Time:       c.blockTime,
		Difficulty: big.NewInt(0),
		GasLimit:   30_000_000,
		Extra:      []byte{},
	}, nil
}

// Call answers the pair's view methods from PairState. An address without a
// pair has no code and returns empty data.
func (s *ethService) Call(_ context.Context, args callArgs, block *string) (hexutil.Bytes, error) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("eth_call"); err != nil {
		return nil, err
	}
	if block != nil {
		c.callBlocks = append(c.callBlocks, *block)
	}

	data := args.Input
	if len(data) == 0 {
		data = args.Data
	}
	if args.To == nil || len(data) < 4 {
		return nil, errors.New("invalid call")
	}
	st, ok := c.pairs[*args.To]
	if !ok {
		return hexutil.Bytes{}, nil
	}
	method, err := pool.ParsedPairABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	c.calls[method.Name]++

	var out []byte
	switch method.Name {
	case pool.MethodGetReserves:
		out, err = method.Outputs.Pack(st.Reserve0, st.Reserve1, st.BlockTimestampLast)
	case pool.MethodPrice0CumulativeLast:
		out, err = method.Outputs.Pack(st.Price0Cumulative)
	case pool.MethodPrice1CumulativeLast:
		out, err = method.Outputs.Pack(st.Price1Cumulative)
	default:
		return nil, fmt.Errorf("method %s not served", method.Name)
	}
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(out), nil
}
