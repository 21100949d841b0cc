package pool_test

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fetchoracle/twapfeed/pkg/pool"
	"github.com/fetchoracle/twapfeed/pkg/pool/pooltest"
	"github.com/fetchoracle/twapfeed/pkg/retry"
	"github.com/fetchoracle/twapfeed/pkg/rpc"
)

var daiPair = pool.Pair{
	Currency: "dai",
	Token0:   "wpls",
	Token1:   "dai",
	Address:  common.HexToAddress("0xE56043671df55dE5CDf8459710433C10324DE0aE"),
	Decimals: 18,
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newReader(t *testing.T, chain *pooltest.Chain, logger *zap.Logger, attempts int) *pool.Reader {
	t.Helper()
	client, err := rpc.Dial(context.Background(), rpc.Opts{
		Endpoints: []string{chain.URL()},
		Timeout:   2 * time.Second,
		RPS:       1000,
		Burst:     1000,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return pool.NewReader(client, pool.ReaderConfig{
		Retry:       retry.Config{MaxRetries: attempts},
		CallTimeout: time.Second,
	}, logger, nil)
}

func seed(chain *pooltest.Chain) {
	chain.SetBlock(42, 1_700_000_600)
	chain.SetPair(daiPair.Address, pooltest.PairState{
		Reserve0:           e18(1_000_000),
		Reserve1:           e18(2_000_000),
		BlockTimestampLast: 1_700_000_000,
		Price0Cumulative:   big.NewInt(1000),
		Price1Cumulative:   big.NewInt(2000),
	})
}

func TestReaderGetReserves(t *testing.T) {
	chain := pooltest.NewChain(t)
	seed(chain)
	r := newReader(t, chain, zaptest.NewLogger(t), 3)

	res, err := r.GetReserves(context.Background(), daiPair)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reserve0.Cmp(e18(1_000_000)))
	assert.Equal(t, 0, res.Reserve1.Cmp(e18(2_000_000)))
	assert.Equal(t, uint32(1_700_000_000), res.BlockTimestampLast)
}

func TestReaderReadStatePinsOneBlock(t *testing.T) {
	chain := pooltest.NewChain(t)
	seed(chain)
	r := newReader(t, chain, zaptest.NewLogger(t), 3)

	st, err := r.ReadState(context.Background(), daiPair)
	require.NoError(t, err)
	assert.Equal(t, "WPLS/DAI", st.Snapshot.Pair)
	assert.Equal(t, uint64(1000), st.Snapshot.Price0Cumulative.Uint64())
	assert.Equal(t, uint64(2000), st.Snapshot.Price1Cumulative.Uint64())
	assert.Equal(t, uint32(1_700_000_000), st.Snapshot.BlockTimestamp)
	assert.Equal(t, uint64(42), st.BlockNumber)
	assert.Equal(t, uint32(1_700_000_600), st.BlockTimestamp)

	blocks := chain.CallBlocks()
	require.Len(t, blocks, 3)
	for _, b := range blocks {
		assert.Equal(t, "0x2a", b)
	}
}

func TestReaderCurrentBlockTimestampWraps(t *testing.T) {
	chain := pooltest.NewChain(t)
	chain.SetBlock(7, 1<<32+15)
	r := newReader(t, chain, zaptest.NewLogger(t), 1)

	ts, err := r.CurrentBlockTimestamp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(15), ts)
}

func TestReaderRetriesTransientFailures(t *testing.T) {
	chain := pooltest.NewChain(t)
	seed(chain)
	chain.FailNext(2)
	r := newReader(t, chain, zaptest.NewLogger(t), 5)

	_, err := r.GetReserves(context.Background(), daiPair)
	require.NoError(t, err)
	assert.Equal(t, 3, chain.Calls("eth_call"))
}

func TestReaderRetryExhaustion(t *testing.T) {
	chain := pooltest.NewChain(t)
	seed(chain)
	chain.FailAlways(true)
	core, logs := observer.New(zap.ErrorLevel)
	r := newReader(t, chain, zap.New(core), 5)

	_, err := r.GetCumulativePrices(context.Background(), daiPair)
	require.Error(t, err)
	require.ErrorIs(t, err, pool.ErrRPCUnavailable)

	var rpcErr *pool.RPCUnavailableError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, daiPair.Address, rpcErr.Address)
	assert.Equal(t, 5, rpcErr.Attempts)
	assert.Contains(t, err.Error(), daiPair.Address.Hex())

	// One header request per attempt, nothing else gets through.
	assert.Equal(t, 5, chain.Calls("eth_getBlockByNumber"))
	assert.Equal(t, 5, logs.Len())
}

func TestReaderRetryExhaustionAgainstFailingGateway(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client, err := rpc.Dial(context.Background(), rpc.Opts{Endpoints: []string{srv.URL}, Timeout: time.Second, RPS: 1000, Burst: 1000})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	r := pool.NewReader(client, pool.ReaderConfig{Retry: retry.Config{MaxRetries: 5}, CallTimeout: time.Second}, zaptest.NewLogger(t), nil)

	_, err = r.ReadState(context.Background(), daiPair)
	require.ErrorIs(t, err, pool.ErrRPCUnavailable)
	assert.NotErrorIs(t, err, rpc.ErrNoEndpoint)
	// the circuit breaker must not swallow attempts
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}

func TestReaderNotAPairIsNotRetried(t *testing.T) {
	chain := pooltest.NewChain(t)
	chain.SetBlock(1, 100)
	r := newReader(t, chain, zaptest.NewLogger(t), 5)

	_, err := r.GetReserves(context.Background(), daiPair)
	require.ErrorIs(t, err, pool.ErrRPCUnavailable)
	assert.Equal(t, 1, chain.Calls("eth_call"))
	assert.Contains(t, err.Error(), "not a pair contract")
}

func TestPairKeyAndOrdering(t *testing.T) {
	p := pool.Pair{Token0: "dai", Token1: "wpls"}
	assert.Equal(t, "DAI/WPLS", p.Key())
	assert.False(t, p.AssetIsToken0("pls"))
	assert.True(t, daiPair.AssetIsToken0("PLS"))
}

func TestAssetMatchesWholeToken(t *testing.T) {
	plsx := pool.Pair{Token0: "plsx", Token1: "wpls"}
	assert.False(t, plsx.AssetIsToken0("pls"))
	assert.True(t, plsx.HasAsset("pls"))

	assert.True(t, pool.IsAsset(" PLS ", "pls"))
	assert.True(t, pool.IsAsset("wpls", "pls"))
	assert.False(t, pool.IsAsset("hex", "pls"))
	assert.False(t, pool.IsAsset("pls", ""))
	assert.False(t, pool.Pair{Token0: "plsx", Token1: "dai"}.HasAsset("pls"))
}
