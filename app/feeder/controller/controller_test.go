package controller_test

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fetchoracle/twapfeed/app/feeder/controller"
	"github.com/fetchoracle/twapfeed/app/feeder/types"
	"github.com/fetchoracle/twapfeed/pkg/aggregate"
	"github.com/fetchoracle/twapfeed/pkg/checkpoint"
	"github.com/fetchoracle/twapfeed/pkg/config"
	"github.com/fetchoracle/twapfeed/pkg/history"
	"github.com/fetchoracle/twapfeed/pkg/metrics"
	"github.com/fetchoracle/twapfeed/pkg/pool"
	"github.com/fetchoracle/twapfeed/pkg/pool/pooltest"
	"github.com/fetchoracle/twapfeed/pkg/retry"
	"github.com/fetchoracle/twapfeed/pkg/rpc"
	"github.com/fetchoracle/twapfeed/pkg/twap"
)

var daiPair = pool.Pair{
	Currency: "dai",
	Token0:   "wpls",
	Token1:   "dai",
	Address:  common.HexToAddress("0x00000000000000000000000000000000000000d1"),
}

func q112(n int64) *big.Int {
	return new(big.Int).Lsh(big.NewInt(n), 112)
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type fakeHistory struct {
	rows  []history.Row
	err   error
	limit int
}

func (f *fakeHistory) Recent(_ context.Context, _ string, limit int) ([]history.Row, error) {
	f.limit = limit
	return f.rows, f.err
}

type env struct {
	app    *types.App
	chain  *pooltest.Chain
	store  *checkpoint.FileStore
	router http.Handler
}

// newEnv serves one pair whose accumulators moved by 5·2^112 and 3·2^112 over
// 500 seconds since the stored checkpoint.
func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)

	chain := pooltest.NewChain(t)
	chain.SetBlock(42, 600)
	chain.SetPair(daiPair.Address, pooltest.PairState{
		Reserve0:           e18(1_000_000),
		Reserve1:           e18(2_000_000),
		BlockTimestampLast: 600,
		Price0Cumulative:   new(big.Int).Add(big.NewInt(1000), q112(5)),
		Price1Cumulative:   new(big.Int).Add(big.NewInt(2000), q112(3)),
	})

	client, err := rpc.Dial(context.Background(), rpc.Opts{Endpoints: []string{chain.URL()}, Timeout: time.Second, RPS: 1000, Burst: 1000})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	m := metrics.New("twapfeed", nil)
	reader := pool.NewReader(client, pool.ReaderConfig{Retry: retry.Config{MaxRetries: 2}, CallTimeout: time.Second}, logger, m)

	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoints.json"), logger)
	require.NoError(t, store.Write(context.Background(), daiPair.Key(), pool.Snapshot{
		Price0Cumulative: uint256.NewInt(1000),
		Price1Cumulative: uint256.NewInt(2000),
		BlockTimestamp:   100,
	}))

	cfg := &config.Config{Asset: "pls", Window: 500, Pairs: []pool.Pair{daiPair}, Addr: ":0"}
	hub := history.NewHub(8, logger)
	t.Cleanup(func() { _ = hub.Close() })
	engine := twap.NewEngine(cfg.EngineConfig(), reader, store, logger, twap.WithMetrics(m), twap.WithObserver(hub))
	agg := aggregate.New(engine, engine.Currencies(), 0, logger)
	t.Cleanup(agg.Close)

	app := &types.App{
		Config:     cfg,
		Engine:     engine,
		Aggregator: agg,
		Metrics:    m,
		Stream:     hub,
		Checks:     map[string]types.HealthCheck{},
		Logger:     logger,
	}
	router, err := controller.NewController(app).NewRouter()
	require.NoError(t, err)
	return &env{app: app, chain: chain, store: store, router: controller.WithCORS(router)}
}

func (e *env) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHandlePrice(t *testing.T) {
	e := newEnv(t)

	rec, body := e.get(t, "/v1/prices/DAI")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "dai", body["currency"])
	assert.Equal(t, "pls", body["asset"])
	assert.Equal(t, "WPLS/DAI", body["pair"])
	assert.Equal(t, 0.01, body["price"])
	assert.Greater(t, body["weight"], 0.0)
	assert.NotZero(t, body["timestamp"])

	// observed accumulators became the new checkpoint
	snap, ok, err := e.store.Read(context.Background(), daiPair.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(600), snap.BlockTimestamp)
}

func TestHandlePriceUnknownCurrency(t *testing.T) {
	e := newEnv(t)

	rec, body := e.get(t, "/v1/prices/eth")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "currency not supported", body["error"])
	assert.Zero(t, e.chain.Calls("eth_getBlockByNumber"))
}

func TestHandlePriceRPCDown(t *testing.T) {
	e := newEnv(t)
	e.chain.FailAlways(true)

	rec, _ := e.get(t, "/v1/prices/dai")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// checkpoint untouched
	snap, ok, err := e.store.Read(context.Background(), daiPair.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(100), snap.BlockTimestamp)
}

func TestHandleAggregate(t *testing.T) {
	e := newEnv(t)

	rec, body := e.get(t, "/v1/prices?algorithm=median")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "median", body["algorithm"])
	assert.Equal(t, 0.01, body["price"])
	assert.Len(t, body["quotes"], 1)
}

func TestHandleAggregateErrors(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.get(t, "/v1/prices?algorithm=mode")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.chain.FailAlways(true)
	rec, body := e.get(t, "/v1/prices")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, aggregate.ErrNoQuotes.Error(), body["error"])
}

func TestHandleCheckpoint(t *testing.T) {
	e := newEnv(t)

	rec, body := e.get(t, "/v1/checkpoints/wpls/dai")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "WPLS/DAI", body["pair"])
	assert.Equal(t, "1000", body["price0CumulativeLast"])
	assert.Equal(t, "2000", body["price1CumulativeLast"])
	assert.Equal(t, "100", body["blockTimestampLast"])

	rec, _ = e.get(t, "/v1/checkpoints/wpls/usdc")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHistory(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.get(t, "/v1/history/dai")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h := &fakeHistory{rows: []history.Row{{Currency: "dai", Price: 0.01}}}
	e.app.History = h

	rec, body := e.get(t, "/v1/history/dai?limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["rows"], 1)
	assert.Equal(t, 1000, h.limit)

	rec, _ = e.get(t, "/v1/history/dai?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.err = errors.New("clickhouse down")
	rec, _ = e.get(t, "/v1/history/dai")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 100, h.limit)
}

func TestHandleHealth(t *testing.T) {
	e := newEnv(t)

	rec, body := e.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	e.app.Checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	rec, body = e.get(t, "/health")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "redis unavailable", body["error"])
}

func TestMetricsAndCORS(t *testing.T) {
	e := newEnv(t)
	e.get(t, "/v1/prices/dai")

	rec, _ := e.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `twapfeed_twap_computations_total{currency="dai",outcome="ok"} 1`)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	pre := httptest.NewRecorder()
	e.router.ServeHTTP(pre, httptest.NewRequest(http.MethodOptions, "/v1/prices/dai", nil))
	assert.Equal(t, http.StatusNoContent, pre.Code)
}
