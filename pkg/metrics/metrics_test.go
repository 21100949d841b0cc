package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRPC("getReserves", nil)
	m.ObserveComputation("dai", "ok", time.Second)
	m.ObserveProjection("dai", "window")
	m.SetResult("dai", 1, 2)
	m.ObserveCheckpointWrite("WPLS/DAI", "request")
	require.NotNil(t, m.Handler())
}

func TestCountersAndHandler(t *testing.T) {
	m := New("test", nil)
	m.ObserveRPC("getReserves", nil)
	m.ObserveRPC("getReserves", errors.New("x"))
	m.ObserveRPC("getReserves", errors.New("x"))
	m.SetResult("dai", 0.5, 1000)

	require.Equal(t, 1.0, testutil.ToFloat64(m.RPCCalls.WithLabelValues("getReserves", "ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.RPCCalls.WithLabelValues("getReserves", "error")))
	require.Equal(t, 0.5, testutil.ToFloat64(m.LastPrice.WithLabelValues("dai")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	require.Contains(t, string(body), "test_rpc_calls_total")
	require.Contains(t, string(body), "test_twap_last_price")
}
