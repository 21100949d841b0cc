// Package metrics exposes Prometheus instrumentation for the feed.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Chain access
	RPCCalls *prometheus.CounterVec

	// TWAP engine
	Computations    *prometheus.CounterVec
	ComputeDuration *prometheus.HistogramVec
	Projections     *prometheus.CounterVec
	LastPrice       *prometheus.GaugeVec
	LastWeight      *prometheus.GaugeVec

	// Checkpoints
	CheckpointWrites *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all metrics on reg. When reg is nil a private registry is used.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "twapfeed"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC call attempts by method and outcome",
		}, []string{"method", "outcome"}),

		Computations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "twap",
			Name:      "computations_total",
			Help:      "TWAP computations by currency and outcome",
		}, []string{"currency", "outcome"}),
		ComputeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "twap",
			Name:      "compute_duration_seconds",
			Help:      "Wall time of one TWAP computation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"currency"}),
		Projections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "twap",
			Name:      "projections_total",
			Help:      "Cumulative price projections by kind (freshen, window)",
		}, []string{"currency", "kind"}),
		LastPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "twap",
			Name:      "last_price",
			Help:      "Last reported TWAP price",
		}, []string{"currency"}),
		LastWeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "twap",
			Name:      "last_weight",
			Help:      "Last reported pool TVL weight",
		}, []string{"currency"}),

		CheckpointWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "writes_total",
			Help:      "Checkpoint writes by pair and source (bootstrap, request, refresh)",
		}, []string{"pair", "source"}),

		gatherer: reg,
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRPC counts one RPC attempt.
func (m *Metrics) ObserveRPC(method string, err error) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(method, outcome(err)).Inc()
}

// ObserveComputation records the outcome and duration of one TWAP cycle.
func (m *Metrics) ObserveComputation(currency, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Computations.WithLabelValues(currency, result).Inc()
	m.ComputeDuration.WithLabelValues(currency).Observe(took.Seconds())
}

func (m *Metrics) ObserveProjection(currency, kind string) {
	if m == nil {
		return
	}
	m.Projections.WithLabelValues(currency, kind).Inc()
}

func (m *Metrics) SetResult(currency string, price, weight float64) {
	if m == nil {
		return
	}
	m.LastPrice.WithLabelValues(currency).Set(price)
	m.LastWeight.WithLabelValues(currency).Set(weight)
}

func (m *Metrics) ObserveCheckpointWrite(pair, source string) {
	if m == nil {
		return
	}
	m.CheckpointWrites.WithLabelValues(pair, source).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
