package types

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/aggregate"
	"github.com/fetchoracle/twapfeed/pkg/config"
	"github.com/fetchoracle/twapfeed/pkg/history"
	"github.com/fetchoracle/twapfeed/pkg/metrics"
	"github.com/fetchoracle/twapfeed/pkg/twap"
)

// HistoryReader serves stored computations. *history.ClickHouseWriter implements it.
type HistoryReader interface {
	Recent(ctx context.Context, currency string, limit int) ([]history.Row, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type App struct {
	Config     *config.Config
	Engine     *twap.Engine
	Aggregator *aggregate.Aggregator
	Metrics    *metrics.Metrics
	// Refresher is nil unless TWAP_REFRESH_ENABLED is set.
	Refresher *twap.Refresher
	// History is nil unless CLICKHOUSE_ADDR is set.
	History HistoryReader
	// Stream feeds /v1/stream.
	Stream *history.Hub
	// Checks run on /health, keyed by dependency name.
	Checks map[string]HealthCheck
	// Closers run in order after the server stops.
	Closers []io.Closer
	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// Start serves HTTP until ctx is cancelled, then shuts everything down.
func (a *App) Start(ctx context.Context) {
	if a.Refresher != nil {
		a.Refresher.Start()
	}
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)
	a.Stop()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Stop releases background workers and connections. It is safe to call
// without Start, which the one-shot CLI commands do.
func (a *App) Stop() {
	if a.Refresher != nil {
		a.Refresher.Stop()
	}
	if a.Aggregator != nil {
		a.Aggregator.Close()
	}
	for _, c := range a.Closers {
		if err := c.Close(); err != nil {
			a.Logger.Error("Failed to close resource", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}
