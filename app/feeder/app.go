// Package feeder wires the TWAP engine, its checkpoint backend and the
// optional sinks into the HTTP price feed.
package feeder

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/app/feeder/types"
	"github.com/fetchoracle/twapfeed/pkg/aggregate"
	"github.com/fetchoracle/twapfeed/pkg/checkpoint"
	"github.com/fetchoracle/twapfeed/pkg/config"
	"github.com/fetchoracle/twapfeed/pkg/db/postgres"
	"github.com/fetchoracle/twapfeed/pkg/history"
	"github.com/fetchoracle/twapfeed/pkg/logging"
	"github.com/fetchoracle/twapfeed/pkg/metrics"
	"github.com/fetchoracle/twapfeed/pkg/pool"
	"github.com/fetchoracle/twapfeed/pkg/redis"
	"github.com/fetchoracle/twapfeed/pkg/rpc"
	"github.com/fetchoracle/twapfeed/pkg/twap"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	app, err := Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Unable to initialize feeder", zap.Error(err))
	}
	return app
}

// Build connects every dependency named by cfg. On error, whatever was
// already opened is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *types.App, err error) {
	app = &types.App{
		Config: cfg,
		Checks: map[string]types.HealthCheck{},
		Logger: logger,
	}
	defer func() {
		if err != nil {
			app.Stop()
			app = nil
		}
	}()

	for _, rej := range cfg.Rejected {
		logger.Error("Pair disabled", zap.Error(rej))
	}

	app.Metrics = metrics.New("twapfeed", nil)

	client, err := rpc.Dial(ctx, cfg.RPC)
	if err != nil {
		return app, fmt.Errorf("rpc: %w", err)
	}
	app.Closers = append(app.Closers, closerFunc(func() error { client.Close(); return nil }))
	reader := pool.NewReader(client, pool.ReaderConfig{Retry: cfg.Retry, CallTimeout: cfg.RPC.Timeout}, logger.Named("pool"), app.Metrics)

	var rc *redis.Client
	redisClient := func() (*redis.Client, error) {
		if rc != nil {
			return rc, nil
		}
		c, err := redis.NewClient(ctx, logger.Named("redis"))
		if err != nil {
			return nil, err
		}
		rc = c
		app.Checks["redis"] = c.Health
		app.Closers = append(app.Closers, c)
		return c, nil
	}

	store, err := openStore(ctx, cfg, logger.Named("checkpoint"), app, redisClient)
	if err != nil {
		return app, fmt.Errorf("checkpoint %s: %w", cfg.Checkpoint.Backend, err)
	}

	app.Stream = history.NewHub(0, logger.Named("stream"))
	app.Closers = append(app.Closers, app.Stream)
	opts := []twap.Option{twap.WithMetrics(app.Metrics), twap.WithObserver(app.Stream)}

	if cfg.ClickHouseAddr != "" {
		w, err := history.NewClickHouseWriter(ctx, cfg.ClickHouseAddr, cfg.ClickHouseDB, logger.Named("history"))
		if err != nil {
			return app, fmt.Errorf("price history: %w", err)
		}
		rec := history.NewRecorder(w, history.RecorderConfig{}, logger.Named("history"))
		// recorder drains into w, so it closes first
		app.Closers = append(app.Closers, w)
		app.Closers = append([]io.Closer{rec}, app.Closers...)
		app.History = w
		opts = append(opts, twap.WithObserver(rec))
		logger.Info("Price history enabled", zap.String("database", cfg.ClickHouseDB))
	}

	if cfg.PublishRedis {
		c, err := redisClient()
		if err != nil {
			return app, fmt.Errorf("price publisher: %w", err)
		}
		opts = append(opts, twap.WithObserver(history.NewPublisher(c, logger.Named("publisher"))))
		logger.Info("Publishing prices to Redis", zap.String("channel", redis.PriceChannel))
	}

	app.Engine = twap.NewEngine(cfg.EngineConfig(), reader, store, logger.Named("twap"), opts...)
	app.Aggregator = aggregate.New(app.Engine, app.Engine.Currencies(), 0, logger.Named("aggregate"))

	if cfg.RefreshEnabled {
		app.Refresher, err = twap.NewRefresher(ctx, app.Engine, logger.Named("refresher"))
		if err != nil {
			return app, fmt.Errorf("refresher: %w", err)
		}
	}

	logger.Info("Feeder initialized",
		zap.String("asset", cfg.Asset),
		zap.Strings("currencies", app.Engine.Currencies()),
		zap.Uint32("window", cfg.Window),
		zap.String("checkpointBackend", cfg.Checkpoint.Backend),
		zap.Bool("refresh", cfg.RefreshEnabled))
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, app *types.App, redisClient func() (*redis.Client, error)) (checkpoint.Store, error) {
	var store checkpoint.Store
	switch cfg.Checkpoint.Backend {
	case config.BackendRedis:
		c, err := redisClient()
		if err != nil {
			return nil, err
		}
		store = checkpoint.NewRedisStore(c.GetClient(), cfg.Checkpoint.RedisKey, logger)
	case config.BackendPostgres:
		pg, err := postgres.New(ctx, logger, postgres.DefaultPoolConfig("twapfeed"))
		if err != nil {
			return nil, err
		}
		s := checkpoint.NewPostgresStore(pg.Pool, logger, pg.Close)
		if err := s.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		app.Checks["postgres"] = pg.Health
		store = s
	default:
		store = checkpoint.NewFileStore(cfg.Checkpoint.Path, logger)
	}
	app.Closers = append(app.Closers, store)
	return store, nil
}
