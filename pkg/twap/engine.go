// Package twap computes time-weighted average prices from Uniswap-v2 style
// cumulative price accumulators.
package twap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/checkpoint"
	"github.com/fetchoracle/twapfeed/pkg/metrics"
	"github.com/fetchoracle/twapfeed/pkg/pool"
)

// BootstrapMode decides what a request does when a pair has no checkpoint.
type BootstrapMode string

const (
	// BootstrapImmediate stores the first snapshot and reports no data.
	BootstrapImmediate BootstrapMode = "immediate"
	// BootstrapWait stores the first snapshot, waits one window and then prices.
	BootstrapWait BootstrapMode = "wait"
)

// CheckpointPolicy decides when a successful computation replaces the checkpoint.
type CheckpointPolicy string

const (
	// CheckpointAlways persists the observed snapshot after every success.
	CheckpointAlways CheckpointPolicy = "always"
	// CheckpointWindow persists only once a full window has elapsed since the checkpoint.
	CheckpointWindow CheckpointPolicy = "window"
)

// Checkpoint write sources, used as metric labels.
const (
	sourceBootstrap = "bootstrap"
	sourceRequest   = "request"
	sourceRefresh   = "refresh"
)

// Config is the engine's immutable configuration.
type Config struct {
	Asset     string
	Window    uint32 // seconds
	Bootstrap BootstrapMode
	Policy    CheckpointPolicy
	Pairs     []pool.Pair
}

// Reader reads one consistent pool state. *pool.Reader implements it.
type Reader interface {
	ReadState(ctx context.Context, pair pool.Pair) (pool.State, error)
}

// Result is what the engine reports for a currency.
type Result struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Weight    float64   `json:"weight"`
}

// Observation is a successful computation with the details behind it.
type Observation struct {
	Result
	Currency       string
	Pair           string
	Address        string
	RawPrice       float64
	BlockNumber    uint64
	BlockTimestamp uint32
	Elapsed        uint32
	Projected      bool
}

// Observer receives every successful computation. Implementations must not block.
type Observer interface {
	Observe(ctx context.Context, obs Observation)
}

// Engine prices configured pairs against their persisted checkpoints.
type Engine struct {
	cfg       Config
	pairs     map[string]pool.Pair
	reader    Reader
	store     checkpoint.Store
	clock     Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	observers []Observer
	locks     *xsync.Map[string, *sync.Mutex]
}

// Option customizes an Engine.
type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// NewEngine builds an engine. Pairs are looked up by lower-cased currency.
func NewEngine(cfg Config, reader Reader, store checkpoint.Store, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.Bootstrap == "" {
		cfg.Bootstrap = BootstrapImmediate
	}
	if cfg.Policy == "" {
		cfg.Policy = CheckpointAlways
	}
	e := &Engine{
		cfg:    cfg,
		pairs:  make(map[string]pool.Pair, len(cfg.Pairs)),
		reader: reader,
		store:  store,
		clock:  SystemClock{},
		logger: logger,
		locks:  xsync.NewMap[string, *sync.Mutex](),
	}
	for _, p := range cfg.Pairs {
		e.pairs[strings.ToLower(p.Currency)] = p
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pair returns the pair configured for currency.
func (e *Engine) Pair(currency string) (pool.Pair, bool) {
	p, ok := e.pairs[strings.ToLower(strings.TrimSpace(currency))]
	return p, ok
}

// Currencies lists configured currencies in sorted order.
func (e *Engine) Currencies() []string {
	out := make([]string, 0, len(e.pairs))
	for c := range e.pairs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Window is the averaging window in seconds.
func (e *Engine) Window() uint32 { return e.cfg.Window }

func (e *Engine) lock(key string) func() {
	mu, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Price returns the TWAP for currency. Every failure is logged and reported as
// ok == false; the checkpoint is only written after a successful cycle.
func (e *Engine) Price(ctx context.Context, currency string) (Result, bool) {
	start := time.Now()
	currency = strings.ToLower(strings.TrimSpace(currency))
	pair, ok := e.Pair(currency)
	if !ok {
		e.logger.Error("Currency not supported", zap.String("currency", currency), zap.Error(ErrUnknownCurrency))
		e.metrics.ObserveComputation(currency, "unsupported", time.Since(start))
		return Result{}, false
	}

	obs, err := e.compute(ctx, pair)
	switch {
	case errors.Is(err, ErrNoData):
		e.logger.Info("Pair bootstrapped, no price until one window has passed",
			zap.String("currency", currency),
			zap.String("pair", pair.Key()),
			zap.Uint32("window", e.cfg.Window))
		e.metrics.ObserveComputation(currency, "bootstrap", time.Since(start))
		return Result{}, false
	case err != nil:
		e.logger.Error("TWAP computation failed",
			zap.String("currency", currency),
			zap.String("pair", pair.Key()),
			zap.String("address", pair.Address.Hex()),
			zap.Error(err))
		e.metrics.ObserveComputation(currency, "error", time.Since(start))
		return Result{}, false
	}

	e.metrics.ObserveComputation(currency, "ok", time.Since(start))
	e.metrics.SetResult(currency, obs.Price, obs.Weight)
	for _, o := range e.observers {
		o.Observe(ctx, obs)
	}
	e.logger.Info("TWAP LP price",
		zap.String("currency", currency),
		zap.String("asset", e.cfg.Asset),
		zap.Float64("price", obs.Price),
		zap.Float64("weight", obs.Weight),
		zap.String("address", pair.Address.Hex()))
	return obs.Result, true
}

func (e *Engine) compute(ctx context.Context, pair pool.Pair) (Observation, error) {
	bootstrapped, err := e.bootstrap(ctx, pair)
	if err != nil {
		return Observation{}, err
	}
	if bootstrapped {
		if e.cfg.Bootstrap != BootstrapWait {
			return Observation{}, ErrNoData
		}
		wait := time.Duration(e.cfg.Window) * time.Second
		e.logger.Info("Initial startup, waiting one TWAP window",
			zap.String("pair", pair.Key()),
			zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return Observation{}, ctx.Err()
		case <-e.clock.After(wait):
		}
	}
	return e.steady(ctx, pair)
}

// bootstrap stores the current snapshot when the pair has no checkpoint yet and
// reports whether it did.
func (e *Engine) bootstrap(ctx context.Context, pair pool.Pair) (bool, error) {
	key := pair.Key()
	unlock := e.lock(key)
	defer unlock()

	_, found, err := e.store.Read(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}
	if found {
		e.logger.Debug("Checkpoint found", zap.String("pair", key))
		return false, nil
	}

	st, err := e.reader.ReadState(ctx, pair)
	if err != nil {
		return false, err
	}
	if err := e.store.Write(ctx, key, st.Snapshot); err != nil {
		return false, fmt.Errorf("store checkpoint: %w", err)
	}
	e.metrics.ObserveCheckpointWrite(key, sourceBootstrap)
	e.logger.Info("Checkpoint initialized",
		zap.String("pair", key),
		zap.Uint32("blockTimestampLast", st.Snapshot.BlockTimestamp))
	return true, nil
}

func (e *Engine) steady(ctx context.Context, pair pool.Pair) (Observation, error) {
	key := pair.Key()
	unlock := e.lock(key)
	defer unlock()

	prev, found, err := e.store.Read(ctx, key)
	if err != nil {
		return Observation{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if !found {
		return Observation{}, fmt.Errorf("checkpoint %s removed during bootstrap: %w", key, ErrNoData)
	}

	st, err := e.reader.ReadState(ctx, pair)
	if err != nil {
		return Observation{}, err
	}

	// Bring the accumulators up to the block time. Reserves have not changed
	// since blockTimestampLast, so this is exact.
	current := st.Snapshot
	if gap := st.BlockTimestamp - current.BlockTimestamp; gap > 0 && gap < maxForwardSeconds {
		current, err = Project(current, st.Reserves, gap)
		if err != nil {
			return Observation{}, fmt.Errorf("freshen to block time: %w", err)
		}
		e.metrics.ObserveProjection(pair.Currency, "freshen")
		e.logger.Debug("Cumulative prices updated to current block timestamp",
			zap.String("pair", key),
			zap.Uint32("blockTimestampLast", st.Snapshot.BlockTimestamp),
			zap.Uint32("blockTimestamp", st.BlockTimestamp))
	}

	elapsed, err := Elapsed(current.BlockTimestamp, prev.BlockTimestamp)
	if err != nil {
		return Observation{}, err
	}

	target := current
	projected := false
	if elapsed < e.cfg.Window {
		remaining := e.cfg.Window - elapsed
		target, err = Project(current, st.Reserves, remaining)
		if err != nil {
			return Observation{}, fmt.Errorf("project remaining window: %w", err)
		}
		projected = true
		e.metrics.ObserveProjection(pair.Currency, "window")
		e.logger.Info("Window not elapsed, projecting with current reserves",
			zap.String("pair", key),
			zap.Uint32("elapsed", elapsed),
			zap.Uint32("window", e.cfg.Window),
			zap.Uint32("remaining", remaining))
	}

	var raw float64
	if pair.AssetIsToken0(e.cfg.Asset) {
		e.logger.Debug("Using price0CumulativeLast", zap.String("pair", key))
		raw, err = Calculate(target.Price0Cumulative, prev.Price0Cumulative, target.BlockTimestamp, prev.BlockTimestamp)
	} else {
		e.logger.Debug("Using price1CumulativeLast", zap.String("pair", key))
		raw, err = Calculate(target.Price1Cumulative, prev.Price1Cumulative, target.BlockTimestamp, prev.BlockTimestamp)
	}
	if err != nil {
		return Observation{}, err
	}

	price := raw * ScaleFactor(pair.Decimals)
	weight := TVL(pair, e.cfg.Asset, st.Reserves)

	if err := e.persist(ctx, key, prev, st.Snapshot, elapsed, sourceRequest); err != nil {
		return Observation{}, err
	}

	return Observation{
		Result: Result{
			Price:     price,
			Timestamp: e.clock.Now().UTC(),
			Weight:    weight,
		},
		Currency:       pair.Currency,
		Pair:           key,
		Address:        pair.Address.Hex(),
		RawPrice:       raw,
		BlockNumber:    st.BlockNumber,
		BlockTimestamp: st.BlockTimestamp,
		Elapsed:        elapsed,
		Projected:      projected,
	}, nil
}

// persist writes the observed snapshot according to the checkpoint policy.
func (e *Engine) persist(ctx context.Context, key string, prev, observed pool.Snapshot, elapsed uint32, source string) error {
	if e.cfg.Policy == CheckpointWindow && elapsed < e.cfg.Window {
		return nil
	}
	if prev.Equal(observed) {
		return nil
	}
	if err := e.store.Write(ctx, key, observed); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	e.metrics.ObserveCheckpointWrite(key, source)
	return nil
}

// Refresh replaces the checkpoint of currency's pair with the current
// snapshot, bootstrapping it if absent.
func (e *Engine) Refresh(ctx context.Context, currency string) error {
	pair, ok := e.Pair(currency)
	if !ok {
		return fmt.Errorf("%s: %w", currency, ErrUnknownCurrency)
	}
	key := pair.Key()
	unlock := e.lock(key)
	defer unlock()

	st, err := e.reader.ReadState(ctx, pair)
	if err != nil {
		return err
	}
	if err := e.store.Write(ctx, key, st.Snapshot); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	e.metrics.ObserveCheckpointWrite(key, sourceRefresh)
	e.logger.Info("Updated cumulative prices",
		zap.String("pair", key),
		zap.Uint32("blockTimestampLast", st.Snapshot.BlockTimestamp))
	return nil
}

// Checkpoint returns the stored snapshot for a pair key.
func (e *Engine) Checkpoint(ctx context.Context, key string) (pool.Snapshot, bool, error) {
	return e.store.Read(ctx, strings.ToUpper(key))
}

// Checkpoints lists every stored snapshot by pair key.
func (e *Engine) Checkpoints(ctx context.Context) (map[string]pool.Snapshot, error) {
	return e.store.List(ctx)
}

// ResetCheckpoint drops the stored snapshot of a pair, so the next request
// bootstraps it again.
func (e *Engine) ResetCheckpoint(ctx context.Context, key string) error {
	key = strings.ToUpper(key)
	unlock := e.lock(key)
	defer unlock()
	if err := e.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	e.logger.Info("Checkpoint reset", zap.String("pair", key))
	return nil
}
