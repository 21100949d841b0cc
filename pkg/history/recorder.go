// Package history ships successful TWAP computations to external sinks.
package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/twap"
)

// Row is one stored computation.
type Row struct {
	Currency       string    `ch:"currency" json:"currency"`
	Pair           string    `ch:"pair" json:"pair"`
	Address        string    `ch:"address" json:"address"`
	Price          float64   `ch:"price" json:"price"`
	RawPrice       float64   `ch:"raw_price" json:"raw_price"`
	Weight         float64   `ch:"weight" json:"weight"`
	BlockNumber    uint64    `ch:"block_number" json:"block_number"`
	BlockTimestamp uint32    `ch:"block_timestamp" json:"block_timestamp"`
	Elapsed        uint32    `ch:"elapsed" json:"elapsed"`
	Projected      bool      `ch:"projected" json:"projected"`
	ComputedAt     time.Time `ch:"computed_at" json:"computed_at"`
}

// RowFrom flattens an observation.
func RowFrom(obs twap.Observation) Row {
	return Row{
		Currency:       obs.Currency,
		Pair:           obs.Pair,
		Address:        obs.Address,
		Price:          obs.Price,
		RawPrice:       obs.RawPrice,
		Weight:         obs.Weight,
		BlockNumber:    obs.BlockNumber,
		BlockTimestamp: obs.BlockTimestamp,
		Elapsed:        obs.Elapsed,
		Projected:      obs.Projected,
		ComputedAt:     obs.Timestamp,
	}
}

// BatchWriter persists rows.
type BatchWriter interface {
	WriteRows(ctx context.Context, rows []Row) error
}

// RecorderConfig tunes buffering.
type RecorderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Recorder buffers observations and writes them in batches from one goroutine.
// Observe never blocks; when the buffer is full the observation is dropped.
type Recorder struct {
	w      BatchWriter
	cfg    RecorderConfig
	logger *zap.Logger
	rows   chan Row
	flush  chan chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewRecorder(w BatchWriter, cfg RecorderConfig, logger *zap.Logger) *Recorder {
	cfg = cfg.withDefaults()
	r := &Recorder{
		w:      w,
		cfg:    cfg,
		logger: logger,
		rows:   make(chan Row, cfg.BufferSize),
		flush:  make(chan chan struct{}),
		stop:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) Observe(_ context.Context, obs twap.Observation) {
	select {
	case r.rows <- RowFrom(obs):
	default:
		r.logger.Warn("Price history buffer full, dropping row",
			zap.String("currency", obs.Currency),
			zap.Int("buffer", r.cfg.BufferSize))
	}
}

// Flush blocks until everything observed so far has been handed to the writer.
func (r *Recorder) Flush() {
	done := make(chan struct{})
	select {
	case r.flush <- done:
		<-done
	case <-r.stop:
	}
}

// Close writes what is buffered and stops the loop.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
	return nil
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Row, 0, r.cfg.BatchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		defer cancel()
		if err := r.w.WriteRows(ctx, batch); err != nil {
			r.logger.Error("Failed to write price history", zap.Int("rows", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case row := <-r.rows:
				batch = append(batch, row)
				if len(batch) >= r.cfg.BatchSize {
					write()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case row := <-r.rows:
			batch = append(batch, row)
			if len(batch) >= r.cfg.BatchSize {
				write()
			}
		case <-ticker.C:
			write()
		case done := <-r.flush:
			drain()
			write()
			close(done)
		case <-r.stop:
			drain()
			write()
			return
		}
	}
}
