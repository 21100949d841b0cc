// Package aggregate combines per-currency TWAP prices into one asset/USD price.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/twap"
)

type Algorithm string

const (
	WeightedAverage Algorithm = "weighted_average"
	Median          Algorithm = "median"
)

var (
	ErrNoQuotes         = errors.New("no prices available")
	ErrZeroWeight       = errors.New("total weight is zero")
	ErrUnknownAlgorithm = errors.New("unknown aggregation algorithm")
)

// ParseAlgorithm accepts the algorithm names; empty means weighted_average.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", WeightedAverage:
		return WeightedAverage, nil
	case Median:
		return Median, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}

// Source prices one currency. *twap.Engine implements it.
type Source interface {
	Price(ctx context.Context, currency string) (twap.Result, bool)
}

type Quote struct {
	Currency string `json:"currency"`
	twap.Result
}

type Aggregate struct {
	Algorithm Algorithm `json:"algorithm"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Quotes    []Quote   `json:"quotes"`
	Missing   []string  `json:"missing,omitempty"`
}

// Aggregator fans Source.Price out over a worker pool.
type Aggregator struct {
	src        Source
	currencies []string
	pool       pond.Pool
	logger     *zap.Logger
	now        func() time.Time
}

func New(src Source, currencies []string, maxWorkers int, logger *zap.Logger) *Aggregator {
	if maxWorkers <= 0 {
		maxWorkers = len(currencies)
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Aggregator{
		src:        src,
		currencies: currencies,
		pool:       pond.NewPool(maxWorkers, pond.WithQueueSize(len(currencies)+1)),
		logger:     logger,
		now:        time.Now,
	}
}

// Collect prices every currency concurrently. Missing lists currencies that
// returned no price, in configuration order.
func (a *Aggregator) Collect(ctx context.Context) ([]Quote, []string) {
	var mu sync.Mutex
	got := make(map[string]twap.Result, len(a.currencies))

	group := a.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, c := range a.currencies {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			res, ok := a.src.Price(groupCtx, c)
			if !ok {
				return
			}
			mu.Lock()
			got[c] = res
			mu.Unlock()
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		a.logger.Warn("some price tasks failed", zap.Error(err))
	}

	quotes := make([]Quote, 0, len(got))
	var missing []string
	for _, c := range a.currencies {
		if res, ok := got[c]; ok {
			quotes = append(quotes, Quote{Currency: c, Result: res})
		} else {
			missing = append(missing, c)
		}
	}
	return quotes, missing
}

// Aggregate collects quotes and combines them with alg.
func (a *Aggregator) Aggregate(ctx context.Context, alg Algorithm) (Aggregate, error) {
	quotes, missing := a.Collect(ctx)
	if len(missing) > 0 {
		a.logger.Warn("Prices missing from aggregate", zap.Strings("currencies", missing))
	}

	var (
		price float64
		err   error
	)
	switch alg {
	case WeightedAverage:
		price, err = WeightedMean(quotes)
	case Median:
		price, err = MedianPrice(quotes)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	if err != nil {
		return Aggregate{}, err
	}
	return Aggregate{
		Algorithm: alg,
		Price:     price,
		Timestamp: a.now().UTC(),
		Quotes:    quotes,
		Missing:   missing,
	}, nil
}

// Close waits for running tasks and stops the pool.
func (a *Aggregator) Close() {
	a.pool.StopAndWait()
}

// WeightedMean is sum(price*weight) / sum(weight).
func WeightedMean(quotes []Quote) (float64, error) {
	if len(quotes) == 0 {
		return 0, ErrNoQuotes
	}
	var num, den float64
	for _, q := range quotes {
		num += q.Price * q.Weight
		den += q.Weight
	}
	if den == 0 {
		return 0, ErrZeroWeight
	}
	return num / den, nil
}

// MedianPrice ignores weights; an even count averages the two middle prices.
func MedianPrice(quotes []Quote) (float64, error) {
	if len(quotes) == 0 {
		return 0, ErrNoQuotes
	}
	prices := make([]float64, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price
	}
	sort.Float64s(prices)
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid], nil
	}
	return (prices[mid-1] + prices[mid]) / 2, nil
}
