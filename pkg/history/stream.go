package history

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/twap"
)

// Wildcard subscribes to every currency.
const Wildcard = "*"

// Hub fans computations out to live subscribers. Each subscriber owns a
// bounded queue; Observe drops rather than wait on a slow reader.
type Hub struct {
	logger *zap.Logger
	buffer int

	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{logger: logger, buffer: buffer, subs: map[*Subscription]struct{}{}}
}

// Subscription is one reader of a Hub. Its channel closes when the hub
// closes or the subscription is cancelled.
type Subscription struct {
	hub  *Hub
	c    chan Message
	once sync.Once

	mu         sync.RWMutex
	currencies map[string]bool
}

// Subscribe registers a reader for the given currencies. No currencies means
// nothing is delivered until Add is called.
func (h *Hub) Subscribe(currencies ...string) *Subscription {
	s := &Subscription{hub: h, c: make(chan Message, h.buffer), currencies: map[string]bool{}}
	s.Add(currencies...)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.c)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (s *Subscription) C() <-chan Message { return s.c }

func (s *Subscription) Add(currencies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range currencies {
		s.currencies[strings.ToLower(c)] = true
	}
}

func (s *Subscription) Remove(currencies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range currencies {
		delete(s.currencies, strings.ToLower(c))
	}
}

func (s *Subscription) wants(currency string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currencies[Wildcard] || s.currencies[currency]
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; ok {
		delete(s.hub.subs, s)
		s.close()
	}
}

func (s *Subscription) close() { s.once.Do(func() { close(s.c) }) }

func (h *Hub) Observe(_ context.Context, obs twap.Observation) {
	msg := Message{
		Currency:  obs.Currency,
		Pair:      obs.Pair,
		Price:     obs.Price,
		Weight:    obs.Weight,
		Timestamp: obs.Timestamp,
		Block:     obs.BlockNumber,
	}
	currency := strings.ToLower(obs.Currency)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(currency) {
			continue
		}
		select {
		case s.c <- msg:
		default:
			if n := h.dropped.Add(1); n%100 == 1 {
				h.logger.Warn("Stream subscriber too slow, dropping price",
					zap.String("currency", obs.Currency),
					zap.Uint64("dropped", n))
			}
		}
	}
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many messages were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close ends every subscription. Later Subscribe calls get a closed channel.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for s := range h.subs {
		s.close()
	}
	h.subs = map[*Subscription]struct{}{}
	h.logger.Debug("Price stream closed")
	return nil
}
