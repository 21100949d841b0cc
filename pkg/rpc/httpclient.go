package rpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fetchoracle/twapfeed/pkg/utils"
	"golang.org/x/time/rate"
)

// ErrNoEndpoint is returned when a request could not be sent to any endpoint.
var ErrNoEndpoint = errors.New("no rpc endpoint available")

// Opts is the set of options for a new Transport and the clients built on it.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	// Base is the underlying round tripper; http.DefaultTransport when nil.
	Base http.RoundTripper
}

func (o Opts) withDefaults() Opts {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	if o.Base == nil {
		o.Base = http.DefaultTransport
	}
	return o
}

// Transport is an http.RoundTripper that spreads JSON-RPC requests over a set of
// endpoints behind a shared token bucket and a per-endpoint circuit breaker.
// The request URL is replaced by the first endpoint whose breaker is closed.
type Transport struct {
	endpoints []*url.URL
	base      http.RoundTripper
	limiter   *rate.Limiter

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
	now              func() time.Time
}

// NewTransport creates a Transport for the given options.
func NewTransport(o Opts) (*Transport, error) {
	o = o.withDefaults()
	eps := utils.Dedup(o.Endpoints)
	if len(eps) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}
	parsed := make([]*url.URL, 0, len(eps))
	for _, ep := range eps {
		u, err := url.Parse(ep)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint %q: %w", ep, err)
		}
		parsed = append(parsed, u)
	}
	return &Transport{
		endpoints:        parsed,
		base:             o.Base,
		limiter:          rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
		now:              time.Now,
	}, nil
}

// available returns the endpoints whose breaker is closed, in configured order.
// When every breaker is open it returns the one whose cooldown ends first, so
// a caller's retries still reach a node instead of failing locally.
func (t *Transport) available() []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]*url.URL, 0, len(t.endpoints))
	var soonest *url.URL
	var soonestAt time.Time
	for _, ep := range t.endpoints {
		key := ep.String()
		until, open := t.opened[key]
		if open && now.After(until) {
			delete(t.opened, key)
			t.failures[key] = 0
			open = false
		}
		if !open {
			out = append(out, ep)
			continue
		}
		if soonest == nil || until.Before(soonestAt) {
			soonest, soonestAt = ep, until
		}
	}
	if len(out) == 0 && soonest != nil {
		out = append(out, soonest)
	}
	return out
}

// noteFailure marks an endpoint as failed and opens the breaker once the failure count reaches the threshold.
func (t *Transport) noteFailure(ep string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[ep]++
	if t.failures[ep] >= t.breakerThreshold {
		t.opened[ep] = t.now().Add(t.breakerCooldown)
	}
}

func (t *Transport) noteSuccess(ep string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[ep] = 0
}

// RoundTrip implements http.RoundTripper. Transport-level errors and 5xx
// responses fail over to the next endpoint; any other response is returned as is.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var payload []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		payload = b
	}

	lastErr := ErrNoEndpoint
	for _, ep := range t.available() {
		key := ep.String()

		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}

		out := req.Clone(req.Context())
		out.URL = ep
		out.Host = ep.Host
		out.Body = io.NopCloser(bytes.NewReader(payload))
		out.ContentLength = int64(len(payload))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}

		resp, err := t.base.RoundTrip(out)
		if err != nil {
			lastErr = err
			t.noteFailure(key)
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server %d from %s", resp.StatusCode, ep.Host)
			t.noteFailure(key)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}

		t.noteSuccess(key)
		return resp, nil
	}

	return nil, lastErr
}
