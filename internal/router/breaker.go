package router

import (
	"context"
	"sync"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

// breakerState is the operational state of one model's breaker.
//
//	breakerClosed   — normal operation; probes and dispatches pass through.
//	breakerOpen     — the model is failing; Available answers false without
//	                  touching the upstream, removing the candidate cheaply.
//	breakerHalfOpen — recovery probe; one dispatch is allowed through.
type breakerState int

const (
	breakerClosed   breakerState = 0
	breakerOpen     breakerState = 1
	breakerHalfOpen breakerState = 2
)

// BreakerConfig tunes the per-model circuit breaker.
type BreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that
	// trips the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing
	// a single probe dispatch. Default: 30s.
	HalfOpenTimeout time.Duration

	// Observe publishes state changes for metrics export
	// (0=closed, 1=open, 2=half-open). Optional.
	Observe func(modelID string, state int)
}

func (c *BreakerConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return 5
}

func (c *BreakerConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return 60 * time.Second
}

func (c *BreakerConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return 30 * time.Second
}

// modelBreaker holds one model's breaker state.
type modelBreaker struct {
	mu sync.Mutex

	state         breakerState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// BreakerAdapter wraps an UpstreamAdapter with a per-model circuit
// breaker. The router core itself keeps no sticky blacklist; this wrapper
// is the deployment-level availability signal: a model's recent dispatch
// outcomes within TimeWindow decide whether Available answers at all, so
// a persistently failing model stops consuming probe budget until its
// half-open timer expires.
type BreakerAdapter struct {
	inner UpstreamAdapter
	cfg   BreakerConfig

	mu       sync.Mutex
	breakers map[string]*modelBreaker
}

// WrapWithBreaker layers breaker state over inner.
func WrapWithBreaker(inner UpstreamAdapter, cfg BreakerConfig) *BreakerAdapter {
	return &BreakerAdapter{
		inner:    inner,
		cfg:      cfg,
		breakers: make(map[string]*modelBreaker),
	}
}

func (b *BreakerAdapter) breaker(modelID string) *modelBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.breakers[modelID]
	if !ok {
		mb = &modelBreaker{state: breakerClosed, windowStart: time.Now()}
		b.breakers[modelID] = mb
	}
	return mb
}

// allow reports whether modelID may be dispatched to right now, moving an
// expired open breaker to half-open.
func (b *BreakerAdapter) allow(modelID string) bool {
	mb := b.breaker(modelID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	switch mb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(mb.openedAt) >= b.cfg.halfOpenTimeout() {
			mb.state = breakerHalfOpen
			mb.probeInflight = true
			b.observe(modelID, breakerHalfOpen)
			return true
		}
		return false
	case breakerHalfOpen:
		if mb.probeInflight {
			return false
		}
		mb.probeInflight = true
		return true
	}
	return true
}

func (b *BreakerAdapter) recordSuccess(modelID string) {
	mb := b.breaker(modelID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.state != breakerClosed {
		b.observe(modelID, breakerClosed)
	}
	mb.state = breakerClosed
	mb.errorCount = 0
	mb.probeInflight = false
	mb.windowStart = time.Now()
}

func (b *BreakerAdapter) recordFailure(modelID string) {
	mb := b.breaker(modelID)
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := time.Now()
	if now.Sub(mb.windowStart) > b.cfg.timeWindow() {
		mb.errorCount = 0
		mb.windowStart = now
	}

	mb.errorCount++
	mb.probeInflight = false

	if mb.errorCount >= b.cfg.errorThreshold() && mb.state != breakerOpen {
		mb.state = breakerOpen
		mb.openedAt = now
		b.observe(modelID, breakerOpen)
	}
}

func (b *BreakerAdapter) observe(modelID string, s breakerState) {
	if b.cfg.Observe != nil {
		b.cfg.Observe(modelID, int(s))
	}
}

// StateLabel returns "closed", "open", or "half_open" for modelID.
func (b *BreakerAdapter) StateLabel(modelID string) string {
	mb := b.breaker(modelID)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	switch mb.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Available short-circuits to false while the breaker is open, so a
// tripped model drops out of candidate lists without an upstream call.
func (b *BreakerAdapter) Available(ctx context.Context, modelID string, timeout time.Duration) bool {
	if !b.allow(modelID) {
		return false
	}
	ok := b.inner.Available(ctx, modelID, timeout)
	if ok {
		b.recordSuccess(modelID)
	} else {
		b.recordFailure(modelID)
	}
	return ok
}

// Complete forwards to the inner adapter and feeds the outcome back into
// the breaker. Cancellation is the caller's doing, not the model's, and
// is not counted as a failure.
func (b *BreakerAdapter) Complete(ctx context.Context, modelID string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
	resp, err := b.inner.Complete(ctx, modelID, req)
	switch {
	case err == nil:
		b.recordSuccess(modelID)
	case err.Kind != catalog.KindCancelled:
		b.recordFailure(modelID)
	}
	return resp, err
}

// Stream forwards to the inner adapter; a stream that opens counts as a
// success.
func (b *BreakerAdapter) Stream(ctx context.Context, modelID string, req *catalog.ModelRequest) (<-chan StreamDelta, *catalog.Error) {
	deltas, err := b.inner.Stream(ctx, modelID, req)
	switch {
	case err == nil:
		b.recordSuccess(modelID)
	case err.Kind != catalog.KindCancelled:
		b.recordFailure(modelID)
	}
	return deltas, err
}

var _ UpstreamAdapter = (*BreakerAdapter)(nil)
