package router

import (
	"context"
	"math/rand"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

// ProbeConfig tunes the per-candidate health probe.
type ProbeConfig struct {
	// Timeout bounds a single probe attempt. Default: 5s.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first failure.
	// Default: 3.
	Retries int
	// BaseBackoff is the base of the exponential backoff between retries:
	// base * 2^(attempt-1), plus small jitter. Default: 100ms.
	BaseBackoff time.Duration
}

func (c ProbeConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}

func (c ProbeConfig) retries() int {
	if c.Retries > 0 {
		return c.Retries
	}
	return 3
}

func (c ProbeConfig) baseBackoff() time.Duration {
	if c.BaseBackoff > 0 {
		return c.BaseBackoff
	}
	return 100 * time.Millisecond
}

// Router selects the upstream model a validated request should dispatch to.
type Router struct {
	reg      *catalog.Registry
	adapters map[string]UpstreamAdapter // keyed by provider name
	probe    ProbeConfig
}

// New builds a Router over the given catalog and provider adapters.
func New(reg *catalog.Registry, adapters map[string]UpstreamAdapter, probe ProbeConfig) *Router {
	return &Router{reg: reg, adapters: adapters, probe: probe}
}

// Adapter returns the UpstreamAdapter registered for provider, or nil.
func (r *Router) Adapter(provider string) UpstreamAdapter {
	return r.adapters[provider]
}

// Select walks the strategy-ordered, feature-eligible candidate list for
// req, skipping any id present in excluded, and returns the first candidate
// whose health probe succeeds. excluded lets the caller retry after a
// dispatch failure without re-probing (or re-returning) a candidate that
// already failed downstream.
//
// Returns *catalog.Error with Kind == KindNoModelAvailable when every
// candidate is either ineligible, excluded, or unhealthy.
func (r *Router) Select(ctx context.Context, req *catalog.ModelRequest, excluded map[string]bool) (string, *catalog.Error) {
	candidates := buildCandidates(r.reg, req)

	for _, id := range candidates {
		if excluded[id] {
			continue
		}
		adapter := r.adapters[providerOf(id)]
		if adapter == nil {
			continue
		}
		if r.probeHealthy(ctx, adapter, id) {
			return id, nil
		}
	}

	return "", &catalog.Error{
		Kind:    catalog.KindNoModelAvailable,
		Message: "no eligible candidate passed its health probe",
	}
}

// probeHealthy retries Available up to probe.retries() times with
// exponential backoff and jitter, bounding each attempt by probe.timeout().
func (r *Router) probeHealthy(ctx context.Context, adapter UpstreamAdapter, modelID string) bool {
	attempts := r.probe.retries() + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, r.probe.timeout())
		ok := adapter.Available(probeCtx, modelID, r.probe.timeout())
		cancel()
		if ok {
			return true
		}
		if attempt == attempts {
			return false
		}

		backoff := r.probe.baseBackoff() * time.Duration(1<<(attempt-1))
		jitter := time.Duration(rand.Int63n(int64(r.probe.baseBackoff())))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// State is the per-request lifecycle stage. It is tracked by the
// orchestrating caller, not per model — a single request moves through
// these stages exactly once per dispatch attempt.
type State int

const (
	StateNew State = iota
	StateReady
	StateDispatching
	StateDone
	StateFallback
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateDispatching:
		return "dispatching"
	case StateDone:
		return "done"
	case StateFallback:
		return "fallback"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
