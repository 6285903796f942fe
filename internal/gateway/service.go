// Package gateway is the request-plane core: it validates an incoming
// chat-completion request, merges custom-endpoint presets, consults the
// response cache, routes to a healthy upstream, and records the usage and
// lifecycle events each request produces.
//
// The HTTP surface in http.go frames this core for fasthttp; everything in
// this file is transport-agnostic and exercised directly by tests.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/latticeai/gateway/internal/analytics"
	"github.com/latticeai/gateway/internal/cache"
	"github.com/latticeai/gateway/internal/catalog"
	"github.com/latticeai/gateway/internal/endpoint"
	"github.com/latticeai/gateway/internal/metrics"
	"github.com/latticeai/gateway/internal/router"
	"github.com/latticeai/gateway/internal/webhook"
)

const defaultUpstreamTimeout = 30 * time.Second

// ServiceOptions carries the injected dependencies and tuning knobs.
type ServiceOptions struct {
	// Cache is optional; nil disables response caching entirely.
	Cache *cache.ResponseCache
	// Exclusions lists models whose responses must never be cached.
	Exclusions *cache.ExclusionList
	// Recorder receives one UsageRecord per request. Required.
	Recorder analytics.Recorder
	// Cost prices successful responses. Required.
	Cost *analytics.Calculator
	// Webhooks emits lifecycle events. Optional.
	Webhooks *webhook.Dispatcher
	// Metrics is optional.
	Metrics *metrics.Registry
	// UpstreamTimeout bounds one dispatch attempt. Default: 30s.
	UpstreamTimeout time.Duration

	Logger *slog.Logger
}

// Service is the dependency-injected core constructed once at startup.
type Service struct {
	reg       *catalog.Registry
	router    *router.Router
	endpoints *endpoint.Store
	cache     *cache.ResponseCache
	excl      *cache.ExclusionList
	recorder  analytics.Recorder
	cost      *analytics.Calculator
	webhooks  *webhook.Dispatcher
	metrics   *metrics.Registry
	timeout   time.Duration
	log       *slog.Logger
}

// NewService wires the core together.
func NewService(reg *catalog.Registry, rt *router.Router, endpoints *endpoint.Store, opts ServiceOptions) *Service {
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		reg:       reg,
		router:    rt,
		endpoints: endpoints,
		cache:     opts.Cache,
		excl:      opts.Exclusions,
		recorder:  opts.Recorder,
		cost:      opts.Cost,
		webhooks:  opts.Webhooks,
		metrics:   opts.Metrics,
		timeout:   timeout,
		log:       log,
	}
}

// Registry exposes the catalog for the HTTP surface's model listing.
func (s *Service) Registry() *catalog.Registry { return s.reg }

// Endpoints exposes the endpoint store for CRUD framing.
func (s *Service) Endpoints() *endpoint.Store { return s.endpoints }

// prepare applies the custom-endpoint rewrite (when requested) and
// validates the result. Shared by ChatComplete, ChatStream, and the batch
// intake validator.
func (s *Service) prepare(owner string, req *catalog.ModelRequest) (*catalog.ModelRequest, *catalog.Error) {
	if req.EndpointID != "" {
		ep, err := s.endpoints.Get(req.EndpointID, owner)
		if err != nil {
			return nil, err
		}
		req = endpoint.Rewrite(req, ep)
		req.EndpointID = ep.ID
	}
	if verr := catalog.ValidateRequest(req, s.reg); verr != nil {
		return nil, verr
	}
	return req, nil
}

// ValidateChild is the batch intake validator: rewrite + validate, no
// dispatch.
func (s *Service) ValidateChild(owner string) func(*catalog.ModelRequest) *catalog.Error {
	return func(req *catalog.ModelRequest) *catalog.Error {
		_, err := s.prepare(owner, req)
		return err
	}
}

// ChatComplete runs the full non-streaming pipeline for one request.
func (s *Service) ChatComplete(ctx context.Context, owner string, rawReq *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
	start := time.Now()

	req, perr := s.prepare(owner, rawReq)
	if perr != nil {
		return nil, perr
	}

	s.emit(owner, webhook.EventRequestCreated, map[string]any{
		"model": req.Model,
		"route": string(req.Route),
	})

	// Cache lookup. Streaming never reaches here (ChatStream bypasses),
	// but the guard inside Get covers direct callers too.
	if s.cacheable(req) {
		if entry, hit := s.cache.Get(ctx, req); hit {
			resp := entry.Response
			resp.RoutedThrough = entry.ModelID
			s.record(ctx, analytics.UsageRecord{
				ID: uuid.NewString(), TS: time.Now(), Owner: owner,
				RequestedModel: rawReq.Model, ActualModel: entry.ModelID,
				InputTokens: entry.Usage.PromptTokens, OutputTokens: entry.Usage.CompletionTokens,
				TotalTokens: entry.Usage.TotalTokens,
				CostUSD:     0, LatencyMS: time.Since(start).Milliseconds(),
				Success: true, RoutingStrategy: string(req.Route), EndpointID: req.EndpointID,
				CacheHit: true, CacheTTL: time.Until(entry.ExpiresAt),
			})
			if s.metrics != nil {
				s.metrics.CacheGetHit()
			}
			return &resp, nil
		}
		if s.metrics != nil {
			s.metrics.CacheGetMiss()
		}
	}

	resp, actualID, derr := s.dispatch(ctx, owner, req)
	latency := time.Since(start).Milliseconds()

	if derr != nil {
		if derr.Kind == catalog.KindCancelled {
			// No cache/analytics side effects for cancelled work, only the
			// failure event.
			s.emit(owner, webhook.EventRequestFailed, map[string]any{
				"model": req.Model, "error_kind": string(catalog.KindCancelled),
			})
			return nil, derr
		}
		s.record(ctx, analytics.UsageRecord{
			ID: uuid.NewString(), TS: time.Now(), Owner: owner,
			RequestedModel: rawReq.Model, ActualModel: actualID,
			LatencyMS: latency, Success: false, ErrorKind: string(derr.Kind),
			RoutingStrategy: string(req.Route), EndpointID: req.EndpointID,
		})
		return nil, derr
	}

	if s.cacheable(req) {
		s.cache.Set(ctx, req, actualID, *resp, resp.Usage)
		if s.metrics != nil {
			s.metrics.CacheSetOK()
		}
	}

	s.record(ctx, analytics.UsageRecord{
		ID: uuid.NewString(), TS: time.Now(), Owner: owner,
		RequestedModel: rawReq.Model, ActualModel: actualID,
		InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens: resp.Usage.TotalTokens,
		CostUSD:     s.cost.Cost(actualID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		LatencyMS:   latency, Success: true,
		RoutingStrategy: string(req.Route), EndpointID: req.EndpointID,
	})
	s.emit(owner, webhook.EventRequestCompleted, map[string]any{
		"model":          req.Model,
		"routed_through": actualID,
		"total_tokens":   resp.Usage.TotalTokens,
	})

	return resp, nil
}

// dispatch walks router candidates until one serves the request. Timeouts
// and per-candidate upstream failures move on to the next candidate; only
// exhaustion, cancellation, and validation-class errors surface.
func (s *Service) dispatch(ctx context.Context, owner string, req *catalog.ModelRequest) (*catalog.ModelResponse, string, *catalog.Error) {
	excluded := make(map[string]bool)

	for {
		id, serr := s.router.Select(ctx, req, excluded)
		if serr != nil {
			s.observeRoute(req.Route, "exhausted")
			s.emit(owner, webhook.EventModelUnavailable, map[string]any{"model": req.Model})
			return nil, "", serr
		}

		adapter := s.router.Adapter(providerOfID(id))
		dispatchCtx, cancel := context.WithTimeout(ctx, s.timeout)
		resp, derr := adapter.Complete(dispatchCtx, id, req)
		cancel()

		if derr == nil {
			resp.Model = id
			resp.RoutedThrough = id
			s.observeRoute(req.Route, "selected")
			if !catalog.IsAuto(req.Model) && id != req.Model {
				s.emit(owner, webhook.EventModelFallback, map[string]any{
					"requested": req.Model, "actual": id,
				})
			}
			return resp, id, nil
		}

		switch derr.Kind {
		case catalog.KindCancelled:
			return nil, id, derr
		case catalog.KindUpstreamTimeout, catalog.KindUpstreamError:
			// Parent cancellation shows up as a per-attempt timeout; check
			// before retrying another candidate.
			if ctx.Err() != nil {
				return nil, id, &catalog.Error{Kind: catalog.KindCancelled, Message: "request cancelled"}
			}
			s.log.Warn("candidate dispatch failed, trying next",
				slog.String("model", id),
				slog.String("kind", string(derr.Kind)),
			)
			excluded[id] = true
			s.observeRoute(req.Route, "retry")
		default:
			s.emit(owner, webhook.EventRequestFailed, map[string]any{
				"model": req.Model, "error_kind": string(derr.Kind),
			})
			return nil, id, derr
		}
	}
}

// ChatStream runs the streaming pipeline. The cache is never consulted —
// no Get, no Set.
func (s *Service) ChatStream(ctx context.Context, owner string, rawReq *catalog.ModelRequest) (<-chan router.StreamDelta, string, *catalog.Error) {
	start := time.Now()

	req, perr := s.prepare(owner, rawReq)
	if perr != nil {
		return nil, "", perr
	}
	req.Stream = true

	s.emit(owner, webhook.EventRequestCreated, map[string]any{
		"model": req.Model, "stream": true,
	})

	excluded := make(map[string]bool)
	for {
		id, serr := s.router.Select(ctx, req, excluded)
		if serr != nil {
			s.observeRoute(req.Route, "exhausted")
			s.emit(owner, webhook.EventModelUnavailable, map[string]any{"model": req.Model})
			s.record(ctx, analytics.UsageRecord{
				ID: uuid.NewString(), TS: time.Now(), Owner: owner,
				RequestedModel: rawReq.Model, LatencyMS: time.Since(start).Milliseconds(),
				Success: false, ErrorKind: string(serr.Kind),
				RoutingStrategy: string(req.Route), EndpointID: req.EndpointID,
			})
			return nil, "", serr
		}

		adapter := s.router.Adapter(providerOfID(id))
		deltas, derr := adapter.Stream(ctx, id, req)
		if derr != nil {
			if derr.Kind == catalog.KindCancelled {
				s.emit(owner, webhook.EventRequestFailed, map[string]any{
					"model": req.Model, "error_kind": string(catalog.KindCancelled),
				})
				return nil, id, derr
			}
			excluded[id] = true
			s.observeRoute(req.Route, "retry")
			continue
		}

		s.observeRoute(req.Route, "selected")
		if !catalog.IsAuto(req.Model) && id != req.Model {
			s.emit(owner, webhook.EventModelFallback, map[string]any{
				"requested": req.Model, "actual": id,
			})
		}

		// Watch the stream to completion for the audit record; tokens are
		// not counted for pass-through streams.
		out := make(chan router.StreamDelta)
		go func() {
			failed := false
			for d := range deltas {
				if d.Err != nil {
					failed = true
				}
				select {
				case out <- d:
				case <-ctx.Done():
					close(out)
					return
				}
			}
			close(out)
			rec := analytics.UsageRecord{
				ID: uuid.NewString(), TS: time.Now(), Owner: owner,
				RequestedModel: rawReq.Model, ActualModel: id,
				LatencyMS: time.Since(start).Milliseconds(), Success: !failed,
				RoutingStrategy: string(req.Route), EndpointID: req.EndpointID,
			}
			if failed {
				rec.ErrorKind = string(catalog.KindUpstreamError)
			}
			s.record(context.WithoutCancel(ctx), rec)
			if !failed {
				s.emit(owner, webhook.EventRequestCompleted, map[string]any{
					"model": req.Model, "routed_through": id, "stream": true,
				})
			}
		}()
		return out, id, nil
	}
}

func (s *Service) cacheable(req *catalog.ModelRequest) bool {
	if s.cache == nil || req.Stream {
		return false
	}
	if s.excl != nil && s.excl.Matches(req.Model) {
		return false
	}
	return true
}

func (s *Service) record(ctx context.Context, rec analytics.UsageRecord) {
	if s.recorder != nil {
		s.recorder.LogUsage(ctx, rec)
	}
}

func (s *Service) emit(owner string, typ webhook.EventType, data any) {
	if s.webhooks != nil {
		s.webhooks.TriggerEvent(owner, typ, data)
	}
}

func (s *Service) observeRoute(strategy catalog.RouteStrategy, outcome string) {
	if s.metrics != nil {
		if strategy == "" {
			strategy = catalog.RouteDefault
		}
		s.metrics.RecordRouterSelection(string(strategy), outcome)
	}
}

func providerOfID(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[:i]
		}
	}
	return id
}
