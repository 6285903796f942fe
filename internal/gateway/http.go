package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/latticeai/gateway/internal/analytics"
	"github.com/latticeai/gateway/internal/batch"
	"github.com/latticeai/gateway/internal/cache"
	"github.com/latticeai/gateway/internal/catalog"
	"github.com/latticeai/gateway/internal/endpoint"
	"github.com/latticeai/gateway/internal/metrics"
	"github.com/latticeai/gateway/internal/ratelimit"
	"github.com/latticeai/gateway/internal/webhook"
	"github.com/latticeai/gateway/pkg/apierr"
)

// Server frames the Service for fasthttp: JSON in/out, SSE for streaming,
// per-owner CRUD for batches, webhooks, and endpoints.
type Server struct {
	svc       *Service
	batches   *batch.Processor
	webhooks  *webhook.Dispatcher
	whStore   *webhook.Store
	tracker   analytics.Tracker
	respCache *cache.ResponseCache
	health    *HealthChecker
	metrics   *metrics.Registry
	limiter   *ratelimit.RPMLimiter
	log       *slog.Logger

	corsOrigins []string

	srv *fasthttp.Server
}

// ServerOptions carries the Server's injected collaborators.
type ServerOptions struct {
	Batches  *batch.Processor
	Webhooks *webhook.Dispatcher
	WHStore  *webhook.Store
	Tracker  analytics.Tracker
	Cache    *cache.ResponseCache
	Health   *HealthChecker
	Metrics  *metrics.Registry
	Limiter  *ratelimit.RPMLimiter
	CORS     []string
	Logger   *slog.Logger
}

// NewServer builds the HTTP surface over svc.
func NewServer(svc *Service, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		svc:         svc,
		batches:     opts.Batches,
		webhooks:    opts.Webhooks,
		whStore:     opts.WHStore,
		tracker:     opts.Tracker,
		respCache:   opts.Cache,
		health:      opts.Health,
		metrics:     opts.Metrics,
		limiter:     opts.Limiter,
		corsOrigins: opts.CORS,
		log:         log,
	}
}

// Start binds addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.GET("/v1/models", s.handleListModels)

	r.POST("/v1/batches", s.handleCreateBatch)
	r.GET("/v1/batches", s.handleListBatches)
	r.GET("/v1/batches/{id}", s.handleGetBatch)
	r.POST("/v1/batches/{id}/cancel", s.handleCancelBatch)

	r.POST("/v1/webhooks", s.handleCreateWebhook)
	r.GET("/v1/webhooks", s.handleListWebhooks)
	r.GET("/v1/webhooks/{id}", s.handleGetWebhook)
	r.PATCH("/v1/webhooks/{id}", s.handleUpdateWebhook)
	r.DELETE("/v1/webhooks/{id}", s.handleDeleteWebhook)
	r.GET("/v1/webhooks/{id}/deliveries", s.handleListDeliveries)
	r.POST("/v1/deliveries/{id}/retry", s.handleRetryDelivery)

	r.POST("/v1/endpoints", s.handleCreateEndpoint)
	r.GET("/v1/endpoints", s.handleListEndpoints)
	r.GET("/v1/endpoints/{id}", s.handleGetEndpoint)
	r.PATCH("/v1/endpoints/{id}", s.handleUpdateEndpoint)
	r.DELETE("/v1/endpoints/{id}", s.handleDeleteEndpoint)

	r.GET("/v1/usage", s.handleQueryUsage)
	r.GET("/v1/usage/metrics", s.handleGetMetrics)
	r.POST("/v1/cache/invalidate", s.handleInvalidateCache)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", func(ctx *fasthttp.RequestCtx) { s.metrics.Handler()(ctx) })
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		securityHeaders,
		corsHandler(s.corsOrigins),
		s.httpMetrics,
	)

	s.srv = &fasthttp.Server{
		Handler:            handler,
		Name:               "lattice-gateway",
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Minute, // streams stay open
		MaxRequestBodySize: 16 << 20,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// owner resolves the caller identity the upstream auth layer attached.
// The framing contract: Authorization carries a bearer token that IS the
// owner id by the time requests reach the core.
func (s *Server) owner(ctx *fasthttp.RequestCtx) (string, bool) {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):], true
	}
	apierr.Write(ctx, fasthttp.StatusUnauthorized, "missing bearer token", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	return "", false
}

func (s *Server) allowed(ctx *fasthttp.RequestCtx) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx)
	if err != nil {
		// Limiter backend down: fail open, the request path stays alive.
		return true
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.RecordRateLimit("blocked")
		}
		apierr.WriteRateLimit(ctx)
		return false
	}
	return true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "encode response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetBody(body)
}

// ── Chat ─────────────────────────────────────────────────────────────────────

func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	if !s.allowed(ctx) {
		return
	}

	var req catalog.ModelRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.EndpointID = string(ctx.QueryArgs().Peek("endpoint_id"))

	if req.Stream {
		s.streamChat(ctx, owner, &req)
		return
	}

	resp, cerr := s.svc.ChatComplete(ctx, owner, &req)
	if cerr != nil {
		apierr.WriteKind(ctx, cerr)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// streamChat frames the delta channel as Server-Sent Events: one
// data: {chunk} line per delta, terminated by data: [DONE].
func (s *Server) streamChat(ctx *fasthttp.RequestCtx, owner string, req *catalog.ModelRequest) {
	deltas, actualID, serr := s.svc.ChatStream(ctx, owner, req)
	if serr != nil {
		apierr.WriteKind(ctx, serr)
		return
	}

	created := time.Now().Unix()
	streamID := fmt.Sprintf("chatcmpl-%d", created)

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for d := range deltas {
			if d.Err != nil {
				break
			}
			chunk := map[string]any{
				"id":             streamID,
				"object":         "chat.completion.chunk",
				"created":        created,
				"model":          actualID,
				"routed_through": actualID,
				"choices": []map[string]any{{
					"index":         0,
					"delta":         map[string]any{"content": d.Content},
					"finish_reason": nilIfEmpty(d.FinishReason),
				}},
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				break
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()
	})
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	if _, ok := s.owner(ctx); !ok {
		return
	}
	type wireModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := s.svc.Registry().All()
	out := make([]wireModel, len(models))
	for i, m := range models {
		out[i] = wireModel{ID: m.ID, Object: "model", OwnedBy: m.Provider}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": out})
}

// ── Batches ──────────────────────────────────────────────────────────────────

func (s *Server) handleCreateBatch(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	var body struct {
		Requests    []catalog.ModelRequest `json:"requests"`
		Priority    batch.Priority         `json:"priority,omitempty"`
		CallbackURL string                 `json:"callback_url,omitempty"`
		Metadata    map[string]string      `json:"metadata,omitempty"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	b, invalid, berr := s.batches.Create(owner, body.Requests, batch.CreateOptions{
		Priority:    body.Priority,
		CallbackURL: body.CallbackURL,
		Metadata:    body.Metadata,
	})
	if berr != nil {
		apierr.WriteKind(ctx, berr)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, map[string]any{
		"batch":            batchView(b),
		"invalid_requests": invalid,
	})
}

func (s *Server) handleGetBatch(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	b, err := s.batches.Get(ctx.UserValue("id").(string), owner)
	if err != nil {
		apierr.WriteKind(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, batchView(b))
}

func (s *Server) handleListBatches(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	list := s.batches.List(owner)
	out := make([]map[string]any, len(list))
	for i, b := range list {
		out[i] = batchView(b)
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": out})
}

func (s *Server) handleCancelBatch(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	id := ctx.UserValue("id").(string)
	if err := s.batches.Cancel(id, owner); err != nil {
		apierr.WriteKind(ctx, err)
		return
	}
	b, err := s.batches.Get(id, owner)
	if err != nil {
		apierr.WriteKind(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, batchView(b))
}

func batchView(b *batch.Batch) map[string]any {
	view := map[string]any{
		"id":              b.ID,
		"state":           b.State,
		"priority":        b.Priority,
		"request_count":   b.RequestCount,
		"completed_count": b.CompletedCount,
		"failed_count":    b.FailedCount,
		"created_at":      b.CreatedAt.Unix(),
	}
	if b.Error != "" {
		view["error"] = b.Error
	}
	if b.CompletedAt != nil {
		view["completed_at"] = b.CompletedAt.Unix()
	}
	if b.State == batch.StateCompleted || b.State == batch.StateFailed {
		view["results"] = b.Results
	}
	if len(b.Metadata) > 0 {
		view["metadata"] = b.Metadata
	}
	return view
}

// ── Webhooks ─────────────────────────────────────────────────────────────────

func (s *Server) handleCreateWebhook(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	var cfg webhook.Config
	if err := json.Unmarshal(ctx.PostBody(), &cfg); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	created, werr := s.whStore.Create(owner, cfg)
	if werr != nil {
		apierr.WriteKind(ctx, werr)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, created)
}

func (s *Server) handleGetWebhook(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	w, err := s.whStore.Get(ctx.UserValue("id").(string), owner)
	if err != nil {
		apierr.WriteKind(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, w)
}

func (s *Server) handleListWebhooks(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": s.whStore.List(owner)})
}

func (s *Server) handleUpdateWebhook(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	var patch struct {
		URL     *string              `json:"url"`
		Name    *string              `json:"name"`
		Events  *[]webhook.EventType `json:"events"`
		Secret  *string              `json:"secret"`
		Headers *map[string]string   `json:"headers"`
		Retries *int                 `json:"retries"`
		Active  *bool                `json:"active"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &patch); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	updated, werr := s.whStore.Update(ctx.UserValue("id").(string), owner, func(c *webhook.Config) {
		if patch.URL != nil {
			c.URL = *patch.URL
		}
		if patch.Name != nil {
			c.Name = *patch.Name
		}
		if patch.Events != nil {
			c.Events = *patch.Events
		}
		if patch.Secret != nil {
			c.Secret = *patch.Secret
		}
		if patch.Headers != nil {
			c.Headers = *patch.Headers
		}
		if patch.Retries != nil {
			c.Retries = *patch.Retries
		}
		if patch.Active != nil {
			c.Active = *patch.Active
		}
	})
	if werr != nil {
		apierr.WriteKind(ctx, werr)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, updated)
}

func (s *Server) handleDeleteWebhook(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	if err := s.whStore.Delete(ctx.UserValue("id").(string), owner); err != nil {
		apierr.WriteKind(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) handleListDeliveries(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	hist, err := s.whStore.Deliveries(ctx.UserValue("id").(string), owner)
	if err != nil {
		apierr.WriteKind(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": hist})
}

func (s *Server) handleRetryDelivery(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	rec, err := s.webhooks.RetryDelivery(ctx.UserValue("id").(string), owner)
	if err != nil {
		apierr.WriteKind(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, rec)
}

// ── Endpoints ────────────────────────────────────────────────────────────────

// wireEndpoint is the JSON shape for CustomEndpoint CRUD.
type wireEndpoint struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name"`
	BaseModel        string   `json:"base_model"`
	Fallbacks        []string `json:"fallbacks,omitempty"`
	RoutingStrategy  string   `json:"routing_strategy,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	IsPublic         bool     `json:"is_public"`
	RateLimitRPM     int      `json:"rate_limit_rpm,omitempty"`
	CreatedAt        int64    `json:"created_at,omitempty"`
	UpdatedAt        int64    `json:"updated_at,omitempty"`
}

func endpointView(ep *endpoint.CustomEndpoint) wireEndpoint {
	return wireEndpoint{
		ID:               ep.ID,
		Name:             ep.Name,
		BaseModel:        ep.BaseModel,
		Fallbacks:        ep.Fallbacks,
		RoutingStrategy:  string(ep.RoutingStrategy),
		Temperature:      ep.Defaults.Temperature,
		TopP:             ep.Defaults.TopP,
		FrequencyPenalty: ep.Defaults.FrequencyPenalty,
		PresencePenalty:  ep.Defaults.PresencePenalty,
		MaxTokens:        ep.Defaults.MaxTokens,
		SystemPrompt:     ep.SystemPrompt,
		IsPublic:         ep.IsPublic,
		RateLimitRPM:     ep.RateLimitRPM,
		CreatedAt:        ep.CreatedAt.Unix(),
		UpdatedAt:        ep.UpdatedAt.Unix(),
	}
}

func (s *Server) handleCreateEndpoint(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	var body wireEndpoint
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	strategy, okStrategy := catalog.ParseRouteStrategy(body.RoutingStrategy)
	if !okStrategy {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "unknown routing_strategy", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if _, found := s.svc.Registry().Get(body.BaseModel); !found {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "base_model is not in the catalog", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	ep := s.svc.Endpoints().Create(owner, endpoint.CustomEndpoint{
		Name:            body.Name,
		BaseModel:       body.BaseModel,
		Fallbacks:       body.Fallbacks,
		RoutingStrategy: strategy,
		Defaults: endpoint.Defaults{
			Temperature:      body.Temperature,
			TopP:             body.TopP,
			FrequencyPenalty: body.FrequencyPenalty,
			PresencePenalty:  body.PresencePenalty,
			MaxTokens:        body.MaxTokens,
		},
		SystemPrompt: body.SystemPrompt,
		IsPublic:     body.IsPublic,
		RateLimitRPM: body.RateLimitRPM,
	})
	s.webhooks.TriggerEvent(owner, webhook.EventEndpointCreated, map[string]string{"endpoint_id": ep.ID})
	writeJSON(ctx, fasthttp.StatusCreated, endpointView(ep))
}

func (s *Server) handleGetEndpoint(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	ep, err := s.svc.Endpoints().Get(ctx.UserValue("id").(string), owner)
	if err != nil {
		apierr.WriteKind(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, endpointView(ep))
}

func (s *Server) handleListEndpoints(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	eps := s.svc.Endpoints().List(owner)
	out := make([]wireEndpoint, len(eps))
	for i, ep := range eps {
		out[i] = endpointView(ep)
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": out})
}

func (s *Server) handleUpdateEndpoint(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	var body wireEndpoint
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	id := ctx.UserValue("id").(string)
	ep, uerr := s.svc.Endpoints().Update(id, owner, func(e *endpoint.CustomEndpoint) {
		if body.Name != "" {
			e.Name = body.Name
		}
		if body.BaseModel != "" {
			e.BaseModel = body.BaseModel
		}
		if body.Fallbacks != nil {
			e.Fallbacks = body.Fallbacks
		}
		if body.RoutingStrategy != "" {
			if st, okS := catalog.ParseRouteStrategy(body.RoutingStrategy); okS {
				e.RoutingStrategy = st
			}
		}
		if body.Temperature != nil {
			e.Defaults.Temperature = body.Temperature
		}
		if body.TopP != nil {
			e.Defaults.TopP = body.TopP
		}
		if body.MaxTokens != nil {
			e.Defaults.MaxTokens = body.MaxTokens
		}
		if body.SystemPrompt != "" {
			e.SystemPrompt = body.SystemPrompt
		}
		e.IsPublic = body.IsPublic
	})
	if uerr != nil {
		apierr.WriteKind(ctx, uerr)
		return
	}
	s.webhooks.TriggerEvent(owner, webhook.EventEndpointUpdated, map[string]string{"endpoint_id": ep.ID})
	writeJSON(ctx, fasthttp.StatusOK, endpointView(ep))
}

func (s *Server) handleDeleteEndpoint(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	id := ctx.UserValue("id").(string)
	if err := s.svc.Endpoints().Delete(id, owner); err != nil {
		apierr.WriteKind(ctx, err)
		return
	}
	s.webhooks.TriggerEvent(owner, webhook.EventEndpointDeleted, map[string]string{"endpoint_id": id})
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ── Analytics ────────────────────────────────────────────────────────────────

func (s *Server) usageFilter(ctx *fasthttp.RequestCtx, owner string) analytics.Filter {
	args := ctx.QueryArgs()
	f := analytics.Filter{Owner: owner}
	if v := args.GetUintOrZero("start"); v > 0 {
		f.Start = time.Unix(int64(v), 0)
	}
	if v := args.GetUintOrZero("end"); v > 0 {
		f.End = time.Unix(int64(v), 0)
	}
	if v := string(args.Peek("endpoint_id")); v != "" {
		f.EndpointID = v
	}
	for _, m := range args.PeekMulti("model") {
		f.Models = append(f.Models, string(m))
	}
	f.Limit = args.GetUintOrZero("limit")
	f.Offset = args.GetUintOrZero("offset")
	if f.Limit == 0 {
		f.Limit = 100
	}
	return f
}

func (s *Server) handleQueryUsage(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	records, err := s.tracker.QueryUsage(ctx, s.usageFilter(ctx, owner))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": records})
}

func (s *Server) handleGetMetrics(ctx *fasthttp.RequestCtx) {
	owner, ok := s.owner(ctx)
	if !ok {
		return
	}
	f := s.usageFilter(ctx, owner)
	f.Limit, f.Offset = 0, 0
	m, err := s.tracker.GetMetrics(ctx, f)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, m)
}

func (s *Server) handleInvalidateCache(ctx *fasthttp.RequestCtx) {
	if _, ok := s.owner(ctx); !ok {
		return
	}
	if s.respCache == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"removed": 0})
		return
	}
	var body struct {
		Model string `json:"model,omitempty"`
	}
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "malformed JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}
	removed, err := s.respCache.Invalidate(ctx, body.Model)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"removed": removed})
}

// ── Health ───────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health != nil && !s.health.ReadinessOK() {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ready"})
}

// httpMetrics observes request counts, durations, and payload sizes.
func (s *Server) httpMetrics(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.metrics.IncInFlight()
		next(ctx)
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(
			string(ctx.Path()),
			ctx.Response.StatusCode(),
			time.Since(start),
			len(ctx.PostBody()),
			len(ctx.Response.Body()),
		)
	}
}
