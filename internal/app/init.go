package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/latticeai/gateway/internal/analytics"
	"github.com/latticeai/gateway/internal/batch"
	npCache "github.com/latticeai/gateway/internal/cache"
	"github.com/latticeai/gateway/internal/catalog"
	"github.com/latticeai/gateway/internal/endpoint"
	"github.com/latticeai/gateway/internal/gateway"
	"github.com/latticeai/gateway/internal/logger"
	"github.com/latticeai/gateway/internal/metrics"
	"github.com/latticeai/gateway/internal/ratelimit"
	"github.com/latticeai/gateway/internal/router"
	"github.com/latticeai/gateway/internal/webhook"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured; config validation checks this unless ALLOW_CLIENT_API_KEYS is
// set, so the check is repeated here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the catalog, the cache backend, the metrics
// registry, and the analytics tracker.
func (a *App) initServices(ctx context.Context) error {
	a.registry = catalog.NewRegistry(catalog.DefaultModels)

	// ── Cache backend ─────────────────────────────────────────────────────────
	var backend npCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		backend = npCache.NewExactCacheFromClient(a.rdb)
		a.cacheReady = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		backend = a.memCache
		a.cacheReady = func() bool { return true }
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if backend != nil {
		a.respCache = npCache.NewResponseCache(backend, npCache.Policy{
			Strategy:          npCache.KeyStrategy(a.cfg.Cache.KeyStrategy),
			IgnoreTemperature: a.cfg.Cache.IgnoreTemperature,
			IgnoreTopP:        a.cfg.Cache.IgnoreTopP,
			TTL:               a.cfg.Cache.TTL,
		})
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// ── Analytics tracker ─────────────────────────────────────────────────────
	switch a.cfg.Analytics.Mode {
	case "clickhouse":
		ch, err := analytics.NewClickHouseTracker(ctx, analytics.ClickHouseConfig{
			Addr:     a.cfg.Analytics.ClickHouseAddr,
			Database: a.cfg.Analytics.ClickHouseDatabase,
			Username: a.cfg.Analytics.ClickHouseUsername,
			Password: a.cfg.Analytics.ClickHousePassword,
		}, a.log)
		if err != nil {
			return fmt.Errorf("analytics: %w", err)
		}
		a.clickhouse = ch
		a.tracker = ch
		a.log.Info("analytics backend: clickhouse", slog.String("addr", a.cfg.Analytics.ClickHouseAddr))
	default:
		a.tracker = analytics.NewMemoryTracker()
		a.log.Info("analytics backend: memory (in-process)")
	}

	reqLog, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLog

	return nil
}

// initGateway assembles the request-plane core: router over breaker-wrapped
// adapters, endpoint store, webhook dispatcher, batch processor, and the
// HTTP server that frames them.
func (a *App) initGateway(ctx context.Context) error {
	adapters := gateway.Adapters(a.provs)
	for name, adapter := range adapters {
		adapters[name] = router.WrapWithBreaker(adapter, router.BreakerConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
			Observe: func(modelID string, state int) {
				a.prom.SetCircuitBreaker(modelID, int64(state))
			},
		})
	}

	rt := router.New(a.registry, adapters, router.ProbeConfig{
		Timeout:     a.cfg.Router.ProbeTimeout,
		Retries:     a.cfg.Router.ProbeRetries,
		BaseBackoff: a.cfg.Router.ProbeBackoff,
	})

	a.whStore = webhook.NewStore()
	a.dispatcher = webhook.NewDispatcher(a.whStore, webhook.DispatcherOptions{
		Timeout: a.cfg.Webhook.DeliveryTimeout,
		Observe: func(event webhook.EventType, result string) {
			a.prom.RecordWebhookDelivery(string(event), result)
		},
		Logger: a.log,
	})

	a.svc = gateway.NewService(a.registry, rt, endpoint.NewStore(), gateway.ServiceOptions{
		Cache:      a.respCache,
		Exclusions: a.exclusions,
		Recorder:   mirrorRecorder{tracker: a.tracker, reqLog: a.reqLogger},
		Cost: analytics.NewCalculator(a.registry,
			a.cfg.Analytics.DefaultInputPrice, a.cfg.Analytics.DefaultOutputPrice),
		Webhooks:        a.dispatcher,
		Metrics:         a.prom,
		UpstreamTimeout: a.cfg.Failover.ProviderTimeout,
		Logger:          a.log,
	})

	a.batches = batch.NewProcessor(ctx, func(ctx context.Context, owner string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
		return a.svc.ChatComplete(ctx, owner, req)
	}, batch.Options{
		MaxConcurrent: a.cfg.Batch.MaxConcurrent,
		OnCompleted: func(owner string, s batch.Summary) {
			a.dispatcher.TriggerEvent(owner, webhook.EventBatchCompleted, s)
		},
		QueueDepth: func(p batch.Priority, depth int) {
			a.prom.SetBatchQueueDepth(string(p), depth)
		},
		Logger: a.log,
	})

	analyticsReady := func() bool { return true }
	if a.clickhouse != nil {
		analyticsReady = func() bool { return a.clickhouse.Ready(a.baseCtx) }
	}
	a.health = gateway.NewHealthChecker(ctx, a.provs, a.cacheReady, analyticsReady, a.prom)

	var limiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.server = gateway.NewServer(a.svc, gateway.ServerOptions{
		Batches:  a.batches,
		Webhooks: a.dispatcher,
		WHStore:  a.whStore,
		Tracker:  a.tracker,
		Cache:    a.respCache,
		Health:   a.health,
		Metrics:  a.prom,
		Limiter:  limiter,
		CORS:     a.cfg.CORSOrigins,
		Logger:   a.log,
	})

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
