package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/analytics"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/bootstrap"
	gwCache "github.com/ariezmeoww/voidai-backend-sub000/internal/cache"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/discount"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/health"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/ledger"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/metrics"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/orchestrator"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/provider"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/ratelimit"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/registry"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/screen"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/secrets"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/server"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
)

// initInfra opens the durable store and optional external connections.
// Redis is required when CACHE_MODE=redis; the rate limiter reuses it.
func (a *App) initInfra(ctx context.Context) error {
	st, err := store.Open(ctx, a.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.st = st
	a.log.Info("store opened", slog.String("path", a.cfg.DatabasePath))

	if a.cfg.CacheMode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	// Request analytics stream into ClickHouse when configured, falling back
	// to structured log lines so request records are never silently lost.
	var sink analytics.Sink
	if a.cfg.ClickHouseDSN != "" {
		chSink, err := analytics.OpenClickHouse(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = chSink
		a.log.Info("analytics sink: clickhouse")
	} else {
		sink = analytics.NewSlogSink(a.log)
		a.log.Info("analytics sink: slog")
	}
	recorder, err := analytics.NewRecorder(a.baseCtx, sink, analytics.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	a.recorder = recorder

	return nil
}

// initServices builds every domain service: the model catalog, the provider
// and sub-provider registries, the load balancer, the content screener, and
// the orchestrator that ties them together.
func (a *App) initServices(ctx context.Context) error {
	keyring, err := secrets.NewKeyring([]byte(a.cfg.MasterKey), a.cfg.MasterKeyID)
	if err != nil {
		return fmt.Errorf("keyring: %w", err)
	}
	a.keyring = keyring

	a.cat = catalog.Default()
	a.prom = metrics.New()

	var alerter *screen.WebhookAlerter
	if a.cfg.AlertWebhookURL != "" {
		alerter = screen.NewWebhookAlerter(a.cfg.AlertWebhookURL, a.log)
		a.log.Info("critical-content alerts enabled")
	}

	a.provs = provider.NewService(a.st.Providers, provider.WithLogger(a.log))
	if err := a.provs.Restore(ctx); err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	subOpts := []subprovider.Option{
		subprovider.WithLogger(a.log),
		subprovider.WithOpenTimeout(a.cfg.Health.CircuitBreakerTimeout),
	}
	if alerter != nil {
		subOpts = append(subOpts, subprovider.WithDisableAlert(alerter.SubProviderDisabled))
	}
	a.subs = subprovider.NewService(a.st.SubProviders, keyring, subOpts...)
	if err := a.subs.Restore(ctx); err != nil {
		return fmt.Errorf("sub-providers: %w", err)
	}

	reg := registry.New()
	boot := bootstrap.New(a.cfg, reg, a.provs, a.cat, bootstrap.WithLogger(a.log))
	if err := boot.Run(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	for _, snap := range a.provs.Snapshots() {
		a.prom.SetProviderHealth(snap.Name, snap.HealthStatus)
	}

	a.bal = balancer.New(a.provs, a.subs, a.cat,
		balancer.NewSelectionTracker(),
		balancer.WithLogger(a.log))

	// ── Verdict/score cache ──────────────────────────────────────────────────
	var cacheImpl gwCache.Cache
	switch a.cfg.CacheMode {
	case "redis":
		cacheImpl = gwCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = gwCache.NewMemoryCache(a.baseCtx)
		cacheImpl = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		// nil cache — the screener moderates every request.
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.CacheMode)
	}

	moderator := screen.NewBalancedModerator(a.bal, reg, a.subs, a.log)
	scrOpts := []screen.Option{screen.WithLogger(a.log)}
	if alerter != nil {
		scrOpts = append(scrOpts, screen.WithAlerter(alerter))
	}
	scr := screen.New(cacheImpl, moderator, a.st.Users, scrOpts...)

	led := ledger.New(a.st.Users, a.st.Requests, ledger.WithLogger(a.log))

	a.orch = orchestrator.New(a.cat, a.bal, reg, a.subs, scr, led, a.st.Discounts,
		orchestrator.WithLogger(a.log))

	a.monitor = health.NewMonitor(a.provs, a.subs,
		health.WithLogger(a.log),
		health.WithInterval(a.cfg.Health.CheckInterval),
		health.WithAutoRecovery(a.cfg.Health.AutoRecoveryEnabled))

	a.discounts = discount.NewScheduler(a.st.Users, a.st.Discounts, a.st.Settings, a.cat,
		discount.WithLogger(a.log),
		discount.WithInterval(a.cfg.Discount.CheckInterval),
		discount.WithDuration(a.cfg.Discount.Duration))

	return nil
}

// initServer wires the HTTP edge over the orchestrator.
func (a *App) initServer(_ context.Context) error {
	var limiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.srv = server.New(a.orch, a.st.Users, a.cat, server.Options{
		Logger:      a.log,
		RPMLimiter:  limiter,
		Metrics:     a.prom,
		Analytics:   a.recorder,
		Subs:        a.subs,
		Keyring:     a.keyring,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})

	return nil
}
