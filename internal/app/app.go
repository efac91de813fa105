// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — durable store, Redis, analytics sink
//  2. initServices — catalog, providers, balancer, screener, orchestrator
//  3. initServer   — rate limiter + HTTP edge
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/analytics"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	gwCache "github.com/ariezmeoww/voidai-backend-sub000/internal/cache"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/config"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/discount"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/health"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/metrics"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/orchestrator"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/provider"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/secrets"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/server"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb      *redis.Client
	recorder *analytics.Recorder

	st       *store.Store
	memCache *gwCache.MemoryCache

	prom    *metrics.Registry
	cat     *catalog.Catalog
	keyring *secrets.Keyring

	provs     *provider.Service
	subs      *subprovider.Service
	bal       *balancer.Balancer
	orch      *orchestrator.Orchestrator
	monitor   *health.Monitor
	discounts *discount.Scheduler

	srv *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and background loops, blocking until ctx is
// cancelled or a fatal error occurs. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.CacheMode),
		slog.Int("providers", len(a.provs.Snapshots())),
	)

	if err := a.discounts.Start(ctx); err != nil {
		return fmt.Errorf("app: discount scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		a.monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.bal.Tracker().Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.discounts.Stop()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("analytics close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
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
