// Package health runs the periodic scan that advances circuit breakers and
// re-qualifies degraded providers. Observation is request-driven; the monitor
// never probes upstreams out of band.
package health

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/provider"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
)

const (
	// DefaultInterval is the monitor tick.
	DefaultInterval = 10 * time.Second
	// recoveryQuiet is how long an unhealthy provider must stay error-free
	// before it is re-qualified to degraded.
	recoveryQuiet = 2 * subprovider.OpenTimeout
)

// Monitor owns the background scan.
type Monitor struct {
	providers    *provider.Service
	subs         *subprovider.Service
	log          *slog.Logger
	interval     time.Duration
	autoRecovery bool
	nowFn        func() time.Time

	running atomic.Bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithAutoRecovery toggles the recovery pass.
func WithAutoRecovery(enabled bool) Option {
	return func(m *Monitor) { m.autoRecovery = enabled }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) { m.nowFn = fn }
}

// NewMonitor builds a Monitor over the live services.
func NewMonitor(providers *provider.Service, subs *subprovider.Service, opts ...Option) *Monitor {
	m := &Monitor{
		providers:    providers,
		subs:         subs,
		log:          slog.Default(),
		interval:     DefaultInterval,
		autoRecovery: true,
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run ticks until ctx is cancelled. Tick failures are logged; the next tick
// retries.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one scan. Idempotent; overlapping invocations are skipped by the
// reentry guard.
func (m *Monitor) Tick(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	if !m.autoRecovery {
		return
	}

	moved := m.subs.AdvanceBreakers(ctx)
	if len(moved) > 0 {
		m.log.InfoContext(ctx, "circuit breakers advanced", "count", len(moved))
	}

	m.requalifyProviders(ctx)
}

// requalifyProviders moves unhealthy providers back to degraded once they
// have been quiet long enough and still have a serving path.
func (m *Monitor) requalifyProviders(ctx context.Context) {
	now := m.nowFn()
	for _, prov := range m.providers.Snapshots() {
		if prov.HealthStatus != store.HealthUnhealthy {
			continue
		}
		if prov.ConsecutiveErrors == 0 || prov.LastErrorAt.IsZero() {
			continue
		}
		if now.Sub(prov.LastErrorAt) <= recoveryQuiet {
			continue
		}
		if prov.NeedsSubProviders && !m.hasHealthySubProvider(prov.ID) {
			continue
		}
		m.providers.SetHealthStatus(ctx, prov.ID, store.HealthDegraded)
	}
}

func (m *Monitor) hasHealthySubProvider(providerID string) bool {
	for _, snap := range m.subs.SnapshotsForProvider(providerID) {
		if snap.Enabled && snap.Healthy && snap.HasKey {
			return true
		}
	}
	return false
}
