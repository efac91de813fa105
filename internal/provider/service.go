// Package provider owns the live state of upstream provider records:
// aggregate metrics, health status, and activation. Mutations are serialized
// per provider id; rows are written through to the store.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
)

// Status transition thresholds. A success always restores healthy; errors
// degrade first and mark unhealthy on a longer streak.
const (
	degradedThreshold  = 3
	unhealthyThreshold = 5
)

// Snapshot is a read-only view of one provider.
type Snapshot struct {
	ID                string
	Name              string
	BaseURL           string
	Timeout           time.Duration
	SupportedModels   []string
	Features          []string
	NeedsSubProviders bool
	HealthStatus      string
	IsActive          bool
	SuccessCount      int64
	ErrorCount        int64
	AvgLatencyMs      float64
	ConsecutiveErrors int
	LastErrorAt       time.Time
}

// SupportsModel reports whether the provider lists the model.
func (s Snapshot) SupportsModel(model string) bool {
	for _, m := range s.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

type entry struct {
	mu  sync.Mutex
	rec *store.Provider
}

// Service owns the live provider set.
type Service struct {
	repo  *store.ProviderRepo
	log   *slog.Logger
	nowFn func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.nowFn = fn }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService builds an empty Service. Call Restore before serving.
func NewService(repo *store.ProviderRepo, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		log:     slog.Default(),
		nowFn:   time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads every provider row into the live set.
func (s *Service) Restore(ctx context.Context) error {
	recs, err := s.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("provider: restore: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.entries[rec.ID] = &entry{rec: rec}
	}
	s.log.InfoContext(ctx, "providers restored", "count", len(recs))
	return nil
}

// Register persists a new or updated record and installs its live entry.
func (s *Service) Register(ctx context.Context, rec *store.Provider) error {
	if err := s.repo.Save(ctx, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[rec.ID]; ok {
		e.mu.Lock()
		e.rec = rec
		e.mu.Unlock()
		return nil
	}
	s.entries[rec.ID] = &entry{rec: rec}
	return nil
}

func (s *Service) entry(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// RecordSuccess folds a successful outcome into the provider aggregate.
func (s *Service) RecordSuccess(ctx context.Context, id string, latency time.Duration) {
	e, ok := s.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	rec := e.rec
	rec.SuccessCount++
	rec.ConsecutiveErrors = 0
	updateAvgLatency(rec, float64(latency.Milliseconds()))
	rec.HealthStatus = store.HealthHealthy
	s.persistLocked(ctx, e)
	e.mu.Unlock()
}

// RecordError folds a failed outcome and degrades the status on streaks.
func (s *Service) RecordError(ctx context.Context, id string, latency time.Duration) {
	e, ok := s.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	rec := e.rec
	rec.ErrorCount++
	rec.ConsecutiveErrors++
	rec.LastErrorAt = s.nowFn()
	if latency >= 0 {
		updateAvgLatency(rec, float64(latency.Milliseconds()))
	}
	switch {
	case rec.ConsecutiveErrors >= unhealthyThreshold:
		rec.HealthStatus = store.HealthUnhealthy
	case rec.ConsecutiveErrors >= degradedThreshold:
		rec.HealthStatus = store.HealthDegraded
	}
	s.persistLocked(ctx, e)
	e.mu.Unlock()
}

// SetHealthStatus forces a status (used by the health monitor's recovery
// pass).
func (s *Service) SetHealthStatus(ctx context.Context, id, status string) {
	e, ok := s.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.rec.HealthStatus != status {
		s.log.InfoContext(ctx, "provider status changed",
			"provider", id, "from", e.rec.HealthStatus, "to", status)
		e.rec.HealthStatus = status
		s.persistLocked(ctx, e)
	}
	e.mu.Unlock()
}

func updateAvgLatency(rec *store.Provider, latencyMs float64) {
	n := float64(rec.SuccessCount + rec.ErrorCount)
	if n <= 1 {
		rec.AvgLatencyMs = latencyMs
		return
	}
	rec.AvgLatencyMs = (rec.AvgLatencyMs*(n-1) + latencyMs) / n
}

// persistLocked writes the row through. Caller holds e.mu. Failures are
// logged, never fatal to the request path.
func (s *Service) persistLocked(ctx context.Context, e *entry) {
	if err := s.repo.Save(ctx, e.rec); err != nil {
		s.log.ErrorContext(ctx, "save provider failed",
			"provider", e.rec.ID, "error", err)
	}
}

// Snapshot returns the read-only view for one provider.
func (s *Service) Snapshot(id string) (Snapshot, bool) {
	e, ok := s.entry(id)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotLocked(e), true
}

// Snapshots returns views for every provider.
func (s *Service) Snapshots() []Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, snapshotLocked(e))
		e.mu.Unlock()
	}
	return out
}

func snapshotLocked(e *entry) Snapshot {
	rec := e.rec
	return Snapshot{
		ID:                rec.ID,
		Name:              rec.Name,
		BaseURL:           rec.BaseURL,
		Timeout:           rec.Timeout,
		SupportedModels:   append([]string(nil), rec.SupportedModels...),
		Features:          append([]string(nil), rec.Features...),
		NeedsSubProviders: rec.NeedsSubProviders,
		HealthStatus:      rec.HealthStatus,
		IsActive:          rec.IsActive,
		SuccessCount:      rec.SuccessCount,
		ErrorCount:        rec.ErrorCount,
		AvgLatencyMs:      rec.AvgLatencyMs,
		ConsecutiveErrors: rec.ConsecutiveErrors,
		LastErrorAt:       rec.LastErrorAt,
	}
}
