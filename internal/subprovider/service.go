package subprovider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/secrets"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
)

// Snapshot is a read-only view of one sub-provider for selection and
// monitoring. It copies the fields the balancer scores on so callers never
// touch live state.
type Snapshot struct {
	ID         string
	ProviderID string
	Name       string
	Enabled    bool
	Priority   int
	Weight     float64
	HasKey     bool
	IsVerified bool

	Limits Limits

	Breaker           BreakerState
	HealthScore       float64
	Healthy           bool
	New               bool
	TotalRequests     int64
	SuccessRate       float64
	ConsecutiveErrors int
	AvgLatencyMs      float64
	CurrentConcurrent int64
	RequestsPerMinute int64
	TokensPerMinute   int64
	TotalTokenUsage   int64
	LastUsedAt        time.Time
	LastErrorType     string
}

// entry pairs the durable record with its live state. entry.mu serializes
// every mutation for one sub-provider.
type entry struct {
	mu    sync.Mutex
	rec   *store.SubProvider
	state *State
}

// Service owns the live sub-provider set. It restores durable state on
// startup, serializes per-id mutations, and writes state through to the
// store after each outcome.
type Service struct {
	repo        *store.SubProviderRepo
	keyring     *secrets.Keyring
	log         *slog.Logger
	nowFn       func() time.Time
	openTimeout time.Duration
	alertFn     func(ctx context.Context, id, errorType, message string)

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

// WithOpenTimeout overrides how long a tripped breaker stays open before
// the health monitor probes it half-open.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.openTimeout = d
		}
	}
}

// WithDisableAlert registers a callback invoked after a critical error
// auto-disables a sub-provider. Called on its own goroutine.
func WithDisableAlert(fn func(ctx context.Context, id, errorType, message string)) Option {
	return func(s *Service) { s.alertFn = fn }
}

// NewService builds an empty Service. Call Restore before serving.
func NewService(repo *store.SubProviderRepo, keyring *secrets.Keyring, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		keyring:     keyring,
		log:         slog.Default(),
		nowFn:       time.Now,
		openTimeout: OpenTimeout,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads every sub-provider row and rebuilds its live state from the
// durable copy. In-flight concurrency counters reset to zero.
func (s *Service) Restore(ctx context.Context) error {
	recs, err := s.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("subprovider: restore: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.entries[rec.ID] = &entry{rec: rec, state: UnmarshalState(rec.State)}
	}
	s.log.InfoContext(ctx, "sub-providers restored", "count", len(recs))
	return nil
}

// Register persists a new or updated record and installs its live entry.
func (s *Service) Register(ctx context.Context, rec *store.SubProvider) error {
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
	s.entries[rec.ID] = &entry{rec: rec, state: UnmarshalState(rec.State)}
	return nil
}

// Remove deletes the record and drops the live entry.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

func (s *Service) entry(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// limits builds the admission caps from the record.
func recordLimits(rec *store.SubProvider) Limits {
	return Limits{
		MaxRequestsPerMinute:  rec.MaxRequestsPerMinute,
		MaxRequestsPerHour:    rec.MaxRequestsPerHour,
		MaxTokensPerMinute:    rec.MaxTokensPerMinute,
		MaxConcurrentRequests: rec.MaxConcurrentRequests,
	}
}

// TryReserve atomically admits one request against the sub-provider's
// limits. Disabled or keyless sub-providers never admit.
func (s *Service) TryReserve(id string, estimatedTokens int64) bool {
	e, ok := s.entry(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.Enabled || !e.rec.HasActiveKey() {
		return false
	}
	return e.state.Reserve(s.nowFn(), recordLimits(e.rec), estimatedTokens)
}

// Release returns the concurrency slot taken by TryReserve.
func (s *Service) Release(id string) {
	e, ok := s.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.Release()
	e.mu.Unlock()
}

// RecordSuccess folds a successful outcome and writes the state through.
func (s *Service) RecordSuccess(ctx context.Context, id string, latency time.Duration, tokensUsed int64) {
	e, ok := s.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.RecordSuccess(s.nowFn(), latency, tokensUsed)
	s.persistLocked(ctx, e)
	e.mu.Unlock()
}

// RecordError folds a failed outcome, writes the state through, and
// auto-disables the sub-provider when the error is critical or the
// consecutive-error streak reaches DisableThreshold.
func (s *Service) RecordError(ctx context.Context, id, errorType, message string, latency time.Duration) {
	e, ok := s.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	before := e.state.Breaker
	e.state.RecordError(s.nowFn(), errorType, latency)
	if e.state.Breaker == BreakerOpen && before != BreakerOpen {
		s.log.WarnContext(ctx, "circuit breaker opened",
			"sub_provider", id,
			"consecutive_errors", e.state.ConsecutiveErrors,
			"error_type", errorType)
	}
	critical := IsCriticalError(errorType, message)
	disable := critical || e.state.ConsecutiveErrors >= DisableThreshold
	disabled := false
	if disable && e.rec.Enabled {
		e.rec.Enabled = false
		disabled = true
		reason := "critical error"
		if !critical {
			reason = "error streak"
		}
		s.log.ErrorContext(ctx, "sub-provider disabled",
			"sub_provider", id, "reason", reason,
			"consecutive_errors", e.state.ConsecutiveErrors,
			"error_type", errorType, "message", message)
	}
	s.persistLocked(ctx, e)
	e.mu.Unlock()

	if disabled {
		if err := s.repo.SetEnabled(ctx, id, false); err != nil {
			s.log.ErrorContext(ctx, "persist sub-provider disable failed",
				"sub_provider", id, "error", err)
		}
		if s.alertFn != nil {
			go s.alertFn(context.WithoutCancel(ctx), id, errorType, message)
		}
	}
}

// persistLocked writes the serialized state through. Caller holds e.mu.
// Persistence failures are logged, never fatal to the request path.
func (s *Service) persistLocked(ctx context.Context, e *entry) {
	data, err := e.state.Marshal(s.nowFn())
	if err != nil {
		s.log.ErrorContext(ctx, "marshal sub-provider state failed",
			"sub_provider", e.rec.ID, "error", err)
		return
	}
	e.rec.State = data
	if err := s.repo.SaveState(ctx, e.rec.ID, data); err != nil {
		s.log.ErrorContext(ctx, "save sub-provider state failed",
			"sub_provider", e.rec.ID, "error", err)
	}
}

// SetEnabled flips the enabled switch and persists it.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	e, ok := s.entry(id)
	if !ok {
		return store.ErrNotFound
	}
	e.mu.Lock()
	e.rec.Enabled = enabled
	if enabled {
		e.state.CloseBreaker()
		s.persistLocked(ctx, e)
	}
	e.mu.Unlock()
	return s.repo.SetEnabled(ctx, id, enabled)
}

// OpenBreaker, CloseBreaker and HalfOpenBreaker are the manual breaker
// operations exposed to administrators.
func (s *Service) OpenBreaker(ctx context.Context, id string) error {
	return s.withEntry(ctx, id, func(e *entry) { e.state.OpenBreaker(s.nowFn()) })
}

func (s *Service) CloseBreaker(ctx context.Context, id string) error {
	return s.withEntry(ctx, id, func(e *entry) { e.state.CloseBreaker() })
}

func (s *Service) HalfOpenBreaker(ctx context.Context, id string) error {
	return s.withEntry(ctx, id, func(e *entry) { e.state.HalfOpenBreaker() })
}

func (s *Service) withEntry(ctx context.Context, id string, fn func(*entry)) error {
	e, ok := s.entry(id)
	if !ok {
		return store.ErrNotFound
	}
	e.mu.Lock()
	fn(e)
	s.persistLocked(ctx, e)
	e.mu.Unlock()
	return nil
}

// AdvanceBreakers moves open breakers past their timeout to half-open.
// Returns the ids that transitioned. Called by the health monitor tick.
func (s *Service) AdvanceBreakers(ctx context.Context) []string {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var moved []string
	now := s.nowFn()
	for _, e := range entries {
		e.mu.Lock()
		if e.state.TryHalfOpen(now, s.openTimeout) {
			moved = append(moved, e.rec.ID)
			s.persistLocked(ctx, e)
			s.log.InfoContext(ctx, "circuit breaker half-open",
				"sub_provider", e.rec.ID)
		}
		e.mu.Unlock()
	}
	return moved
}

// Snapshot returns the read-only view for one sub-provider.
func (s *Service) Snapshot(id string) (Snapshot, bool) {
	e, ok := s.entry(id)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.snapshotLocked(e), true
}

// SnapshotsForProvider returns views for every sub-provider bound to the
// given provider, in priority order as loaded.
func (s *Service) SnapshotsForProvider(providerID string) []Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []Snapshot
	for _, e := range entries {
		e.mu.Lock()
		if e.rec.ProviderID == providerID {
			out = append(out, s.snapshotLocked(e))
		}
		e.mu.Unlock()
	}
	return out
}

// Snapshots returns views for every sub-provider.
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
		out = append(out, s.snapshotLocked(e))
		e.mu.Unlock()
	}
	return out
}

func (s *Service) snapshotLocked(e *entry) Snapshot {
	now := s.nowFn()
	st := e.state
	return Snapshot{
		ID:                e.rec.ID,
		ProviderID:        e.rec.ProviderID,
		Name:              e.rec.Name,
		Enabled:           e.rec.Enabled,
		Priority:          e.rec.Priority,
		Weight:            e.rec.Weight,
		HasKey:            e.rec.HasActiveKey(),
		IsVerified:        e.rec.Metadata.IsVerified,
		Limits:            recordLimits(e.rec),
		Breaker:           st.Breaker,
		HealthScore:       st.HealthScore,
		Healthy:           st.IsHealthy(),
		New:               st.IsNew(),
		TotalRequests:     st.TotalRequests(),
		SuccessRate:       st.SuccessRate(),
		ConsecutiveErrors: st.ConsecutiveErrors,
		AvgLatencyMs:      st.AvgLatencyMs,
		CurrentConcurrent: st.CurrentConcurrent,
		RequestsPerMinute: st.RequestsPerMinute(now),
		TokensPerMinute:   st.TokensPerMinute(now),
		TotalTokenUsage:   st.TotalTokenUsage,
		LastUsedAt:        st.LastUsedAt,
		LastErrorType:     st.LastErrorType,
	}
}

// ModelMapping returns the upstream model override map for a sub-provider.
func (s *Service) ModelMapping(id string) map[string]string {
	e, ok := s.entry(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.rec.ModelMapping))
	for k, v := range e.rec.ModelMapping {
		out[k] = v
	}
	return out
}

// DecryptKey opens the sub-provider's sealed credential.
func (s *Service) DecryptKey(id string) (string, error) {
	e, ok := s.entry(id)
	if !ok {
		return "", store.ErrNotFound
	}
	e.mu.Lock()
	sealed := e.rec.EncryptedKey
	e.mu.Unlock()
	key, err := s.keyring.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("subprovider: decrypt key for %s: %w", id, err)
	}
	return key, nil
}
