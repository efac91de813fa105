// Package discount rolls out the daily per-user model discount.
//
// The scheduler ticks every five minutes and fires once per CET day inside
// the [18:00, 18:05) window, guarded by a persisted last-fired date so
// restarts inside the window do not double-assign.
package discount

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
)

const (
	// DefaultInterval is the scheduler tick.
	DefaultInterval = 5 * time.Minute
	// DefaultDuration is how long an assigned discount stays live.
	DefaultDuration = 24 * time.Hour

	// lastDateKey is the settings row guarding one rollout per CET day.
	lastDateKey = "discount:last_date"

	fireWindowStartHour = 18
	fireWindowMinutes   = 5

	multiplierMin = 1.5
	multiplierMax = 3.0
)

// EligibleModels is the fixed pool the daily rollout draws from.
var EligibleModels = []string{
	"gpt-4o-mini",
	"gpt-4o",
	"claude-opus-4-5-20251101",
	"claude-sonnet-4-5-20250929",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
}

// Scheduler owns the daily rollout job.
type Scheduler struct {
	users     *store.UserRepo
	discounts *store.DiscountRepo
	settings  *store.SettingsRepo
	catalog   *catalog.Catalog
	log       *slog.Logger
	interval  time.Duration
	duration  time.Duration
	nowFn     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	running atomic.Bool
	cron    *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithDuration overrides the discount validity window.
func WithDuration(d time.Duration) Option {
	return func(s *Scheduler) { s.duration = d }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) { s.nowFn = fn }
}

// WithRandSource overrides the draw source. Tests only.
func WithRandSource(src rand.Source) Option {
	return func(s *Scheduler) { s.rng = rand.New(src) }
}

// NewScheduler builds a Scheduler over the store.
func NewScheduler(users *store.UserRepo, discounts *store.DiscountRepo, settings *store.SettingsRepo, cat *catalog.Catalog, opts ...Option) *Scheduler {
	s := &Scheduler{
		users:     users,
		discounts: discounts,
		settings:  settings,
		catalog:   cat,
		log:       slog.Default(),
		interval:  DefaultInterval,
		duration:  DefaultDuration,
		nowFn:     time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the tick with a cron runner and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("discount: schedule tick: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for a running tick.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// cetTime converts now to the approximated CET local time: UTC+1, or UTC+2
// during DST approximated as March through October.
func cetTime(now time.Time) time.Time {
	utc := now.UTC()
	offset := 1
	if m := utc.Month(); m >= time.March && m <= time.October {
		offset = 2
	}
	return utc.Add(time.Duration(offset) * time.Hour)
}

// cetDate is the CET calendar date string, YYYY-MM-DD.
func cetDate(now time.Time) string {
	return cetTime(now).Format("2006-01-02")
}

// inFireWindow reports whether the CET local time is inside [18:00, 18:05).
func inFireWindow(now time.Time) bool {
	cet := cetTime(now)
	return cet.Hour() == fireWindowStartHour && cet.Minute() < fireWindowMinutes
}

// Tick fires the rollout when the window and the date guard allow it.
// Overlapping ticks are skipped by the reentry guard.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	now := s.nowFn()
	if !inFireWindow(now) {
		return
	}

	today := cetDate(now)
	lastDate, err := s.settings.Get(ctx, lastDateKey)
	if err != nil {
		s.log.ErrorContext(ctx, "read discount guard failed", "error", err)
		return
	}
	if lastDate == today {
		return
	}

	if err := s.rollout(ctx, now); err != nil {
		s.log.ErrorContext(ctx, "discount rollout failed", "error", err)
		return
	}
	if err := s.settings.Set(ctx, lastDateKey, today); err != nil {
		s.log.ErrorContext(ctx, "persist discount guard failed", "error", err)
	}
}

// rollout assigns one fresh discount per user.
func (s *Scheduler) rollout(ctx context.Context, now time.Time) error {
	purged, err := s.discounts.DeleteExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("discount: purge expired: %w", err)
	}

	users, err := s.users.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("discount: list users: %w", err)
	}

	assigned := 0
	for _, u := range users {
		if err := s.assignOne(ctx, u, now); err != nil {
			s.log.ErrorContext(ctx, "assign discount failed",
				"user", u.ID, "error", err)
			continue
		}
		assigned++
	}

	s.log.InfoContext(ctx, "discount rollout complete",
		"assigned", assigned, "users", len(users), "purged_expired", purged)
	return nil
}

func (s *Scheduler) assignOne(ctx context.Context, u *store.User, now time.Time) error {
	models := s.eligibleModels(u)
	if len(models) == 0 {
		return nil
	}

	model := models[s.randIntn(len(models))]
	multiplier := s.drawMultiplier()

	// One live discount per user: replace whatever is active.
	if err := s.discounts.DeleteByUserID(ctx, u.ID); err != nil {
		return err
	}
	return s.discounts.Save(ctx, &store.UserDiscount{
		ID:         uuid.NewString(),
		UserID:     u.ID,
		ModelID:    model,
		Multiplier: multiplier,
		ExpiresAt:  now.Add(s.duration),
		CreatedAt:  now,
	})
}

// eligibleModels narrows the fixed pool by the user's plan. RP-verified
// users always draw from the full pool; for everyone else an empty
// intersection falls back to the full pool.
func (s *Scheduler) eligibleModels(u *store.User) []string {
	if u.IsRPVerified {
		return EligibleModels
	}
	var accessible []string
	for _, id := range EligibleModels {
		if s.catalog.HasAccess(id, u.Plan) {
			accessible = append(accessible, id)
		}
	}
	if len(accessible) == 0 {
		return EligibleModels
	}
	return accessible
}

// drawMultiplier picks uniformly in [1.5, 3.0], rounded to one decimal.
func (s *Scheduler) drawMultiplier() float64 {
	s.rngMu.Lock()
	v := multiplierMin + s.rng.Float64()*(multiplierMax-multiplierMin)
	s.rngMu.Unlock()
	return math.Round(v*10) / 10
}

func (s *Scheduler) randIntn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}
