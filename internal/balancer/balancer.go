// Package balancer selects a {provider, sub-provider} pair for a request:
// filter by eligibility, score with a weighted sum, nudge with exploration
// and recency avoidance, then weighted-sample from the normalized scores.
package balancer

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/provider"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
)

// Scoring weights and constants.
const (
	weightSuccessRate  = 0.20
	weightLatency      = 0.15
	weightHealth       = 0.15
	weightAvailability = 0.10
	weightCapacity     = 0.10
	weightUsageBalance = 0.30

	newSuccessRateFloor = 0.7
	newLatencyFloor     = 0.6
	newHealthFloor      = 0.7

	unhealthyScore   = 0.05
	explorationRate  = 0.15
	explorationScore = 0.6

	providerScoreHealthy   = 0.9
	providerScoreDegraded  = 0.1
	providerScoreUnhealthy = 0.05
)

// Request describes one selection.
type Request struct {
	Model           string
	EstimatedTokens int64
	ExcludeIDs      []string
	RequireHealthy  bool
	Capability      adapters.Capability
}

// Selection is a chosen provider with, when the provider needs credentials,
// its chosen sub-provider.
type Selection struct {
	Provider    provider.Snapshot
	SubProvider *subprovider.Snapshot
	Score       float64
}

// Balancer scores and samples over the live provider and sub-provider state.
type Balancer struct {
	providers *provider.Service
	subs      *subprovider.Service
	catalog   *catalog.Catalog
	tracker   *SelectionTracker
	log       *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Balancer) { b.log = log }
}

// WithRandSource overrides the sampling source. Tests only.
func WithRandSource(src rand.Source) Option {
	return func(b *Balancer) { b.rng = rand.New(src) }
}

// New builds a Balancer over the live services.
func New(providers *provider.Service, subs *subprovider.Service, cat *catalog.Catalog, tracker *SelectionTracker, opts ...Option) *Balancer {
	b := &Balancer{
		providers: providers,
		subs:      subs,
		catalog:   cat,
		tracker:   tracker,
		log:       slog.Default(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Tracker exposes the selection tracker for the cleanup task.
func (b *Balancer) Tracker() *SelectionTracker { return b.tracker }

func (b *Balancer) randFloat() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64()
}

func (b *Balancer) randIntn(n int) int {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Intn(n)
}

// Select returns one {provider, sub-provider} pair for the request, or
// nil when no candidate is eligible.
func (b *Balancer) Select(ctx context.Context, req *Request) *Selection {
	excluded := make(map[string]bool, len(req.ExcludeIDs))
	for _, id := range req.ExcludeIDs {
		excluded[id] = true
	}

	var candidates []Selection
	for _, prov := range b.providers.Snapshots() {
		if excluded[prov.ID] || !prov.IsActive || !prov.SupportsModel(req.Model) {
			continue
		}

		if !prov.NeedsSubProviders {
			if req.RequireHealthy && prov.HealthStatus != store.HealthHealthy &&
				prov.HealthStatus != store.HealthDegraded {
				continue
			}
			candidates = append(candidates, Selection{
				Provider: prov,
				Score:    providerScore(prov.HealthStatus),
			})
			continue
		}

		sub := b.selectSubProvider(req, prov, excluded)
		if sub == nil {
			continue
		}
		candidates = append(candidates, Selection{
			Provider:    prov,
			SubProvider: &sub.snap,
			Score:       sub.score,
		})
	}

	if len(candidates) == 0 {
		b.log.DebugContext(ctx, "no eligible candidate",
			"model", req.Model, "excluded", len(req.ExcludeIDs))
		return nil
	}

	chosen := b.sample(candidates)
	if chosen.SubProvider != nil {
		b.tracker.RecordSelection(chosen.SubProvider.ID)
	} else {
		b.tracker.RecordSelection(chosen.Provider.ID)
	}
	return chosen
}

type scoredSub struct {
	snap  subprovider.Snapshot
	score float64
}

// selectSubProvider runs eligibility, exploration, scoring, avoidance, and
// sampling over one provider's sub-providers.
func (b *Balancer) selectSubProvider(req *Request, prov provider.Snapshot, excluded map[string]bool) *scoredSub {
	imagesMode := req.Capability == adapters.CapabilityImages ||
		req.Capability == adapters.CapabilityImageEdits
	requireVerified := false
	if imagesMode {
		if m := b.catalog.ByID(req.Model); m != nil && m.OwnedBy == "openai" {
			requireVerified = true
		}
	}

	var eligible []subprovider.Snapshot
	for _, snap := range b.subs.SnapshotsForProvider(prov.ID) {
		if excluded[snap.ID] || !snap.Enabled || !snap.HasKey {
			continue
		}
		if req.RequireHealthy && !snap.Healthy {
			continue
		}
		if imagesMode {
			// Image jobs run long; only the rate windows gate admission.
			if !withinRateWindows(snap, req.EstimatedTokens) {
				continue
			}
			if requireVerified && !snap.IsVerified {
				continue
			}
		} else if !canHandle(snap, req.EstimatedTokens) {
			continue
		}
		eligible = append(eligible, snap)
	}
	if len(eligible) == 0 {
		return nil
	}

	// Exploration: occasionally hand a fresh key the request so it accrues
	// evidence.
	if b.randFloat() < explorationRate {
		var fresh []subprovider.Snapshot
		for _, snap := range eligible {
			if snap.New {
				fresh = append(fresh, snap)
			}
		}
		if len(fresh) > 0 {
			pick := fresh[b.randIntn(len(fresh))]
			return &scoredSub{snap: pick, score: explorationScore}
		}
	}

	scored := make([]scoredSub, 0, len(eligible))
	for _, snap := range eligible {
		score := baseScore(snap, req.EstimatedTokens)
		score += b.tracker.Adjustment(snap.ID)
		if score < 0.1 {
			score = 0.1
		}
		if snap.TotalRequests > 20 {
			penalty := float64(snap.TotalRequests) / 200
			if penalty > 0.2 {
				penalty = 0.2
			}
			score -= penalty
		}
		scored = append(scored, scoredSub{snap: snap, score: score})
	}

	return b.sampleSubs(scored)
}

// baseScore is the weighted six-component score before avoidance.
func baseScore(snap subprovider.Snapshot, estimatedTokens int64) float64 {
	if !snap.Healthy {
		return unhealthyScore
	}

	successRate := snap.SuccessRate
	latencyScore := 1 - snap.AvgLatencyMs/8000
	if latencyScore < 0 {
		latencyScore = 0
	}
	healthScore := snap.HealthScore
	if snap.New {
		if successRate < newSuccessRateFloor {
			successRate = newSuccessRateFloor
		}
		if latencyScore < newLatencyFloor {
			latencyScore = newLatencyFloor
		}
		if healthScore < newHealthFloor {
			healthScore = newHealthFloor
		}
	}

	availability := 0.0
	if canHandle(snap, estimatedTokens) {
		availability = 1.0
	}

	capacity := 1 - maxUtilization(snap, estimatedTokens)
	if capacity < 0 {
		capacity = 0
	}

	usageBalance := 0.9
	if snap.TotalRequests > 0 {
		usageBalance = 1 - float64(snap.TotalRequests)/50
		if usageBalance < 0.3 {
			usageBalance = 0.3
		}
	}

	score := successRate*weightSuccessRate +
		latencyScore*weightLatency +
		healthScore*weightHealth +
		availability*weightAvailability +
		capacity*weightCapacity +
		usageBalance*weightUsageBalance

	consecPenalty := float64(snap.ConsecutiveErrors) * 0.1
	if consecPenalty > 0.4 {
		consecPenalty = 0.4
	}
	score -= consecPenalty

	if score < 0.1 {
		score = 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func canHandle(snap subprovider.Snapshot, estimatedTokens int64) bool {
	return withinRateWindows(snap, estimatedTokens) &&
		(snap.Limits.MaxConcurrentRequests == 0 ||
			snap.CurrentConcurrent+1 <= snap.Limits.MaxConcurrentRequests)
}

func withinRateWindows(snap subprovider.Snapshot, estimatedTokens int64) bool {
	if snap.Limits.MaxRequestsPerMinute > 0 &&
		snap.RequestsPerMinute+1 > snap.Limits.MaxRequestsPerMinute {
		return false
	}
	if snap.Limits.MaxTokensPerMinute > 0 &&
		snap.TokensPerMinute+estimatedTokens > snap.Limits.MaxTokensPerMinute {
		return false
	}
	return true
}

func maxUtilization(snap subprovider.Snapshot, estimatedTokens int64) float64 {
	util := 0.0
	if snap.Limits.MaxRequestsPerMinute > 0 {
		util = max(util, float64(snap.RequestsPerMinute)/float64(snap.Limits.MaxRequestsPerMinute))
	}
	if snap.Limits.MaxTokensPerMinute > 0 {
		util = max(util, float64(snap.TokensPerMinute+estimatedTokens)/float64(snap.Limits.MaxTokensPerMinute))
	}
	if snap.Limits.MaxConcurrentRequests > 0 {
		util = max(util, float64(snap.CurrentConcurrent)/float64(snap.Limits.MaxConcurrentRequests))
	}
	return util
}

func providerScore(status string) float64 {
	switch status {
	case store.HealthHealthy:
		return providerScoreHealthy
	case store.HealthDegraded:
		return providerScoreDegraded
	default:
		return providerScoreUnhealthy
	}
}

// sampleSubs normalizes clamped scores into a distribution and draws one.
func (b *Balancer) sampleSubs(scored []scoredSub) *scoredSub {
	if len(scored) == 0 {
		return nil
	}
	weights := make([]float64, len(scored))
	total := 0.0
	for i, s := range scored {
		weights[i] = clampSampling(s.score)
		total += weights[i]
	}
	target := b.randFloat() * total
	acc := 0.0
	for i := range scored {
		acc += weights[i]
		if target < acc {
			return &scored[i]
		}
	}
	return &scored[len(scored)-1]
}

// sample applies the same clamp-normalize-draw across providers.
func (b *Balancer) sample(candidates []Selection) *Selection {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		weights[i] = clampSampling(c.Score)
		total += weights[i]
	}
	target := b.randFloat() * total
	acc := 0.0
	for i := range candidates {
		acc += weights[i]
		if target < acc {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}

// clampSampling bounds a score to [0.3, 0.7] so no candidate dominates or
// starves in the draw.
func clampSampling(score float64) float64 {
	if score < 0.3 {
		return 0.3
	}
	if score > 0.7 {
		return 0.7
	}
	return score
}

// RecordRequestStart reserves capacity on the chosen sub-provider. A false
// return means the caller should exclude the id and reselect.
func (b *Balancer) RecordRequestStart(subProviderID string, estimatedTokens int64) bool {
	return b.subs.TryReserve(subProviderID, estimatedTokens)
}

// Outcome describes a finished upstream attempt.
type Outcome struct {
	ProviderID    string
	SubProviderID string
	Success       bool
	Latency       time.Duration
	TokensUsed    int64
	ErrorType     string
	ErrorMessage  string
}

// RecordRequestComplete releases reserved capacity and folds the outcome
// into both the sub-provider and the provider aggregates.
func (b *Balancer) RecordRequestComplete(ctx context.Context, out Outcome) {
	if out.SubProviderID != "" {
		b.subs.Release(out.SubProviderID)
		if out.Success {
			b.subs.RecordSuccess(ctx, out.SubProviderID, out.Latency, out.TokensUsed)
		} else {
			b.subs.RecordError(ctx, out.SubProviderID, out.ErrorType, out.ErrorMessage, out.Latency)
		}
	}
	if out.ProviderID != "" {
		if out.Success {
			b.providers.RecordSuccess(ctx, out.ProviderID, out.Latency)
		} else {
			b.providers.RecordError(ctx, out.ProviderID, out.Latency)
		}
	}
}
