package screen

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/registry"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
)

const (
	// ModerationModel is the hard-coded upstream moderation model.
	ModerationModel = "omni-moderation-latest"

	moderationAttempts = 5
	moderationTimeout  = 10 * time.Second
)

// ErrNoModerationCapacity means no provider could serve the moderation call.
var ErrNoModerationCapacity = errors.New("screen: no moderation capacity")

// BalancedModerator serves moderation calls through the load balancer,
// tolerating unhealthy candidates so screening keeps working under incidents.
type BalancedModerator struct {
	balancer *balancer.Balancer
	registry *registry.Registry
	subs     *subprovider.Service
	log      *slog.Logger
}

// NewBalancedModerator wires the moderation path over the live services.
func NewBalancedModerator(b *balancer.Balancer, reg *registry.Registry, subs *subprovider.Service, log *slog.Logger) *BalancedModerator {
	if log == nil {
		log = slog.Default()
	}
	return &BalancedModerator{balancer: b, registry: reg, subs: subs, log: log}
}

// Moderate scores input, retrying across providers up to the attempt bound.
func (m *BalancedModerator) Moderate(ctx context.Context, input string) (*adapters.ModerationResult, error) {
	var exclude []string
	var lastErr error

	for attempt := 0; attempt < moderationAttempts; attempt++ {
		sel := m.balancer.Select(ctx, &balancer.Request{
			Model:           ModerationModel,
			EstimatedTokens: catalog.EstimateTokens(input),
			ExcludeIDs:      exclude,
			RequireHealthy:  false,
			Capability:      adapters.CapabilityModeration,
		})
		if sel == nil {
			break
		}

		var subID string
		var apiKey string
		var mapping map[string]string
		if sel.SubProvider != nil {
			subID = sel.SubProvider.ID
			key, err := m.subs.DecryptKey(subID)
			if err != nil {
				lastErr = err
				exclude = append(exclude, subID)
				continue
			}
			apiKey = key
			mapping = m.subs.ModelMapping(subID)
		}

		a, err := m.registry.DeriveWithKey(sel.Provider.Name, apiKey, mapping)
		if err != nil {
			lastErr = err
			exclude = append(exclude, sel.Provider.ID)
			continue
		}
		mod, ok := a.(adapters.ModerationAdapter)
		if !ok || !a.SupportsCapability(adapters.CapabilityModeration) {
			exclude = append(exclude, sel.Provider.ID)
			continue
		}

		if subID != "" && !m.balancer.RecordRequestStart(subID, catalog.EstimateTokens(input)) {
			exclude = append(exclude, subID)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, moderationTimeout)
		start := time.Now()
		res, err := mod.ModerateContent(callCtx, input, a.MappedModel(ModerationModel))
		cancel()

		out := balancer.Outcome{
			ProviderID:    sel.Provider.ID,
			SubProviderID: subID,
			Success:       err == nil,
			Latency:       time.Since(start),
		}
		if err != nil {
			out.ErrorType = string(adapters.Classify(err))
			out.ErrorMessage = err.Error()
		}
		m.balancer.RecordRequestComplete(ctx, out)

		if err != nil {
			lastErr = err
			if subID != "" {
				exclude = append(exclude, subID)
			} else {
				exclude = append(exclude, sel.Provider.ID)
			}
			continue
		}
		return res, nil
	}

	if lastErr == nil {
		lastErr = ErrNoModerationCapacity
	}
	return nil, lastErr
}
