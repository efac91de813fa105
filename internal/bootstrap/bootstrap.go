// Package bootstrap wires the upstream provider set at startup.
//
// It does two things: publishes the adapter for every configured provider
// family into the registry, and reconciles the provider rows in the store with
// the model catalog so the balancer sees an accurate supported-model list.
// The set of adapter constructors is a static list; adding a provider family
// is a code change, not a data migration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters/anthropic"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters/gemini"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters/openai"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters/openaicompat"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/config"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/provider"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/registry"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
)

// Upstream request timeout applied to reconciled provider rows that have none.
const defaultProviderTimeout = 300 * time.Second

// endpointCapabilities maps catalog endpoints to the capability labels stored
// on provider rows.
var endpointCapabilities = map[string]adapters.Capability{
	catalog.EndpointChatCompletions: adapters.CapabilityChat,
	catalog.EndpointResponses:       adapters.CapabilityResponses,
	catalog.EndpointEmbeddings:      adapters.CapabilityEmbeddings,
	catalog.EndpointModerations:     adapters.CapabilityModeration,
	catalog.EndpointImages:          adapters.CapabilityImages,
	catalog.EndpointImageEdits:      adapters.CapabilityImageEdits,
	catalog.EndpointSpeech:          adapters.CapabilitySpeech,
	catalog.EndpointTranscriptions:  adapters.CapabilityTranscription,
	catalog.EndpointVideos:          adapters.CapabilityVideo,
}

// family describes one provider family to bootstrap.
type family struct {
	// name is both the registry key and the provider row id.
	name string
	// owner matches catalog Model.OwnedBy.
	owner string
	// needsSubProviders is false for self-hosted upstreams that take no
	// tenant credentials.
	needsSubProviders bool
}

// Bootstrapper publishes adapters and reconciles provider rows.
type Bootstrapper struct {
	cfg   *config.Config
	reg   *registry.Registry
	provs *provider.Service
	cat   *catalog.Catalog
	log   *slog.Logger
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bootstrapper) { b.log = log }
}

// New builds a Bootstrapper. The provider service must be Restored before Run
// so existing row stats survive reconciliation.
func New(cfg *config.Config, reg *registry.Registry, provs *provider.Service, cat *catalog.Catalog, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		cfg:   cfg,
		reg:   reg,
		provs: provs,
		cat:   cat,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run registers every adapter and reconciles the provider rows.
func (b *Bootstrapper) Run(ctx context.Context) error {
	b.registerAdapters(ctx)

	families := []family{
		{name: "openai", owner: "openai", needsSubProviders: true},
		{name: "anthropic", owner: "anthropic", needsSubProviders: true},
		{name: "gemini", owner: "google", needsSubProviders: true},
		{name: "voidai", owner: "voidai", needsSubProviders: false},
	}
	for _, cp := range b.cfg.Compat {
		// Compat upstreams serve the OpenAI-compatible model set through
		// per-tenant model mappings.
		families = append(families, family{name: cp.Name, owner: "openai", needsSubProviders: true})
	}

	for _, fam := range families {
		if err := b.reconcile(ctx, fam); err != nil {
			return fmt.Errorf("bootstrap: reconcile %s: %w", fam.name, err)
		}
	}
	b.log.InfoContext(ctx, "providers bootstrapped", "count", len(families))
	return nil
}

// registerAdapters publishes the shared adapter for each family. Adapters are
// registered even with an empty platform key: per-tenant keys are bound per
// request through DeriveWithKey.
func (b *Bootstrapper) registerAdapters(ctx context.Context) {
	var oaOpts []openai.Option
	if b.cfg.OpenAI.BaseURL != "" {
		oaOpts = append(oaOpts, openai.WithBaseURL(b.cfg.OpenAI.BaseURL))
	}
	b.reg.Register(openai.New(b.cfg.OpenAI.APIKey, oaOpts...))

	var anOpts []anthropic.Option
	if b.cfg.Anthropic.BaseURL != "" {
		anOpts = append(anOpts, anthropic.WithBaseURL(b.cfg.Anthropic.BaseURL))
	}
	b.reg.Register(anthropic.New(b.cfg.Anthropic.APIKey, anOpts...))

	// The Gemini client dials during construction, so it is built lazily on
	// first demand. The factory must outlive the bootstrap context.
	bg := context.WithoutCancel(ctx)
	key, baseURL := b.cfg.Gemini.APIKey, b.cfg.Gemini.BaseURL
	b.reg.RegisterFactory("gemini", func() (adapters.Adapter, error) {
		var opts []gemini.Option
		if baseURL != "" {
			opts = append(opts, gemini.WithBaseURL(baseURL))
		}
		return gemini.New(bg, key, opts...)
	})

	for _, cp := range b.cfg.Compat {
		b.reg.Register(openaicompat.New(cp.Name, cp.APIKey, cp.BaseURL))
	}
}

// reconcile upserts one provider row, preserving runtime stats on existing
// rows and refreshing the catalog-derived fields.
func (b *Bootstrapper) reconcile(ctx context.Context, fam family) error {
	models, features := b.catalogView(fam.owner)
	if len(models) == 0 {
		b.log.WarnContext(ctx, "provider family has no catalog models, skipping",
			"provider", fam.name)
		return nil
	}

	rec := &store.Provider{
		ID:                fam.name,
		Name:              fam.name,
		Timeout:           defaultProviderTimeout,
		SupportedModels:   models,
		Features:          features,
		NeedsSubProviders: fam.needsSubProviders,
		HealthStatus:      store.HealthHealthy,
		IsActive:          true,
	}
	if snap, ok := b.provs.Snapshot(fam.name); ok {
		rec.BaseURL = snap.BaseURL
		if snap.Timeout > 0 {
			rec.Timeout = snap.Timeout
		}
		rec.SuccessCount = snap.SuccessCount
		rec.ErrorCount = snap.ErrorCount
		rec.AvgLatencyMs = snap.AvgLatencyMs
		rec.ConsecutiveErrors = snap.ConsecutiveErrors
		rec.LastErrorAt = snap.LastErrorAt
		rec.HealthStatus = snap.HealthStatus
		rec.IsActive = snap.IsActive
	}
	return b.provs.Register(ctx, rec)
}

// catalogView returns the sorted model ids owned by owner plus the capability
// labels their endpoints imply.
func (b *Bootstrapper) catalogView(owner string) (models, features []string) {
	caps := make(map[string]bool)
	for _, m := range b.cat.All() {
		if m.OwnedBy != owner {
			continue
		}
		models = append(models, m.ID)
		for ep := range m.Endpoints {
			if c, ok := endpointCapabilities[ep]; ok {
				caps[string(c)] = true
			}
		}
	}
	for c := range caps {
		features = append(features, c)
	}
	sort.Strings(features)
	return models, features
}
