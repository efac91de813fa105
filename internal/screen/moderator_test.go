package screen

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/provider"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/registry"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/secrets"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
)

type moderationAdapter struct {
	name    string
	apiKey  string
	mapping map[string]string
	scores  map[string]float64
	err     error
	calls   *int
	gotKey  *string
}

func (a *moderationAdapter) Name() string                                { return a.name }
func (a *moderationAdapter) SupportsModel(string) bool                   { return true }
func (a *moderationAdapter) SupportsCapability(adapters.Capability) bool { return true }
func (a *moderationAdapter) MappedModel(m string) string                 { return adapters.MapModel(a.mapping, m) }

func (a *moderationAdapter) WithKey(key string, mapping map[string]string) adapters.Adapter {
	derived := *a
	derived.apiKey = key
	derived.mapping = mapping
	return &derived
}

func (a *moderationAdapter) ModerateContent(ctx context.Context, input, model string) (*adapters.ModerationResult, error) {
	*a.calls++
	if a.gotKey != nil {
		*a.gotKey = a.apiKey
	}
	if a.err != nil {
		return nil, a.err
	}
	return &adapters.ModerationResult{Scores: a.scores}, nil
}

type moderatorFixture struct {
	moderator *BalancedModerator
	balancer  *balancer.Balancer
	subs      *subprovider.Service
	keyring   *secrets.Keyring
	calls     int
	gotKey    string
}

func newModeratorFixture(t *testing.T, adapter *moderationAdapter) *moderatorFixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	keyring, err := secrets.NewKeyring([]byte("screen-test-master"), "mk-test")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	f := &moderatorFixture{keyring: keyring}
	adapter.calls = &f.calls
	adapter.gotKey = &f.gotKey

	provs := provider.NewService(st.Providers)
	f.subs = subprovider.NewService(st.SubProviders, keyring)
	f.balancer = balancer.New(provs, f.subs, catalog.Default(),
		balancer.NewSelectionTracker(),
		balancer.WithRandSource(rand.NewSource(3)))

	reg := registry.New()
	reg.Register(adapter)

	if err := provs.Register(ctx, &store.Provider{
		ID: "openai", Name: "openai",
		SupportedModels:   []string{ModerationModel},
		NeedsSubProviders: true,
		HealthStatus:      store.HealthHealthy,
		IsActive:          true,
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	sealed, err := keyring.Seal("sk-moderation")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := f.subs.Register(ctx, &store.SubProvider{
		ID: "sp-1", ProviderID: "openai", Name: "sp-1",
		EncryptedKey: sealed, Enabled: true, Weight: 1,
	}); err != nil {
		t.Fatalf("register sub-provider: %v", err)
	}

	f.moderator = NewBalancedModerator(f.balancer, reg, f.subs, nil)
	return f
}

func TestModerateUsesDerivedKey(t *testing.T) {
	adapter := &moderationAdapter{name: "openai", scores: map[string]float64{"sexual": 0.2}}
	f := newModeratorFixture(t, adapter)

	res, err := f.moderator.Moderate(context.Background(), "some text")
	if err != nil {
		t.Fatalf("moderate: %v", err)
	}
	if res.Scores["sexual"] != 0.2 {
		t.Fatalf("scores = %v", res.Scores)
	}
	if f.gotKey != "sk-moderation" {
		t.Fatalf("adapter key = %q, want decrypted sub-provider key", f.gotKey)
	}

	// Capacity is released and the success recorded.
	snap, _ := f.subs.Snapshot("sp-1")
	if snap.CurrentConcurrent != 0 {
		t.Fatalf("concurrent = %d after call", snap.CurrentConcurrent)
	}
	if snap.TotalRequests != 1 {
		t.Fatalf("total requests = %d", snap.TotalRequests)
	}
}

func TestModerateToleratesUnhealthyCandidate(t *testing.T) {
	ctx := context.Background()
	adapter := &moderationAdapter{name: "openai", scores: map[string]float64{}}
	f := newModeratorFixture(t, adapter)

	// Trip the breaker; moderation still reaches the candidate.
	for i := 0; i < 3; i++ {
		f.subs.RecordError(ctx, "sp-1", "timeout", "deadline", -1)
	}
	if _, err := f.moderator.Moderate(ctx, "text"); err != nil {
		t.Fatalf("moderate with tripped breaker: %v", err)
	}
}

func TestModerateRetriesUntilExhaustion(t *testing.T) {
	adapter := &moderationAdapter{name: "openai", err: errors.New("upstream 500")}
	f := newModeratorFixture(t, adapter)

	_, err := f.moderator.Moderate(context.Background(), "text")
	if err == nil {
		t.Fatal("moderate succeeded with failing upstream")
	}
	// One sub-provider, so the first failure excludes the only candidate.
	if f.calls != 1 {
		t.Fatalf("calls = %d, want 1", f.calls)
	}
}

func TestModerateNoCandidates(t *testing.T) {
	adapter := &moderationAdapter{name: "openai", scores: map[string]float64{}}
	f := newModeratorFixture(t, adapter)

	if err := f.subs.SetEnabled(context.Background(), "sp-1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	_, err := f.moderator.Moderate(context.Background(), "text")
	if !errors.Is(err, ErrNoModerationCapacity) {
		t.Fatalf("err = %v, want ErrNoModerationCapacity", err)
	}
}
