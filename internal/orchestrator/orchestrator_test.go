package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/cache"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/ledger"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/provider"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/registry"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/screen"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/secrets"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
)

// upstreamState is shared across derived adapter copies so tests can observe
// every call regardless of which credential served it.
type upstreamState struct {
	mu       sync.Mutex
	keysSeen []string
	failFor  map[string]error
	content  string
	usage    adapters.Usage
	// events, when set, supplies the stream for streaming requests.
	events func() <-chan adapters.StreamEvent
}

func (st *upstreamState) record(key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.keysSeen = append(st.keysSeen, key)
	return st.failFor[key]
}

func (st *upstreamState) calls() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.keysSeen)
}

type fakeUpstream struct {
	name    string
	apiKey  string
	mapping map[string]string
	st      *upstreamState
}

func (f *fakeUpstream) Name() string                                { return f.name }
func (f *fakeUpstream) SupportsModel(string) bool                   { return true }
func (f *fakeUpstream) SupportsCapability(adapters.Capability) bool { return true }
func (f *fakeUpstream) MappedModel(m string) string                 { return adapters.MapModel(f.mapping, m) }

func (f *fakeUpstream) WithKey(key string, mapping map[string]string) adapters.Adapter {
	return &fakeUpstream{name: f.name, apiKey: key, mapping: mapping, st: f.st}
}

func (f *fakeUpstream) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	if err := f.st.record(f.apiKey); err != nil {
		return nil, err
	}
	if req.Stream {
		if f.st.events == nil {
			return nil, errors.New("no stream configured")
		}
		return &adapters.ChatResponse{ID: "up-1", Model: req.Model, Stream: f.st.events()}, nil
	}
	return &adapters.ChatResponse{
		ID:           "up-1",
		Model:        req.Model,
		Content:      f.st.content,
		FinishReason: "stop",
		Usage:        f.st.usage,
	}, nil
}

func (f *fakeUpstream) CreateResponse(ctx context.Context, req *adapters.ResponsesRequest) (*adapters.ResponsesResponse, error) {
	if err := f.st.record(f.apiKey); err != nil {
		return nil, err
	}
	if req.Stream {
		if f.st.events == nil {
			return nil, errors.New("no stream configured")
		}
		return &adapters.ResponsesResponse{ID: "up-1", Stream: f.st.events()}, nil
	}
	return &adapters.ResponsesResponse{
		ID: "up-1", Model: req.Model,
		OutputText: f.st.content, Usage: f.st.usage,
	}, nil
}

func (f *fakeUpstream) GenerateImages(ctx context.Context, req *adapters.ImageRequest) (*adapters.ImageResponse, error) {
	if err := f.st.record(f.apiKey); err != nil {
		return nil, err
	}
	return &adapters.ImageResponse{Created: 1, Data: []adapters.ImageDatum{{URL: "https://img"}}}, nil
}

func (f *fakeUpstream) EditImages(ctx context.Context, req *adapters.ImageEditRequest) (*adapters.ImageResponse, error) {
	if err := f.st.record(f.apiKey); err != nil {
		return nil, err
	}
	return &adapters.ImageResponse{Created: 1, Data: []adapters.ImageDatum{{URL: "https://img"}}}, nil
}

type safeModerator struct {
	scores map[string]float64
}

func (m *safeModerator) Moderate(ctx context.Context, input string) (*adapters.ModerationResult, error) {
	return &adapters.ModerationResult{Scores: m.scores}, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *store.Store
	subs    *subprovider.Service
	provs   *provider.Service
	keyring *secrets.Keyring
	up      *upstreamState
	led     *ledger.Ledger
}

func newFixture(t *testing.T, scores map[string]float64) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	keyring, err := secrets.NewKeyring([]byte("orchestrator-test-master"), "mk-test")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	f := &fixture{
		store:   st,
		keyring: keyring,
		up:      &upstreamState{content: "the answer", failFor: map[string]error{}},
	}
	f.provs = provider.NewService(st.Providers)
	f.subs = subprovider.NewService(st.SubProviders, keyring)

	bal := balancer.New(f.provs, f.subs, catalog.Default(),
		balancer.NewSelectionTracker(),
		balancer.WithRandSource(rand.NewSource(11)))

	reg := registry.New()
	reg.Register(&fakeUpstream{name: "openai", st: f.up})

	mem := cache.NewMemoryCache(ctx)
	t.Cleanup(mem.Close)
	if scores == nil {
		scores = map[string]float64{}
	}
	scr := screen.New(mem, &safeModerator{scores: scores}, st.Users)

	f.led = ledger.New(st.Users, st.Requests)
	f.orch = New(catalog.Default(), bal, reg, f.subs, scr, f.led, st.Discounts)

	if err := f.provs.Register(ctx, &store.Provider{
		ID: "openai", Name: "openai",
		SupportedModels: []string{
			"gpt-4o-mini", "gpt-4o", "dall-e-3", "gpt-image-1",
			"text-embedding-3-small",
		},
		NeedsSubProviders: true,
		HealthStatus:      store.HealthHealthy,
		IsActive:          true,
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	return f
}

func (f *fixture) addSub(t *testing.T, id string, mutate func(*store.SubProvider)) {
	t.Helper()
	sealed, err := f.keyring.Seal("sk-" + id)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	rec := &store.SubProvider{
		ID: id, ProviderID: "openai", Name: id,
		EncryptedKey: sealed, Enabled: true, Weight: 1,
	}
	if mutate != nil {
		mutate(rec)
	}
	if err := f.subs.Register(context.Background(), rec); err != nil {
		t.Fatalf("register sub-provider: %v", err)
	}
}

func (f *fixture) seedUser(t *testing.T, mutate func(*store.User)) *store.User {
	t.Helper()
	u := &store.User{
		ID: "u1", Plan: "free", Credits: 100, Enabled: true,
		APIKeyHash: "hash-u1",
	}
	if mutate != nil {
		mutate(u)
	}
	if err := f.store.Users.Save(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func chatParams(u *store.User) *ChatParams {
	return &ChatParams{
		User:  u,
		Model: "gpt-4o-mini",
		Messages: []adapters.Message{
			{Role: "user", Content: "hello world!"},
		},
	}
}

func requestStatus(t *testing.T, f *fixture, id string) *store.APIRequest {
	t.Helper()
	row, err := f.led.Find(context.Background(), id)
	if err != nil {
		t.Fatalf("find request: %v", err)
	}
	return row
}

func TestChatSuccessBillsAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addSub(t, "key-1", nil)
	u := f.seedUser(t, nil)
	f.up.usage = adapters.Usage{InputTokens: 5, OutputTokens: 40}

	res, err := f.orch.Chat(ctx, chatParams(u))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Content != "the answer" {
		t.Fatalf("content = %q", res.Content)
	}

	// "hello world!" estimates to 3 input tokens; 40 reported output.
	if res.Tokens != 43 {
		t.Fatalf("tokens = %d, want 43", res.Tokens)
	}
	// round(43 * 0.25) = 11.
	if res.Credits != 11 {
		t.Fatalf("credits = %d, want 11", res.Credits)
	}

	row := requestStatus(t, f, res.RequestID)
	if row.Status != store.RequestCompleted || row.Credits != 11 || row.TotalTokens != 43 {
		t.Fatalf("row = %+v", row)
	}
	if row.SubProviderID != "key-1" {
		t.Fatalf("sub-provider = %q", row.SubProviderID)
	}

	user, _ := f.store.Users.FindByID(ctx, "u1")
	if user.Credits != 89 {
		t.Fatalf("balance = %d, want 89", user.Credits)
	}

	snap, _ := f.subs.Snapshot("key-1")
	if snap.TotalRequests != 1 || snap.CurrentConcurrent != 0 {
		t.Fatalf("sub state = %+v", snap)
	}
	// Derived adapter used the decrypted tenant key.
	if f.up.keysSeen[0] != "sk-key-1" {
		t.Fatalf("adapter key = %q", f.up.keysSeen[0])
	}
}

func TestChatRetriesAcrossSubProviders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addSub(t, "key-bad", nil)
	f.addSub(t, "key-good", nil)
	u := f.seedUser(t, nil)
	f.up.failFor["sk-key-bad"] = adapters.NewError("openai", fasthttp.StatusInternalServerError, "backend exploded")

	res, err := f.orch.Chat(ctx, chatParams(u))
	if err != nil {
		t.Fatalf("chat with one bad key: %v", err)
	}
	row := requestStatus(t, f, res.RequestID)
	if row.Status != store.RequestCompleted {
		t.Fatalf("status = %s", row.Status)
	}
	// Whichever order selection took, the last call used the good key.
	last := f.up.keysSeen[len(f.up.keysSeen)-1]
	if last != "sk-key-good" {
		t.Fatalf("last key = %q", last)
	}
}

func TestChatExhaustionFailsRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addSub(t, "key-1", nil)
	u := f.seedUser(t, nil)
	f.up.failFor["sk-key-1"] = adapters.NewError("openai", fasthttp.StatusInternalServerError, "backend exploded")

	_, err := f.orch.Chat(ctx, chatParams(u))
	if err == nil {
		t.Fatal("chat succeeded with failing upstream")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %T", err)
	}
	if reqErr.Status != fasthttp.StatusBadGateway {
		t.Fatalf("status = %d, want 502", reqErr.Status)
	}
	// The provider name never leaks; only the opaque id does.
	if strings.Contains(reqErr.Message, "openai") {
		t.Fatalf("provider name leaked: %q", reqErr.Message)
	}
	if !strings.Contains(reqErr.Message, "key-1") {
		t.Fatalf("opaque id missing: %q", reqErr.Message)
	}
	// The only candidate is excluded after its failure; no blind retries.
	if f.up.calls() != 1 {
		t.Fatalf("calls = %d, want 1", f.up.calls())
	}

	user, _ := f.store.Users.FindByID(ctx, "u1")
	if user.Credits != 100 {
		t.Fatalf("balance = %d after failure, want 100", user.Credits)
	}
	snap, _ := f.subs.Snapshot("key-1")
	if snap.CurrentConcurrent != 0 {
		t.Fatalf("capacity leaked: %+v", snap)
	}
}

func TestChatValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.addSub(t, "key-1", nil)
	u := f.seedUser(t, nil)

	bad := 2.5
	cases := []struct {
		name   string
		mutate func(*ChatParams)
		status int
	}{
		{"empty messages", func(p *ChatParams) { p.Messages = nil }, fasthttp.StatusBadRequest},
		{"temperature range", func(p *ChatParams) { p.Temperature = &bad }, fasthttp.StatusBadRequest},
		{"unknown model", func(p *ChatParams) { p.Model = "does-not-exist" }, fasthttp.StatusNotFound},
		{"wrong endpoint", func(p *ChatParams) { p.Model = "dall-e-3" }, fasthttp.StatusNotFound},
		{"plan access", func(p *ChatParams) { p.Model = "gpt-4o" }, fasthttp.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := chatParams(u)
			tc.mutate(p)
			_, err := f.orch.Chat(context.Background(), p)
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("err = %v", err)
			}
			if reqErr.Status != tc.status {
				t.Fatalf("status = %d, want %d", reqErr.Status, tc.status)
			}
		})
	}
	if f.up.calls() != 0 {
		t.Fatalf("upstream reached by invalid requests: %d calls", f.up.calls())
	}
}

func TestChatAuthorization(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled account", func(t *testing.T) {
		f := newFixture(t, nil)
		f.addSub(t, "key-1", nil)
		u := f.seedUser(t, func(u *store.User) { u.Enabled = false })
		_, err := f.orch.Chat(ctx, chatParams(u))
		var reqErr *RequestError
		if !errors.As(err, &reqErr) || reqErr.Code != "account_disabled" {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("ip whitelist", func(t *testing.T) {
		f := newFixture(t, nil)
		f.addSub(t, "key-1", nil)
		u := f.seedUser(t, func(u *store.User) { u.IPWhitelist = []string{"10.0.0.1"} })
		p := chatParams(u)
		p.Client = ClientInfo{IP: "192.0.2.9"}
		_, err := f.orch.Chat(ctx, p)
		var reqErr *RequestError
		if !errors.As(err, &reqErr) || reqErr.Code != "ip_not_whitelisted" {
			t.Fatalf("err = %v", err)
		}

		p.Client = ClientInfo{IP: "10.0.0.1"}
		if _, err := f.orch.Chat(ctx, p); err != nil {
			t.Fatalf("whitelisted ip refused: %v", err)
		}
	})

	t.Run("insufficient credits", func(t *testing.T) {
		f := newFixture(t, nil)
		f.addSub(t, "key-1", nil)
		u := f.seedUser(t, func(u *store.User) { u.Credits = 0 })
		_, err := f.orch.Chat(ctx, chatParams(u))
		var reqErr *RequestError
		if !errors.As(err, &reqErr) || reqErr.Status != fasthttp.StatusPaymentRequired {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("master admin skips billing", func(t *testing.T) {
		f := newFixture(t, nil)
		f.addSub(t, "key-1", nil)
		u := f.seedUser(t, func(u *store.User) {
			u.Credits = 0
			u.IsMasterAdmin = true
		})
		res, err := f.orch.Chat(ctx, chatParams(u))
		if err != nil {
			t.Fatalf("admin chat: %v", err)
		}
		user, _ := f.store.Users.FindByID(ctx, "u1")
		if user.Credits != 0 {
			t.Fatalf("balance = %d, want untouched 0", user.Credits)
		}
		row := requestStatus(t, f, res.RequestID)
		if row.Status != store.RequestCompleted {
			t.Fatalf("status = %s", row.Status)
		}
	})
}

func TestChatContentBlockedBeforeLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]float64{"sexual/minors": 0.95})
	f.addSub(t, "key-1", nil)
	u := f.seedUser(t, nil)

	_, err := f.orch.Chat(ctx, chatParams(u))
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != "content_policy_violation" {
		t.Fatalf("err = %v", err)
	}
	if f.up.calls() != 0 {
		t.Fatal("blocked content reached upstream")
	}
	// Critical verdict disables the account; credits stay untouched and no
	// ledger row exists.
	user, _ := f.store.Users.FindByID(ctx, "u1")
	if user.Enabled {
		t.Fatal("user still enabled after critical content")
	}
	if user.Credits != 100 {
		t.Fatalf("balance = %d, want 100", user.Credits)
	}
	n, _ := f.led.ActiveCount(ctx, "u1")
	if n != 0 {
		t.Fatalf("active requests = %d, want 0", n)
	}
}

func TestChatDiscountGrantsAccessAndReducesCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addSub(t, "key-1", nil)
	u := f.seedUser(t, nil) // free plan, gpt-4o normally inaccessible
	f.up.usage = adapters.Usage{OutputTokens: 37}

	if err := f.store.Discounts.Save(ctx, &store.UserDiscount{
		ID: "d1", UserID: "u1", ModelID: "gpt-4o", Multiplier: 2.0,
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save discount: %v", err)
	}

	p := chatParams(u)
	p.Model = "gpt-4o"
	res, err := f.orch.Chat(ctx, p)
	if err != nil {
		t.Fatalf("discounted chat: %v", err)
	}
	// tokens = 3 + 37 = 40; base = round(40 * 1.0) = 40; discounted = 20.
	if res.Credits != 20 {
		t.Fatalf("credits = %d, want 20", res.Credits)
	}
	user, _ := f.store.Users.FindByID(ctx, "u1")
	if user.Credits != 80 {
		t.Fatalf("balance = %d, want 80", user.Credits)
	}
}

func TestImagePromptScreenedWithImageThreshold(t *testing.T) {
	ctx := context.Background()
	// 0.7 passes the chat threshold but violates the image threshold.
	f := newFixture(t, map[string]float64{"sexual": 0.7})
	f.addSub(t, "key-1", func(sp *store.SubProvider) { sp.Metadata.IsVerified = true })
	u := f.seedUser(t, func(u *store.User) { u.Plan = "pro" })

	if _, err := f.orch.Chat(ctx, chatParams(u)); err != nil {
		t.Fatalf("chat verdict should pass: %v", err)
	}

	_, _, err := f.orch.Images(ctx, &ImagesParams{
		User: u, Model: "dall-e-3", Prompt: "the same prompt",
	})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != "content_policy_violation" {
		t.Fatalf("err = %v", err)
	}
	if reqErr.Message != "Image prompt violates content policy" {
		t.Fatalf("message = %q", reqErr.Message)
	}
	user, _ := f.store.Users.FindByID(ctx, "u1")
	if user.Credits != 100 {
		t.Fatalf("balance = %d, want 100", user.Credits)
	}
}

func TestImagesFixedCostBilling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addSub(t, "key-1", func(sp *store.SubProvider) { sp.Metadata.IsVerified = true })
	u := f.seedUser(t, nil)

	resp, res, err := f.orch.Images(ctx, &ImagesParams{
		User: u, Model: "dall-e-3", Prompt: "a lighthouse at dawn", N: 1,
	})
	if err != nil {
		t.Fatalf("images: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("data = %+v", resp.Data)
	}
	// dall-e-3 is fixed cost 25 regardless of prompt length.
	if res.Credits != 25 {
		t.Fatalf("credits = %d, want 25", res.Credits)
	}
	user, _ := f.store.Users.FindByID(ctx, "u1")
	if user.Credits != 75 {
		t.Fatalf("balance = %d, want 75", user.Credits)
	}
}

func TestValidateAudioFile(t *testing.T) {
	small := make([]byte, 10)
	big := make([]byte, maxAudioBytes+1)
	cases := []struct {
		name     string
		file     []byte
		filename string
		ok       bool
	}{
		{"mp3 ok", small, "clip.mp3", true},
		{"flac ok", small, "clip.flac", true},
		{"uppercase ext", small, "CLIP.WAV", true},
		{"oversized", big, "clip.mp3", false},
		{"bad ext", small, "clip.ogg", false},
		{"empty", nil, "clip.mp3", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateAudioFile(tc.file, tc.filename)
			if (err == nil) != tc.ok {
				t.Fatalf("err = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestEmbeddingsInputBound(t *testing.T) {
	f := newFixture(t, nil)
	f.addSub(t, "key-1", nil)
	u := f.seedUser(t, nil)

	input := make([]string, maxEmbeddingInputs+1)
	for i := range input {
		input[i] = "x"
	}
	_, _, err := f.orch.Embeddings(context.Background(), &EmbeddingsParams{
		User: u, Model: "text-embedding-3-small", Input: input,
	})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != fasthttp.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}
