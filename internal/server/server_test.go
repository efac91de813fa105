package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/cache"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/ledger"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/orchestrator"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/provider"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/ratelimit"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/registry"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/screen"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/secrets"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
)

const testAPIKey = "sk-user-key"

// --- helpers ----------------------------------------------------------------

// upstreamState is shared across derived adapter copies so tests can observe
// and configure upstream behavior.
type upstreamState struct {
	mu      sync.Mutex
	calls   int
	content string
	usage   adapters.Usage
	// events, when set, supplies the stream for streaming requests.
	events func() <-chan adapters.StreamEvent
}

func (st *upstreamState) record() {
	st.mu.Lock()
	st.calls++
	st.mu.Unlock()
}

type fakeUpstream struct {
	st *upstreamState
}

func (f *fakeUpstream) Name() string                                { return "openai" }
func (f *fakeUpstream) SupportsModel(string) bool                   { return true }
func (f *fakeUpstream) SupportsCapability(adapters.Capability) bool { return true }
func (f *fakeUpstream) MappedModel(m string) string                 { return m }

func (f *fakeUpstream) WithKey(string, map[string]string) adapters.Adapter {
	return &fakeUpstream{st: f.st}
}

func (f *fakeUpstream) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	f.st.record()
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
	f.st.record()
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

func (f *fakeUpstream) CreateEmbeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	f.st.record()
	data := make([]adapters.Embedding, len(req.Input))
	for i := range req.Input {
		data[i] = adapters.Embedding{Index: i, Vector: []float32{0.1, 0.2, 0.3}}
	}
	return &adapters.EmbeddingsResponse{Data: data, Usage: f.st.usage}, nil
}

func (f *fakeUpstream) ModerateContent(ctx context.Context, input, model string) (*adapters.ModerationResult, error) {
	f.st.record()
	return &adapters.ModerationResult{
		Flagged: strings.Contains(input, "harmful"),
		Scores:  map[string]float64{"violence": 0.01},
	}, nil
}

func (f *fakeUpstream) AudioTranscription(ctx context.Context, req *adapters.TranscriptionRequest) (*adapters.TranscriptionResponse, error) {
	f.st.record()
	return &adapters.TranscriptionResponse{Text: "hello from audio"}, nil
}

// safeModerator keeps the content screener permissive so routing is exercised
// without flagged-content interference.
type safeModerator struct{}

func (safeModerator) Moderate(ctx context.Context, input string) (*adapters.ModerationResult, error) {
	return &adapters.ModerationResult{Scores: map[string]float64{}}, nil
}

type serverFixture struct {
	store *store.Store
	subs  *subprovider.Service
	srv   *Server
	up    *upstreamState
}

func newServerFixture(t *testing.T, opts Options) *serverFixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	keyring, err := secrets.NewKeyring([]byte("server-test-master"), "mk-test")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	f := &serverFixture{
		store: st,
		up:    &upstreamState{content: "the answer", usage: adapters.Usage{InputTokens: 5, OutputTokens: 7}},
	}
	provs := provider.NewService(st.Providers)
	subs := subprovider.NewService(st.SubProviders, keyring)

	bal := balancer.New(provs, subs, catalog.Default(),
		balancer.NewSelectionTracker(),
		balancer.WithRandSource(rand.NewSource(7)))

	reg := registry.New()
	reg.Register(&fakeUpstream{st: f.up})

	mem := cache.NewMemoryCache(ctx)
	t.Cleanup(mem.Close)
	scr := screen.New(mem, safeModerator{}, st.Users)

	led := ledger.New(st.Users, st.Requests)
	orch := orchestrator.New(catalog.Default(), bal, reg, subs, scr, led, st.Discounts)

	if err := provs.Register(ctx, &store.Provider{
		ID: "openai", Name: "openai",
		SupportedModels: []string{
			"gpt-4o-mini", "gpt-4o", "text-embedding-3-small",
			"omni-moderation-latest", "whisper-1",
		},
		NeedsSubProviders: true,
		HealthStatus:      store.HealthHealthy,
		IsActive:          true,
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	sealed, err := keyring.Seal("sk-upstream-1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := subs.Register(ctx, &store.SubProvider{
		ID: "key-1", ProviderID: "openai", Name: "key-1",
		EncryptedKey: sealed, Enabled: true, Weight: 1,
	}); err != nil {
		t.Fatalf("register sub-provider: %v", err)
	}

	f.subs = subs
	opts.Subs = subs
	opts.Keyring = keyring
	f.srv = New(orch, st.Users, catalog.Default(), opts)
	return f
}

func (f *serverFixture) seedUser(t *testing.T, mutate func(*store.User)) *store.User {
	t.Helper()
	u := &store.User{
		ID: "u1", Plan: "free", Credits: 1000, Enabled: true,
		APIKeyHash: secrets.Hash(testAPIKey),
	}
	if mutate != nil {
		mutate(u)
	}
	if err := f.store.Users.Save(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

// serveAPI starts a fasthttp server on an in-memory listener with the full
// route table and middleware chain. Returns an HTTP client that routes to it.
func serveAPI(t *testing.T, f *serverFixture) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, f.srv.Handler())
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doRequest(t *testing.T, client *http.Client, method, path, apiKey string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://test"+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doPost(t *testing.T, client *http.Client, path, apiKey string, body []byte) *http.Response {
	t.Helper()
	return doRequest(t, client, "POST", path, apiKey, bytes.NewReader(body), "application/json")
}

func doGet(t *testing.T, client *http.Client, path, apiKey string) *http.Response {
	t.Helper()
	return doRequest(t, client, "GET", path, apiKey, nil, "")
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.Unmarshal(readBody(t, resp), v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// --- auth -------------------------------------------------------------------

func TestAuthMissingKey(t *testing.T) {
	f := newServerFixture(t, Options{})
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/chat/completions", "", []byte(`{"model":"gpt-4o-mini"}`))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if body.Error.Code != "invalid_api_key" || body.Error.Type != "authentication_error" {
		t.Fatalf("error = %+v", body.Error)
	}
	if !strings.Contains(body.Error.Message, "Authorization") {
		t.Errorf("message should point at the Authorization header, got %q", body.Error.Message)
	}
}

func TestAuthInvalidKey(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/chat/completions", "sk-wrong", []byte(`{"model":"gpt-4o-mini"}`))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if body.Error.Message != "invalid API key" {
		t.Fatalf("message = %q", body.Error.Message)
	}
}

func TestAuthXAPIKeyHeader(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	req, err := http.NewRequest("GET", "http://test/v1/models", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("x-api-key", testAPIKey)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	readBody(t, resp)
}

// --- chat completions -------------------------------------------------------

func TestChatCompletionSuccess(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/chat/completions", testAPIKey, []byte(
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hello world!"}]}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}

	var body struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	decodeJSON(t, resp, &body)

	if !strings.HasPrefix(body.ID, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", body.ID)
	}
	if body.Object != "chat.completion" {
		t.Errorf("object = %q", body.Object)
	}
	if len(body.Choices) != 1 || body.Choices[0].Message.Content != "the answer" {
		t.Fatalf("choices = %+v", body.Choices)
	}
	if body.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", body.Choices[0].FinishReason)
	}
	if body.Usage.TotalTokens != 12 {
		t.Errorf("total_tokens = %d, want 12", body.Usage.TotalTokens)
	}
	if f.up.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", f.up.calls)
	}
}

func TestChatCompletionContentParts(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/chat/completions", testAPIKey, []byte(
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":[{"type":"text","text":"part one"},{"type":"text","text":" part two"}]}]}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	readBody(t, resp)
}

func TestChatUnknownModel(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/chat/completions", testAPIKey, []byte(
		`{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if body.Error.Code != "model_not_found" {
		t.Fatalf("code = %q", body.Error.Code)
	}
}

func TestChatMissingModel(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/chat/completions", testAPIKey, []byte(`{"messages":[]}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if !strings.Contains(body.Error.Message, "model") {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestChatInvalidJSON(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/chat/completions", testAPIKey, []byte(`{not json`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatStreaming(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	f.up.events = func() <-chan adapters.StreamEvent {
		ch := make(chan adapters.StreamEvent, 3)
		ch <- adapters.StreamEvent{Content: "Hello"}
		ch <- adapters.StreamEvent{Content: " world"}
		ch <- adapters.StreamEvent{FinishReason: "stop", Usage: &adapters.Usage{InputTokens: 3, OutputTokens: 2}}
		close(ch)
		return ch
	}
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/chat/completions", testAPIKey, []byte(
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}
	if len(events) < 2 {
		t.Fatalf("got %d events, want at least 2", len(events))
	}
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("last event = %q, want [DONE]", events[len(events)-1])
	}

	var content string
	for _, ev := range events[:len(events)-1] {
		var chunk struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(ev), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", ev, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("object = %q", chunk.Object)
		}
		if !strings.HasPrefix(chunk.ID, "chatcmpl-") {
			t.Errorf("id = %q", chunk.ID)
		}
		for _, c := range chunk.Choices {
			content += c.Delta.Content
		}
	}
	if content != "Hello world" {
		t.Fatalf("streamed content = %q, want %q", content, "Hello world")
	}
}

// --- responses --------------------------------------------------------------

func TestResponsesSuccess(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/responses", testAPIKey, []byte(
		`{"model":"gpt-4o-mini","input":"hello"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	var body struct {
		ID         string `json:"id"`
		Object     string `json:"object"`
		Status     string `json:"status"`
		OutputText string `json:"output_text"`
	}
	decodeJSON(t, resp, &body)
	if !strings.HasPrefix(body.ID, "resp_") {
		t.Errorf("id = %q, want resp_ prefix", body.ID)
	}
	if body.Object != "response" || body.Status != "completed" {
		t.Errorf("object = %q, status = %q", body.Object, body.Status)
	}
	if body.OutputText != "the answer" {
		t.Errorf("output_text = %q", body.OutputText)
	}
}

// --- models -----------------------------------------------------------------

func TestModelsFilteredByPlan(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil) // free plan
	client := serveAPI(t, f)

	resp := doGet(t, client, "/v1/models", testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	decodeJSON(t, resp, &body)
	if body.Object != "list" {
		t.Errorf("object = %q", body.Object)
	}

	ids := make(map[string]bool, len(body.Data))
	for _, m := range body.Data {
		ids[m.ID] = true
	}
	if !ids["gpt-4o-mini"] {
		t.Error("free plan should list gpt-4o-mini")
	}
	if ids["sora-2"] {
		t.Error("free plan must not list sora-2")
	}
}

func TestModelsMasterAdminSeesAll(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, func(u *store.User) { u.IsMasterAdmin = true })
	client := serveAPI(t, f)

	resp := doGet(t, client, "/v1/models", testAPIKey)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	decodeJSON(t, resp, &body)

	found := false
	for _, m := range body.Data {
		if m.ID == "sora-2" {
			found = true
		}
	}
	if !found {
		t.Error("master admin should list sora-2")
	}
}

// --- media endpoints --------------------------------------------------------

func TestEmbeddings(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/embeddings", testAPIKey, []byte(
		`{"model":"text-embedding-3-small","input":["alpha","beta"]}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	var body struct {
		Object string `json:"object"`
		Data   []struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Model string `json:"model"`
	}
	decodeJSON(t, resp, &body)
	if body.Object != "list" || body.Model != "text-embedding-3-small" {
		t.Errorf("object = %q, model = %q", body.Object, body.Model)
	}
	if len(body.Data) != 2 || body.Data[1].Index != 1 || len(body.Data[1].Embedding) != 3 {
		t.Fatalf("data = %+v", body.Data)
	}
}

func TestModerations(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doPost(t, client, "/v1/moderations", testAPIKey, []byte(
		`{"input":"something harmful"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	var body struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Results []struct {
			Flagged        bool               `json:"flagged"`
			CategoryScores map[string]float64 `json:"category_scores"`
		} `json:"results"`
	}
	decodeJSON(t, resp, &body)
	if !strings.HasPrefix(body.ID, "modr-") {
		t.Errorf("id = %q, want modr- prefix", body.ID)
	}
	if body.Model != "omni-moderation-latest" {
		t.Errorf("model = %q, want default moderation model", body.Model)
	}
	if len(body.Results) != 1 || !body.Results[0].Flagged {
		t.Fatalf("results = %+v", body.Results)
	}
}

func TestTranscription(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "clip.mp3")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("fake-audio-bytes"))
	mw.WriteField("model", "whisper-1")
	mw.Close()

	resp := doRequest(t, client, "POST", "/v1/audio/transcriptions", testAPIKey,
		&buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	var body struct {
		Text string `json:"text"`
	}
	decodeJSON(t, resp, &body)
	if body.Text != "hello from audio" {
		t.Errorf("text = %q", body.Text)
	}
}

// --- rate limiting ----------------------------------------------------------

func TestRateLimitBlocks(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := newServerFixture(t, Options{
		RPMLimiter: ratelimit.NewRPMLimiter(rdb, 1),
	})
	f.seedUser(t, nil)
	client := serveAPI(t, f)

	resp := doGet(t, client, "/v1/models", testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}
	readBody(t, resp)

	resp = doGet(t, client, "/v1/models", testAPIKey)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", resp.Header.Get("Retry-After"))
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if body.Error.Type != "rate_limit_error" {
		t.Errorf("type = %q", body.Error.Type)
	}
}

func TestUserGate(t *testing.T) {
	g := newUserGate()

	if !g.tryAcquire("u1", 2) || !g.tryAcquire("u1", 2) {
		t.Fatal("first two acquires must succeed")
	}
	if g.tryAcquire("u1", 2) {
		t.Fatal("third acquire must fail at limit 2")
	}
	if !g.tryAcquire("u2", 2) {
		t.Fatal("other users are counted independently")
	}

	g.release("u1")
	if !g.tryAcquire("u1", 2) {
		t.Fatal("acquire after release must succeed")
	}

	g.release("u1")
	g.release("u1")
	g.release("u2")
	if len(g.inflight) != 0 {
		t.Fatalf("inflight map not drained: %v", g.inflight)
	}
}

func TestConcurrentLimitBlocks(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, func(u *store.User) { u.MaxConcurrentRequests = 1 })
	client := serveAPI(t, f)

	// Hold the user's only slot so the next request is rejected at admission.
	if !f.srv.gate.tryAcquire("u1", 1) {
		t.Fatal("pre-acquire failed")
	}

	resp := doGet(t, client, "/v1/models", testAPIKey)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if body.Error.Message != "too many concurrent requests" {
		t.Errorf("message = %q", body.Error.Message)
	}

	f.srv.gate.release("u1")
	resp = doGet(t, client, "/v1/models", testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after release = %d, want 200", resp.StatusCode)
	}
	readBody(t, resp)
}

// --- admin ------------------------------------------------------------------

func TestAdminRequiresMasterAdmin(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, nil) // not an admin
	client := serveAPI(t, f)

	resp := doGet(t, client, "/admin/sub-providers", testAPIKey)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if body.Error.Code != "insufficient_permissions" {
		t.Fatalf("code = %q", body.Error.Code)
	}
}

func TestAdminSubProviderLifecycle(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, func(u *store.User) { u.IsMasterAdmin = true })
	client := serveAPI(t, f)

	// Create a second credential through the API.
	resp := doPost(t, client, "/admin/sub-providers", testAPIKey, []byte(
		`{"id":"key-2","provider_id":"openai","api_key":"sk-upstream-2","weight":2}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	var created map[string]any
	decodeJSON(t, resp, &created)
	if created["id"] != "key-2" || created["has_key"] != true || created["enabled"] != true {
		t.Fatalf("created = %v", created)
	}
	if _, echoed := created["api_key"]; echoed {
		t.Fatal("api_key must never be echoed back")
	}

	// List shows both credentials.
	resp = doGet(t, client, "/admin/sub-providers", testAPIKey)
	var list struct {
		Data []map[string]any `json:"data"`
	}
	decodeJSON(t, resp, &list)
	if len(list.Data) != 2 {
		t.Fatalf("list has %d entries, want 2", len(list.Data))
	}

	// Disable, then verify the live snapshot reflects it.
	resp = doPost(t, client, "/admin/sub-providers/key-2/disable", testAPIKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d", resp.StatusCode)
	}
	readBody(t, resp)
	if snap, ok := f.subs.Snapshot("key-2"); !ok || snap.Enabled {
		t.Fatalf("snapshot after disable = %+v", snap)
	}

	// Delete removes it from the live set.
	resp = doRequest(t, client, "DELETE", "/admin/sub-providers/key-2", testAPIKey, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	readBody(t, resp)
	if _, ok := f.subs.Snapshot("key-2"); ok {
		t.Fatal("key-2 should be gone after delete")
	}
}

func TestAdminBreakerControl(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, func(u *store.User) { u.IsMasterAdmin = true })
	client := serveAPI(t, f)

	resp := doPost(t, client, "/admin/sub-providers/key-1/breaker", testAPIKey,
		[]byte(`{"state":"open"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["breaker"] != "open" {
		t.Fatalf("breaker = %v, want open", body["breaker"])
	}

	resp = doPost(t, client, "/admin/sub-providers/key-1/breaker", testAPIKey,
		[]byte(`{"state":"sideways"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid state status = %d, want 400", resp.StatusCode)
	}

	resp = doPost(t, client, "/admin/sub-providers/no-such/breaker", testAPIKey,
		[]byte(`{"state":"open"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing id status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminCreditsReset(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.seedUser(t, func(u *store.User) { u.IsMasterAdmin = true })
	client := serveAPI(t, f)

	u2 := &store.User{ID: "u2", Plan: "free", Credits: 3, Enabled: true, APIKeyHash: "h2"}
	if err := f.store.Users.Save(context.Background(), u2); err != nil {
		t.Fatal(err)
	}

	resp := doPost(t, client, "/admin/users/credits/reset", testAPIKey,
		[]byte(`{"ids":["u2"],"amount":500}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	readBody(t, resp)

	got, err := f.store.Users.FindByID(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Credits != 500 {
		t.Fatalf("credits = %d, want 500", got.Credits)
	}
}

// --- infrastructure ---------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t, Options{Version: "1.2.3"})
	client := serveAPI(t, f)

	resp := doGet(t, client, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Fatalf("body = %v", body)
	}
}

func TestRequestIDHeader(t *testing.T) {
	f := newServerFixture(t, Options{})
	client := serveAPI(t, f)

	resp := doGet(t, client, "/health", "")
	readBody(t, resp)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}

	req, _ := http.NewRequest("GET", "http://test/health", nil)
	req.Header.Set("X-Request-ID", "rid-42")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.Header.Get("X-Request-ID") != "rid-42" {
		t.Errorf("X-Request-ID = %q, want rid-42", resp.Header.Get("X-Request-ID"))
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newServerFixture(t, Options{CORSOrigins: []string{"https://app.example.com"}})
	client := serveAPI(t, f)

	req, _ := http.NewRequest("OPTIONS", "http://test/v1/chat/completions", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
}
