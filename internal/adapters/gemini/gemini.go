// Package gemini implements the chat and embeddings adapter against the
// official Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
)

const (
	adapterName    = "google"
	defaultTimeout = 300 * time.Second
)

// Adapter talks to the Gemini API.
type Adapter struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	models     map[string]bool
	mapping    map[string]string
	httpClient *http.Client
	client     *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithModels restricts SupportsModel to the given set.
func WithModels(models []string) Option {
	return func(a *Adapter) {
		a.models = make(map[string]bool, len(models))
		for _, m := range models {
			a.models[m] = true
		}
	}
}

// New creates a Gemini Adapter. Returns an error when the SDK client cannot
// be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		apiKey:  apiKey,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	a.httpClient = &http.Client{Timeout: a.timeout}

	client, err := a.newClient(ctx, a.apiKey)
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.client = client
	return a, nil
}

func (a *Adapter) newClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	if a.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: a.baseURL}
	}
	return genai.NewClient(ctx, cfg)
}

func (a *Adapter) Name() string { return adapterName }

func (a *Adapter) SupportsModel(model string) bool {
	if len(a.models) == 0 {
		return strings.HasPrefix(model, "gemini") || strings.HasPrefix(model, "gemma")
	}
	return a.models[model]
}

func (a *Adapter) SupportsCapability(c adapters.Capability) bool {
	return c == adapters.CapabilityChat || c == adapters.CapabilityEmbeddings
}

func (a *Adapter) MappedModel(model string) string {
	return adapters.MapModel(a.mapping, model)
}

// WithKey returns a copy bound to a tenant credential and model mapping. The
// derived SDK client is built lazily on first use; construction failures
// surface from the capability call.
func (a *Adapter) WithKey(apiKey string, mapping map[string]string) adapters.Adapter {
	return &Adapter{
		apiKey:     apiKey,
		baseURL:    a.baseURL,
		timeout:    a.timeout,
		models:     a.models,
		mapping:    mapping,
		httpClient: a.httpClient,
	}
}

// clientFor returns the memoized SDK client, building it on first demand for
// derived adapters.
func (a *Adapter) clientFor(ctx context.Context) (*genai.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	if a.apiKey == "" {
		return nil, fmt.Errorf("gemini: no API key configured")
	}
	client, err := a.newClient(ctx, a.apiKey)
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.client = client
	return client, nil
}

// ChatCompletion implements adapters.ChatAdapter.
func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	client, err := a.clientFor(ctx)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	model := a.MappedModel(req.Model)

	if req.Stream {
		return a.streamChat(ctx, client, model, contents, cfg)
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toAdapterError(err)
	}

	out := &adapters.ChatResponse{Model: req.Model}
	if resp != nil {
		out.ID = resp.ResponseID
		out.Content = resp.Text()
		if resp.UsageMetadata != nil {
			out.Usage = adapters.Usage{
				InputTokens:     int64(resp.UsageMetadata.PromptTokenCount),
				OutputTokens:    int64(resp.UsageMetadata.CandidatesTokenCount),
				ReasoningTokens: int64(resp.UsageMetadata.ThoughtsTokenCount),
			}
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			out.FinishReason = string(resp.Candidates[0].FinishReason)
		}
	}
	if out.ID == "" {
		out.ID = generateID()
	}
	return out, nil
}

func buildContentsAndConfig(req *adapters.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if systemPrompt != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: systemPrompt}},
			}
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}
	return contents, cfg
}

func (a *Adapter) streamChat(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*adapters.ChatResponse, error) {
	ch := make(chan adapters.StreamEvent, 64)

	go func() {
		defer close(ch)
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- adapters.StreamEvent{Err: toAdapterError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			c := resp.Candidates[0]
			text := candidateText(c)
			finish := string(c.FinishReason)
			if text != "" || finish != "" {
				ch <- adapters.StreamEvent{Content: text, FinishReason: finish}
			}
		}
	}()

	return &adapters.ChatResponse{Stream: ch}, nil
}

// CreateEmbeddings implements adapters.EmbeddingsAdapter. All inputs go in a
// single EmbedContent batch call.
func (a *Adapter) CreateEmbeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	client, err := a.clientFor(ctx)
	if err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := client.Models.EmbedContent(ctx, a.MappedModel(req.Model), contents, nil)
	if err != nil {
		return nil, toAdapterError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini: embed: empty response")
	}

	data := make([]adapters.Embedding, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = adapters.Embedding{Index: i, Vector: emb.Values}
	}

	return &adapters.EmbeddingsResponse{Model: req.Model, Data: data}, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toAdapterError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return adapters.NewError(adapterName, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("gemini: %s", adapters.Sanitize(err.Error()))
}
