// Package openaicompat provides a generic adapter for any service that
// implements the OpenAI chat completions API (xAI, Groq, DeepSeek, Together
// AI, Perplexity, and similar).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
)

const defaultTimeout = 300 * time.Second

// Adapter is a configurable OpenAI-compatible upstream.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	timeout time.Duration
	models  map[string]bool
	mapping map[string]string
	client  openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

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

// New creates an OpenAI-compatible Adapter.
//
//   - name    — unique adapter identifier used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	a.client = newClient(a.apiKey, a.baseURL, a.timeout)
	return a
}

func newClient(apiKey, baseURL string, timeout time.Duration) openaiSDK.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return openaiSDK.NewClient(opts...)
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) SupportsModel(model string) bool {
	if len(a.models) == 0 {
		return true
	}
	return a.models[model]
}

func (a *Adapter) SupportsCapability(c adapters.Capability) bool {
	return c == adapters.CapabilityChat || c == adapters.CapabilityEmbeddings
}

func (a *Adapter) MappedModel(model string) string {
	return adapters.MapModel(a.mapping, model)
}

// WithKey returns a copy bound to a tenant credential and model mapping.
func (a *Adapter) WithKey(apiKey string, mapping map[string]string) adapters.Adapter {
	return &Adapter{
		name:    a.name,
		apiKey:  apiKey,
		baseURL: a.baseURL,
		timeout: a.timeout,
		models:  a.models,
		mapping: mapping,
		client:  newClient(apiKey, a.baseURL, a.timeout),
	}
}

// ChatCompletion implements adapters.ChatAdapter.
func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	params := a.buildParams(req)
	if req.Stream {
		return a.streamChat(ctx, params)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.toAdapterError(err)
	}

	out := &adapters.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: adapters.Usage{
			InputTokens:     resp.Usage.PromptTokens,
			OutputTokens:    resp.Usage.CompletionTokens,
			ReasoningTokens: resp.Usage.CompletionTokensDetails.ReasoningTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out, nil
}

func (a *Adapter) buildParams(req *adapters.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    a.MappedModel(req.Model),
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(req.MaxTokens)
	}
	return params
}

func (a *Adapter) streamChat(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*adapters.ChatResponse, error) {
	ch := make(chan adapters.StreamEvent, 64)
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" || c.FinishReason != "" {
				ch <- adapters.StreamEvent{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- adapters.StreamEvent{Err: a.toAdapterError(err)}
		}
	}()

	return &adapters.ChatResponse{Stream: ch}, nil
}

// CreateEmbeddings implements adapters.EmbeddingsAdapter.
func (a *Adapter) CreateEmbeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(a.MappedModel(req.Model)),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	resp, err := a.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, a.toAdapterError(err)
	}

	data := make([]adapters.Embedding, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		data[i] = adapters.Embedding{Index: int(d.Index), Vector: vec}
	}

	return &adapters.EmbeddingsResponse{
		Model: resp.Model,
		Data:  data,
		Usage: adapters.Usage{InputTokens: resp.Usage.PromptTokens},
	}, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "system", "developer":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func (a *Adapter) toAdapterError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return adapters.NewError(a.name, apierr.StatusCode, apierr.Error())
	}
	return fmt.Errorf("%s: %s", a.name, adapters.Sanitize(err.Error()))
}
