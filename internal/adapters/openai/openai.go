// Package openai implements the full adapter surface against the official
// OpenAI SDK: chat, responses, embeddings, moderation, images, audio, and
// video generation.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	adapterName    = "openai"
	defaultTimeout = 300 * time.Second
)

var capabilities = map[adapters.Capability]bool{
	adapters.CapabilityChat:          true,
	adapters.CapabilityResponses:     true,
	adapters.CapabilityEmbeddings:    true,
	adapters.CapabilityModeration:    true,
	adapters.CapabilityImages:        true,
	adapters.CapabilityImageEdits:    true,
	adapters.CapabilitySpeech:        true,
	adapters.CapabilityTranscription: true,
	adapters.CapabilityVideo:         true,
}

// Adapter talks to the OpenAI API.
type Adapter struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	models  map[string]bool
	mapping map[string]string
	client  openaiSDK.Client
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

// WithModels restricts SupportsModel to the given set. An empty set means
// every model is accepted.
func WithModels(models []string) Option {
	return func(a *Adapter) {
		a.models = make(map[string]bool, len(models))
		for _, m := range models {
			a.models[m] = true
		}
	}
}

// New creates an OpenAI Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
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
	if baseURL != "" && baseURL != defaultBaseURL {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return openaiSDK.NewClient(opts...)
}

func (a *Adapter) Name() string { return adapterName }

func (a *Adapter) SupportsModel(model string) bool {
	if len(a.models) == 0 {
		return true
	}
	return a.models[model]
}

func (a *Adapter) SupportsCapability(c adapters.Capability) bool {
	return capabilities[c]
}

func (a *Adapter) MappedModel(model string) string {
	return adapters.MapModel(a.mapping, model)
}

// WithKey returns a copy bound to a tenant credential and model mapping.
func (a *Adapter) WithKey(apiKey string, mapping map[string]string) adapters.Adapter {
	derived := &Adapter{
		apiKey:  apiKey,
		baseURL: a.baseURL,
		timeout: a.timeout,
		models:  a.models,
		mapping: mapping,
		client:  newClient(apiKey, a.baseURL, a.timeout),
	}
	return derived
}

// ChatCompletion implements adapters.ChatAdapter.
func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	params := a.buildChatParams(req)
	if req.Stream {
		return a.streamChat(ctx, params)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
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

func (a *Adapter) buildChatParams(req *adapters.ChatRequest) openaiSDK.ChatCompletionNewParams {
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
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(req.MaxTokens)
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
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
			if chunk.Usage.CompletionTokens > 0 || chunk.Usage.PromptTokens > 0 {
				ch <- adapters.StreamEvent{Usage: &adapters.Usage{
					InputTokens:     chunk.Usage.PromptTokens,
					OutputTokens:    chunk.Usage.CompletionTokens,
					ReasoningTokens: chunk.Usage.CompletionTokensDetails.ReasoningTokens,
				}}
			}
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
			ch <- adapters.StreamEvent{Err: toAdapterError(err)}
		}
	}()

	return &adapters.ChatResponse{Stream: ch}, nil
}

// CreateResponse implements adapters.ResponsesAdapter.
func (a *Adapter) CreateResponse(ctx context.Context, req *adapters.ResponsesRequest) (*adapters.ResponsesResponse, error) {
	params := a.buildResponseParams(req)
	if req.Stream {
		return a.streamResponse(ctx, params)
	}

	resp, err := a.client.Responses.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	return &adapters.ResponsesResponse{
		ID:         resp.ID,
		Model:      string(resp.Model),
		OutputText: resp.OutputText(),
		Usage: adapters.Usage{
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			ReasoningTokens: resp.Usage.OutputTokensDetails.ReasoningTokens,
		},
	}, nil
}

func (a *Adapter) buildResponseParams(req *adapters.ResponsesRequest) responses.ResponseNewParams {
	items := make(responses.ResponseInputParam, 0, len(req.Input))
	for _, m := range req.Input {
		items = append(items, responses.ResponseInputItemParamOfMessage(
			m.Content, responses.EasyInputMessageRole(strings.ToLower(m.Role))))
	}

	params := responses.ResponseNewParams{
		Model: a.MappedModel(req.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if req.Instructions != "" {
		params.Instructions = openaiSDK.String(req.Instructions)
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openaiSDK.Int(req.MaxOutputTokens)
	}
	return params
}

func (a *Adapter) streamResponse(ctx context.Context, params responses.ResponseNewParams) (*adapters.ResponsesResponse, error) {
	ch := make(chan adapters.StreamEvent, 64)
	stream := a.client.Responses.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		for stream.Next() {
			ev := stream.Current()
			switch v := ev.AsAny().(type) {
			case responses.ResponseTextDeltaEvent:
				if v.Delta != "" {
					ch <- adapters.StreamEvent{Content: v.Delta}
				}
			case responses.ResponseReasoningTextDeltaEvent:
				if v.Delta != "" {
					ch <- adapters.StreamEvent{Reasoning: v.Delta}
				}
			case responses.ResponseCompletedEvent:
				ch <- adapters.StreamEvent{
					FinishReason: "stop",
					Usage: &adapters.Usage{
						InputTokens:     v.Response.Usage.InputTokens,
						OutputTokens:    v.Response.Usage.OutputTokens,
						ReasoningTokens: v.Response.Usage.OutputTokensDetails.ReasoningTokens,
					},
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- adapters.StreamEvent{Err: toAdapterError(err)}
		}
	}()

	return &adapters.ResponsesResponse{Stream: ch}, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func toAdapterError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return adapters.NewError(adapterName, apierr.StatusCode, apierr.Error())
	}
	return fmt.Errorf("openai: %s", adapters.Sanitize(err.Error()))
}
