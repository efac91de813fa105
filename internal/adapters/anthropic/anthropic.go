// Package anthropic implements the chat adapter against the official
// Anthropic SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	adapterName      = "anthropic"
	defaultMaxTokens = 4096
	defaultTimeout   = 300 * time.Second
)

// Adapter talks to the Anthropic Messages API.
type Adapter struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	models  map[string]bool
	mapping map[string]string
	client  anthropicSDK.Client
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

// New creates an Anthropic Adapter.
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

func newClient(apiKey, baseURL string, timeout time.Duration) anthropicSDK.Client {
	return anthropicSDK.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
}

func (a *Adapter) Name() string { return adapterName }

func (a *Adapter) SupportsModel(model string) bool {
	if len(a.models) == 0 {
		return strings.HasPrefix(model, "claude")
	}
	return a.models[model]
}

func (a *Adapter) SupportsCapability(c adapters.Capability) bool {
	return c == adapters.CapabilityChat
}

func (a *Adapter) MappedModel(model string) string {
	return adapters.MapModel(a.mapping, model)
}

// WithKey returns a copy bound to a tenant credential and model mapping.
func (a *Adapter) WithKey(apiKey string, mapping map[string]string) adapters.Adapter {
	return &Adapter{
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

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &adapters.ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: adapters.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

func (a *Adapter) buildParams(req *adapters.ChatRequest) anthropicSDK.MessageNewParams {
	// Anthropic carries system/developer turns as a top-level system prompt.
	var systemPrompt string
	msgs := make([]anthropicSDK.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(a.MappedModel(req.Model)),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicSDK.Float(req.Temperature)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params
}

func toSDKMessage(role, content string) anthropicSDK.MessageParam {
	r := anthropicSDK.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		r = anthropicSDK.MessageParamRoleAssistant
	}
	return anthropicSDK.MessageParam{
		Role: r,
		Content: []anthropicSDK.ContentBlockParamUnion{
			{OfText: &anthropicSDK.TextBlockParam{Text: content}},
		},
	}
}

func (a *Adapter) streamChat(ctx context.Context, params anthropicSDK.MessageNewParams) (*adapters.ChatResponse, error) {
	ch := make(chan adapters.StreamEvent, 64)
	stream := a.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		for stream.Next() {
			ev := stream.Current()
			switch event := ev.AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				switch delta := event.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if delta.Text != "" {
						ch <- adapters.StreamEvent{Content: delta.Text}
					}
				case *anthropicSDK.TextDelta:
					if delta.Text != "" {
						ch <- adapters.StreamEvent{Content: delta.Text}
					}
				case anthropicSDK.ThinkingDelta:
					if delta.Thinking != "" {
						ch <- adapters.StreamEvent{Reasoning: delta.Thinking}
					}
				}
			case anthropicSDK.MessageDeltaEvent:
				if event.Delta.StopReason != "" {
					ch <- adapters.StreamEvent{
						FinishReason: string(event.Delta.StopReason),
						Usage:        &adapters.Usage{OutputTokens: event.Usage.OutputTokens},
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- adapters.StreamEvent{Err: toAdapterError(err)}
		}
	}()

	return &adapters.ChatResponse{Stream: ch}, nil
}

func toAdapterError(err error) error {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		return adapters.NewError(adapterName, apierr.StatusCode, apierr.Error())
	}
	return fmt.Errorf("anthropic: %s", adapters.Sanitize(err.Error()))
}
