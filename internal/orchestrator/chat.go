package orchestrator

import (
	"context"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
)

// ChatParams is one chat completion call.
type ChatParams struct {
	User     *store.User
	Client   ClientInfo
	Model    string
	Messages []adapters.Message
	// Temperature and TopP are pointers so "not sent" and 0 stay distinct.
	Temperature *float64
	TopP        *float64
	MaxTokens   int64
	Stop        []string
	Stream      bool
}

// ChatResult is the outcome of a non-streaming chat completion, or the
// handle to the event stream when Stream was requested.
type ChatResult struct {
	RequestID    string
	Provider     string
	Model        string
	Content      string
	Reasoning    string
	FinishReason string
	Usage        adapters.Usage
	Tokens       int64
	Credits      int64
	Stream       *Stream
}

func validateChat(p *ChatParams) error {
	if len(p.Messages) == 0 {
		return errInvalid("messages must not be empty")
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return errInvalid("temperature must be between 0 and 2")
	}
	return nil
}

// Chat runs one chat completion through the full pipeline.
func (o *Orchestrator) Chat(ctx context.Context, p *ChatParams) (*ChatResult, error) {
	if err := validateChat(p); err != nil {
		return nil, err
	}

	adm, err := o.admit(ctx, admitParams{
		user:          p.User,
		client:        p.Client,
		modelID:       p.Model,
		capability:    adapters.CapabilityChat,
		endpoint:      catalog.EndpointChatCompletions,
		screenContent: concatMessages(p.Messages),
		estInput:      estimateMessages(p.Messages),
	})
	if err != nil {
		return nil, err
	}
	if err := o.open(ctx, adm); err != nil {
		return nil, err
	}

	if p.Stream {
		return o.chatStream(ctx, adm, p)
	}

	req := chatRequest(p, false)
	resp, att, err := invoke(ctx, o, adm, maxAttemptsChat,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (*adapters.ChatResponse, int64, error) {
			ca, ok := a.(adapters.ChatAdapter)
			if !ok {
				return nil, 0, errUnsupported
			}
			r, err := ca.ChatCompletion(ctx, req)
			if err != nil {
				return nil, 0, err
			}
			return r, r.Usage.OutputTokens, nil
		})
	if err != nil {
		o.fail(ctx, adm, att, err)
		return nil, err
	}

	tokens := totalTokens(adm.estInput, &resp.Usage, resp.Content, resp.Reasoning)
	credits := o.finalize(ctx, adm, att, tokens, int64(len(resp.Content)))

	return &ChatResult{
		RequestID:    adm.requestID,
		Provider:     att.OpaqueID(),
		Model:        adm.model.ID,
		Content:      resp.Content,
		Reasoning:    resp.Reasoning,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Tokens:       tokens,
		Credits:      credits,
	}, nil
}

// chatStream establishes the upstream stream and hands back the lazy
// iterator. Retries only happen here, before the first yield.
func (o *Orchestrator) chatStream(ctx context.Context, adm *admission, p *ChatParams) (*ChatResult, error) {
	req := chatRequest(p, true)
	session, err := openStream(ctx, o, adm,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (<-chan adapters.StreamEvent, error) {
			ca, ok := a.(adapters.ChatAdapter)
			if !ok {
				return nil, errUnsupported
			}
			r, err := ca.ChatCompletion(ctx, req)
			if err != nil {
				return nil, err
			}
			return r.Stream, nil
		})
	if err != nil {
		return nil, err
	}
	return &ChatResult{
		RequestID: adm.requestID,
		Provider:  session.att.OpaqueID(),
		Model:     adm.model.ID,
		Stream:    session.stream,
	}, nil
}

func chatRequest(p *ChatParams, stream bool) *adapters.ChatRequest {
	req := &adapters.ChatRequest{
		Model:     p.Model,
		Messages:  p.Messages,
		Stream:    stream,
		MaxTokens: p.MaxTokens,
		Stop:      p.Stop,
		User:      p.User.ID,
	}
	if p.Temperature != nil {
		req.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		req.TopP = *p.TopP
	}
	return req
}
