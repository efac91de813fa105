package orchestrator

import (
	"context"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
)

// ResponsesParams is one responses API call.
type ResponsesParams struct {
	User            *store.User
	Client          ClientInfo
	Model           string
	Input           []adapters.Message
	Instructions    string
	Temperature     *float64
	MaxOutputTokens int64
	Stream          bool
}

// ResponsesResult mirrors ChatResult for the responses API.
type ResponsesResult struct {
	RequestID  string
	Provider   string
	Model      string
	OutputText string
	Reasoning  string
	Usage      adapters.Usage
	Tokens     int64
	Credits    int64
	Stream     *Stream
}

func validateResponses(p *ResponsesParams) error {
	if len(p.Input) == 0 {
		return errInvalid("input must not be empty")
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return errInvalid("temperature must be between 0 and 2")
	}
	return nil
}

// Responses runs one responses API call through the full pipeline.
func (o *Orchestrator) Responses(ctx context.Context, p *ResponsesParams) (*ResponsesResult, error) {
	if err := validateResponses(p); err != nil {
		return nil, err
	}

	adm, err := o.admit(ctx, admitParams{
		user:          p.User,
		client:        p.Client,
		modelID:       p.Model,
		capability:    adapters.CapabilityResponses,
		endpoint:      catalog.EndpointResponses,
		screenContent: concatMessages(p.Input),
		estInput:      estimateMessages(p.Input) + catalog.EstimateTokens(p.Instructions),
	})
	if err != nil {
		return nil, err
	}
	if err := o.open(ctx, adm); err != nil {
		return nil, err
	}

	if p.Stream {
		return o.responsesStream(ctx, adm, p)
	}

	req := responsesRequest(p, false)
	resp, att, err := invoke(ctx, o, adm, maxAttemptsChat,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (*adapters.ResponsesResponse, int64, error) {
			ra, ok := a.(adapters.ResponsesAdapter)
			if !ok {
				return nil, 0, errUnsupported
			}
			r, err := ra.CreateResponse(ctx, req)
			if err != nil {
				return nil, 0, err
			}
			return r, r.Usage.OutputTokens, nil
		})
	if err != nil {
		o.fail(ctx, adm, att, err)
		return nil, err
	}

	tokens := totalTokens(adm.estInput, &resp.Usage, resp.OutputText, resp.Reasoning)
	credits := o.finalize(ctx, adm, att, tokens, int64(len(resp.OutputText)))

	return &ResponsesResult{
		RequestID:  adm.requestID,
		Provider:   att.OpaqueID(),
		Model:      adm.model.ID,
		OutputText: resp.OutputText,
		Reasoning:  resp.Reasoning,
		Usage:      resp.Usage,
		Tokens:     tokens,
		Credits:    credits,
	}, nil
}

func (o *Orchestrator) responsesStream(ctx context.Context, adm *admission, p *ResponsesParams) (*ResponsesResult, error) {
	req := responsesRequest(p, true)
	session, err := openStream(ctx, o, adm,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (<-chan adapters.StreamEvent, error) {
			ra, ok := a.(adapters.ResponsesAdapter)
			if !ok {
				return nil, errUnsupported
			}
			r, err := ra.CreateResponse(ctx, req)
			if err != nil {
				return nil, err
			}
			return r.Stream, nil
		})
	if err != nil {
		return nil, err
	}
	return &ResponsesResult{
		RequestID: adm.requestID,
		Provider:  session.att.OpaqueID(),
		Model:     adm.model.ID,
		Stream:    session.stream,
	}, nil
}

func responsesRequest(p *ResponsesParams, stream bool) *adapters.ResponsesRequest {
	req := &adapters.ResponsesRequest{
		Model:           p.Model,
		Input:           p.Input,
		Instructions:    p.Instructions,
		Stream:          stream,
		MaxOutputTokens: p.MaxOutputTokens,
	}
	if p.Temperature != nil {
		req.Temperature = *p.Temperature
	}
	return req
}
