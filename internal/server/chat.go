package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/analytics"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/orchestrator"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/pkg/apierr"
)

// inboundMessage mirrors one OpenAI chat message. Content accepts a plain
// string or the multi-part array form; only text parts are kept.
type inboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m inboundMessage) text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var out string
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" || p.Type == "input_text" {
				out += p.Text
			}
		}
		return out
	}
	return ""
}

func toMessages(in []inboundMessage) []adapters.Message {
	out := make([]adapters.Message, len(in))
	for i, m := range in {
		out[i] = adapters.Message{Role: m.Role, Content: m.text()}
	}
	return out
}

// stopList accepts the OpenAI "stop" field: a string or an array of strings.
func stopList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

type inboundChatRequest struct {
	Model               string           `json:"model"`
	Messages            []inboundMessage `json:"messages"`
	Temperature         *float64         `json:"temperature"`
	TopP                *float64         `json:"top_p"`
	MaxTokens           int64            `json:"max_tokens"`
	MaxCompletionTokens int64            `json:"max_completion_tokens"`
	Stop                json.RawMessage  `json:"stop"`
	Stream              bool             `json:"stream"`
}

func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx, u *store.User) {
	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	maxTokens := req.MaxTokens
	if req.MaxCompletionTokens > 0 {
		maxTokens = req.MaxCompletionTokens
	}
	res, err := s.orch.Chat(ctx, &orchestrator.ChatParams{
		User:        u,
		Client:      clientInfo(ctx),
		Model:       req.Model,
		Messages:    toMessages(req.Messages),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   maxTokens,
		Stop:        stopList(req.Stop),
		Stream:      req.Stream,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	if res.Stream != nil {
		s.streamChat(ctx, u, res)
		return
	}

	s.recordChat(u, res, catalog.EndpointChatCompletions)
	writeJSON(ctx, chatEnvelope(res))
}

// chatEnvelope builds the OpenAI chat.completion response body.
func chatEnvelope(res *orchestrator.ChatResult) map[string]any {
	msg := map[string]any{"role": "assistant", "content": res.Content}
	if res.Reasoning != "" {
		msg["reasoning_content"] = res.Reasoning
	}
	finish := res.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return map[string]any{
		"id":      "chatcmpl-" + res.RequestID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   res.Model,
		"choices": []map[string]any{
			{"index": 0, "message": msg, "finish_reason": finish},
		},
		"usage": usageEnvelope(res.Usage, res.Tokens),
	}
}

func usageEnvelope(u adapters.Usage, total int64) map[string]any {
	if u.InputTokens+u.OutputTokens == 0 {
		// Upstream reported nothing; surface the billed estimate.
		return map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      total,
		}
	}
	return map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      u.InputTokens + u.OutputTokens,
	}
}

// streamChat relays orchestrator stream chunks as OpenAI SSE events.
func (s *Server) streamChat(ctx *fasthttp.RequestCtx, u *store.User, res *orchestrator.ChatResult) {
	sse := newSSEWriter(ctx)
	model := res.Model
	stream := res.Stream

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as write panics
		defer stream.Cancel()

		var usage *adapters.Usage
		for chunk := range stream.Events {
			if chunk.Err != nil {
				sse.writeEvent(w, map[string]any{
					"error": map[string]string{
						"message": "stream interrupted",
						"type":    apierr.TypeProviderError,
						"code":    apierr.CodeProviderError,
					},
				})
				sse.done(w)
				return
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}

			delta := map[string]any{}
			if chunk.Content != "" {
				delta["content"] = chunk.Content
			}
			if chunk.Reasoning != "" {
				delta["reasoning_content"] = chunk.Reasoning
			}
			ev := map[string]any{
				"id":      "chatcmpl-" + res.RequestID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": delta,
						"finish_reason": func() any {
							if chunk.Final {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			if chunk.Final && usage != nil {
				ev["usage"] = usageEnvelope(*usage, usage.InputTokens+usage.OutputTokens)
			}
			sse.writeEvent(w, ev)

			if chunk.Final {
				s.record(analytics.Event{
					RequestID:    res.RequestID,
					UserID:       u.ID,
					Provider:     res.Provider,
					Model:        model,
					Endpoint:     catalog.EndpointChatCompletions,
					Status:       fasthttp.StatusOK,
					InputTokens:  usageInput(usage),
					OutputTokens: usageOutput(usage),
				})
			}
		}
		sse.done(w)
	})
}

func usageInput(u *adapters.Usage) uint32 {
	if u == nil {
		return 0
	}
	return uint32(u.InputTokens)
}

func usageOutput(u *adapters.Usage) uint32 {
	if u == nil {
		return 0
	}
	return uint32(u.OutputTokens)
}

// sseWriter sets the event-stream headers once and frames JSON events.
type sseWriter struct{}

func newSSEWriter(ctx *fasthttp.RequestCtx) *sseWriter {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)
	return &sseWriter{}
}

func (sw *sseWriter) writeEvent(w *bufio.Writer, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush() //nolint:errcheck
}

func (sw *sseWriter) done(w *bufio.Writer) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush() //nolint:errcheck
}

func (s *Server) recordChat(u *store.User, res *orchestrator.ChatResult, endpoint string) {
	if s.metrics != nil {
		s.metrics.AddTokens(res.Model, res.Usage.InputTokens, res.Usage.OutputTokens)
		s.metrics.AddCredits(res.Model, res.Credits)
	}
	s.record(analytics.Event{
		RequestID:    res.RequestID,
		UserID:       u.ID,
		Provider:     res.Provider,
		Model:        res.Model,
		Endpoint:     endpoint,
		Status:       fasthttp.StatusOK,
		InputTokens:  uint32(res.Usage.InputTokens),
		OutputTokens: uint32(res.Usage.OutputTokens),
		Credits:      res.Credits,
	})
}

type inboundResponsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions"`
	Temperature     *float64        `json:"temperature"`
	MaxOutputTokens int64           `json:"max_output_tokens"`
	Stream          bool            `json:"stream"`
}

// responsesInput accepts the OpenAI responses "input" field: a bare string or
// an array of messages.
func responsesInput(raw json.RawMessage) []adapters.Message {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []adapters.Message{{Role: "user", Content: s}}
	}
	var msgs []inboundMessage
	if err := json.Unmarshal(raw, &msgs); err == nil {
		return toMessages(msgs)
	}
	return nil
}

func (s *Server) handleResponses(ctx *fasthttp.RequestCtx, u *store.User) {
	var req inboundResponsesRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	res, err := s.orch.Responses(ctx, &orchestrator.ResponsesParams{
		User:            u,
		Client:          clientInfo(ctx),
		Model:           req.Model,
		Input:           responsesInput(req.Input),
		Instructions:    req.Instructions,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
		Stream:          req.Stream,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	if res.Stream != nil {
		s.streamResponses(ctx, u, res)
		return
	}

	if s.metrics != nil {
		s.metrics.AddTokens(res.Model, res.Usage.InputTokens, res.Usage.OutputTokens)
		s.metrics.AddCredits(res.Model, res.Credits)
	}
	s.record(analytics.Event{
		RequestID:    res.RequestID,
		UserID:       u.ID,
		Provider:     res.Provider,
		Model:        res.Model,
		Endpoint:     catalog.EndpointResponses,
		Status:       fasthttp.StatusOK,
		InputTokens:  uint32(res.Usage.InputTokens),
		OutputTokens: uint32(res.Usage.OutputTokens),
		Credits:      res.Credits,
	})
	writeJSON(ctx, responsesEnvelope(res))
}

func responsesEnvelope(res *orchestrator.ResponsesResult) map[string]any {
	content := []map[string]any{
		{"type": "output_text", "text": res.OutputText},
	}
	return map[string]any{
		"id":          "resp_" + res.RequestID,
		"object":      "response",
		"created_at":  time.Now().Unix(),
		"status":      "completed",
		"model":       res.Model,
		"output_text": res.OutputText,
		"output": []map[string]any{
			{
				"type":    "message",
				"role":    "assistant",
				"status":  "completed",
				"content": content,
			},
		},
		"usage": map[string]any{
			"input_tokens":  res.Usage.InputTokens,
			"output_tokens": res.Usage.OutputTokens,
			"total_tokens":  res.Usage.InputTokens + res.Usage.OutputTokens,
		},
	}
}

// streamResponses relays orchestrator stream chunks as responses API SSE
// events: deltas first, then response.completed.
func (s *Server) streamResponses(ctx *fasthttp.RequestCtx, u *store.User, res *orchestrator.ResponsesResult) {
	sse := newSSEWriter(ctx)
	stream := res.Stream

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck
		defer stream.Cancel()

		var text string
		var usage *adapters.Usage
		for chunk := range stream.Events {
			if chunk.Err != nil {
				sse.writeEvent(w, map[string]any{
					"type": "error",
					"error": map[string]string{
						"message": "stream interrupted",
						"type":    apierr.TypeProviderError,
						"code":    apierr.CodeProviderError,
					},
				})
				sse.done(w)
				return
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Content != "" {
				text += chunk.Content
				sse.writeEvent(w, map[string]any{
					"type":            "response.output_text.delta",
					"sequence_number": chunk.Sequence,
					"delta":           chunk.Content,
				})
			}
			if chunk.Final {
				sse.writeEvent(w, map[string]any{
					"type":            "response.completed",
					"sequence_number": chunk.Sequence,
					"response": map[string]any{
						"id":          "resp_" + res.RequestID,
						"object":      "response",
						"status":      "completed",
						"model":       res.Model,
						"output_text": text,
					},
				})
				s.record(analytics.Event{
					RequestID:    res.RequestID,
					UserID:       u.ID,
					Provider:     res.Provider,
					Model:        res.Model,
					Endpoint:     catalog.EndpointResponses,
					Status:       fasthttp.StatusOK,
					InputTokens:  usageInput(usage),
					OutputTokens: usageOutput(usage),
				})
			}
		}
		sse.done(w)
	})
}
