package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
)

// StreamChunk is one event delivered to the client during a streaming
// response. Final marks the synthetic terminator emitted after normal
// exhaustion; Err surfaces a mid-stream upstream failure.
type StreamChunk struct {
	ID           string
	Provider     string
	Sequence     int
	Content      string
	Reasoning    string
	FinishReason string
	Usage        *adapters.Usage
	Err          error
	Final        bool
}

// Stream is the lazy iterator handed to the transport layer. Events closes
// after the terminator (or the error chunk). Cancel abandons the stream;
// capacity release and ledger finalization still happen exactly once.
type Stream struct {
	RequestID string
	Events    <-chan StreamChunk
	Cancel    context.CancelFunc
}

// openFunc establishes the upstream event channel on a derived adapter.
type openFunc func(ctx context.Context, a adapters.Adapter, sel *balancer.Selection) (<-chan adapters.StreamEvent, error)

type streamSession struct {
	stream *Stream
	att    attempt
}

// openStream runs the selection loop until an upstream stream is
// established, then hands consumption to a pump goroutine. Failed
// establishment attempts are recorded and excluded exactly like sync
// attempts; once the first event can flow, no retry happens.
func openStream(ctx context.Context, o *Orchestrator, adm *admission, open openFunc) (*streamSession, error) {
	var exclude []string
	var lastErr error
	var lastAtt attempt

	for i := 0; i < maxAttemptsChat; i++ {
		sel := o.balancer.Select(ctx, &balancer.Request{
			Model:           adm.model.ID,
			EstimatedTokens: adm.estInput,
			ExcludeIDs:      exclude,
			RequireHealthy:  true,
			Capability:      adm.capability,
		})
		if sel == nil {
			break
		}

		att := attempt{providerID: sel.Provider.ID, providerName: sel.Provider.Name}
		var apiKey string
		var mapping map[string]string
		if sel.SubProvider != nil {
			att.subID = sel.SubProvider.ID
			key, err := o.subs.DecryptKey(att.subID)
			if err != nil {
				exclude = append(exclude, att.subID)
				continue
			}
			apiKey = key
			mapping = o.subs.ModelMapping(att.subID)
		}

		a, err := o.registry.DeriveWithKey(sel.Provider.Name, apiKey, mapping)
		if err != nil || !a.SupportsCapability(adm.capability) {
			exclude = append(exclude, sel.Provider.ID)
			continue
		}

		if att.subID != "" && !o.balancer.RecordRequestStart(att.subID, adm.estInput) {
			exclude = append(exclude, att.subID)
			continue
		}

		timeout := sel.Provider.Timeout
		if timeout <= 0 {
			timeout = defaultUpstreamTimeout
		}
		// The stream outlives establishment; the pump owns the cancel.
		streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

		start := time.Now()
		events, err := open(streamCtx, a, sel)
		att.latency = time.Since(start)

		if errors.Is(err, errUnsupported) {
			cancel()
			if att.subID != "" {
				o.subs.Release(att.subID)
			}
			exclude = append(exclude, sel.Provider.ID)
			continue
		}
		if err != nil {
			cancel()
			o.balancer.RecordRequestComplete(ctx, balancer.Outcome{
				ProviderID:    att.providerID,
				SubProviderID: att.subID,
				Success:       false,
				Latency:       att.latency,
				ErrorType:     string(adapters.Classify(err)),
				ErrorMessage:  err.Error(),
			})
			lastErr = err
			lastAtt = att
			if att.subID != "" {
				exclude = append(exclude, att.subID)
			} else {
				exclude = append(exclude, att.providerID)
			}
			continue
		}

		out := make(chan StreamChunk, 16)
		p := &streamPump{
			o:      o,
			adm:    adm,
			att:    att,
			events: events,
			out:    out,
			cancel: cancel,
		}
		go p.run(streamCtx)

		return &streamSession{
			stream: &Stream{RequestID: adm.requestID, Events: out, Cancel: cancel},
			att:    att,
		}, nil
	}

	if lastErr == nil {
		lastErr = errNoCapacity()
		o.fail(ctx, adm, lastAtt, lastErr)
		return nil, lastErr
	}
	status := adapters.HTTPStatusOf(lastErr, fasthttp.StatusBadGateway)
	reqErr := errUpstream(status, lastAtt.OpaqueID())
	o.fail(ctx, adm, lastAtt, reqErr)
	return nil, reqErr
}

// streamPump consumes the upstream events, forwards enhanced chunks, and
// finalizes the request exactly once regardless of how the stream ends.
type streamPump struct {
	o      *Orchestrator
	adm    *admission
	att    attempt
	events <-chan adapters.StreamEvent
	out    chan<- StreamChunk
	cancel context.CancelFunc

	content   strings.Builder
	reasoning strings.Builder
	usage     *adapters.Usage
	finish    string
	seq       int

	finalizeOnce sync.Once
}

func (p *streamPump) run(ctx context.Context) {
	defer close(p.out)
	defer p.cancel()

	for {
		select {
		case <-ctx.Done():
			// Abandoned or timed out mid-stream. Bill what was streamed.
			p.finalizeSuccess(context.WithoutCancel(ctx))
			return
		case ev, ok := <-p.events:
			if !ok {
				p.emitTerminator(ctx)
				p.finalizeSuccess(context.WithoutCancel(ctx))
				return
			}
			if ev.Err != nil {
				p.finalizeFailure(context.WithoutCancel(ctx), ev.Err)
				p.send(ctx, StreamChunk{
					ID:       p.adm.requestID,
					Provider: p.att.OpaqueID(),
					Sequence: p.nextSeq(),
					Err:      ev.Err,
				})
				return
			}
			p.content.WriteString(ev.Content)
			p.reasoning.WriteString(ev.Reasoning)
			if ev.Usage != nil {
				p.usage = ev.Usage
			}
			if ev.FinishReason != "" {
				p.finish = ev.FinishReason
			}
			if !p.send(ctx, StreamChunk{
				ID:           p.adm.requestID,
				Provider:     p.att.OpaqueID(),
				Sequence:     p.nextSeq(),
				Content:      ev.Content,
				Reasoning:    ev.Reasoning,
				FinishReason: ev.FinishReason,
				Usage:        ev.Usage,
			}) {
				p.finalizeSuccess(context.WithoutCancel(ctx))
				return
			}
		}
	}
}

func (p *streamPump) send(ctx context.Context, chunk StreamChunk) bool {
	select {
	case p.out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *streamPump) nextSeq() int {
	p.seq++
	return p.seq
}

func (p *streamPump) emitTerminator(ctx context.Context) {
	finish := p.finish
	if finish == "" {
		finish = "stop"
	}
	p.send(ctx, StreamChunk{
		ID:           p.adm.requestID,
		Provider:     p.att.OpaqueID(),
		Sequence:     p.nextSeq(),
		FinishReason: finish,
		Usage:        p.usage,
		Final:        true,
	})
}

func (p *streamPump) finalizeSuccess(ctx context.Context) {
	p.finalizeOnce.Do(func() {
		content := p.content.String()
		reasoning := p.reasoning.String()
		p.o.balancer.RecordRequestComplete(ctx, balancer.Outcome{
			ProviderID:    p.att.providerID,
			SubProviderID: p.att.subID,
			Success:       true,
			Latency:       p.att.latency,
			TokensUsed:    totalTokens(0, p.usage, content, reasoning),
		})
		tokens := totalTokens(p.adm.estInput, p.usage, content, reasoning)
		p.o.finalize(ctx, p.adm, p.att, tokens, int64(len(content)))
	})
}

func (p *streamPump) finalizeFailure(ctx context.Context, err error) {
	p.finalizeOnce.Do(func() {
		p.o.balancer.RecordRequestComplete(ctx, balancer.Outcome{
			ProviderID:    p.att.providerID,
			SubProviderID: p.att.subID,
			Success:       false,
			Latency:       p.att.latency,
			ErrorType:     string(adapters.ErrorStreamFailure),
			ErrorMessage:  err.Error(),
		})
		p.o.fail(ctx, p.adm, p.att, err)
	})
}
