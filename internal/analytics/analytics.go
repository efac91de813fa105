// Package analytics records per-request analytics events off the hot path.
//
// Events are written to an internal buffered channel and flushed in batches by
// a background goroutine, so recording never blocks request handling. If the
// channel fills up (> 10 000 events), new events are dropped and counted in
// Dropped. Batches go to a pluggable Sink: ClickHouse in production, slog when
// no ClickHouse DSN is configured.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Event is one completed (or failed) gateway request.
type Event struct {
	RequestID    string
	UserID       string
	Provider     string
	SubProvider  string
	Model        string
	Endpoint     string
	Status       uint16
	InputTokens  uint32
	OutputTokens uint32
	Credits      int64
	LatencyMs    uint32
	ErrorType    string
	CreatedAt    time.Time
}

// Sink receives flushed event batches. Write must tolerate being called from
// a single background goroutine; it is never called concurrently.
type Sink interface {
	Write(ctx context.Context, events []Event) error
	Close() error
}

// Recorder is the non-blocking front of the analytics pipeline.
type Recorder struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	sink     Sink
	interval time.Duration
	batchMax int

	baseCtx context.Context
	log     *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithFlushInterval overrides the flush tick. Tests only.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) { r.interval = d }
}

// WithBatchSize overrides the flush batch size. Tests only.
func WithBatchSize(n int) Option {
	return func(r *Recorder) { r.batchMax = n }
}

// WithBufferSize overrides the channel buffer. Tests only.
func WithBufferSize(n int) Option {
	return func(r *Recorder) { r.ch = make(chan Event, n) }
}

// NewRecorder starts the background flusher. Close drains the channel and
// closes the sink.
func NewRecorder(ctx context.Context, sink Sink, opts ...Option) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("analytics: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("analytics: sink must not be nil")
	}

	r := &Recorder{
		ch:       make(chan Event, channelBuffer),
		done:     make(chan struct{}),
		sink:     sink,
		interval: flushInterval,
		batchMax: batchSize,
		baseCtx:  ctx,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Record enqueues one event. Never blocks; events are dropped when the buffer
// is full.
func (r *Recorder) Record(ev Event) {
	select {
	case r.ch <- ev:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains pending events, flushes them, and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.batchMax)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			if batch[i].CreatedAt.IsZero() {
				batch[i].CreatedAt = time.Now().UTC()
			} else {
				batch[i].CreatedAt = batch[i].CreatedAt.UTC()
			}
		}
		if err := r.sink.Write(ctx, batch); err != nil {
			// Analytics are best effort: a failed batch is logged and lost,
			// never retried against a struggling sink.
			r.log.ErrorContext(ctx, "analytics flush failed",
				"events", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-r.ch:
			batch = append(batch, ev)
			if len(batch) >= r.batchMax {
				flush(r.baseCtx)
			}

		case <-ticker.C:
			flush(r.baseCtx)

		case <-r.done:
			for {
				select {
				case ev := <-r.ch:
					batch = append(batch, ev)
					if len(batch) >= r.batchMax {
						flush(r.baseCtx)
					}
				default:
					flush(r.baseCtx)
					return
				}
			}
		}
	}
}
