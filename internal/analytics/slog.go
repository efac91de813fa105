package analytics

import (
	"context"
	"log/slog"
)

// SlogSink emits one structured log line per event. It is the default sink
// when no ClickHouse DSN is configured, so self-hosted deployments still get
// request records in their log stream.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink wraps the given logger. A nil logger uses slog.Default.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, events []Event) error {
	for _, ev := range events {
		s.log.InfoContext(ctx, "request",
			slog.String("id", ev.RequestID),
			slog.String("user", ev.UserID),
			slog.String("provider", ev.Provider),
			slog.String("sub_provider", ev.SubProvider),
			slog.String("model", ev.Model),
			slog.String("endpoint", ev.Endpoint),
			slog.Uint64("status", uint64(ev.Status)),
			slog.Uint64("input_tokens", uint64(ev.InputTokens)),
			slog.Uint64("output_tokens", uint64(ev.OutputTokens)),
			slog.Int64("credits", ev.Credits),
			slog.Uint64("latency_ms", uint64(ev.LatencyMs)),
			slog.String("error_type", ev.ErrorType),
			slog.Time("created_at", ev.CreatedAt),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
