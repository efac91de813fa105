package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestsDDL = `
CREATE TABLE IF NOT EXISTS gateway_requests (
	request_id    String,
	user_id       String,
	provider      String,
	sub_provider  String,
	model         String,
	endpoint      String,
	status        UInt16,
	input_tokens  UInt32,
	output_tokens UInt32,
	credits       Int64,
	latency_ms    UInt32,
	error_type    String,
	created_at    DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (created_at, user_id)`

const insertRequests = `INSERT INTO gateway_requests (request_id, user_id,
	provider, sub_provider, model, endpoint, status, input_tokens,
	output_tokens, credits, latency_ms, error_type, created_at)`

// ClickHouseSink writes event batches to a ClickHouse table.
type ClickHouseSink struct {
	conn driver.Conn
}

// OpenClickHouse connects, verifies the connection, and ensures the requests
// table exists.
func OpenClickHouse(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("analytics: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, requestsDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("analytics: create requests table: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// Write inserts one batch using the native columnar protocol.
func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, insertRequests)
	if err != nil {
		return fmt.Errorf("analytics: prepare batch: %w", err)
	}
	for _, ev := range events {
		if err := batch.Append(
			ev.RequestID,
			ev.UserID,
			ev.Provider,
			ev.SubProvider,
			ev.Model,
			ev.Endpoint,
			ev.Status,
			ev.InputTokens,
			ev.OutputTokens,
			ev.Credits,
			ev.LatencyMs,
			ev.ErrorType,
			ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("analytics: append event: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("analytics: send batch: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
