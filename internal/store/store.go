// Package store implements the persistent repositories on SQLite.
//
// Persistence is write-through: the hot path works on in-memory state and the
// repositories record durable copies. Reads are used at startup (state
// restore) and by slow-path operations (admission, discounts, billing).
//
// The driver is modernc.org/sqlite (pure Go, no cgo). A single *sql.DB is
// shared; SQLite serializes writers internally and busy_timeout handles
// short-lived contention.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the database handle and exposes the repositories.
type Store struct {
	db *sql.DB

	Users        *UserRepo
	Providers    *ProviderRepo
	SubProviders *SubProviderRepo
	Discounts    *DiscountRepo
	Requests     *RequestRepo
	Settings     *SettingsRepo
}

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		// A single shared in-memory database; without cache=shared each new
		// pool connection would see an empty schema.
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.Users = &UserRepo{db: db}
	s.Providers = &ProviderRepo{db: db}
	s.SubProviders = &SubProviderRepo{db: db}
	s.Discounts = &DiscountRepo{db: db}
	s.Requests = &RequestRepo{db: db}
	s.Settings = &SettingsRepo{db: db}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT 'free',
		credits INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		is_master_admin INTEGER NOT NULL DEFAULT 0,
		is_rp_verified INTEGER NOT NULL DEFAULT 0,
		ip_whitelist TEXT NOT NULL DEFAULT '[]',
		max_concurrent_requests INTEGER NOT NULL DEFAULT 10,
		api_key_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_api_key_hash
		ON users(api_key_hash) WHERE api_key_hash != ''`,

	`CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		base_url TEXT NOT NULL DEFAULT '',
		timeout_ms INTEGER NOT NULL DEFAULT 300000,
		supported_models TEXT NOT NULL DEFAULT '[]',
		features TEXT NOT NULL DEFAULT '[]',
		needs_sub_providers INTEGER NOT NULL DEFAULT 1,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		avg_latency_ms REAL NOT NULL DEFAULT 0,
		consecutive_errors INTEGER NOT NULL DEFAULT 0,
		last_error_at INTEGER NOT NULL DEFAULT 0,
		health_status TEXT NOT NULL DEFAULT 'healthy',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sub_providers (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL REFERENCES providers(id),
		name TEXT NOT NULL,
		key_ciphertext TEXT NOT NULL,
		key_iv TEXT NOT NULL,
		key_auth_tag TEXT NOT NULL,
		key_master_ref TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		weight REAL NOT NULL DEFAULT 1,
		timeout_ms INTEGER NOT NULL DEFAULT 300000,
		model_mapping TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		max_rpm INTEGER NOT NULL DEFAULT 0,
		max_rph INTEGER NOT NULL DEFAULT 0,
		max_tpm INTEGER NOT NULL DEFAULT 0,
		max_concurrent INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sub_providers_provider
		ON sub_providers(provider_id)`,

	`CREATE TABLE IF NOT EXISTS user_discounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		multiplier REAL NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_discounts_user
		ON user_discounts(user_id)`,

	`CREATE TABLE IF NOT EXISTS api_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL,
		model TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'created',
		total_tokens INTEGER NOT NULL DEFAULT 0,
		credits INTEGER NOT NULL DEFAULT 0,
		provider_id TEXT NOT NULL DEFAULT '',
		sub_provider_id TEXT NOT NULL DEFAULT '',
		response_size INTEGER NOT NULL DEFAULT 0,
		http_status INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_requests_user
		ON api_requests(user_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS credit_debits (
		request_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		credits INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}
