package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProviderRepo persists Provider rows.
type ProviderRepo struct {
	db *sql.DB
}

const providerColumns = `id, name, base_url, timeout_ms, supported_models,
	features, needs_sub_providers, success_count, error_count, avg_latency_ms,
	consecutive_errors, last_error_at, health_status, is_active,
	created_at, updated_at`

// Save inserts or replaces the provider row.
func (r *ProviderRepo) Save(ctx context.Context, p *Provider) error {
	models, err := json.Marshal(p.SupportedModels)
	if err != nil {
		return fmt.Errorf("store: marshal supported models: %w", err)
	}
	features, err := json.Marshal(p.Features)
	if err != nil {
		return fmt.Errorf("store: marshal features: %w", err)
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, base_url, timeout_ms, supported_models,
			features, needs_sub_providers, success_count, error_count,
			avg_latency_ms, consecutive_errors, last_error_at, health_status,
			is_active, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, base_url=excluded.base_url,
			timeout_ms=excluded.timeout_ms,
			supported_models=excluded.supported_models,
			features=excluded.features,
			needs_sub_providers=excluded.needs_sub_providers,
			success_count=excluded.success_count,
			error_count=excluded.error_count,
			avg_latency_ms=excluded.avg_latency_ms,
			consecutive_errors=excluded.consecutive_errors,
			last_error_at=excluded.last_error_at,
			health_status=excluded.health_status,
			is_active=excluded.is_active,
			updated_at=excluded.updated_at`,
		p.ID, p.Name, p.BaseURL, p.Timeout.Milliseconds(), string(models),
		string(features), p.NeedsSubProviders, p.SuccessCount, p.ErrorCount,
		p.AvgLatencyMs, p.ConsecutiveErrors, unixMilliOrZero(p.LastErrorAt),
		p.HealthStatus, p.IsActive,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save provider: %w", err)
	}
	return nil
}

// FindByID returns the provider with the given id.
func (r *ProviderRepo) FindByID(ctx context.Context, id string) (*Provider, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	return scanProvider(row)
}

// FindByName returns the provider with the given unique name.
func (r *ProviderRepo) FindByName(ctx context.Context, name string) (*Provider, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE name = ?`, name)
	return scanProvider(row)
}

// FindAll returns every provider, name-ordered.
func (r *ProviderRepo) FindAll(ctx context.Context) ([]*Provider, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: find providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetActive marks the provider active or inactive (bootstrap reconcile).
func (r *ProviderRepo) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE providers SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: set provider active: %w", err)
	}
	return nil
}

func scanProvider(row rowScanner) (*Provider, error) {
	var (
		p                          Provider
		models, features           string
		timeoutMs, lastErr, cr, up int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &timeoutMs, &models,
		&features, &p.NeedsSubProviders, &p.SuccessCount, &p.ErrorCount,
		&p.AvgLatencyMs, &p.ConsecutiveErrors, &lastErr, &p.HealthStatus,
		&p.IsActive, &cr, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan provider: %w", err)
	}
	if err := json.Unmarshal([]byte(models), &p.SupportedModels); err != nil {
		return nil, fmt.Errorf("store: supported models for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
		return nil, fmt.Errorf("store: features for %s: %w", p.ID, err)
	}
	p.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if lastErr > 0 {
		p.LastErrorAt = time.UnixMilli(lastErr)
	}
	p.CreatedAt = time.UnixMilli(cr)
	p.UpdatedAt = time.UnixMilli(up)
	return &p, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
