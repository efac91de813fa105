package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SubProviderRepo persists SubProvider rows.
type SubProviderRepo struct {
	db *sql.DB
}

const subProviderColumns = `id, provider_id, name, key_ciphertext, key_iv,
	key_auth_tag, key_master_ref, enabled, priority, weight, timeout_ms,
	model_mapping, metadata, max_rpm, max_rph, max_tpm, max_concurrent,
	state, created_at, updated_at`

// Save inserts or replaces the sub-provider row.
func (r *SubProviderRepo) Save(ctx context.Context, sp *SubProvider) error {
	mapping, err := json.Marshal(sp.ModelMapping)
	if err != nil {
		return fmt.Errorf("store: marshal model mapping: %w", err)
	}
	meta, err := json.Marshal(sp.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	now := time.Now()
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = now
	}
	sp.UpdatedAt = now
	state := sp.State
	if state == nil {
		state = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sub_providers (id, provider_id, name, key_ciphertext,
			key_iv, key_auth_tag, key_master_ref, enabled, priority, weight,
			timeout_ms, model_mapping, metadata, max_rpm, max_rph, max_tpm,
			max_concurrent, state, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			provider_id=excluded.provider_id, name=excluded.name,
			key_ciphertext=excluded.key_ciphertext, key_iv=excluded.key_iv,
			key_auth_tag=excluded.key_auth_tag,
			key_master_ref=excluded.key_master_ref,
			enabled=excluded.enabled, priority=excluded.priority,
			weight=excluded.weight, timeout_ms=excluded.timeout_ms,
			model_mapping=excluded.model_mapping, metadata=excluded.metadata,
			max_rpm=excluded.max_rpm, max_rph=excluded.max_rph,
			max_tpm=excluded.max_tpm, max_concurrent=excluded.max_concurrent,
			state=excluded.state, updated_at=excluded.updated_at`,
		sp.ID, sp.ProviderID, sp.Name, sp.EncryptedKey.Ciphertext,
		sp.EncryptedKey.IV, sp.EncryptedKey.AuthTag, sp.EncryptedKey.MasterKeyRef,
		sp.Enabled, sp.Priority, sp.Weight, sp.Timeout.Milliseconds(),
		string(mapping), string(meta), sp.MaxRequestsPerMinute,
		sp.MaxRequestsPerHour, sp.MaxTokensPerMinute, sp.MaxConcurrentRequests,
		string(state), sp.CreatedAt.UnixMilli(), sp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save sub-provider: %w", err)
	}
	return nil
}

// FindByID returns the sub-provider with the given id.
func (r *SubProviderRepo) FindByID(ctx context.Context, id string) (*SubProvider, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subProviderColumns+` FROM sub_providers WHERE id = ?`, id)
	return scanSubProvider(row)
}

// FindByProvider returns all sub-providers bound to the given provider id,
// priority-ordered.
func (r *SubProviderRepo) FindByProvider(ctx context.Context, providerID string) ([]*SubProvider, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subProviderColumns+` FROM sub_providers
		 WHERE provider_id = ? ORDER BY priority DESC, id`, providerID)
	if err != nil {
		return nil, fmt.Errorf("store: find sub-providers: %w", err)
	}
	defer rows.Close()
	return collectSubProviders(rows)
}

// FindAll returns every sub-provider row.
func (r *SubProviderRepo) FindAll(ctx context.Context) ([]*SubProvider, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subProviderColumns+` FROM sub_providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: find sub-providers: %w", err)
	}
	defer rows.Close()
	return collectSubProviders(rows)
}

// SetEnabled flips the enabled switch (critical-error auto-disable and the
// admin enable/disable operations).
func (r *SubProviderRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sub_providers SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: set sub-provider enabled: %w", err)
	}
	return nil
}

// SaveState writes through the serialized fast-path state block.
func (r *SubProviderRepo) SaveState(ctx context.Context, id string, state []byte) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sub_providers SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: save sub-provider state: %w", err)
	}
	return nil
}

// Delete removes the row. Only the explicit admin action calls this.
func (r *SubProviderRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sub_providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete sub-provider: %w", err)
	}
	return nil
}

func collectSubProviders(rows *sql.Rows) ([]*SubProvider, error) {
	var out []*SubProvider
	for rows.Next() {
		sp, err := scanSubProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func scanSubProvider(row rowScanner) (*SubProvider, error) {
	var (
		rec               SubProvider
		mapping, meta     string
		state             string
		timeoutMs, cr, up int64
	)
	err := row.Scan(&rec.ID, &rec.ProviderID, &rec.Name,
		&rec.EncryptedKey.Ciphertext, &rec.EncryptedKey.IV,
		&rec.EncryptedKey.AuthTag, &rec.EncryptedKey.MasterKeyRef,
		&rec.Enabled, &rec.Priority, &rec.Weight, &timeoutMs,
		&mapping, &meta, &rec.MaxRequestsPerMinute, &rec.MaxRequestsPerHour,
		&rec.MaxTokensPerMinute, &rec.MaxConcurrentRequests,
		&state, &cr, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan sub-provider: %w", err)
	}
	if err := json.Unmarshal([]byte(mapping), &rec.ModelMapping); err != nil {
		return nil, fmt.Errorf("store: model mapping for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("store: metadata for %s: %w", rec.ID, err)
	}
	rec.Timeout = time.Duration(timeoutMs) * time.Millisecond
	rec.State = []byte(state)
	rec.CreatedAt = time.UnixMilli(cr)
	rec.UpdatedAt = time.UnixMilli(up)
	return &rec, nil
}
