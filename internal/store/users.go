package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by FindBy* methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrInsufficientCredits is returned by DeductCredits when the debit would
// drive the balance negative.
var ErrInsufficientCredits = errors.New("store: insufficient credits")

// UserRepo persists User rows.
type UserRepo struct {
	db *sql.DB
}

// Save inserts or replaces the user row.
func (r *UserRepo) Save(ctx context.Context, u *User) error {
	wl, err := json.Marshal(u.IPWhitelist)
	if err != nil {
		return fmt.Errorf("store: marshal ip whitelist: %w", err)
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, plan, credits, enabled, is_master_admin,
			is_rp_verified, ip_whitelist, max_concurrent_requests, api_key_hash,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			email=excluded.email, plan=excluded.plan, credits=excluded.credits,
			enabled=excluded.enabled, is_master_admin=excluded.is_master_admin,
			is_rp_verified=excluded.is_rp_verified, ip_whitelist=excluded.ip_whitelist,
			max_concurrent_requests=excluded.max_concurrent_requests,
			api_key_hash=excluded.api_key_hash, updated_at=excluded.updated_at`,
		u.ID, u.Email, u.Plan, u.Credits, u.Enabled, u.IsMasterAdmin,
		u.IsRPVerified, string(wl), u.MaxConcurrentRequests, u.APIKeyHash,
		u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save user: %w", err)
	}
	return nil
}

const userColumns = `id, email, plan, credits, enabled, is_master_admin,
	is_rp_verified, ip_whitelist, max_concurrent_requests, api_key_hash,
	created_at, updated_at`

// FindByID returns the user with the given id.
func (r *UserRepo) FindByID(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// FindByAPIKeyHash resolves the ingress bearer key (pre-hashed) to a user.
func (r *UserRepo) FindByAPIKeyHash(ctx context.Context, hash string) (*User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE api_key_hash = ?`, hash)
	return scanUser(row)
}

// FindAll returns every user, id-ordered.
func (r *UserRepo) FindAll(ctx context.Context) ([]*User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: find users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Count returns the number of users.
func (r *UserRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

// SetEnabled flips the account switch (used when a critical content
// violation disables a user).
func (r *UserRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: set enabled: %w", err)
	}
	return nil
}

// DeductCredits atomically subtracts credits from the user's balance. The
// guard in the WHERE clause makes concurrent debits safe: a debit that would
// overdraw matches zero rows and returns ErrInsufficientCredits.
func (r *UserRepo) DeductCredits(ctx context.Context, id string, credits int64) error {
	if credits < 0 {
		return fmt.Errorf("store: negative debit %d", credits)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET credits = credits - ?, updated_at = ?
		 WHERE id = ? AND credits >= ?`,
		credits, time.Now().UnixMilli(), id, credits)
	if err != nil {
		return fmt.Errorf("store: deduct credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: deduct credits: %w", err)
	}
	if n == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// ResetCredits sets the balance of every listed user to amount.
func (r *UserRepo) ResetCredits(ctx context.Context, ids []string, amount int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE users SET credits = ?, updated_at = ? WHERE id = ?`,
			amount, now, id); err != nil {
			return fmt.Errorf("store: reset credits for %s: %w", id, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u          User
		wl         string
		crMs, upMs int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.Plan, &u.Credits, &u.Enabled,
		&u.IsMasterAdmin, &u.IsRPVerified, &wl, &u.MaxConcurrentRequests,
		&u.APIKeyHash, &crMs, &upMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	if err := json.Unmarshal([]byte(wl), &u.IPWhitelist); err != nil {
		return nil, fmt.Errorf("store: ip whitelist for %s: %w", u.ID, err)
	}
	u.CreatedAt = time.UnixMilli(crMs)
	u.UpdatedAt = time.UnixMilli(upMs)
	return &u, nil
}
