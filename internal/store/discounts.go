package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DiscountRepo persists UserDiscount rows.
type DiscountRepo struct {
	db *sql.DB
}

const discountColumns = `id, user_id, model_id, multiplier, expires_at, created_at`

// Save inserts the discount row.
func (r *DiscountRepo) Save(ctx context.Context, d *UserDiscount) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_discounts (id, user_id, model_id, multiplier, expires_at, created_at)
		VALUES (?,?,?,?,?,?)`,
		d.ID, d.UserID, d.ModelID, d.Multiplier,
		d.ExpiresAt.UnixMilli(), d.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save discount: %w", err)
	}
	return nil
}

// FindActiveByUserID returns the user's unexpired discounts.
func (r *DiscountRepo) FindActiveByUserID(ctx context.Context, userID string, now time.Time) ([]*UserDiscount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+discountColumns+` FROM user_discounts
		 WHERE user_id = ? AND expires_at > ? ORDER BY created_at DESC`,
		userID, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: find active discounts: %w", err)
	}
	defer rows.Close()
	return collectDiscounts(rows)
}

// FindActiveForModel returns the user's live discount for one model, or
// ErrNotFound.
func (r *DiscountRepo) FindActiveForModel(ctx context.Context, userID, modelID string, now time.Time) (*UserDiscount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+discountColumns+` FROM user_discounts
		 WHERE user_id = ? AND model_id = ? AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		userID, modelID, now.UnixMilli())
	return scanDiscount(row)
}

// FindExpired returns all discounts past their expiry at now.
func (r *DiscountRepo) FindExpired(ctx context.Context, now time.Time) ([]*UserDiscount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+discountColumns+` FROM user_discounts WHERE expires_at <= ?`,
		now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: find expired discounts: %w", err)
	}
	defer rows.Close()
	return collectDiscounts(rows)
}

// DeleteExpired purges all discounts past their expiry at now.
func (r *DiscountRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM user_discounts WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: delete expired discounts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteByUserID removes all discounts for one user (rollout replaces them).
func (r *DiscountRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM user_discounts WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("store: delete discounts for %s: %w", userID, err)
	}
	return nil
}

func collectDiscounts(rows *sql.Rows) ([]*UserDiscount, error) {
	var out []*UserDiscount
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDiscount(row rowScanner) (*UserDiscount, error) {
	var (
		d      UserDiscount
		ex, cr int64
	)
	err := row.Scan(&d.ID, &d.UserID, &d.ModelID, &d.Multiplier, &ex, &cr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan discount: %w", err)
	}
	d.ExpiresAt = time.UnixMilli(ex)
	d.CreatedAt = time.UnixMilli(cr)
	return &d, nil
}
