package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RequestRepo persists APIRequest rows and the credit-debit idempotency
// records.
type RequestRepo struct {
	db *sql.DB
}

const requestColumns = `id, user_id, endpoint, model, started_at, completed_at,
	status, total_tokens, credits, provider_id, sub_provider_id,
	response_size, http_status, error_message`

// Create appends a new request row in the "created" state.
func (r *RequestRepo) Create(ctx context.Context, req *APIRequest) error {
	if req.Status == "" {
		req.Status = RequestCreated
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_requests (id, user_id, endpoint, model, started_at,
			completed_at, status, total_tokens, credits, provider_id,
			sub_provider_id, response_size, http_status, error_message)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.UserID, req.Endpoint, req.Model, req.StartedAt.UnixMilli(),
		unixMilliOrZero(req.CompletedAt), req.Status, req.TotalTokens,
		req.Credits, req.ProviderID, req.SubProviderID, req.ResponseSize,
		req.HTTPStatus, req.ErrorMessage)
	if err != nil {
		return fmt.Errorf("store: create request: %w", err)
	}
	return nil
}

// StartProcessing moves the row from created to processing.
func (r *RequestRepo) StartProcessing(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_requests SET status = ? WHERE id = ? AND status = ?`,
		RequestProcessing, id, RequestCreated)
	if err != nil {
		return fmt.Errorf("store: start processing: %w", err)
	}
	return nil
}

// Complete finalizes the row. Returns true when this call performed the
// transition; a retry after success is a no-op returning false.
func (r *RequestRepo) Complete(ctx context.Context, req *APIRequest) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_requests SET
			completed_at = ?, status = ?, total_tokens = ?, credits = ?,
			provider_id = ?, sub_provider_id = ?, response_size = ?, http_status = ?
		WHERE id = ? AND status IN (?, ?)`,
		time.Now().UnixMilli(), RequestCompleted, req.TotalTokens, req.Credits,
		req.ProviderID, req.SubProviderID, req.ResponseSize, req.HTTPStatus,
		req.ID, RequestCreated, RequestProcessing)
	if err != nil {
		return false, fmt.Errorf("store: complete request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: complete request: %w", err)
	}
	return n > 0, nil
}

// Fail marks the row failed with the given classification and message.
func (r *RequestRepo) Fail(ctx context.Context, id, errorMessage string, httpStatus int, providerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_requests SET
			completed_at = ?, status = ?, http_status = ?, provider_id = ?,
			error_message = ?
		WHERE id = ? AND status IN (?, ?)`,
		time.Now().UnixMilli(), RequestFailed, httpStatus, providerID,
		errorMessage, id, RequestCreated, RequestProcessing)
	if err != nil {
		return fmt.Errorf("store: fail request: %w", err)
	}
	return nil
}

// FindByID returns the request row with the given id.
func (r *RequestRepo) FindByID(ctx context.Context, id string) (*APIRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM api_requests WHERE id = ?`, id)
	return scanRequest(row)
}

// CountActiveByUser returns the number of in-flight requests for a user.
// Enforces the per-user concurrency cap at admission.
func (r *RequestRepo) CountActiveByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_requests
		 WHERE user_id = ? AND status IN (?, ?)`,
		userID, RequestCreated, RequestProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active requests: %w", err)
	}
	return n, nil
}

// RecordDebit inserts the idempotency record for a credit debit. Returns
// false without error when the request id was already debited.
func (r *RequestRepo) RecordDebit(ctx context.Context, requestID, userID string, credits int64, reason, endpoint string, tokens int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO credit_debits (request_id, user_id, credits, reason, endpoint, tokens, created_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(request_id) DO NOTHING`,
		requestID, userID, credits, reason, endpoint, tokens,
		time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("store: record debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: record debit: %w", err)
	}
	return n > 0, nil
}

func scanRequest(row rowScanner) (*APIRequest, error) {
	var (
		req      APIRequest
		st, comp int64
	)
	err := row.Scan(&req.ID, &req.UserID, &req.Endpoint, &req.Model, &st,
		&comp, &req.Status, &req.TotalTokens, &req.Credits, &req.ProviderID,
		&req.SubProviderID, &req.ResponseSize, &req.HTTPStatus,
		&req.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan request: %w", err)
	}
	req.StartedAt = time.UnixMilli(st)
	if comp > 0 {
		req.CompletedAt = time.UnixMilli(comp)
	}
	return &req, nil
}
