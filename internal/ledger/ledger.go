// Package ledger owns the money side of a request: the append-then-complete
// request lifecycle and the idempotent credit debit bound to it.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
)

// Ledger couples the request rows with the user credit balance.
type Ledger struct {
	users    *store.UserRepo
	requests *store.RequestRepo
	log      *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New builds a Ledger over the store.
func New(users *store.UserRepo, requests *store.RequestRepo, opts ...Option) *Ledger {
	l := &Ledger{users: users, requests: requests, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open appends the request row in the created state.
func (l *Ledger) Open(ctx context.Context, req *store.APIRequest) error {
	if err := l.requests.Create(ctx, req); err != nil {
		return fmt.Errorf("ledger: open request: %w", err)
	}
	return nil
}

// StartProcessing moves the request into the processing state.
func (l *Ledger) StartProcessing(ctx context.Context, requestID string) error {
	if err := l.requests.StartProcessing(ctx, requestID); err != nil {
		return fmt.Errorf("ledger: start processing: %w", err)
	}
	return nil
}

// DebitParams describes one charge against a user balance.
type DebitParams struct {
	RequestID string
	UserID    string
	Credits   int64
	Reason    string
	Endpoint  string
	Tokens    int64
}

// Debit charges the user exactly once per request id. The idempotency row is
// claimed first, so a retried finalization returns (false, nil) without
// touching the balance. A zero charge records the claim and skips the debit.
func (l *Ledger) Debit(ctx context.Context, p DebitParams) (bool, error) {
	claimed, err := l.requests.RecordDebit(ctx, p.RequestID, p.UserID,
		p.Credits, p.Reason, p.Endpoint, p.Tokens)
	if err != nil {
		return false, fmt.Errorf("ledger: claim debit: %w", err)
	}
	if !claimed {
		return false, nil
	}
	if p.Credits == 0 {
		return true, nil
	}
	if err := l.users.DeductCredits(ctx, p.UserID, p.Credits); err != nil {
		return false, fmt.Errorf("ledger: debit %d credits: %w", p.Credits, err)
	}
	return true, nil
}

// Complete finalizes the request row with the billed numbers. Returns true
// when this call performed the transition; retries are no-ops.
func (l *Ledger) Complete(ctx context.Context, req *store.APIRequest) (bool, error) {
	done, err := l.requests.Complete(ctx, req)
	if err != nil {
		return false, fmt.Errorf("ledger: complete request: %w", err)
	}
	return done, nil
}

// Fail marks the request failed. Failed requests are never debited.
func (l *Ledger) Fail(ctx context.Context, requestID, message string, httpStatus int, providerID string) error {
	if err := l.requests.Fail(ctx, requestID, message, httpStatus, providerID); err != nil {
		return fmt.Errorf("ledger: fail request: %w", err)
	}
	return nil
}

// ActiveCount returns the user's in-flight request count.
func (l *Ledger) ActiveCount(ctx context.Context, userID string) (int64, error) {
	return l.requests.CountActiveByUser(ctx, userID)
}

// Find returns the request row.
func (l *Ledger) Find(ctx context.Context, requestID string) (*store.APIRequest, error) {
	return l.requests.FindByID(ctx, requestID)
}

// Duration returns the wall time a completed request spent in flight.
func Duration(req *store.APIRequest) time.Duration {
	if req.CompletedAt.IsZero() {
		return 0
	}
	return req.CompletedAt.Sub(req.StartedAt)
}
