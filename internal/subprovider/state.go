// Package subprovider owns the per-credential fast-path state machine:
// rolling rate windows, concurrency reservation, rolling health, and the
// circuit breaker. Every mutation is serialized per sub-provider id by the
// Service; the state methods themselves assume the caller holds that lock.
package subprovider

import (
	"encoding/json"
	"time"
)

// Circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half-open"
	BreakerOpen     BreakerState = "open"
)

// Circuit breaker constants.
const (
	// FailureThreshold consecutive errors trip a closed breaker.
	FailureThreshold = 3
	// HalfOpenFailureThreshold consecutive errors re-trip a half-open breaker.
	HalfOpenFailureThreshold = 2
	// OpenTimeout is how long an open breaker waits before the health
	// monitor may move it to half-open.
	OpenTimeout = 120 * time.Second
)

// newHealthScore is the derived score before any observation.
const newHealthScore = 0.8

// State is the fast-path state block for one sub-provider. It is persisted
// write-through as JSON and restored on startup.
type State struct {
	RequestWindow minuteWindow `json:"-"`
	TokenWindow   minuteWindow `json:"-"`

	CurrentConcurrent int64 `json:"current_concurrent"`

	Breaker       BreakerState `json:"breaker"`
	LastTriggerAt time.Time    `json:"last_trigger_at"`

	SuccessCount      int64     `json:"success_count"`
	ErrorCount        int64     `json:"error_count"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	AvgLatencyMs      float64   `json:"avg_latency_ms"`
	HealthScore       float64   `json:"health_score"`
	TotalTokenUsage   int64     `json:"total_token_usage"`
	LastErrorType     string    `json:"last_error_type,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitempty"`
	LastUsedAt        time.Time `json:"last_used_at,omitempty"`

	// Serialized window copies, only populated for persistence.
	RequestBuckets []windowEntry `json:"request_buckets,omitempty"`
	TokenBuckets   []windowEntry `json:"token_buckets,omitempty"`
}

// Limits are the per-credential admission caps. A zero limit means
// unlimited for that dimension.
type Limits struct {
	MaxRequestsPerMinute  int64
	MaxRequestsPerHour    int64
	MaxTokensPerMinute    int64
	MaxConcurrentRequests int64
}

// NewState returns the initial state: breaker closed, unobserved health.
func NewState() *State {
	return &State{
		Breaker:     BreakerClosed,
		HealthScore: newHealthScore,
	}
}

// TotalRequests is the number of observed outcomes.
func (s *State) TotalRequests() int64 {
	return s.SuccessCount + s.ErrorCount
}

// SuccessRate is successes over observed outcomes, 1 when unobserved.
func (s *State) SuccessRate() float64 {
	total := s.TotalRequests()
	if total == 0 {
		return 1
	}
	return float64(s.SuccessCount) / float64(total)
}

// IsNew reports whether the sub-provider has served fewer than five requests.
func (s *State) IsNew() bool {
	return s.TotalRequests() < 5
}

// IsHealthy combines the derived score with the breaker state.
func (s *State) IsHealthy() bool {
	return s.HealthScore > 0.05 &&
		(s.Breaker == BreakerClosed || s.Breaker == BreakerHalfOpen)
}

// RequestsPerMinute returns the current-minute request count after cleanup.
func (s *State) RequestsPerMinute(now time.Time) int64 {
	return s.RequestWindow.sum(now)
}

// TokensPerMinute returns the current-minute token count after cleanup.
func (s *State) TokensPerMinute(now time.Time) int64 {
	return s.TokenWindow.sum(now)
}

// CanHandleRequest reports whether one more request with the given token
// estimate fits every limit.
func (s *State) CanHandleRequest(now time.Time, limits Limits, estimatedTokens int64) bool {
	if limits.MaxRequestsPerMinute > 0 &&
		s.RequestWindow.sum(now)+1 > limits.MaxRequestsPerMinute {
		return false
	}
	if limits.MaxTokensPerMinute > 0 &&
		s.TokenWindow.sum(now)+estimatedTokens > limits.MaxTokensPerMinute {
		return false
	}
	if limits.MaxConcurrentRequests > 0 &&
		s.CurrentConcurrent+1 > limits.MaxConcurrentRequests {
		return false
	}
	return true
}

// Reserve atomically checks CanHandleRequest and, on success, consumes one
// request slot, the token estimate, and one concurrency slot. Returns
// whether the reservation succeeded.
func (s *State) Reserve(now time.Time, limits Limits, estimatedTokens int64) bool {
	if !s.CanHandleRequest(now, limits, estimatedTokens) {
		return false
	}
	s.RequestWindow.add(now, 1)
	if estimatedTokens > 0 {
		s.TokenWindow.add(now, estimatedTokens)
	}
	s.CurrentConcurrent++
	s.LastUsedAt = now
	return true
}

// Release returns one concurrency slot, saturating at zero.
func (s *State) Release() {
	if s.CurrentConcurrent > 0 {
		s.CurrentConcurrent--
	}
}

// RecordSuccess folds a successful outcome into the rolling health state and
// advances the circuit breaker.
func (s *State) RecordSuccess(now time.Time, latency time.Duration, tokensUsed int64) {
	s.SuccessCount++
	s.TotalTokenUsage += tokensUsed
	s.ConsecutiveErrors = 0
	s.updateAvgLatency(float64(latency.Milliseconds()))
	s.LastUsedAt = now

	s.updateHealthScore()
	s.advanceBreakerOnSuccess()
}

// RecordError folds a failed outcome into the rolling health state and
// advances the circuit breaker. latency < 0 means unknown.
func (s *State) RecordError(now time.Time, errorType string, latency time.Duration) {
	s.ErrorCount++
	s.ConsecutiveErrors++
	s.LastErrorAt = now
	s.LastErrorType = errorType
	if latency >= 0 {
		s.updateAvgLatency(float64(latency.Milliseconds()))
	}

	s.updateHealthScore()
	s.advanceBreakerOnError(now)
}

// updateAvgLatency applies the running mean over all observed outcomes.
func (s *State) updateAvgLatency(latencyMs float64) {
	n := float64(s.TotalRequests())
	if n <= 1 {
		s.AvgLatencyMs = latencyMs
		return
	}
	s.AvgLatencyMs = (s.AvgLatencyMs*(n-1) + latencyMs) / n
}

// updateHealthScore derives the health score from success rate, the error
// streak, and latency. Clamped to [0.3, 1.0] once observed.
func (s *State) updateHealthScore() {
	if s.TotalRequests() == 0 {
		s.HealthScore = newHealthScore
		return
	}

	errorPenalty := 0.05 * float64(s.ConsecutiveErrors)
	if errorPenalty > 0.3 {
		errorPenalty = 0.3
	}

	latencyPenalty := (s.AvgLatencyMs - 60_000) / 120_000
	if latencyPenalty < 0 {
		latencyPenalty = 0
	}

	score := s.SuccessRate() - errorPenalty - latencyPenalty
	if score < 0.3 {
		score = 0.3
	}
	if score > 1.0 {
		score = 1.0
	}
	s.HealthScore = score
}

func (s *State) advanceBreakerOnSuccess() {
	if s.Breaker == BreakerHalfOpen && s.ConsecutiveErrors == 0 {
		s.Breaker = BreakerClosed
	}
}

func (s *State) advanceBreakerOnError(now time.Time) {
	switch s.Breaker {
	case BreakerClosed:
		if s.ConsecutiveErrors >= FailureThreshold {
			s.Breaker = BreakerOpen
			s.LastTriggerAt = now
		}
	case BreakerHalfOpen:
		if s.ConsecutiveErrors >= HalfOpenFailureThreshold {
			s.Breaker = BreakerOpen
			s.LastTriggerAt = now
		}
	}
}

// TryHalfOpen transitions an open breaker to half-open once the open timeout
// has elapsed. Called by the health monitor; returns whether it transitioned.
func (s *State) TryHalfOpen(now time.Time, openTimeout time.Duration) bool {
	if s.Breaker != BreakerOpen {
		return false
	}
	if now.Sub(s.LastTriggerAt) <= openTimeout {
		return false
	}
	s.Breaker = BreakerHalfOpen
	return true
}

// OpenBreaker forces the breaker open (manual operation).
func (s *State) OpenBreaker(now time.Time) {
	s.Breaker = BreakerOpen
	s.LastTriggerAt = now
}

// CloseBreaker forces the breaker closed and clears the error streak
// (manual operation).
func (s *State) CloseBreaker() {
	s.Breaker = BreakerClosed
	s.ConsecutiveErrors = 0
	s.updateHealthScore()
}

// HalfOpenBreaker forces the breaker half-open (manual operation).
func (s *State) HalfOpenBreaker() {
	s.Breaker = BreakerHalfOpen
}

// Marshal serializes the state, including window buckets, for write-through
// persistence.
func (s *State) Marshal(now time.Time) ([]byte, error) {
	s.RequestWindow.cleanup(now)
	s.TokenWindow.cleanup(now)
	s.RequestBuckets = append([]windowEntry(nil), s.RequestWindow.entries...)
	s.TokenBuckets = append([]windowEntry(nil), s.TokenWindow.entries...)
	return json.Marshal(s)
}

// UnmarshalState restores a persisted state block. Unknown or empty input
// yields a fresh state.
func UnmarshalState(data []byte) *State {
	s := NewState()
	if len(data) == 0 {
		return s
	}
	if err := json.Unmarshal(data, s); err != nil {
		return NewState()
	}
	if s.Breaker == "" {
		s.Breaker = BreakerClosed
	}
	s.RequestWindow.entries = append([]windowEntry(nil), s.RequestBuckets...)
	s.TokenWindow.entries = append([]windowEntry(nil), s.TokenBuckets...)
	s.RequestBuckets, s.TokenBuckets = nil, nil
	// In-flight reservations do not survive a restart.
	s.CurrentConcurrent = 0
	return s
}
