package balancer

import (
	"context"
	"sync"
	"time"
)

// Avoidance constants. A candidate picked fewer than avoidanceThreshold
// requests ago is penalized so selection spreads across keys.
const (
	avoidanceThreshold = 5
	neverSelectedBonus = 0.2
	maxHistoryAge      = 100
	cleanupInterval    = 60 * time.Second
)

// SelectionTracker is the process-wide recency record used for avoidance
// scoring. Safe for concurrent use.
type SelectionTracker struct {
	mu      sync.Mutex
	counter int64
	history map[string]int64 // id → counter at last selection
}

// NewSelectionTracker returns an empty tracker.
func NewSelectionTracker() *SelectionTracker {
	return &SelectionTracker{history: make(map[string]int64)}
}

// Adjustment returns the avoidance bonus or penalty for a candidate id.
func (t *SelectionTracker) Adjustment(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.history[id]
	if !ok {
		return neverSelectedBonus
	}
	gap := float64(t.counter - last)
	if gap >= avoidanceThreshold {
		bonus := gap * 0.02
		if bonus > 0.3 {
			bonus = 0.3
		}
		return bonus
	}
	penalty := -(avoidanceThreshold - gap) * 0.12
	if penalty < -0.6 {
		penalty = -0.6
	}
	return penalty
}

// RecordSelection advances the counter and stamps the chosen id.
func (t *SelectionTracker) RecordSelection(id string) {
	t.mu.Lock()
	t.counter++
	t.history[id] = t.counter
	t.mu.Unlock()
}

// Cleanup drops history entries older than maxHistoryAge requests. Returns
// the number dropped.
func (t *SelectionTracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for id, last := range t.history {
		if t.counter-last > maxHistoryAge {
			delete(t.history, id)
			dropped++
		}
	}
	return dropped
}

// Run cleans the history on a fixed cadence until ctx is cancelled.
func (t *SelectionTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Cleanup()
		}
	}
}
