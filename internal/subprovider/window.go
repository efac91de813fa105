package subprovider

import "time"

// windowEntry is one minute bucket: a minute-aligned stamp and a count.
type windowEntry struct {
	MinuteStamp int64 `json:"m"`
	Count       int64 `json:"c"`
}

// minuteWindow is a rolling 60-second window of per-minute buckets. At most
// two buckets survive cleanup, so maintenance is O(1).
type minuteWindow struct {
	entries []windowEntry
}

func minuteStamp(now time.Time) int64 {
	ms := now.UnixMilli()
	return ms - ms%60_000
}

// cleanup drops buckets whose stamp is at or before now−60s.
func (w *minuteWindow) cleanup(now time.Time) {
	cutoff := now.UnixMilli() - 60_000
	keep := w.entries[:0]
	for _, e := range w.entries {
		if e.MinuteStamp > cutoff {
			keep = append(keep, e)
		}
	}
	w.entries = keep
}

// add increments the current-minute bucket by n, appending it if absent.
func (w *minuteWindow) add(now time.Time, n int64) {
	stamp := minuteStamp(now)
	for i := range w.entries {
		if w.entries[i].MinuteStamp == stamp {
			w.entries[i].Count += n
			return
		}
	}
	w.entries = append(w.entries, windowEntry{MinuteStamp: stamp, Count: n})
}

// sum cleans up and returns the total count across surviving buckets.
func (w *minuteWindow) sum(now time.Time) int64 {
	w.cleanup(now)
	var total int64
	for _, e := range w.entries {
		total += e.Count
	}
	return total
}
