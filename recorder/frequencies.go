package recorder

import (
	"sync"
	"time"
)

// frequencies counts messages per key between snapshots.
type frequencies struct {
	mu     sync.Mutex
	counts map[string]uint64
	since  time.Time
}

func newFrequencies(now time.Time) *frequencies {
	return &frequencies{counts: make(map[string]uint64), since: now}
}

func (f *frequencies) observe(key string) {
	f.mu.Lock()
	f.counts[key]++
	f.mu.Unlock()
}

// snapshot returns messages per second per key since the previous
// snapshot and starts a new window.
func (f *frequencies) snapshot(now time.Time) map[string]float64 {
	f.mu.Lock()
	counts, since := f.counts, f.since
	f.counts = make(map[string]uint64, len(counts))
	f.since = now
	f.mu.Unlock()

	elapsed := now.Sub(since).Seconds()
	out := make(map[string]float64, len(counts))
	for key, n := range counts {
		if elapsed > 0 {
			out[key] = float64(n) / elapsed
		}
	}
	return out
}
