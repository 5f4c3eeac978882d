package metrics

import (
	"sync"
	"time"
)

type windowEntry struct {
	ts    time.Time
	count int
}

// Window counts events over a trailing duration.
type Window struct {
	mu       sync.Mutex
	duration time.Duration
	entries  []windowEntry
	head     int
	total    int
}

func NewWindow(duration time.Duration) *Window {
	if duration <= 0 {
		duration = 10 * time.Second
	}
	return &Window{
		duration: duration,
		entries:  make([]windowEntry, 0, 128),
	}
}

func (w *Window) Add(ts time.Time, count int) {
	if count <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(ts.Add(-w.duration))
	w.entries = append(w.entries, windowEntry{ts: ts, count: count})
	w.total += count
}

// Rate returns events per second over the window ending at now.
func (w *Window) Rate(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now.Add(-w.duration))
	if w.total == 0 {
		return 0
	}
	return float64(w.total) / w.duration.Seconds()
}

func (w *Window) evict(cutoff time.Time) {
	for w.head < len(w.entries) {
		e := w.entries[w.head]
		if !e.ts.Before(cutoff) {
			break
		}
		w.total -= e.count
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.entries) {
		w.entries = append([]windowEntry{}, w.entries[w.head:]...)
		w.head = 0
	}
}
