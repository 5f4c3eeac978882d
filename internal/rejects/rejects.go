// Package rejects keeps the most recent events the worker dropped, so an
// operator can see why telemetry never reached storage.
package rejects

import (
	"sync"
	"time"
)

const DefaultLimit = 1000

type Rejection struct {
	Time      time.Time `json:"time"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail"`
	TraceID   string    `json:"trace_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
}

// Log is a fixed-size ring; once full, each Add overwrites the oldest entry.
type Log struct {
	mu    sync.RWMutex
	ring  []Rejection
	next  int
	full  bool
	total uint64
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Log{ring: make([]Rejection, limit)}
}

func (l *Log) Add(r Rejection) {
	if l == nil {
		return
	}
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = r
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// List returns up to limit entries, oldest first. limit <= 0 means all.
func (l *Log) List(limit int) []Rejection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	all := l.ordered()
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all
}

// Since returns the entries recorded at or after ts, oldest first.
func (l *Log) Since(ts time.Time) []Rejection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Rejection, 0)
	for _, r := range l.ordered() {
		if !r.Time.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

// Total counts every rejection ever added, including overwritten ones.
func (l *Log) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.ring)
	l.next = 0
	l.full = false
}

func (l *Log) ordered() []Rejection {
	if !l.full {
		return append([]Rejection(nil), l.ring[:l.next]...)
	}
	out := make([]Rejection, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}
