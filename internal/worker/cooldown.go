package worker

import (
	"sync"
	"time"
)

// Cooldown lets one event per key through every interval and counts the
// ones it held back in between.
type Cooldown struct {
	mu         sync.Mutex
	interval   time.Duration
	last       map[string]time.Time
	suppressed map[string]int
	now        func() time.Time
}

func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{
		interval:   interval,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
		now:        time.Now,
	}
}

// Allow reports whether key may fire now, and how many calls for key were
// suppressed since it last fired.
func (c *Cooldown) Allow(key string) (bool, int) {
	if c == nil || c.interval <= 0 {
		return true, 0
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < c.interval {
		c.suppressed[key]++
		return false, 0
	}
	c.last[key] = now
	n := c.suppressed[key]
	delete(c.suppressed, key)
	if len(c.last) > 10000 {
		c.compact(now)
	}
	return true, n
}

func (c *Cooldown) compact(now time.Time) {
	for k, ts := range c.last {
		if now.Sub(ts) >= c.interval {
			delete(c.last, k)
			delete(c.suppressed, k)
		}
	}
}
