package ratelimit

import (
	"sync"
	"time"
)

// DefaultSweepIdle is how long a counter may sit untouched before Sweep
// drops it to bound memory.
const DefaultSweepIdle = 2 * time.Minute

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// ResetSeconds is the whole-second delay after which the window reopens,
// suitable for a Retry-After style header.
func (d Decision) ResetSeconds(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

type Limiter interface {
	Allow(key string, limit int) Decision
	Peek(key string, limit int) Decision
}

// InMemoryLimiter counts requests per credential in fixed windows. The
// expired-window reset and the increment happen under one mutex section so
// concurrent callers can never double-reset a window and overrun the quota.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
}

type entry struct {
	count    int
	resetAt  time.Time
	lastSeen time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{
			count:   0,
			resetAt: now.Add(l.window),
		}
	}
	curr.count++
	curr.lastSeen = now
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

// Peek reports the current window state without consuming quota.
func (l *InMemoryLimiter) Peek(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		return decide(0, limit, now.Add(l.window))
	}
	return decide(curr.count, limit, curr.resetAt)
}

// Sweep drops counters not touched for longer than idle and returns how many
// were removed. The gateway runs this on a ticker to bound memory.
func (l *InMemoryLimiter) Sweep(idle time.Duration) int {
	if idle <= 0 {
		idle = DefaultSweepIdle
	}
	cutoff := time.Now().UTC().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, v := range l.items {
		if v.lastSeen.Before(cutoff) {
			delete(l.items, k)
			removed++
		}
	}
	return removed
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
