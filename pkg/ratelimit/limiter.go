// Package ratelimit implements sliding-window request limiting keyed by an
// arbitrary subject, in memory or on Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxKeys bounds the in-memory limiter. The least recently used key
// is evicted first.
const DefaultMaxKeys = 100_000

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is how long until one more request would fit. Zero when
	// Allowed.
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// InMemoryLimiter keeps a log of accepted request times per key. Rejected
// requests are not logged, so a flood does not extend its own penalty.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	items  *expirable.LRU[string, []time.Time]
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	return NewInMemorySized(window, DefaultMaxKeys, time.Now)
}

func NewInMemorySized(window time.Duration, maxKeys int, now func() time.Time) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if now == nil {
		now = time.Now
	}
	return &InMemoryLimiter{
		window: window,
		now:    now,
		items:  expirable.NewLRU[string, []time.Time](maxKeys, nil, window),
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	log, _ := l.items.Get(key)
	log = trim(log, now.Add(-l.window))
	if len(log) >= limit {
		l.items.Add(key, log)
		reset := log[0].Add(l.window)
		return Decision{
			Allowed:    false,
			Count:      len(log) + 1,
			Limit:      limit,
			ResetAt:    reset,
			RetryAfter: reset.Sub(now),
		}
	}
	log = append(log, now)
	l.items.Add(key, log)
	return Decision{
		Allowed:   true,
		Count:     len(log),
		Limit:     limit,
		Remaining: limit - len(log),
		ResetAt:   log[0].Add(l.window),
	}
}

// Len reports how many keys are tracked.
func (l *InMemoryLimiter) Len() int { return l.items.Len() }

// trim drops entries at or before cutoff. The log is ordered oldest first.
func trim(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	out := make([]time.Time, len(log)-i, len(log)-i+1)
	copy(out, log[i:])
	return out
}
