package channels

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
// memory exhaustion from rotating identifiers.
const maxTrackedKeys = 4096

// RateLimitResult reports the outcome of one rate-limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window counter keyed by an arbitrary
// identifier (tenant ID for message processing, source key for webhook
// intake). Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string][]time.Time
}

// NewRateLimiter creates a limiter allowing limit events per window per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string][]time.Time),
	}
}

// Check records one event against the key and reports whether it is
// within limits. Denied events are not recorded, so a flooding key
// recovers as soon as its in-window events age out.
func (l *RateLimiter) Check(key string) RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	hits := l.entries[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.entries[key] = kept
		return RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   kept[0].Add(l.window),
		}
	}

	if len(l.entries) >= maxTrackedKeys {
		l.evictStale(cutoff)
	}

	kept = append(kept, now)
	l.entries[key] = kept
	resetAt := kept[0].Add(l.window)
	return RateLimitResult{
		Allowed:   true,
		Remaining: l.limit - len(kept),
		ResetAt:   resetAt,
	}
}

// evictStale drops keys with no in-window hits; if every key is live it
// drops arbitrary entries until under the cap. Caller holds the lock.
func (l *RateLimiter) evictStale(cutoff time.Time) {
	for k, hits := range l.entries {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedKeys {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}
