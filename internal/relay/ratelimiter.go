package relay

import (
	"sort"
	"sync"
	"time"
)

const (
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
)

// RateLimiter is a sliding-window limiter keyed by connection id.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitBurst
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a send for key and reports whether it fits the window.
// Hits are appended in time order, so the expired ones are a prefix.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	recent := r.hits[key]
	expired := sort.Search(len(recent), func(i int) bool { return recent[i].After(cutoff) })
	recent = recent[expired:]
	r.hits[key] = recent

	if len(recent) >= r.limit {
		return false
	}
	r.hits[key] = append(recent, now)
	return true
}

// Forget drops the history of a closed connection.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hits, key)
}
