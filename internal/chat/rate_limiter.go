package chat

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-connection sliding window over inbound
// envelopes. It keeps the timestamps of the last `limit` admitted events in a
// ring: a new event is admitted when fewer than `limit` events have been
// admitted, or when the oldest retained one has aged out of the window.
// Denied events are not recorded, so a flooding connection cannot extend its
// own penalty.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	ring   []time.Time
	head   int
	count  int
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		window: window,
		ring:   make([]time.Time, limit),
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.ring) {
		oldest := r.ring[r.head]
		if oldest.After(now.Add(-r.window)) {
			return false
		}
		r.ring[r.head] = now
		r.head = (r.head + 1) % len(r.ring)
		return true
	}

	r.ring[(r.head+r.count)%len(r.ring)] = now
	r.count++
	return true
}
