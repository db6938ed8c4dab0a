package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter.
//
// Accepted events are kept in a fixed ring of size limit: an event is allowed when the oldest
// accepted event has left the window.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	count  int
	window time.Duration
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
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// oldest returns the earliest accepted event still tracked. Callers hold mu and count == len(ring).
func (r *RateLimiter) oldest() time.Time { return r.ring[r.next] }

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.ring) {
		if now.Sub(r.oldest()) < r.window {
			return false
		}
	} else {
		r.count++
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}

// RetryAfter returns how long until the next event would be allowed (0 when one is allowed now).
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.ring) {
		return 0
	}
	if d := r.window - now.Sub(r.oldest()); d > 0 {
		return d
	}
	return 0
}
