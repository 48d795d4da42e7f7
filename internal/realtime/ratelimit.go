package realtime

import (
	"sync"
	"time"
)

// RateLimiter bounds how many envelopes one connection may deliver inside a
// sliding window. The gateway stamps events from a single read loop, so
// timestamps arrive in non-decreasing order and expiry only ever trims the
// head of the window.
//
// Limit and window clamping lives in GatewayConfig.withDefaults next to the
// other connection knobs; the limiter trusts its inputs.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration

	times []time.Time
	head  int
}

// NewRateLimiter builds a limiter admitting limit events per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window}
}

// Allow records an event at now and reports whether it fits the window.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	for r.head < len(r.times) && !r.times[r.head].After(cutoff) {
		r.head++
	}
	// Compact once the expired prefix dominates the backing array.
	if r.head > 0 && r.head*2 >= len(r.times) {
		n := copy(r.times, r.times[r.head:])
		r.times = r.times[:n]
		r.head = 0
	}

	if len(r.times)-r.head >= r.limit {
		return false
	}
	r.times = append(r.times, now)
	return true
}
