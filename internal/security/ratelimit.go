package security

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitError is returned when a sliding window is exhausted. It is raised
// locally before any network call is attempted and always carries the time
// until the window frees up.
type RateLimitError struct {
	Name       string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d per %s, retry in %ds",
		e.Name, e.Limit, e.Window, int(e.RetryAfter.Seconds()))
}

// RateLimiterStats is a read-only snapshot of a limiter's window
type RateLimiterStats struct {
	Used         int `json:"used"`
	Remaining    int `json:"remaining"`
	ResetSeconds int `json:"reset_seconds"`
}

// RateLimiter is a sliding-window counter. A call is admitted when fewer than
// maxRequests attempts were recorded inside the window ending now.
type RateLimiter struct {
	name        string
	maxRequests int
	window      time.Duration
	mu          sync.Mutex
	attempts    []time.Time
	now         func() time.Time // injectable clock for tests
}

// NewRateLimiter creates a sliding-window rate limiter
func NewRateLimiter(name string, maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		name:        name,
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// CheckLimit prunes expired attempts, then either records a new attempt or
// returns a *RateLimitError when the window is already full.
func (r *RateLimiter) CheckLimit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	if len(r.attempts) >= r.maxRequests {
		oldest := r.attempts[0]
		return &RateLimitError{
			Name:       r.name,
			Limit:      r.maxRequests,
			Window:     r.window,
			RetryAfter: oldest.Add(r.window).Sub(now),
		}
	}

	r.attempts = append(r.attempts, now)
	return nil
}

// GetStats returns the current window usage without recording an attempt.
// Expired entries are pruned as a side effect.
func (r *RateLimiter) GetStats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	stats := RateLimiterStats{
		Used:      len(r.attempts),
		Remaining: r.maxRequests - len(r.attempts),
	}
	if len(r.attempts) > 0 {
		stats.ResetSeconds = int(r.attempts[0].Add(r.window).Sub(now).Seconds())
		if stats.ResetSeconds < 0 {
			stats.ResetSeconds = 0
		}
	}
	return stats
}

// prune drops attempts older than the window. Caller holds the lock.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	kept := r.attempts[:0]
	for _, t := range r.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.attempts = kept
}
