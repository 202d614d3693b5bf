// Package retry wraps calls to external dependencies with bounded retries,
// exponential backoff with jitter, error classification and a circuit breaker.
package retry

import (
	"math"
	"time"
)

// Policy bounds how often and how long an executor retries.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy is three retries starting at one second, capped at a minute.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}
}

// Backoff returns min(base*2^attempt, max) without overflowing.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if max > 0 && d >= float64(max) {
		return max
	}
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Jitter scales d by a factor in [0.5, 1.0] drawn from r in [0, 1).
func Jitter(d time.Duration, r float64) time.Duration {
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return time.Duration(float64(d) * (0.5 + 0.5*r))
}
