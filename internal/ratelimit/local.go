package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localBuckets is the per-process fallback, one rate.Limiter per tenant and operation.
type localBuckets struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLocalBuckets() *localBuckets {
	return &localBuckets{limiters: make(map[string]*rate.Limiter)}
}

func (l *localBuckets) take(tenant, operation string, tokens int, b Bucket, now time.Time) (bool, time.Duration) {
	lim := l.limiter(tenant+":"+operation, b, now)
	if lim.AllowN(now, tokens) {
		return true, 0
	}
	missing := float64(tokens) - lim.TokensAt(now)
	return false, secondsToDuration(missing / b.RefillRate)
}

func (l *localBuckets) limiter(key string, b Bucket, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(b.RefillRate), b.Capacity)
		l.limiters[key] = lim
		return lim
	}
	if lim.Burst() != b.Capacity {
		lim.SetBurstAt(now, b.Capacity)
	}
	if lim.Limit() != rate.Limit(b.RefillRate) {
		lim.SetLimitAt(now, rate.Limit(b.RefillRate))
	}
	return lim
}
