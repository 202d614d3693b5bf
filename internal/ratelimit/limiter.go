// Package ratelimit throttles outbound calls per tenant and operation with
// token buckets. Buckets live in Redis when a client is configured and fall
// back to in-process limiters whenever Redis is absent or failing.
package ratelimit

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/telemetry"
)

// MaxWait caps a single sleep inside BlockUntilAllowed.
const MaxWait = 60 * time.Second

// DefaultBucket is used for operations without a preset.
var DefaultBucket = Bucket{Capacity: 100, RefillRate: 10}

// ErrExceedsCapacity means the request can never be satisfied by the bucket.
var ErrExceedsCapacity = errors.New("requested tokens exceed bucket capacity")

// Bucket is the shape of a token bucket: burst size and refill rate per second.
type Bucket struct {
	Capacity   int
	RefillRate float64
}

func (b Bucket) normalize() Bucket {
	if b.Capacity < 1 {
		b.Capacity = DefaultBucket.Capacity
	}
	if b.RefillRate <= 0 || math.IsNaN(b.RefillRate) || math.IsInf(b.RefillRate, 0) {
		b.RefillRate = DefaultBucket.RefillRate
	}
	return b
}

// ttl keeps idle buckets around for twice a full refill, at least a minute.
func (b Bucket) ttl() time.Duration {
	full := time.Duration(float64(b.Capacity) / b.RefillRate * 2 * float64(time.Second))
	if full < time.Minute {
		return time.Minute
	}
	return full
}

// Limiter hands out tokens; it never surfaces storage errors to callers.
type Limiter struct {
	shared   *sharedBuckets
	local    *localBuckets
	presets  map[string]Bucket
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	log      *zap.SugaredLogger
	degraded atomic.Bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock injects the time source used for refill math.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep injects the sleep used by BlockUntilAllowed.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithPresets registers named bucket shapes by operation.
func WithPresets(p map[string]Bucket) Option {
	return func(l *Limiter) {
		for k, v := range p {
			l.presets[k] = v
		}
	}
}

// WithKeyPrefix changes the Redis key prefix (default "rl"). Empty keeps the default.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) {
		if l.shared != nil && prefix != "" {
			l.shared.prefix = prefix
		}
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Limiter) { l.log = log }
}

// New builds a limiter. A nil client runs in local-only mode.
func New(client redis.UniversalClient, opts ...Option) *Limiter {
	l := &Limiter{
		local:   newLocalBuckets(),
		presets: map[string]Bucket{},
		now:     time.Now,
		sleep:   sleepCtx,
	}
	if client != nil {
		l.shared = newSharedBuckets(client, "rl")
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = telemetry.OrNop(l.log)
	return l
}

// Preset returns the configured bucket for an operation, or DefaultBucket.
func (l *Limiter) Preset(operation string) Bucket {
	if b, ok := l.presets[operation]; ok {
		return b
	}
	return DefaultBucket
}

// Consume tries to take tokens. When denied, wait is the time until enough
// tokens would be available assuming no other consumer.
func (l *Limiter) Consume(ctx context.Context, tenant, operation string, tokens int, b Bucket) (bool, time.Duration) {
	if tokens <= 0 {
		return true, 0
	}
	b = b.normalize()
	now := l.now()
	if l.shared != nil {
		allowed, wait, err := l.shared.take(ctx, tenant, operation, tokens, b, now)
		if err == nil {
			if l.degraded.CompareAndSwap(true, false) {
				l.log.Infow("shared rate limiter recovered", "operation", operation)
			}
			return allowed, wait
		}
		if l.degraded.CompareAndSwap(false, true) {
			l.log.Warnw("shared rate limiter unavailable, using local buckets", "operation", operation, "error", err)
		}
		telemetry.RateLimitFallbacks.Inc()
	}
	return l.local.take(tenant, operation, tokens, b, now)
}

// BlockUntilAllowed waits until tokens are granted, sleeping at most MaxWait per round.
func (l *Limiter) BlockUntilAllowed(ctx context.Context, tenant, operation string, tokens int, b Bucket) error {
	b = b.normalize()
	if tokens > b.Capacity {
		return errors.Wrapf(ErrExceedsCapacity, "%s wants %d of %d", operation, tokens, b.Capacity)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		allowed, wait := l.Consume(ctx, tenant, operation, tokens, b)
		if allowed {
			return nil
		}
		telemetry.RateLimitWaits.WithLabelValues(operation).Inc()
		if wait > MaxWait {
			wait = MaxWait
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		l.log.Debugw("rate limited", "tenant", tenant, "operation", operation, "wait", wait)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Degraded reports whether the last shared call fell back to local buckets.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
