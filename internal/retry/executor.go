package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/telemetry"
)

// Executor runs calls against one dependency with its own breaker.
type Executor struct {
	name           string
	policy         Policy
	breaker        *Breaker
	attemptTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	random         func() float64
	onRetry        func(attempt int, err error, delay time.Duration)
	log            *zap.SugaredLogger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep injects the sleep used between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithRandom injects the jitter source; it must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(e *Executor) { e.random = random }
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.attemptTimeout = d }
}

// OnRetry is called before each backoff sleep with the 1-based attempt that failed.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Executor) { e.log = log }
}

type observerKey struct{}

// WithObserver returns a context whose retries are reported to fn, on top of
// the executor's own OnRetry hook. It scopes reporting to one unit of work
// when executors are shared.
func WithObserver(ctx context.Context, fn func(executor string, attempt int, err error, delay time.Duration)) context.Context {
	return context.WithValue(ctx, observerKey{}, fn)
}

// NewExecutor builds an executor. A nil breaker gets a default one.
func NewExecutor(name string, policy Policy, breaker *Breaker, opts ...Option) *Executor {
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	e := &Executor{
		name:    name,
		policy:  policy,
		breaker: breaker,
		sleep:   sleepCtx,
		random:  rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = telemetry.OrNop(e.log)
	telemetry.BreakerState.WithLabelValues(name).Set(float64(breaker.State()))
	return e
}

func (e *Executor) Name() string      { return e.name }
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Run executes op with retries. See Do.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do executes op at most MaxRetries+1 times. Non-retryable errors and the
// final retryable error are returned unchanged. An open breaker returns
// ErrBreakerOpen without calling op.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := e.breaker.Allow(); err != nil {
			return zero, errors.Wrapf(err, "%s", e.name)
		}

		v, err := runAttempt(ctx, e.attemptTimeout, op)
		if err == nil {
			e.breaker.RecordSuccess()
			e.publishState()
			return v, nil
		}
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the dependency.
			return zero, err
		}
		e.breaker.RecordFailure()
		e.publishState()

		if !IsRetryable(err) || attempt >= e.policy.MaxRetries {
			return zero, err
		}
		if e.breaker.State() == StateOpen {
			// The next Allow would refuse; don't sleep first.
			return zero, err
		}

		delay := Jitter(Backoff(attempt, e.policy.BaseDelay, e.policy.MaxDelay), e.random())
		if e.onRetry != nil {
			e.onRetry(attempt+1, err, delay)
		}
		if obs, ok := ctx.Value(observerKey{}).(func(string, int, error, time.Duration)); ok {
			obs(e.name, attempt+1, err, delay)
		}
		telemetry.RetryAttempts.WithLabelValues(e.name).Inc()
		e.log.Debugw("retrying call", "executor", e.name, "attempt", attempt+1, "delay", delay, "error", err)

		if hint := RetryAfterHint(err); hint > 0 {
			if serr := e.sleep(ctx, hint); serr != nil {
				return zero, serr
			}
		}
		if serr := e.sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func (e *Executor) publishState() {
	telemetry.BreakerState.WithLabelValues(e.name).Set(float64(e.breaker.State()))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
