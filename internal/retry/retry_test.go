package retry

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct {
	code  int
	after time.Duration
}

func (e *statusErr) Error() string             { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) StatusCode() int           { return e.code }
func (e *statusErr) RetryAfter() time.Duration { return e.after }

type recorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return nil
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 60*time.Second
	assert.Equal(t, time.Second, Backoff(0, base, max))
	assert.Equal(t, 8*time.Second, Backoff(3, base, max))
	assert.Equal(t, max, Backoff(6, base, max))
	assert.Equal(t, max, Backoff(200, base, max))
	assert.Equal(t, time.Duration(0), Backoff(2, 0, max))
}

func TestJitterRange(t *testing.T) {
	d := 10 * time.Second
	assert.Equal(t, 5*time.Second, Jitter(d, 0))
	assert.Equal(t, 10*time.Second, Jitter(d, 1))
	for i := 0; i < 100; i++ {
		j := Jitter(d, float64(i)/100)
		assert.GreaterOrEqual(t, j, 5*time.Second)
		assert.LessOrEqual(t, j, d)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &statusErr{code: 429}, true},
		{"503 wrapped", errors.Wrap(&statusErr{code: 503}, "publish"), true},
		{"400", &statusErr{code: 400}, false},
		{"401", &statusErr{code: 401}, false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"conn reset", errors.Wrap(syscall.ECONNRESET, "read"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"permanent 503", Permanent(&statusErr{code: 503}), false},
		{"breaker open", ErrBreakerOpen, false},
		{"plain", errors.New("bad script"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
	assert.True(t, IsTransient(errors.Wrap(ErrBreakerOpen, "tiktok")))
}

func TestExecutorExhaustsRetries(t *testing.T) {
	rec := &recorder{}
	var hooks []int
	ex := NewExecutor("tiktok", Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second},
		NewBreaker(100, time.Minute),
		WithSleep(rec.sleep), WithRandom(func() float64 { return 1 }),
		OnRetry(func(attempt int, _ error, _ time.Duration) { hooks = append(hooks, attempt) }),
	)
	cause := &statusErr{code: 503}
	calls := 0
	err := ex.Run(context.Background(), func(context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.sleeps)
	assert.Equal(t, []int{1, 2, 3}, hooks)
}

func TestExecutorNonRetryableStopsImmediately(t *testing.T) {
	rec := &recorder{}
	ex := NewExecutor("openrouter", DefaultPolicy(), nil, WithSleep(rec.sleep))
	calls := 0
	_, err := Do(context.Background(), ex, func(context.Context) (string, error) {
		calls++
		return "", &statusErr{code: 400}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.sleeps)
}

func TestExecutorSucceedsAfterTransient(t *testing.T) {
	rec := &recorder{}
	ex := NewExecutor("falai", DefaultPolicy(), nil, WithSleep(rec.sleep), WithRandom(func() float64 { return 0 }))
	calls := 0
	v, err := Do(context.Background(), ex, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, io.ErrUnexpectedEOF
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, rec.sleeps)
	assert.Equal(t, StateClosed, ex.Breaker().State())
	assert.Zero(t, ex.Breaker().Failures())
}

func TestExecutorHonorsRetryAfter(t *testing.T) {
	rec := &recorder{}
	ex := NewExecutor("tiktok", Policy{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Minute}, nil,
		WithSleep(rec.sleep), WithRandom(func() float64 { return 1 }))
	calls := 0
	err := ex.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &statusErr{code: 429, after: 7 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second, time.Second}, rec.sleeps)
}

func TestBreakerOpensAndRejectsWithoutCalling(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	br := NewBreaker(5, 60*time.Second, WithBreakerClock(func() time.Time { return now }))
	ex := NewExecutor("tiktok", Policy{MaxRetries: 0}, br)

	calls := 0
	fail := func(context.Context) error {
		calls++
		return &statusErr{code: 500}
	}
	for i := 0; i < 5; i++ {
		require.Error(t, ex.Run(context.Background(), fail))
	}
	assert.Equal(t, StateOpen, br.State())

	err := ex.Run(context.Background(), fail)
	assert.True(t, errors.Is(err, ErrBreakerOpen))
	assert.Equal(t, 5, calls)

	// One trial call after the timeout; a failed trial reopens.
	now = now.Add(61 * time.Second)
	require.Error(t, ex.Run(context.Background(), fail))
	assert.Equal(t, 6, calls)
	assert.Equal(t, StateOpen, br.State())

	now = now.Add(61 * time.Second)
	require.NoError(t, ex.Run(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, br.State())
	assert.Zero(t, br.Failures())
}

func TestExecutorStopsWhenItsFailureOpensBreaker(t *testing.T) {
	rec := &recorder{}
	br := NewBreaker(2, time.Minute)
	ex := NewExecutor("falai", Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, br,
		WithSleep(rec.sleep), WithRandom(func() float64 { return 1 }))
	cause := &statusErr{code: 503}
	calls := 0
	err := ex.Run(context.Background(), func(context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause), "last error is returned")
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, rec.sleeps, "no backoff after the breaker opened")
	assert.Equal(t, StateOpen, br.State())
}

func TestBreakerNotTrippedByCallerCancellation(t *testing.T) {
	br := NewBreaker(1, time.Minute)
	ex := NewExecutor("x", DefaultPolicy(), br)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ex.Run(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, br.State())
}

func TestPerAttemptTimeoutIsRetried(t *testing.T) {
	rec := &recorder{}
	ex := NewExecutor("slow", Policy{MaxRetries: 1, BaseDelay: time.Millisecond}, nil,
		WithSleep(rec.sleep), WithAttemptTimeout(5*time.Millisecond))
	calls := 0
	err := ex.Run(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestBreakerConcurrentUse(t *testing.T) {
	br := NewBreaker(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = br.Allow()
				br.RecordFailure()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, br.Failures())
	assert.Equal(t, StateClosed, br.State())
}

func TestObserverSeesRetriesForItsContext(t *testing.T) {
	rec := &recorder{}
	ex := NewExecutor("falai", Policy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute}, nil,
		WithSleep(rec.sleep), WithRandom(func() float64 { return 1 }))
	var seen []string
	ctx := WithObserver(context.Background(), func(name string, attempt int, err error, _ time.Duration) {
		seen = append(seen, fmt.Sprintf("%s#%d:%v", name, attempt, err))
	})
	calls := 0
	err := ex.Run(ctx, func(context.Context) error {
		calls++
		if calls < 3 {
			return &statusErr{code: 502}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"falai#1:status 502", "falai#2:status 502"}, seen)

	require.NoError(t, ex.Run(context.Background(), func(context.Context) error { return nil }))
	assert.Len(t, seen, 2)
}
