package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
}

func sharedLimiter(t *testing.T, clk *fakeClock) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, WithClock(clk.Now), WithSleep(clk.Sleep)), mr
}

func TestSharedBucketCapacityAndRefill(t *testing.T) {
	clk := newClock()
	lim, mr := sharedLimiter(t, clk)
	ctx := context.Background()
	b := Bucket{Capacity: 2, RefillRate: 1}

	for i := 0; i < 2; i++ {
		allowed, wait := lim.Consume(ctx, "tenant", "tiktok:publish", 1, b)
		require.True(t, allowed, "token %d", i)
		assert.Zero(t, wait)
	}
	allowed, wait := lim.Consume(ctx, "tenant", "tiktok:publish", 1, b)
	assert.False(t, allowed)
	assert.Equal(t, time.Second, wait)

	// The refill clock comes from the limiter, so advancing it is enough.
	clk.now = clk.now.Add(1500 * time.Millisecond)
	allowed, _ = lim.Consume(ctx, "tenant", "tiktok:publish", 1, b)
	assert.True(t, allowed)

	allowed, wait = lim.Consume(ctx, "tenant", "tiktok:publish", 1, b)
	assert.False(t, allowed)
	assert.Equal(t, 500*time.Millisecond, wait)

	assert.True(t, mr.Exists("rl:tenant:tiktok:publish"))
	assert.False(t, lim.Degraded())
}

func TestSharedBucketsAcrossLimiters(t *testing.T) {
	clk := newClock()
	mr := miniredis.RunT(t)
	a := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithClock(clk.Now))
	b := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithClock(clk.Now))
	ctx := context.Background()
	bucket := Bucket{Capacity: 3, RefillRate: 0.01}

	granted := 0
	for i := 0; i < 5; i++ {
		for _, lim := range []*Limiter{a, b} {
			if ok, _ := lim.Consume(ctx, "t1", "falai:run", 1, bucket); ok {
				granted++
			}
		}
	}
	assert.Equal(t, 3, granted)
}

func TestKeyPrefixSeparatesDeployments(t *testing.T) {
	clk := newClock()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	staging := New(client, WithClock(clk.Now), WithKeyPrefix("staging:rl"))
	prod := New(client, WithClock(clk.Now), WithKeyPrefix(""))
	ctx := context.Background()
	b := Bucket{Capacity: 1, RefillRate: 0.01}

	ok, _ := staging.Consume(ctx, "t1", "falai:run", 1, b)
	require.True(t, ok)
	ok, _ = prod.Consume(ctx, "t1", "falai:run", 1, b)
	assert.True(t, ok, "separate prefixes hold separate buckets")

	assert.True(t, mr.Exists("staging:rl:t1:falai:run"))
	assert.True(t, mr.Exists("rl:t1:falai:run"))
}

func TestTenantsAreIsolated(t *testing.T) {
	clk := newClock()
	lim, _ := sharedLimiter(t, clk)
	ctx := context.Background()
	b := Bucket{Capacity: 1, RefillRate: 0.1}

	ok, _ := lim.Consume(ctx, "a", "tiktok:read", 1, b)
	require.True(t, ok)
	ok, _ = lim.Consume(ctx, "a", "tiktok:read", 1, b)
	require.False(t, ok)
	ok, _ = lim.Consume(ctx, "b", "tiktok:read", 1, b)
	assert.True(t, ok)
	ok, _ = lim.Consume(ctx, "a", "tiktok:auth", 1, b)
	assert.True(t, ok)
}

func TestFallsBackToLocalWhenRedisFails(t *testing.T) {
	clk := newClock()
	lim, mr := sharedLimiter(t, clk)
	ctx := context.Background()
	b := Bucket{Capacity: 2, RefillRate: 1}

	mr.Close()

	ok, _ := lim.Consume(ctx, "tenant", "op", 1, b)
	assert.True(t, ok)
	assert.True(t, lim.Degraded())
	ok, _ = lim.Consume(ctx, "tenant", "op", 1, b)
	assert.True(t, ok)
	ok, wait := lim.Consume(ctx, "tenant", "op", 1, b)
	assert.False(t, ok)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(time.Millisecond))
}

func TestLocalOnlyRefill(t *testing.T) {
	clk := newClock()
	lim := New(nil, WithClock(clk.Now))
	ctx := context.Background()
	b := Bucket{Capacity: 1, RefillRate: 2}

	ok, _ := lim.Consume(ctx, "t", "op", 1, b)
	require.True(t, ok)
	ok, wait := lim.Consume(ctx, "t", "op", 1, b)
	require.False(t, ok)
	assert.InDelta(t, float64(500*time.Millisecond), float64(wait), float64(time.Millisecond))

	clk.now = clk.now.Add(500 * time.Millisecond)
	ok, _ = lim.Consume(ctx, "t", "op", 1, b)
	assert.True(t, ok)
}

func TestBlockUntilAllowedSleepsAndCaps(t *testing.T) {
	clk := newClock()
	var slept []time.Duration
	lim := New(nil, WithClock(clk.Now), WithSleep(func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return clk.Sleep(ctx, d)
	}))
	ctx := context.Background()
	// One token every 100 seconds: the first wait must be capped.
	b := Bucket{Capacity: 1, RefillRate: 0.01}

	require.NoError(t, lim.BlockUntilAllowed(ctx, "t", "op", 1, b))
	require.NoError(t, lim.BlockUntilAllowed(ctx, "t", "op", 1, b))

	require.NotEmpty(t, slept)
	for _, d := range slept {
		assert.LessOrEqual(t, d, MaxWait)
	}
	assert.Equal(t, MaxWait, slept[0])
}

func TestBlockUntilAllowedExceedsCapacity(t *testing.T) {
	lim := New(nil)
	err := lim.BlockUntilAllowed(context.Background(), "t", "op", 5, Bucket{Capacity: 2, RefillRate: 1})
	assert.ErrorIs(t, err, ErrExceedsCapacity)
}

func TestBlockUntilAllowedHonorsCancellation(t *testing.T) {
	lim := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	b := Bucket{Capacity: 1, RefillRate: 0.001}
	require.NoError(t, lim.BlockUntilAllowed(ctx, "t", "op", 1, b))

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := lim.BlockUntilAllowed(ctx, "t", "op", 1, b)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPresets(t *testing.T) {
	lim := New(nil, WithPresets(map[string]Bucket{"tiktok:publish": {Capacity: 5, RefillRate: 0.1}}))
	assert.Equal(t, Bucket{Capacity: 5, RefillRate: 0.1}, lim.Preset("tiktok:publish"))
	assert.Equal(t, DefaultBucket, lim.Preset("unknown"))
}
