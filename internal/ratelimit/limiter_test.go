package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirqtio/quotaguard/internal/ratelimit"
	"github.com/mirqtio/quotaguard/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
}

func newLimiter(t *testing.T, strategy ratelimit.Strategy) (*ratelimit.Limiter, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	limiter, err := ratelimit.New(strategy, store.NewMemoryCounterStore(), ratelimit.WithClock(clock))
	require.NoError(t, err)

	return limiter, clock
}

func TestTokenBucketLimiter(t *testing.T) {
	opts := ratelimit.Options{Limit: 5, Window: time.Minute, Burst: 2}

	t.Run("fresh key starts with a full bucket including burst", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.TokenBucket)

		for remaining := int64(6); remaining >= 0; remaining-- {
			result, err := limiter.Check(context.Background(), "client1", opts)

			require.NoError(t, err)
			assert.True(t, result.Allowed)
			assert.Equal(t, remaining, result.Remaining)
		}

		result, err := limiter.Check(context.Background(), "client1", opts)

		require.NoError(t, err)
		assert.False(t, result.Allowed, "8th request should exhaust limit+burst")
		assert.Equal(t, int64(0), result.Remaining)
	})

	t.Run("reports remaining and burst on every decision", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.TokenBucket)

		result, err := limiter.Check(context.Background(), "client1", opts)

		require.NoError(t, err)
		assert.Equal(t, int64(6), result.Remaining)
		assert.Equal(t, int64(5), result.Limit)
		require.NotNil(t, result.Burst)
		assert.Equal(t, int64(2), *result.Burst)
	})

	t.Run("custom cost debits multiple tokens at once", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.TokenBucket)
		costly := ratelimit.Options{Limit: 10, Window: time.Minute, Cost: 5}

		result, err := limiter.Check(context.Background(), "client1", costly)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, int64(5), result.Remaining)

		result, err = limiter.Check(context.Background(), "client1", costly)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, int64(0), result.Remaining)

		result, err = limiter.Check(context.Background(), "client1", costly)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
	})

	t.Run("tokens refill continuously with elapsed time", func(t *testing.T) {
		limiter, clock := newLimiter(t, ratelimit.TokenBucket)
		fast := ratelimit.Options{Limit: 2, Window: 2 * time.Second}

		for range 2 {
			result, err := limiter.Check(context.Background(), "client1", fast)

			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}

		result, err := limiter.Check(context.Background(), "client1", fast)
		require.NoError(t, err)
		assert.False(t, result.Allowed)

		// One second at 1 token/s buys exactly one more request.
		clock.Advance(time.Second)

		result, err = limiter.Check(context.Background(), "client1", fast)
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		result, err = limiter.Check(context.Background(), "client1", fast)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
	})

	t.Run("denied requests are never charged", func(t *testing.T) {
		limiter, clock := newLimiter(t, ratelimit.TokenBucket)
		single := ratelimit.Options{Limit: 1, Window: time.Second}

		result, err := limiter.Check(context.Background(), "client1", single)
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		clock.Advance(500 * time.Millisecond)

		// Half a token accrued, not enough; the denial must not consume it.
		result, err = limiter.Check(context.Background(), "client1", single)
		require.NoError(t, err)
		assert.False(t, result.Allowed)

		clock.Advance(500 * time.Millisecond)

		result, err = limiter.Check(context.Background(), "client1", single)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("tracks clients independently", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.TokenBucket)
		single := ratelimit.Options{Limit: 1, Window: time.Minute}

		result, _ := limiter.Check(context.Background(), "client1", single)
		assert.True(t, result.Allowed)

		result, _ = limiter.Check(context.Background(), "client1", single)
		assert.False(t, result.Allowed, "client1 should be rate limited")

		result, err := limiter.Check(context.Background(), "client2", single)

		require.NoError(t, err)
		assert.True(t, result.Allowed, "client2 should still be allowed")
	})
}

func TestSlidingWindowLimiter(t *testing.T) {
	opts := ratelimit.Options{Limit: 2, Window: 10 * time.Second}

	t.Run("allows requests under limit", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.SlidingWindow)

		for range 2 {
			result, err := limiter.Check(context.Background(), "client1", opts)

			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}
	})

	t.Run("denies requests over limit", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.SlidingWindow)

		for range 2 {
			result, _ := limiter.Check(context.Background(), "client1", opts)
			assert.True(t, result.Allowed)
		}

		result, err := limiter.Check(context.Background(), "client1", opts)

		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, int64(0), result.Remaining)
	})

	t.Run("capacity is released as entries age out", func(t *testing.T) {
		limiter, clock := newLimiter(t, ratelimit.SlidingWindow)

		result, _ := limiter.Check(context.Background(), "client1", opts)
		assert.True(t, result.Allowed)

		clock.Advance(5 * time.Second)

		result, _ = limiter.Check(context.Background(), "client1", opts)
		assert.True(t, result.Allowed)

		result, _ = limiter.Check(context.Background(), "client1", opts)
		assert.False(t, result.Allowed, "window holds two entries")

		// Six more seconds pushes only the first entry past the window.
		clock.Advance(6 * time.Second)

		result, err := limiter.Check(context.Background(), "client1", opts)
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		result, err = limiter.Check(context.Background(), "client1", opts)
		require.NoError(t, err)
		assert.False(t, result.Allowed, "second entry still occupies the window")
	})

	t.Run("reset reports when the oldest entry expires", func(t *testing.T) {
		limiter, clock := newLimiter(t, ratelimit.SlidingWindow)

		start := clock.Now()

		result, err := limiter.Check(context.Background(), "client1", opts)

		require.NoError(t, err)
		assert.Equal(t, start.Add(10*time.Second), result.Reset)
	})

	t.Run("denied requests leave no trace in the log", func(t *testing.T) {
		limiter, clock := newLimiter(t, ratelimit.SlidingWindow)

		for range 2 {
			result, _ := limiter.Check(context.Background(), "client1", opts)
			assert.True(t, result.Allowed)
		}

		for range 5 {
			result, _ := limiter.Check(context.Background(), "client1", opts)
			assert.False(t, result.Allowed)
		}

		clock.Advance(11 * time.Second)

		// Only the two allowed entries existed; all have aged out.
		usage, err := limiter.Usage(context.Background(), "client1", opts)

		require.NoError(t, err)
		assert.Equal(t, int64(0), usage.Used)
	})
}

func TestFixedWindowLimiter(t *testing.T) {
	opts := ratelimit.Options{Limit: 2, Window: time.Minute}

	t.Run("counts requests within one aligned window", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.FixedWindow)

		for range 2 {
			result, err := limiter.Check(context.Background(), "client1", opts)

			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}

		result, err := limiter.Check(context.Background(), "client1", opts)

		require.NoError(t, err)
		assert.False(t, result.Allowed)
	})

	t.Run("counter resets sharply at the window boundary", func(t *testing.T) {
		limiter, clock := newLimiter(t, ratelimit.FixedWindow)

		// One second before a minute boundary.
		clock.Set(time.Unix(119, 0))

		for range 2 {
			result, _ := limiter.Check(context.Background(), "client1", opts)
			assert.True(t, result.Allowed)
		}

		result, _ := limiter.Check(context.Background(), "client1", opts)
		assert.False(t, result.Allowed)

		// Crossing the boundary grants a fresh budget, so a hostile burst
		// can see up to twice the limit across two adjacent seconds.
		clock.Advance(time.Second)

		for range 2 {
			result, err := limiter.Check(context.Background(), "client1", opts)

			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}
	})

	t.Run("reset reports the window boundary", func(t *testing.T) {
		limiter, clock := newLimiter(t, ratelimit.FixedWindow)

		clock.Set(time.Unix(90, 0))

		result, err := limiter.Check(context.Background(), "client1", opts)

		require.NoError(t, err)
		assert.Equal(t, time.Unix(120, 0), result.Reset)
	})
}

func TestLimiterStrategiesAreIsolated(t *testing.T) {
	memStore := store.NewMemoryCounterStore()
	clock := newFakeClock()
	opts := ratelimit.Options{Limit: 1, Window: time.Minute}

	bucket, err := ratelimit.New(ratelimit.TokenBucket, memStore, ratelimit.WithClock(clock))
	require.NoError(t, err)

	window, err := ratelimit.New(ratelimit.FixedWindow, memStore, ratelimit.WithClock(clock))
	require.NoError(t, err)

	result, _ := bucket.Check(context.Background(), "client1", opts)
	assert.True(t, result.Allowed)

	result, _ = bucket.Check(context.Background(), "client1", opts)
	assert.False(t, result.Allowed)

	// Exhausting one strategy's state must not bleed into another's.
	result, err = window.Check(context.Background(), "client1", opts)

	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiterReset(t *testing.T) {
	t.Run("clears all state for the key", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.TokenBucket)
		opts := ratelimit.Options{Limit: 1, Window: time.Hour}

		result, _ := limiter.Check(context.Background(), "client1", opts)
		assert.True(t, result.Allowed)

		result, _ = limiter.Check(context.Background(), "client1", opts)
		assert.False(t, result.Allowed)

		require.NoError(t, limiter.Reset(context.Background(), "client1"))

		result, err := limiter.Check(context.Background(), "client1", opts)

		require.NoError(t, err)
		assert.True(t, result.Allowed, "key should behave as never seen")
		assert.Equal(t, int64(0), result.Remaining)
	})

	t.Run("is idempotent for unknown keys", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.TokenBucket)

		require.NoError(t, limiter.Reset(context.Background(), "never-seen"))
		require.NoError(t, limiter.Reset(context.Background(), "never-seen"))
	})

	t.Run("rejects an empty key", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.TokenBucket)

		err := limiter.Reset(context.Background(), "")

		assert.ErrorIs(t, err, ratelimit.ErrEmptyKey)
	})
}

func TestLimiterUsage(t *testing.T) {
	opts := ratelimit.Options{Limit: 5, Window: time.Minute}

	t.Run("projects consumption without mutating it", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.SlidingWindow)

		for range 3 {
			result, _ := limiter.Check(context.Background(), "client1", opts)
			assert.True(t, result.Allowed)
		}

		for range 4 {
			usage, err := limiter.Usage(context.Background(), "client1", opts)

			require.NoError(t, err)
			assert.Equal(t, int64(3), usage.Used)
			assert.Equal(t, int64(2), usage.Remaining)
			assert.Equal(t, int64(5), usage.Limit)
		}
	})

	t.Run("reports an untouched key as unused", func(t *testing.T) {
		limiter, clock := newLimiter(t, ratelimit.FixedWindow)

		usage, err := limiter.Usage(context.Background(), "client1", opts)

		require.NoError(t, err)
		assert.Equal(t, int64(0), usage.Used)
		assert.Equal(t, int64(5), usage.Remaining)
		assert.False(t, usage.Reset.Before(clock.Now()))
	})

	t.Run("rejects an empty key", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.TokenBucket)

		_, err := limiter.Usage(context.Background(), "", opts)

		assert.ErrorIs(t, err, ratelimit.ErrEmptyKey)
	})
}

func TestLimiterValidation(t *testing.T) {
	limiter, _ := newLimiter(t, ratelimit.TokenBucket)

	t.Run("rejects an empty key", func(t *testing.T) {
		_, err := limiter.Check(context.Background(), "", ratelimit.Options{Limit: 1, Window: time.Second})

		assert.ErrorIs(t, err, ratelimit.ErrEmptyKey)
	})

	t.Run("rejects invalid options", func(t *testing.T) {
		cases := map[string]ratelimit.Options{
			"negative limit":  {Limit: -1, Window: time.Second},
			"zero window":     {Limit: 1},
			"negative window": {Limit: 1, Window: -time.Second},
			"negative burst":  {Limit: 1, Window: time.Second, Burst: -1},
			"negative cost":   {Limit: 1, Window: time.Second, Cost: -1},
		}

		for name, opts := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := limiter.Check(context.Background(), "client1", opts)

				assert.ErrorIs(t, err, ratelimit.ErrInvalidOptions)
			})
		}
	})

	t.Run("cost defaults to one", func(t *testing.T) {
		limiter, _ := newLimiter(t, ratelimit.FixedWindow)
		opts := ratelimit.Options{Limit: 1, Window: time.Minute}

		result, err := limiter.Check(context.Background(), "client1", opts)
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		result, err = limiter.Check(context.Background(), "client1", opts)
		require.NoError(t, err)
		assert.False(t, result.Allowed)
	})

	t.Run("rejects an unknown strategy value", func(t *testing.T) {
		_, err := ratelimit.New(ratelimit.Strategy(42), store.NewMemoryCounterStore())

		assert.ErrorIs(t, err, ratelimit.ErrUnknownStrategy)
	})
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		name    string
		want    ratelimit.Strategy
		wantErr bool
	}{
		{name: "token-bucket", want: ratelimit.TokenBucket},
		{name: "sliding-window", want: ratelimit.SlidingWindow},
		{name: "fixed-window", want: ratelimit.FixedWindow},
		{name: "leaky-bucket", wantErr: true},
		{name: "", wantErr: true},
		{name: "Token-Bucket", wantErr: true},
	}

	for _, tc := range cases {
		t.Run("parses "+tc.name, func(t *testing.T) {
			got, err := ratelimit.ParseStrategy(tc.name)

			if tc.wantErr {
				assert.ErrorIs(t, err, ratelimit.ErrUnknownStrategy)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.name, got.String())
		})
	}
}

var errStoreDown = errors.New("store down")

type failingStore struct{}

func (failingStore) TakeTokens(context.Context, string, ratelimit.BucketOp) (ratelimit.TokenDecision, error) {
	return ratelimit.TokenDecision{}, errStoreDown
}

func (failingStore) GetBucket(context.Context, string) (ratelimit.BucketState, bool, error) {
	return ratelimit.BucketState{}, false, errStoreDown
}

func (failingStore) RecordLog(context.Context, string, ratelimit.LogOp) (ratelimit.LogDecision, error) {
	return ratelimit.LogDecision{}, errStoreDown
}

func (failingStore) GetLog(context.Context, string, time.Time) (ratelimit.LogSnapshot, error) {
	return ratelimit.LogSnapshot{}, errStoreDown
}

func (failingStore) BumpCounter(context.Context, string, ratelimit.CounterOp) (ratelimit.CounterDecision, error) {
	return ratelimit.CounterDecision{}, errStoreDown
}

func (failingStore) GetCounter(context.Context, string, int64) (int64, error) {
	return 0, errStoreDown
}

func (failingStore) Delete(context.Context, ...string) error {
	return errStoreDown
}

func (failingStore) Shutdown() error {
	return nil
}

func TestLimiterFailsOpen(t *testing.T) {
	opts := ratelimit.Options{Limit: 5, Window: time.Minute, Burst: 2}

	t.Run("store errors become degraded allowances", func(t *testing.T) {
		for _, strategy := range []ratelimit.Strategy{
			ratelimit.TokenBucket,
			ratelimit.SlidingWindow,
			ratelimit.FixedWindow,
		} {
			t.Run(strategy.String(), func(t *testing.T) {
				limiter, err := ratelimit.New(strategy, failingStore{})
				require.NoError(t, err)

				result, err := limiter.Check(context.Background(), "client1", opts)

				require.NoError(t, err, "store failure must not reject traffic")
				assert.True(t, result.Allowed)
				assert.True(t, result.Degraded)
				assert.Equal(t, int64(5), result.Remaining)
			})
		}
	})

	t.Run("burst is reported only for token bucket", func(t *testing.T) {
		limiter, err := ratelimit.New(ratelimit.TokenBucket, failingStore{})
		require.NoError(t, err)

		result, _ := limiter.Check(context.Background(), "client1", opts)
		require.NotNil(t, result.Burst)
		assert.Equal(t, int64(2), *result.Burst)

		limiter, err = ratelimit.New(ratelimit.FixedWindow, failingStore{})
		require.NoError(t, err)

		result, _ = limiter.Check(context.Background(), "client1", opts)
		assert.Nil(t, result.Burst)
	})

	t.Run("invalid input is still rejected", func(t *testing.T) {
		limiter, err := ratelimit.New(ratelimit.TokenBucket, failingStore{})
		require.NoError(t, err)

		_, err = limiter.Check(context.Background(), "", opts)
		assert.ErrorIs(t, err, ratelimit.ErrEmptyKey)

		_, err = limiter.Check(context.Background(), "client1", ratelimit.Options{Limit: 1})
		assert.ErrorIs(t, err, ratelimit.ErrInvalidOptions)
	})

	t.Run("usage propagates store errors", func(t *testing.T) {
		limiter, err := ratelimit.New(ratelimit.SlidingWindow, failingStore{})
		require.NoError(t, err)

		_, err = limiter.Usage(context.Background(), "client1", opts)

		assert.ErrorIs(t, err, errStoreDown)
	})
}
