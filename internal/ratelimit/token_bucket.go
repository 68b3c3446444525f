package ratelimit

import (
	"context"
	"math"
	"time"
)

// tokenBucket implements continuous refill with burst capacity. Capacity is
// limit+burst; tokens refill at limit/window per second. A fresh key starts
// with a full bucket, so the first limit+burst unit-cost requests all pass.
type tokenBucket struct{}

func (tokenBucket) check(ctx context.Context, store CounterStore, key string, opts Options, now time.Time) (Result, error) {
	capacity := float64(opts.Limit + opts.Burst)
	rate := refillRate(opts)

	decision, err := store.TakeTokens(ctx, BucketKey(key), BucketOp{
		Capacity:   capacity,
		RefillRate: rate,
		Cost:       float64(opts.Cost),
		Now:        now,
		TTL:        bucketTTL(capacity, rate),
	})
	if err != nil {
		return Result{}, err
	}

	burst := opts.Burst

	return Result{
		Allowed:   decision.Allowed,
		Remaining: int64(math.Floor(decision.Tokens)),
		Limit:     opts.Limit,
		Reset:     refillDeadline(now, decision.Tokens, capacity, rate, opts.Window),
		Burst:     &burst,
	}, nil
}

func (tokenBucket) usage(ctx context.Context, store CounterStore, key string, opts Options, now time.Time) (Usage, error) {
	capacity := float64(opts.Limit + opts.Burst)
	rate := refillRate(opts)

	state, ok, err := store.GetBucket(ctx, BucketKey(key))
	if err != nil {
		return Usage{}, err
	}

	tokens := capacity

	if ok {
		elapsed := now.Sub(state.LastRefill)
		if elapsed < 0 {
			elapsed = 0
		}

		tokens = math.Min(capacity, state.Tokens+elapsed.Seconds()*rate)
	}

	remaining := int64(math.Floor(tokens))

	return Usage{
		Used:      int64(capacity) - remaining,
		Limit:     opts.Limit,
		Remaining: remaining,
		Reset:     refillDeadline(now, tokens, capacity, rate, opts.Window),
	}, nil
}

func refillRate(opts Options) float64 {
	return float64(opts.Limit) / opts.Window.Seconds()
}

// bucketTTL is the time for an empty bucket to refill completely. Past
// that, an expired key and a full bucket behave identically, so state for
// idle keys can be dropped.
func bucketTTL(capacity, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}

	return time.Duration(capacity / rate * float64(time.Second))
}

// refillDeadline is the instant at which the bucket is full again.
func refillDeadline(now time.Time, tokens, capacity, rate float64, window time.Duration) time.Time {
	if rate <= 0 {
		return now.Add(window)
	}

	deficit := capacity - tokens
	if deficit < 0 {
		deficit = 0
	}

	return now.Add(time.Duration(deficit / rate * float64(time.Second)))
}
