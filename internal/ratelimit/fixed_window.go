package ratelimit

import (
	"context"
	"time"
)

// fixedWindow counts requests in clock-aligned buckets of size window. The
// counter vanishes at the boundary, producing a hard reset rather than a
// gradual decay. A burst straddling a boundary can therefore admit up to
// 2x limit requests in a short real-time span; that is the documented
// behavior of the algorithm, not a defect.
type fixedWindow struct{}

func (fixedWindow) check(ctx context.Context, store CounterStore, key string, opts Options, now time.Time) (Result, error) {
	id := windowID(now, opts.Window)
	boundary := windowEnd(id, opts.Window)

	decision, err := store.BumpCounter(ctx, CounterKey(key), CounterOp{
		WindowID: id,
		Limit:    opts.Limit,
		Cost:     opts.Cost,
		TTL:      boundary.Sub(now),
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   decision.Allowed,
		Remaining: clampRemaining(opts.Limit, decision.Count),
		Limit:     opts.Limit,
		Reset:     boundary,
	}, nil
}

func (fixedWindow) usage(ctx context.Context, store CounterStore, key string, opts Options, now time.Time) (Usage, error) {
	id := windowID(now, opts.Window)

	count, err := store.GetCounter(ctx, CounterKey(key), id)
	if err != nil {
		return Usage{}, err
	}

	return Usage{
		Used:      count,
		Limit:     opts.Limit,
		Remaining: clampRemaining(opts.Limit, count),
		Reset:     windowEnd(id, opts.Window),
	}, nil
}

// windowID is floor(now/window): all arrivals within the same aligned
// bucket share one id.
func windowID(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / int64(window)
}

func windowEnd(id int64, window time.Duration) time.Time {
	return time.Unix(0, (id+1)*int64(window))
}
