package ratelimit

import (
	"context"
	"time"
)

// slidingWindow rate limits over a true trailing window: each allowed
// request is logged with its cost, entries age out exactly window seconds
// after they were recorded, and the capacity they held is released the
// instant they do. Nothing is aligned to wall-clock boundaries.
type slidingWindow struct{}

func (slidingWindow) check(ctx context.Context, store CounterStore, key string, opts Options, now time.Time) (Result, error) {
	decision, err := store.RecordLog(ctx, LogKey(key), LogOp{
		Limit:  opts.Limit,
		Cost:   opts.Cost,
		Now:    now,
		Window: opts.Window,
		TTL:    opts.Window,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   decision.Allowed,
		Remaining: clampRemaining(opts.Limit, decision.Used),
		Limit:     opts.Limit,
		Reset:     logReset(decision.Oldest, now, opts.Window),
	}, nil
}

func (slidingWindow) usage(ctx context.Context, store CounterStore, key string, opts Options, now time.Time) (Usage, error) {
	snapshot, err := store.GetLog(ctx, LogKey(key), now.Add(-opts.Window))
	if err != nil {
		return Usage{}, err
	}

	return Usage{
		Used:      snapshot.Used,
		Limit:     opts.Limit,
		Remaining: clampRemaining(opts.Limit, snapshot.Used),
		Reset:     logReset(snapshot.Oldest, now, opts.Window),
	}, nil
}

func clampRemaining(limit, used int64) int64 {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	return remaining
}

// logReset is when the oldest logged entry ages out of the window, i.e.
// the earliest instant at which occupied capacity is released.
func logReset(oldest, now time.Time, window time.Duration) time.Time {
	if oldest.IsZero() {
		return now.Add(window)
	}

	return oldest.Add(window)
}
