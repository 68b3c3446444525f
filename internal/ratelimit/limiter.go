package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// algorithm is the closed set of rate limiting strategies. Each check is a
// single atomic operation against the store; usage is a read-only
// projection of the same state.
type algorithm interface {
	check(ctx context.Context, store CounterStore, key string, opts Options, now time.Time) (Result, error)
	usage(ctx context.Context, store CounterStore, key string, opts Options, now time.Time) (Usage, error)
}

// Limiter dispatches admission checks to one configured strategy backed by
// a shared CounterStore. Multiple Limiter instances (one per process) may
// share the same store and keys without extra coordination: the limiter
// holds no in-process locks and delegates all serialization to the store.
//
// Store failures never reject traffic. When the store is unreachable,
// Check fails open: it logs the error and returns an allowance marked
// Degraded, so an infrastructure outage in the counter store cannot become
// an outage of the protected service. This trades strict quota enforcement
// for availability, deliberately.
type Limiter struct {
	strategy Strategy
	algo     algorithm
	store    CounterStore
	clock    Clock
	logger   *zap.Logger
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for fail-open reporting.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithClock replaces the wall clock, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// New creates a Limiter for the given strategy. A strategy value outside
// the enumeration is a configuration error.
func New(strategy Strategy, store CounterStore, opts ...Option) (*Limiter, error) {
	var algo algorithm

	switch strategy {
	case TokenBucket:
		algo = tokenBucket{}
	case SlidingWindow:
		algo = slidingWindow{}
	case FixedWindow:
		algo = fixedWindow{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, int(strategy))
	}

	l := &Limiter{
		strategy: strategy,
		algo:     algo,
		store:    store,
		clock:    systemClock{},
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Strategy returns the strategy this limiter was constructed with.
func (l *Limiter) Strategy() Strategy {
	return l.strategy
}

// Check decides whether the request identified by key may proceed under
// opts. Exactly one atomic store operation runs per call. Errors are
// returned only for invalid input (empty key, bad options); store errors
// take the fail-open path instead.
func (l *Limiter) Check(ctx context.Context, key string, opts Options) (Result, error) {
	if key == "" {
		return Result{}, ErrEmptyKey
	}

	opts, err := opts.normalize()
	if err != nil {
		return Result{}, err
	}

	now := l.clock.Now()

	result, err := l.algo.check(ctx, l.store, key, opts, now)
	if err != nil {
		l.logger.Error("rate limit store unavailable, failing open",
			zap.String("key", key),
			zap.String("strategy", l.strategy.String()),
			zap.Error(err),
		)

		return l.failOpen(opts, now), nil
	}

	return result, nil
}

// Reset eagerly deletes all strategy state for key: bucket, window log,
// and window counter, regardless of which strategy this limiter runs. The
// next Check for the key behaves as if the key had never been seen.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	return l.store.Delete(ctx, BucketKey(key), LogKey(key), CounterKey(key))
}

// Usage reports the configured strategy's current state for key without
// mutating it. Unlike Check, store errors are returned: a usage projection
// has no admission decision to fail open on.
func (l *Limiter) Usage(ctx context.Context, key string, opts Options) (Usage, error) {
	if key == "" {
		return Usage{}, ErrEmptyKey
	}

	opts, err := opts.normalize()
	if err != nil {
		return Usage{}, err
	}

	return l.algo.usage(ctx, l.store, key, opts, l.clock.Now())
}

// failOpen builds the best-effort allowance returned while the store is
// down. Remaining is reported as the full limit since no counter could be
// consulted, and Degraded is set so callers can observe the condition.
func (l *Limiter) failOpen(opts Options, now time.Time) Result {
	result := Result{
		Allowed:   true,
		Remaining: opts.Limit,
		Limit:     opts.Limit,
		Reset:     now.Add(opts.Window),
		Degraded:  true,
	}

	if l.strategy == TokenBucket {
		burst := opts.Burst
		result.Burst = &burst
	}

	return result
}
