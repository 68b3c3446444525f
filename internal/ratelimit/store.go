package ratelimit

import (
	"context"
	"time"
)

// CounterStore is the single source of truth for quota state shared by
// every limiter instance. Each mutating operation is a complete
// read-modify-write for one key and must execute atomically: the store
// serializes concurrent operations on the same key, so two callers can
// never both observe spare capacity and both consume it.
//
// "now" is always supplied by the caller. Implementations must not
// substitute their own clock.
type CounterStore interface {
	// TakeTokens refills the token bucket at key and debits op.Cost if at
	// least that many tokens are available. A key with no bucket starts
	// full (op.Capacity tokens). The bucket's refill timestamp advances to
	// op.Now whether or not the debit succeeds; a denied request is never
	// charged.
	TakeTokens(ctx context.Context, key string, op BucketOp) (TokenDecision, error)

	// GetBucket returns the raw bucket state without mutating it. The
	// second return is false when no live bucket exists for the key.
	GetBucket(ctx context.Context, key string) (BucketState, bool, error)

	// RecordLog prunes entries older than op.Now-op.Window from the log at
	// key, sums the surviving weights, and appends a (op.Now, op.Cost)
	// entry if the sum plus op.Cost stays within op.Limit. Denied requests
	// are not recorded.
	RecordLog(ctx context.Context, key string, op LogOp) (LogDecision, error)

	// GetLog sums log weights newer than cutoff without mutating the log.
	GetLog(ctx context.Context, key string, cutoff time.Time) (LogSnapshot, error)

	// BumpCounter increments the counter at key by op.Cost if the result
	// stays within op.Limit. A counter seen with a different WindowID is
	// reset to zero first; op.TTL expires the counter at the window
	// boundary so an idle key disappears on its own.
	BumpCounter(ctx context.Context, key string, op CounterOp) (CounterDecision, error)

	// GetCounter returns the count for the key if its stored window id
	// matches windowID, zero otherwise. Never mutates.
	GetCounter(ctx context.Context, key string, windowID int64) (int64, error)

	// Delete removes all state for the given keys. Missing keys are not an
	// error.
	Delete(ctx context.Context, keys ...string) error

	// Shutdown releases resources held by the store.
	Shutdown() error
}

// BucketOp parameterizes one atomic token bucket operation.
type BucketOp struct {
	// Capacity is limit+burst, the cap for refill.
	Capacity float64
	// RefillRate is tokens added per second of elapsed time.
	RefillRate float64
	// Cost is the number of tokens this request wants to debit.
	Cost float64
	// Now is the caller's clock reading.
	Now time.Time
	// TTL expires an idle bucket; after TTL an absent bucket and a fully
	// refilled one are indistinguishable. Zero means no expiry.
	TTL time.Duration
}

// TokenDecision is the outcome of TakeTokens.
type TokenDecision struct {
	Allowed bool
	// Tokens remaining after the decision (debited when allowed, untouched
	// apart from refill when denied).
	Tokens float64
}

// BucketState is the raw persisted bucket, returned by GetBucket.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// LogOp parameterizes one atomic sliding window log operation.
type LogOp struct {
	Limit  int64
	Cost   int64
	Now    time.Time
	Window time.Duration
	// TTL expires the whole log after a quiet period; any value >= Window
	// is safe since older entries carry no weight.
	TTL time.Duration
}

// LogDecision is the outcome of RecordLog.
type LogDecision struct {
	Allowed bool
	// Used is the weighted sum inside the window after the decision,
	// including the appended entry when allowed.
	Used int64
	// Oldest is the timestamp of the oldest surviving entry, zero when the
	// log is empty.
	Oldest time.Time
}

// LogSnapshot is the read-only view returned by GetLog.
type LogSnapshot struct {
	Used   int64
	Oldest time.Time
}

// CounterOp parameterizes one atomic fixed window counter operation.
type CounterOp struct {
	WindowID int64
	Limit    int64
	Cost     int64
	TTL      time.Duration
}

// CounterDecision is the outcome of BumpCounter.
type CounterDecision struct {
	Allowed bool
	// Count after the decision within the current window.
	Count int64
}

const keyPrefix = "ratelimit"

// Each strategy keeps its state under its own namespace so that switching
// a limiter's strategy for a key never reads another algorithm's state.

// BucketKey returns the store key for a caller's token bucket state.
func BucketKey(key string) string {
	return keyPrefix + ":bucket:" + key
}

// LogKey returns the store key for a caller's sliding window log.
func LogKey(key string) string {
	return keyPrefix + ":log:" + key
}

// CounterKey returns the store key for a caller's fixed window counter.
func CounterKey(key string) string {
	return keyPrefix + ":window:" + key
}
