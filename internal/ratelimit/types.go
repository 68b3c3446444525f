package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyKey is returned when a check, reset, or usage call is made
	// without a rate limit key.
	ErrEmptyKey = errors.New("ratelimit: key must not be empty")

	// ErrUnknownStrategy is returned for a strategy name or value outside
	// the supported set. This is a configuration error and is never
	// silently defaulted.
	ErrUnknownStrategy = errors.New("ratelimit: unknown strategy")

	// ErrInvalidOptions is returned when per-call options fail validation.
	ErrInvalidOptions = errors.New("ratelimit: invalid options")
)

// Strategy selects the rate limiting algorithm. The set is closed: a
// limiter is always backed by exactly one of the three algorithms.
type Strategy int

const (
	// TokenBucket refills capacity continuously up to limit+burst and
	// debits a cost per request.
	TokenBucket Strategy = iota
	// SlidingWindow evaluates a trailing window over a log of weighted
	// request timestamps.
	SlidingWindow
	// FixedWindow counts requests in clock-aligned buckets that reset
	// sharply at each boundary.
	FixedWindow
)

// ParseStrategy maps a configuration string to a Strategy. Unrecognized
// names are a configuration error, not a fallback.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "token-bucket":
		return TokenBucket, nil
	case "sliding-window":
		return SlidingWindow, nil
	case "fixed-window":
		return FixedWindow, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

func (s Strategy) String() string {
	switch s {
	case TokenBucket:
		return "token-bucket"
	case SlidingWindow:
		return "sliding-window"
	case FixedWindow:
		return "fixed-window"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Options carries the quota parameters for a single check. Options are
// immutable per call and never persisted.
type Options struct {
	// Limit is the steady-state quota for the window.
	Limit int64
	// Window is the quota period.
	Window time.Duration
	// Burst is extra capacity above Limit. Token bucket only; ignored by
	// the other strategies.
	Burst int64
	// Cost is the quota weight this request consumes. Defaults to 1.
	Cost int64
}

// normalize applies defaults and validates. The returned Options are safe
// to hand to a strategy.
func (o Options) normalize() (Options, error) {
	if o.Cost == 0 {
		o.Cost = 1
	}

	switch {
	case o.Limit < 0:
		return o, fmt.Errorf("%w: limit %d is negative", ErrInvalidOptions, o.Limit)
	case o.Window <= 0:
		return o, fmt.Errorf("%w: window %s is not positive", ErrInvalidOptions, o.Window)
	case o.Burst < 0:
		return o, fmt.Errorf("%w: burst %d is negative", ErrInvalidOptions, o.Burst)
	case o.Cost < 0:
		return o, fmt.Errorf("%w: cost %d is negative", ErrInvalidOptions, o.Cost)
	}

	return o, nil
}

// Result is the outcome of a single admission check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the capacity left after this decision.
	Remaining int64
	// Limit echoes the configured steady-state quota.
	Limit int64
	// Reset is when the consumed capacity is guaranteed to have decayed:
	// the full-refill instant for token bucket, the oldest entry's expiry
	// for sliding window, the bucket boundary for fixed window.
	Reset time.Time
	// Burst is set only for token-bucket decisions. Callers may branch on
	// its presence.
	Burst *int64
	// Degraded marks an allowance granted because the backing store was
	// unreachable, not because capacity was available. See Limiter.Check.
	Degraded bool
}

// Usage is a read-only projection of a key's current consumption under the
// configured strategy.
type Usage struct {
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Reset     time.Time `json:"reset"`
}
