package events

import "time"

const (
	// TopicLimitExceeded carries decisions where a caller was denied for
	// being over quota.
	TopicLimitExceeded = "ratelimit.exceeded"

	// TopicDegradedAllow carries allowances granted only because the
	// counter store was unreachable. A non-empty stream here means the
	// limiter is running in fail-open mode.
	TopicDegradedAllow = "ratelimit.degraded"
)

// DecisionEvent describes one admission decision worth surfacing to
// operators.
type DecisionEvent struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Strategy   string    `json:"strategy"`
	Allowed    bool      `json:"allowed"`
	Degraded   bool      `json:"degraded,omitempty"`
	Limit      int64     `json:"limit"`
	Remaining  int64     `json:"remaining"`
	Cost       int64     `json:"cost"`
	Path       string    `json:"path,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
