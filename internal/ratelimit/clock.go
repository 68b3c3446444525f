package ratelimit

import "time"

// Clock supplies the current time to the limiter. All three algorithms and
// every CounterStore operation receive "now" from the limiter's clock; the
// store never reads its own clock, so caller and store cannot disagree
// about elapsed time. Inject a fake for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
