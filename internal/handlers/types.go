package handlers

import "time"

// CheckRequest is the request body for an explicit admission check.
type CheckRequest struct {
	Body struct {
		Key  string `doc:"Rate limit key identifying the caller" example:"user-123"     json:"key"`
		Cost int64  `doc:"Quota weight of the request, defaults to 1" example:"1" json:"cost,omitempty"`
	}
}

// CheckResponse reports the admission decision.
type CheckResponse struct {
	Body struct {
		Allowed   bool      `doc:"Whether the request may proceed"                json:"allowed"`
		Remaining int64     `doc:"Capacity left after this decision"              json:"remaining"`
		Limit     int64     `doc:"Configured steady-state quota"                  json:"limit"`
		Reset     time.Time `doc:"When consumed capacity has decayed"             json:"reset"`
		Burst     *int64    `doc:"Burst capacity, token-bucket strategy only"     json:"burst,omitempty"`
		Degraded  bool      `doc:"Allowance granted while the store was down"     json:"degraded,omitempty"`
	}
}

// UsageRequest identifies the key to project usage for.
type UsageRequest struct {
	Key string `doc:"Rate limit key" example:"user-123" path:"key"`
}

// UsageResponse is the read-only usage projection for a key.
type UsageResponse struct {
	Body struct {
		Used      int64     `doc:"Quota consumed in the current window" json:"used"`
		Limit     int64     `doc:"Configured steady-state quota"        json:"limit"`
		Remaining int64     `doc:"Capacity currently left"              json:"remaining"`
		Reset     time.Time `doc:"When usage has decayed"               json:"reset"`
	}
}

// ResetRequest identifies the key whose quota state is deleted.
type ResetRequest struct {
	Key string `doc:"Rate limit key" example:"user-123" path:"key"`
}
