package events

import (
	"context"
	"sync"
)

// Store persists consumed decision events.
type Store interface {
	SaveLimitExceeded(ctx context.Context, event *DecisionEvent) error
	SaveDegradedAllow(ctx context.Context, event *DecisionEvent) error
}

// KeyTally summarizes the decisions recorded for one rate limit key.
type KeyTally struct {
	Rejected int64 `json:"rejected"`
	Degraded int64 `json:"degraded"`
}

// MemoryTally is an in-memory Store that counts rejections and degraded
// allowances per key.
type MemoryTally struct {
	mu      sync.Mutex
	tallies map[string]*KeyTally
}

// NewMemoryTally creates an empty tally store.
func NewMemoryTally() *MemoryTally {
	return &MemoryTally{tallies: make(map[string]*KeyTally)}
}

func (t *MemoryTally) SaveLimitExceeded(_ context.Context, event *DecisionEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tally(event.Key).Rejected++

	return nil
}

func (t *MemoryTally) SaveDegradedAllow(_ context.Context, event *DecisionEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tally(event.Key).Degraded++

	return nil
}

// Snapshot returns a copy of all tallies keyed by rate limit key.
func (t *MemoryTally) Snapshot() map[string]KeyTally {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]KeyTally, len(t.tallies))
	for key, tally := range t.tallies {
		out[key] = *tally
	}

	return out
}

func (t *MemoryTally) tally(key string) *KeyTally {
	entry, ok := t.tallies[key]
	if !ok {
		entry = &KeyTally{}
		t.tallies[key] = entry
	}

	return entry
}

// Compile-time check.
var _ Store = (*MemoryTally)(nil)
