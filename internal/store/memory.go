package store

import (
	"context"
	"sync"
	"time"

	"github.com/mirqtio/quotaguard/internal/ratelimit"
)

type bucketEntry struct {
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

type logEntry struct {
	at   time.Time
	cost int64
}

type counterEntry struct {
	windowID  int64
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore is an in-process ratelimit.CounterStore. A single
// mutex makes every operation atomic, matching the serialization the
// networked backends provide per key. Intended for tests and single-node
// deployments.
//
// Expiry bookkeeping uses the wall clock, like a Redis server would; all
// quota arithmetic still uses the caller-provided "now".
type MemoryCounterStore struct {
	mu       sync.Mutex
	buckets  map[string]*bucketEntry
	logs     map[string][]logEntry
	counters map[string]*counterEntry
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		buckets:  make(map[string]*bucketEntry),
		logs:     make(map[string][]logEntry),
		counters: make(map[string]*counterEntry),
	}
}

func (s *MemoryCounterStore) TakeTokens(_ context.Context, key string, op ratelimit.BucketOp) (ratelimit.TokenDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveBucket(key)
	if !ok {
		entry = &bucketEntry{tokens: op.Capacity, lastRefill: op.Now}
		s.buckets[key] = entry
	} else {
		elapsed := op.Now.Sub(entry.lastRefill)
		if elapsed < 0 {
			elapsed = 0
		}

		entry.tokens += elapsed.Seconds() * op.RefillRate
		if entry.tokens > op.Capacity {
			entry.tokens = op.Capacity
		}

		entry.lastRefill = op.Now
	}

	decision := ratelimit.TokenDecision{}

	if entry.tokens >= op.Cost {
		entry.tokens -= op.Cost
		decision.Allowed = true
	}

	decision.Tokens = entry.tokens

	if op.TTL > 0 {
		entry.expiresAt = time.Now().Add(op.TTL)
	}

	return decision, nil
}

func (s *MemoryCounterStore) GetBucket(_ context.Context, key string) (ratelimit.BucketState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveBucket(key)
	if !ok {
		return ratelimit.BucketState{}, false, nil
	}

	return ratelimit.BucketState{Tokens: entry.tokens, LastRefill: entry.lastRefill}, true, nil
}

func (s *MemoryCounterStore) RecordLog(_ context.Context, key string, op ratelimit.LogOp) (ratelimit.LogDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := op.Now.Add(-op.Window)
	entries := s.logs[key]
	live := make([]logEntry, 0, len(entries)+1)

	var used int64

	for _, e := range entries {
		if e.at.After(cutoff) {
			live = append(live, e)
			used += e.cost
		}
	}

	decision := ratelimit.LogDecision{}

	if used+op.Cost <= op.Limit {
		live = append(live, logEntry{at: op.Now, cost: op.Cost})
		used += op.Cost
		decision.Allowed = true
	}

	if len(live) == 0 {
		delete(s.logs, key)
	} else {
		s.logs[key] = live
		decision.Oldest = live[0].at
	}

	decision.Used = used

	return decision, nil
}

func (s *MemoryCounterStore) GetLog(_ context.Context, key string, cutoff time.Time) (ratelimit.LogSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := ratelimit.LogSnapshot{}

	for _, e := range s.logs[key] {
		if !e.at.After(cutoff) {
			continue
		}

		if snapshot.Oldest.IsZero() || e.at.Before(snapshot.Oldest) {
			snapshot.Oldest = e.at
		}

		snapshot.Used += e.cost
	}

	return snapshot, nil
}

func (s *MemoryCounterStore) BumpCounter(_ context.Context, key string, op ratelimit.CounterOp) (ratelimit.CounterDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveCounter(key)
	if !ok || entry.windowID != op.WindowID {
		entry = &counterEntry{windowID: op.WindowID}
		s.counters[key] = entry
	}

	decision := ratelimit.CounterDecision{}

	if entry.count+op.Cost <= op.Limit {
		entry.count += op.Cost
		decision.Allowed = true
	}

	decision.Count = entry.count

	if op.TTL > 0 {
		entry.expiresAt = time.Now().Add(op.TTL)
	}

	return decision, nil
}

func (s *MemoryCounterStore) GetCounter(_ context.Context, key string, windowID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveCounter(key)
	if !ok || entry.windowID != windowID {
		return 0, nil
	}

	return entry.count, nil
}

func (s *MemoryCounterStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.buckets, key)
		delete(s.logs, key)
		delete(s.counters, key)
	}

	return nil
}

// Shutdown is a no-op for the in-memory store.
func (s *MemoryCounterStore) Shutdown() error {
	return nil
}

// liveBucket returns the bucket for key, lazily discarding it when its TTL
// has passed. Caller must hold the mutex.
func (s *MemoryCounterStore) liveBucket(key string) (*bucketEntry, bool) {
	entry, ok := s.buckets[key]
	if !ok {
		return nil, false
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.buckets, key)

		return nil, false
	}

	return entry, true
}

func (s *MemoryCounterStore) liveCounter(key string) (*counterEntry, bool) {
	entry, ok := s.counters[key]
	if !ok {
		return nil, false
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.counters, key)

		return nil, false
	}

	return entry, true
}

// Compile-time check.
var _ ratelimit.CounterStore = (*MemoryCounterStore)(nil)
