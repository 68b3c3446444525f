package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jaevor/go-nanoid"
	"github.com/redis/go-redis/v9"

	"github.com/mirqtio/quotaguard/internal/ratelimit"
)

// RedisCounterStore is a ratelimit.CounterStore backed by Redis. Every
// read-modify-write runs as a server-side Lua script, so concurrent
// limiter instances sharing a key are serialized by Redis itself. The
// caller's clock is passed into each script as an argument; the server
// clock is only involved in key expiry.
type RedisCounterStore struct {
	client redis.UniversalClient
	// newID generates the unique suffix that keeps log entries with
	// identical timestamps distinct in the sorted set.
	newID func() string
}

// NewRedisCounterStore creates a Redis-backed counter store.
func NewRedisCounterStore(client redis.UniversalClient) (*RedisCounterStore, error) {
	gen, err := nanoid.Standard(12)
	if err != nil {
		return nil, fmt.Errorf("quotaguard/store: redis id generator: %w", err)
	}

	return &RedisCounterStore{client: client, newID: gen}, nil
}

// takeTokensScript refills a token bucket and conditionally debits it.
// Token counts travel as strings to keep float precision across the Lua
// boundary, which truncates numbers to integers on return.
//
// KEYS[1] = bucket key
// ARGV[1] = capacity
// ARGV[2] = refill rate (tokens/second)
// ARGV[3] = now (unix seconds, fractional)
// ARGV[4] = cost
// ARGV[5] = ttl in milliseconds (0 = no expiry)
var takeTokensScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = capacity

if state[1] then
    tokens = tonumber(state[1])
    local elapsed = now - tonumber(state[2])
    if elapsed > 0 then
        tokens = tokens + elapsed * rate
        if tokens > capacity then
            tokens = capacity
        end
    end
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(now))
if ttl > 0 then
    redis.call("PEXPIRE", key, ttl)
end

return {allowed, tostring(tokens)}
`)

func (s *RedisCounterStore) TakeTokens(ctx context.Context, key string, op ratelimit.BucketOp) (ratelimit.TokenDecision, error) {
	values, err := runScript(ctx, s.client, takeTokensScript, key,
		formatFloat(op.Capacity),
		formatFloat(op.RefillRate),
		formatUnix(op.Now),
		formatFloat(op.Cost),
		op.TTL.Milliseconds(),
	)
	if err != nil {
		return ratelimit.TokenDecision{}, fmt.Errorf("quotaguard/store: take tokens: %w", err)
	}

	tokens, err := replyFloat(values, 1)
	if err != nil {
		return ratelimit.TokenDecision{}, fmt.Errorf("quotaguard/store: take tokens: %w", err)
	}

	return ratelimit.TokenDecision{
		Allowed: replyInt(values, 0) == 1,
		Tokens:  tokens,
	}, nil
}

func (s *RedisCounterStore) GetBucket(ctx context.Context, key string) (ratelimit.BucketState, bool, error) {
	values, err := s.client.HMGet(ctx, key, "tokens", "last_refill").Result()
	if err != nil {
		return ratelimit.BucketState{}, false, fmt.Errorf("quotaguard/store: get bucket: %w", err)
	}

	raw, ok := values[0].(string)
	if !ok {
		return ratelimit.BucketState{}, false, nil
	}

	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return ratelimit.BucketState{}, false, fmt.Errorf("quotaguard/store: parse tokens: %w", err)
	}

	rawRefill, _ := values[1].(string)

	lastRefill, err := strconv.ParseFloat(rawRefill, 64)
	if err != nil {
		return ratelimit.BucketState{}, false, fmt.Errorf("quotaguard/store: parse last refill: %w", err)
	}

	return ratelimit.BucketState{
		Tokens:     tokens,
		LastRefill: time.UnixMicro(int64(lastRefill * 1e6)),
	}, true, nil
}

// recordLogScript prunes a sorted-set request log, sums surviving weights,
// and appends the request when capacity remains. Entries are scored by
// arrival time in microseconds; each member ends in ":<cost>" so weights
// survive without a companion structure.
//
// KEYS[1] = log key
// ARGV[1] = limit
// ARGV[2] = cost
// ARGV[3] = now (microseconds)
// ARGV[4] = window (microseconds)
// ARGV[5] = member
// ARGV[6] = ttl in milliseconds
var recordLogScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local member = ARGV[5]
local ttl = tonumber(ARGV[6])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)

local used = 0
for _, entry in ipairs(redis.call("ZRANGE", key, 0, -1)) do
    used = used + (tonumber(string.match(entry, ":(%d+)$")) or 1)
end

local allowed = 0
if used + cost <= limit then
    redis.call("ZADD", key, now, member)
    redis.call("PEXPIRE", key, ttl)
    used = used + cost
    allowed = 1
end

local oldest = 0
local head = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if head[2] then
    oldest = tonumber(head[2])
end

return {allowed, used, tostring(oldest)}
`)

func (s *RedisCounterStore) RecordLog(ctx context.Context, key string, op ratelimit.LogOp) (ratelimit.LogDecision, error) {
	nowMicro := op.Now.UnixMicro()
	member := fmt.Sprintf("%d:%s:%d", nowMicro, s.newID(), op.Cost)

	values, err := runScript(ctx, s.client, recordLogScript, key,
		op.Limit,
		op.Cost,
		nowMicro,
		op.Window.Microseconds(),
		member,
		op.TTL.Milliseconds(),
	)
	if err != nil {
		return ratelimit.LogDecision{}, fmt.Errorf("quotaguard/store: record log: %w", err)
	}

	oldest, err := replyFloat(values, 2)
	if err != nil {
		return ratelimit.LogDecision{}, fmt.Errorf("quotaguard/store: record log: %w", err)
	}

	decision := ratelimit.LogDecision{
		Allowed: replyInt(values, 0) == 1,
		Used:    replyInt(values, 1),
	}
	if oldest > 0 {
		decision.Oldest = time.UnixMicro(int64(oldest))
	}

	return decision, nil
}

func (s *RedisCounterStore) GetLog(ctx context.Context, key string, cutoff time.Time) (ratelimit.LogSnapshot, error) {
	entries, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return ratelimit.LogSnapshot{}, fmt.Errorf("quotaguard/store: get log: %w", err)
	}

	snapshot := ratelimit.LogSnapshot{}

	for i, entry := range entries {
		if i == 0 {
			snapshot.Oldest = time.UnixMicro(int64(entry.Score))
		}

		snapshot.Used += memberCost(entry.Member)
	}

	return snapshot, nil
}

// bumpCounterScript conditionally increments a fixed window counter,
// resetting it first when the stored window id no longer matches.
//
// KEYS[1] = counter key
// ARGV[1] = window id
// ARGV[2] = limit
// ARGV[3] = cost
// ARGV[4] = ttl in milliseconds (time left until the window boundary)
var bumpCounterScript = redis.NewScript(`
local key = KEYS[1]
local window_id = ARGV[1]
local limit = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local count = 0
if redis.call("HGET", key, "window_id") == window_id then
    count = tonumber(redis.call("HGET", key, "count")) or 0
end

local allowed = 0
if count + cost <= limit then
    count = count + cost
    allowed = 1
end

redis.call("HSET", key, "window_id", window_id, "count", tostring(count))
if ttl > 0 then
    redis.call("PEXPIRE", key, ttl)
end

return {allowed, count}
`)

func (s *RedisCounterStore) BumpCounter(ctx context.Context, key string, op ratelimit.CounterOp) (ratelimit.CounterDecision, error) {
	ttl := op.TTL.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	values, err := runScript(ctx, s.client, bumpCounterScript, key,
		strconv.FormatInt(op.WindowID, 10),
		op.Limit,
		op.Cost,
		ttl,
	)
	if err != nil {
		return ratelimit.CounterDecision{}, fmt.Errorf("quotaguard/store: bump counter: %w", err)
	}

	return ratelimit.CounterDecision{
		Allowed: replyInt(values, 0) == 1,
		Count:   replyInt(values, 1),
	}, nil
}

func (s *RedisCounterStore) GetCounter(ctx context.Context, key string, windowID int64) (int64, error) {
	values, err := s.client.HMGet(ctx, key, "window_id", "count").Result()
	if err != nil {
		return 0, fmt.Errorf("quotaguard/store: get counter: %w", err)
	}

	id, ok := values[0].(string)
	if !ok || id != strconv.FormatInt(windowID, 10) {
		return 0, nil
	}

	raw, _ := values[1].(string)

	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quotaguard/store: parse count: %w", err)
	}

	return count, nil
}

func (s *RedisCounterStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("quotaguard/store: delete: %w", err)
	}

	return nil
}

// Shutdown closes the underlying Redis client.
func (s *RedisCounterStore) Shutdown() error {
	return s.client.Close()
}

func runScript(ctx context.Context, client redis.UniversalClient, script *redis.Script, key string, args ...any) ([]any, error) {
	result, err := script.Run(ctx, client, []string{key}, args...).Result()
	if err != nil {
		return nil, err
	}

	values, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %T", result)
	}

	return values, nil
}

func replyInt(values []any, i int) int64 {
	if i >= len(values) {
		return 0
	}

	n, _ := values[i].(int64)

	return n
}

func replyFloat(values []any, i int) (float64, error) {
	if i >= len(values) {
		return 0, fmt.Errorf("script reply too short (%d values)", len(values))
	}

	switch v := values[i].(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("unexpected script reply value %T", v)
	}
}

// memberCost extracts the ":<cost>" suffix of a log member.
func memberCost(member any) int64 {
	raw, ok := member.(string)
	if !ok {
		return 1
	}

	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return 1
	}

	cost, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil {
		return 1
	}

	return cost
}

// Compile-time check.
var _ ratelimit.CounterStore = (*RedisCounterStore)(nil)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}
