package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirqtio/quotaguard/internal/ratelimit"
)

// PostgresCounterStore is a ratelimit.CounterStore backed by PostgreSQL,
// for deployments that already run Postgres but not Redis. Each operation
// runs in a transaction holding a per-key advisory lock, which serializes
// concurrent limiter instances on the same key the way a Redis script
// does.
//
// Expired rows are treated as absent and cleaned up lazily on the next
// write to the same key; expiry uses the database clock, quota arithmetic
// the caller's.
type PostgresCounterStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCounterStore creates a Postgres-backed counter store.
func NewPostgresCounterStore(pool *pgxpool.Pool) *PostgresCounterStore {
	return &PostgresCounterStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS rate_buckets (
	key         TEXT PRIMARY KEY,
	tokens      DOUBLE PRECISION NOT NULL,
	last_refill TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS rate_log (
	key         TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	cost        BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS rate_log_key_time_idx ON rate_log (key, occurred_at);

CREATE TABLE IF NOT EXISTS rate_counters (
	key        TEXT PRIMARY KEY,
	window_id  BIGINT NOT NULL,
	count      BIGINT NOT NULL,
	expires_at TIMESTAMPTZ
);
`

// EnsureSchema creates the counter tables if they do not exist yet.
func (p *PostgresCounterStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("quotaguard/store: ensure schema: %w", err)
	}

	return nil
}

func (p *PostgresCounterStore) TakeTokens(ctx context.Context, key string, op ratelimit.BucketOp) (ratelimit.TokenDecision, error) {
	var decision ratelimit.TokenDecision

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, key); err != nil {
			return err
		}

		var (
			tokens     float64
			lastRefill time.Time
		)

		err := tx.QueryRow(ctx, `
			SELECT tokens, last_refill FROM rate_buckets
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
		`, key).Scan(&tokens, &lastRefill)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			tokens = op.Capacity
		case err != nil:
			return err
		default:
			elapsed := op.Now.Sub(lastRefill)
			if elapsed > 0 {
				tokens += elapsed.Seconds() * op.RefillRate
				if tokens > op.Capacity {
					tokens = op.Capacity
				}
			}
		}

		if tokens >= op.Cost {
			tokens -= op.Cost
			decision.Allowed = true
		}

		decision.Tokens = tokens

		_, err = tx.Exec(ctx, `
			INSERT INTO rate_buckets (key, tokens, last_refill, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE
			SET tokens = excluded.tokens,
			    last_refill = excluded.last_refill,
			    expires_at = excluded.expires_at
		`, key, tokens, op.Now, expiry(op.TTL))

		return err
	})
	if err != nil {
		return ratelimit.TokenDecision{}, fmt.Errorf("quotaguard/store: take tokens: %w", err)
	}

	return decision, nil
}

func (p *PostgresCounterStore) GetBucket(ctx context.Context, key string) (ratelimit.BucketState, bool, error) {
	var state ratelimit.BucketState

	err := p.pool.QueryRow(ctx, `
		SELECT tokens, last_refill FROM rate_buckets
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key).Scan(&state.Tokens, &state.LastRefill)
	if errors.Is(err, pgx.ErrNoRows) {
		return ratelimit.BucketState{}, false, nil
	}

	if err != nil {
		return ratelimit.BucketState{}, false, fmt.Errorf("quotaguard/store: get bucket: %w", err)
	}

	return state, true, nil
}

func (p *PostgresCounterStore) RecordLog(ctx context.Context, key string, op ratelimit.LogOp) (ratelimit.LogDecision, error) {
	var decision ratelimit.LogDecision

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, key); err != nil {
			return err
		}

		cutoff := op.Now.Add(-op.Window)

		if _, err := tx.Exec(ctx, `DELETE FROM rate_log WHERE key = $1 AND occurred_at <= $2`, key, cutoff); err != nil {
			return err
		}

		var oldest *time.Time

		err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(cost), 0), MIN(occurred_at) FROM rate_log WHERE key = $1
		`, key).Scan(&decision.Used, &oldest)
		if err != nil {
			return err
		}

		if decision.Used+op.Cost <= op.Limit {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rate_log (key, occurred_at, cost) VALUES ($1, $2, $3)
			`, key, op.Now, op.Cost); err != nil {
				return err
			}

			decision.Used += op.Cost
			decision.Allowed = true

			if oldest == nil {
				oldest = &op.Now
			}
		}

		if oldest != nil {
			decision.Oldest = *oldest
		}

		return nil
	})
	if err != nil {
		return ratelimit.LogDecision{}, fmt.Errorf("quotaguard/store: record log: %w", err)
	}

	return decision, nil
}

func (p *PostgresCounterStore) GetLog(ctx context.Context, key string, cutoff time.Time) (ratelimit.LogSnapshot, error) {
	var (
		snapshot ratelimit.LogSnapshot
		oldest   *time.Time
	)

	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost), 0), MIN(occurred_at) FROM rate_log
		WHERE key = $1 AND occurred_at > $2
	`, key, cutoff).Scan(&snapshot.Used, &oldest)
	if err != nil {
		return ratelimit.LogSnapshot{}, fmt.Errorf("quotaguard/store: get log: %w", err)
	}

	if oldest != nil {
		snapshot.Oldest = *oldest
	}

	return snapshot, nil
}

func (p *PostgresCounterStore) BumpCounter(ctx context.Context, key string, op ratelimit.CounterOp) (ratelimit.CounterDecision, error) {
	var decision ratelimit.CounterDecision

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, key); err != nil {
			return err
		}

		var (
			windowID int64
			count    int64
		)

		err := tx.QueryRow(ctx, `
			SELECT window_id, count FROM rate_counters
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
		`, key).Scan(&windowID, &count)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		// A stale or missing row means the window rolled over: the counter
		// restarts from zero.
		if windowID != op.WindowID {
			count = 0
		}

		if count+op.Cost <= op.Limit {
			count += op.Cost
			decision.Allowed = true
		}

		decision.Count = count

		_, err = tx.Exec(ctx, `
			INSERT INTO rate_counters (key, window_id, count, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE
			SET window_id = excluded.window_id,
			    count = excluded.count,
			    expires_at = excluded.expires_at
		`, key, op.WindowID, count, expiry(op.TTL))

		return err
	})
	if err != nil {
		return ratelimit.CounterDecision{}, fmt.Errorf("quotaguard/store: bump counter: %w", err)
	}

	return decision, nil
}

func (p *PostgresCounterStore) GetCounter(ctx context.Context, key string, windowID int64) (int64, error) {
	var count int64

	err := p.pool.QueryRow(ctx, `
		SELECT count FROM rate_counters
		WHERE key = $1 AND window_id = $2 AND (expires_at IS NULL OR expires_at > now())
	`, key, windowID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("quotaguard/store: get counter: %w", err)
	}

	return count, nil
}

func (p *PostgresCounterStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM rate_buckets WHERE key = ANY($1)`,
			`DELETE FROM rate_log WHERE key = ANY($1)`,
			`DELETE FROM rate_counters WHERE key = ANY($1)`,
		} {
			if _, err := tx.Exec(ctx, stmt, keys); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("quotaguard/store: delete: %w", err)
	}

	return nil
}

// Shutdown closes the underlying connection pool.
func (p *PostgresCounterStore) Shutdown() error {
	p.pool.Close()

	return nil
}

// lockKey takes a transaction-scoped advisory lock on the key, serializing
// all mutations for that key across every limiter process sharing the
// database.
func lockKey(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)

	return err
}

func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}

	at := time.Now().Add(ttl)

	return &at
}

// Compile-time check.
var _ ratelimit.CounterStore = (*PostgresCounterStore)(nil)
