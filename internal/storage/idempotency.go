package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore persists idempotency keys with TTL.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewIdempotencyStore(pool *pgxpool.Pool, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &IdempotencyStore{pool: pool, ttl: ttl}
}

func (s *IdempotencyStore) TTL() time.Duration {
	return s.ttl
}

func (s *IdempotencyStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_expires_idx ON idempotency_keys(expires_at);
`)
	return err
}

func (s *IdempotencyStore) Remember(ctx context.Context, key, requestID string) error {
	if key == "" || requestID == "" {
		return nil
	}
	exp := time.Now().Add(s.ttl)
	_, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (key, request_id, expires_at)
VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET request_id=EXCLUDED.request_id, expires_at=EXCLUDED.expires_at
`, key, requestID, exp)
	return err
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var requestID string
	var expires time.Time
	err := s.pool.QueryRow(ctx, `
SELECT request_id, expires_at FROM idempotency_keys WHERE key = $1
`, key).Scan(&requestID, &expires)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return "", false, nil
		}
		return "", false, err
	}
	if time.Now().After(expires) {
		return "", false, nil
	}
	return requestID, true, nil
}
