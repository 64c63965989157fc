package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"turbodriver/internal/dispatch"
)

type IdentityStore struct {
	pool *pgxpool.Pool
}

func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

// EnsureSchema creates the durable identities table, mirroring the in-memory
// rider/driver contact indexes with partial UNIQUE constraints on phone and
// email so a second server replaying a stale index can't mint two identities
// against the same contact.
func (s *IdentityStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	token TEXT UNIQUE NOT NULL,
	phone TEXT,
	email TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS identities_phone_key ON identities (phone) WHERE phone IS NOT NULL AND phone != '';
CREATE UNIQUE INDEX IF NOT EXISTS identities_email_key ON identities (email) WHERE email IS NOT NULL AND email != '';
`)
	return err
}

// Save persists ident's token/expiry alongside the contact fields used to
// enforce phone/email uniqueness durably. A conflicting phone or email
// surfaces as the Postgres unique-violation error, returned unmapped.
func (s *IdentityStore) Save(ctx context.Context, ident dispatch.Identity, phone, email string, ttl time.Duration) (dispatch.Identity, error) {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO identities (id, role, token, phone, email, expires_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, token = EXCLUDED.token, phone = EXCLUDED.phone, email = EXCLUDED.email, expires_at = EXCLUDED.expires_at
`, ident.ID, ident.Role, ident.Token, nullableText(phone), nullableText(email), expires)
	if err != nil {
		return dispatch.Identity{}, err
	}
	ident.ExpiresAt = expires
	return ident, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *IdentityStore) Lookup(ctx context.Context, token string) (dispatch.Identity, bool, error) {
	var ident dispatch.Identity
	var expires *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT id, role, token, expires_at FROM identities WHERE token = $1
`, token).Scan(&ident.ID, &ident.Role, &ident.Token, &expires)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return dispatch.Identity{}, false, err
		}
		if err.Error() == "no rows in result set" {
			return dispatch.Identity{}, false, nil
		}
		return dispatch.Identity{}, false, err
	}
	if expires != nil && expires.Before(time.Now()) {
		return dispatch.Identity{}, false, nil
	}
	return ident, true, nil
}

func (s *IdentityStore) All(ctx context.Context) ([]dispatch.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, role, token FROM identities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Identity
	for rows.Next() {
		var ident dispatch.Identity
		if err := rows.Scan(&ident.ID, &ident.Role, &ident.Token); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}
