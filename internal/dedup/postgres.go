package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createMarkersTable = `
CREATE TABLE IF NOT EXISTS dedup_markers (
    key        TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
)`

// The conflicting row is only touched when its marker already expired or is
// held by the same owner, so RETURNING yields a row exactly when the claim is
// ours. A live marker keeps its original expiry.
const claimMarker = `
INSERT INTO dedup_markers (key, owner, expires_at)
VALUES ($1, $2, now() + $3 * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE SET
    owner = EXCLUDED.owner,
    expires_at = CASE WHEN dedup_markers.expires_at > now()
                      THEN dedup_markers.expires_at
                      ELSE EXCLUDED.expires_at END
WHERE dedup_markers.expires_at <= now() OR dedup_markers.owner = EXCLUDED.owner
RETURNING key`

// PostgresStore keeps markers in a table, for deployments without Redis.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the marker table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createMarkersTable); err != nil {
		return fmt.Errorf("create dedup_markers: %w", err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, key Key, owner string, ttl time.Duration) (bool, error) {
	var k string
	err := s.pool.QueryRow(ctx, claimMarker, key.String(), owner, ttl.Milliseconds()).Scan(&k)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return true, nil
}

// Purge deletes expired markers and returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dedup_markers WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge dedup_markers: %w", err)
	}
	return tag.RowsAffected(), nil
}
