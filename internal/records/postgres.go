package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/you/surplus-alerts/internal/model"
)

// PostgresStore is the record store for deployments that keep records in Postgres.
//
// Expected tables (owned by the API):
//
//	stores(store_id TEXT PRIMARY KEY, name TEXT, lat DOUBLE PRECISION NULL, lng DOUBLE PRECISION NULL)
//	users(id TEXT PRIMARY KEY, email TEXT, notify BOOLEAN, lat DOUBLE PRECISION NULL,
//	      lng DOUBLE PRECISION NULL, radius_km DOUBLE PRECISION NULL, item_filters TEXT[])
//	notifications(id UUID PRIMARY KEY, user_id TEXT, store_id TEXT, item TEXT, event_id TEXT,
//	              ts BIGINT, distance_km DOUBLE PRECISION, created_at TIMESTAMPTZ)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPool parses dsn and opens a pool. Shared by the record and dedup stores.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return pool, nil
}

// NewPostgresStore wraps an existing pool; the caller closes it.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (db *PostgresStore) GetStore(ctx context.Context, id string) (model.Store, error) {
	var (
		s        model.Store
		lat, lng *float64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT store_id, name, lat, lng FROM stores WHERE store_id = $1`, id,
	).Scan(&s.ID, &s.Name, &lat, &lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Store{}, fmt.Errorf("%w: %s", ErrStoreNotFound, id)
	}
	if err != nil {
		return model.Store{}, fmt.Errorf("select store %s: %w", id, err)
	}
	s.Location = locationOf(lat, lng)
	return s, nil
}

func (db *PostgresStore) EligibleUsers(ctx context.Context) ([]model.User, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, coalesce(email, ''), notify, lat, lng, radius_km, coalesce(item_filters, '{}')
		FROM users
		WHERE notify AND lat IS NOT NULL AND lng IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var (
			u        model.User
			lat, lng *float64
			radius   *float64
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Notify, &lat, &lng, &radius, &u.ItemFilters); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Location = locationOf(lat, lng)
		if radius != nil {
			u.RadiusKm = *radius
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *PostgresStore) InsertNotification(ctx context.Context, n model.Notification) error {
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, store_id, item, event_id, ts, distance_km, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.UserID, n.StoreID, n.Item, n.EventID, n.Timestamp, n.DistanceKm, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateNotification, n.ID)
	}
	return nil
}

// locationOf needs both coordinates.
func locationOf(lat, lng *float64) *model.Location {
	if lat == nil || lng == nil {
		return nil
	}
	return &model.Location{Lat: *lat, Lng: *lng}
}
