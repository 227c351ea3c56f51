//go:build integration

package records

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/you/surplus-alerts/internal/model"
)

// Run with POSTGRES_DSN and/or MONGO_URL set:
//
//	go test -tags integration ./internal/records

const postgresSchema = `
DROP TABLE IF EXISTS notifications, users, stores;
CREATE TABLE stores (store_id TEXT PRIMARY KEY, name TEXT, lat DOUBLE PRECISION NULL, lng DOUBLE PRECISION NULL);
CREATE TABLE users (id TEXT PRIMARY KEY, email TEXT, notify BOOLEAN, lat DOUBLE PRECISION NULL,
	lng DOUBLE PRECISION NULL, radius_km DOUBLE PRECISION NULL, item_filters TEXT[]);
CREATE TABLE notifications (id UUID PRIMARY KEY, user_id TEXT, store_id TEXT, item TEXT, event_id TEXT,
	ts BIGINT, distance_km DOUBLE PRECISION, created_at TIMESTAMPTZ);
INSERT INTO stores VALUES ('s1', 'Bakery', 1, 2), ('s2', 'Nowhere', NULL, NULL);
INSERT INTO users VALUES
	('u2', 'b@x', true, 0, 0, NULL, NULL),
	('u1', 'a@x', true, 0, 0, 3, '{bread}'),
	('u3', 'c@x', false, 0, 0, NULL, NULL),
	('u4', 'd@x', true, NULL, NULL, NULL, NULL);
`

// exerciseRecords runs the contract every Store must share against the
// fixture loaded by each backend test.
func exerciseRecords(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	st, err := s.GetStore(ctx, "s1")
	if err != nil || st.Name != "Bakery" || st.Location == nil || st.Location.Lat != 1 || st.Location.Lng != 2 {
		t.Fatalf("GetStore: %+v %v", st, err)
	}
	st, err = s.GetStore(ctx, "s2")
	if err != nil || st.Location != nil {
		t.Fatalf("unlocated store: %+v %v", st, err)
	}
	if _, err := s.GetStore(ctx, "ghost"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("expected ErrStoreNotFound, got %v", err)
	}

	users, err := s.EligibleUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].ID != "u1" || users[1].ID != "u2" {
		t.Fatalf("expected eligible u1,u2 in id order, got %+v", users)
	}
	if users[0].RadiusKm != 3 || len(users[0].ItemFilters) != 1 || users[1].RadiusKm != 0 {
		t.Fatalf("preferences not decoded: %+v", users)
	}

	n := model.Notification{
		ID: "5f0c6b8e-3c1d-5a3e-9b7a-0d4f3c2b1a00", UserID: "u1", StoreID: "s1", Item: "bread",
		EventID: "1-0", Timestamp: 1700000000, DistanceKm: 1.5, CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertNotification(ctx, n); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertNotification(ctx, n); !errors.Is(err, ErrDuplicateNotification) {
		t.Fatalf("expected ErrDuplicateNotification, got %v", err)
	}
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		t.Fatal(err)
	}
	exerciseRecords(t, NewPostgresStore(pool))
}

func TestMongoStoreIntegration(t *testing.T) {
	url := os.Getenv("MONGO_URL")
	if url == "" {
		t.Skip("MONGO_URL not set")
	}
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("surplus_worker_test")
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	if err := db.Drop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Collection(StoresCollection).InsertMany(ctx, []any{
		bson.M{"_id": "s1", "name": "Bakery", "location": bson.M{"lat": 1.0, "lng": 2.0}},
		bson.M{"_id": "s2", "name": "Nowhere"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Collection(UsersCollection).InsertMany(ctx, []any{
		bson.M{"_id": "u2", "email": "b@x", "notify": true, "location": bson.M{"lat": 0.0, "lng": 0.0}},
		bson.M{"_id": "u1", "email": "a@x", "notify": true, "location": bson.M{"lat": 0.0, "lng": 0.0},
			"radius_km": 3.0, "item_filters": bson.A{"bread"}, "password_hash": "x"},
		bson.M{"_id": "u3", "notify": false, "location": bson.M{"lat": 0.0, "lng": 0.0}},
		bson.M{"_id": "u4", "notify": true, "location": nil},
	}); err != nil {
		t.Fatal(err)
	}
	exerciseRecords(t, NewMongoStore(db))
}
