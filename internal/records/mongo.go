package records

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/you/surplus-alerts/internal/model"
)

// Collection names shared with the API.
const (
	StoresCollection        = "stores"
	UsersCollection         = "users"
	NotificationsCollection = "notifications"
)

type locationDoc struct {
	Lat float64 `bson:"lat"`
	Lng float64 `bson:"lng"`
}

// storeDoc uses the API's store_id as _id.
type storeDoc struct {
	ID       string       `bson:"_id"`
	Name     string       `bson:"name"`
	Location *locationDoc `bson:"location,omitempty"`
}

// userDoc ids are ObjectIDs when created by the API; strings are accepted too.
type userDoc struct {
	ID          any          `bson:"_id"`
	Email       string       `bson:"email"`
	Notify      bool         `bson:"notify"`
	Location    *locationDoc `bson:"location"`
	RadiusKm    *float64     `bson:"radius_km"`
	ItemFilters []string     `bson:"item_filters"`
}

type notificationDoc struct {
	ID         string             `bson:"_id"`
	UserID     string             `bson:"user_id"`
	StoreID    string             `bson:"store_id"`
	Item       string             `bson:"item"`
	EventID    string             `bson:"event_id"`
	Timestamp  int64              `bson:"timestamp"`
	DistanceKm float64            `bson:"distance_km"`
	CreatedAt  primitive.DateTime `bson:"created_at"`
}

func (d *locationDoc) toModel() *model.Location {
	if d == nil {
		return nil
	}
	return &model.Location{Lat: d.Lat, Lng: d.Lng}
}

func (d storeDoc) toModel() model.Store {
	return model.Store{ID: d.ID, Name: d.Name, Location: d.Location.toModel()}
}

func docID(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

func (d userDoc) toModel() model.User {
	u := model.User{
		ID:          docID(d.ID),
		Email:       d.Email,
		Notify:      d.Notify,
		Location:    d.Location.toModel(),
		ItemFilters: d.ItemFilters,
	}
	if d.RadiusKm != nil {
		u.RadiusKm = *d.RadiusKm
	}
	return u
}

func newNotificationDoc(n model.Notification) notificationDoc {
	return notificationDoc{
		ID:         n.ID,
		UserID:     n.UserID,
		StoreID:    n.StoreID,
		Item:       n.Item,
		EventID:    n.EventID,
		Timestamp:  n.Timestamp,
		DistanceKm: n.DistanceKm,
		CreatedAt:  primitive.NewDateTimeFromTime(n.CreatedAt),
	}
}

// MongoStore reads and writes the API's MongoDB database.
type MongoStore struct {
	stores        *mongo.Collection
	users         *mongo.Collection
	notifications *mongo.Collection
}

// NewMongoStore binds to the collections of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		stores:        db.Collection(StoresCollection),
		users:         db.Collection(UsersCollection),
		notifications: db.Collection(NotificationsCollection),
	}
}

func (s *MongoStore) GetStore(ctx context.Context, id string) (model.Store, error) {
	var doc storeDoc
	err := s.stores.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Store{}, fmt.Errorf("%w: %s", ErrStoreNotFound, id)
	}
	if err != nil {
		return model.Store{}, fmt.Errorf("find store %s: %w", id, err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) EligibleUsers(ctx context.Context) ([]model.User, error) {
	filter := bson.M{"notify": true, "location": bson.M{"$ne": nil}}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"password_hash": 0})
	cur, err := s.users.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	defer cur.Close(ctx)

	var users []model.User
	for cur.Next(ctx) {
		var doc userDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		users = append(users, doc.toModel())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *MongoStore) InsertNotification(ctx context.Context, n model.Notification) error {
	_, err := s.notifications.InsertOne(ctx, newNotificationDoc(n))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateNotification, n.ID)
	}
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
