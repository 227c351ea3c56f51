// Package model holds the records shared by the worker packages.
package model

import "time"

// Location is a point on the globe in decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Event is one validated "surplus detected" stream entry.
type Event struct {
	ID        string   `json:"event_id"` // stream entry id
	StoreID   string   `json:"store_id"`
	Items     []string `json:"items"` // raw labels, duplicates kept
	Timestamp int64    `json:"timestamp"`
}

// Store is a registered shop. Owned by the API, read-only here.
type Store struct {
	ID       string    `json:"store_id"`
	Name     string    `json:"name"`
	Location *Location `json:"location,omitempty"`
}

// User is a subscriber with alert preferences. Owned by the API, read-only here.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	Notify      bool      `json:"notify"`
	Location    *Location `json:"location,omitempty"`
	RadiusKm    float64   `json:"radius_km"`    // <= 0 means unset
	ItemFilters []string  `json:"item_filters"` // empty means any item
}

// Eligible reports whether the user may be matched at all.
func (u User) Eligible() bool {
	return u.Notify && u.Location != nil
}

// Candidate is one (user, item) pair the matching engine proposes for an event.
type Candidate struct {
	UserID     string  `json:"user_id"`
	Item       string  `json:"item"`
	DistanceKm float64 `json:"distance_km"`
}

// Notification is the record handed to the downstream notifier.
type Notification struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	StoreID    string    `json:"store_id"`
	Item       string    `json:"item"`
	EventID    string    `json:"event_id"`
	Timestamp  int64     `json:"timestamp"`
	DistanceKm float64   `json:"distance_km"`
	CreatedAt  time.Time `json:"created_at"`
}
