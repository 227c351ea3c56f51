// Package dedup guards notification creation with short-lived markers.
//
// A marker is keyed by (user, store, item). Claim must be a single atomic
// set-if-absent-with-expiry on the backing store: it is the only point where
// concurrent workers synchronise, and it is what keeps a triple to at most one
// notification per cooldown window across the whole deployment.
package dedup

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrFull is returned by bounded stores that cannot take another marker.
var ErrFull = errors.New("dedup store is full")

// Key identifies one (user, store, item) triple.
type Key struct {
	UserID  string
	StoreID string
	Item    string
}

// String renders the key as stored, e.g. dedup:2:u1:2:s1:bread. User and
// store ids are length-prefixed so ids containing ':' cannot collide.
func (k Key) String() string {
	return "dedup:" + strconv.Itoa(len(k.UserID)) + ":" + k.UserID + ":" +
		strconv.Itoa(len(k.StoreID)) + ":" + k.StoreID + ":" + k.Item
}

// Store is the dedup marker store.
type Store interface {
	// Claim sets the marker for key, held by owner, with the given ttl if no
	// live marker exists. It reports true when this call created the marker or
	// when the live marker is already held by owner, so a retry of the same
	// notification is not mistaken for a duplicate.
	Claim(ctx context.Context, key Key, owner string, ttl time.Duration) (bool, error)
}
