// Package records reads stores and users and appends notification records.
//
// Stores and users belong to the API and are never modified here. The
// notifications collection is append-only from the worker's side.
package records

import (
	"context"
	"errors"

	"github.com/you/surplus-alerts/internal/model"
)

var (
	// ErrStoreNotFound is returned when no store has the requested id.
	ErrStoreNotFound = errors.New("store not found")
	// ErrDuplicateNotification is returned when a record with the same id exists.
	ErrDuplicateNotification = errors.New("notification already recorded")
)

// Store is the record store the worker reads from and appends to.
type Store interface {
	// GetStore returns the store with id, or ErrStoreNotFound.
	GetStore(ctx context.Context, id string) (model.Store, error)
	// EligibleUsers returns users with notify on and a location set, ordered by id.
	EligibleUsers(ctx context.Context) ([]model.User, error)
	// InsertNotification appends one notification record. Inserting an id that
	// is already stored leaves the first record in place and returns
	// ErrDuplicateNotification.
	InsertNotification(ctx context.Context, n model.Notification) error
}
