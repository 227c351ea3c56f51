// Package matching decides which users should hear about a surplus event.
//
// The engine is pure: it sees one event, the store it came from and the
// notify-eligible users, and yields (user, item, distance) candidates. It
// keeps no state between events and performs no I/O.
package matching

import (
	"errors"
	"iter"
	"strings"

	"github.com/you/surplus-alerts/internal/geo"
	"github.com/you/surplus-alerts/internal/model"
)

// DefaultRadiusKm applies to users whose radius is unset or not positive.
const DefaultRadiusKm = 5.0

// ErrStoreUnlocated means the store has no usable location and can never match.
var ErrStoreUnlocated = errors.New("store has no valid location")

// NormalizeItem lowercases and trims an item label. Blank results are skipped by the engine.
func NormalizeItem(item string) string {
	return strings.ToLower(strings.TrimSpace(item))
}

// NormalizeItems normalizes labels in order, dropping blanks and keeping duplicates.
func NormalizeItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if n := NormalizeItem(it); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// EffectiveRadiusKm returns the user's radius, or DefaultRadiusKm when unset.
func EffectiveRadiusKm(u model.User) float64 {
	if u.RadiusKm > 0 {
		return u.RadiusKm
	}
	return DefaultRadiusKm
}

type filterSet map[string]struct{}

func newFilterSet(filters []string) filterSet {
	set := make(filterSet, len(filters))
	for _, f := range filters {
		if n := NormalizeItem(f); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// allows treats an empty set as "any item".
func (s filterSet) allows(item string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[item]
	return ok
}

// Match validates the store and returns the lazy candidate sequence for ev.
// Candidates come in user order, then item order. Users that are not eligible
// or carry an invalid location are skipped.
func Match(ev model.Event, store model.Store, users []model.User) (iter.Seq[model.Candidate], error) {
	if store.Location == nil || !geo.Valid(*store.Location) {
		return nil, ErrStoreUnlocated
	}
	origin := *store.Location
	items := NormalizeItems(ev.Items)

	return func(yield func(model.Candidate) bool) {
		if len(items) == 0 {
			return
		}
		for _, u := range users {
			if !u.Eligible() || !geo.Valid(*u.Location) {
				continue
			}
			dist := geo.DistanceKm(origin, *u.Location)
			if dist > EffectiveRadiusKm(u) {
				continue
			}
			filters := newFilterSet(u.ItemFilters)
			for _, item := range items {
				if !filters.allows(item) {
					continue
				}
				if !yield(model.Candidate{UserID: u.ID, Item: item, DistanceKm: dist}) {
					return
				}
			}
		}
	}, nil
}
