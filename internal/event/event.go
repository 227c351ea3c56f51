// Package event turns raw stream fields into validated surplus events and back.
//
// Producers append entries with three string fields: store_id, items (a JSON
// encoded array of strings) and timestamp (epoch seconds). Parse is the only
// place those fields are trusted; everything downstream works on model.Event.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/you/surplus-alerts/internal/model"
)

// Field names of a stream entry.
const (
	FieldStoreID   = "store_id"
	FieldItems     = "items"
	FieldTimestamp = "timestamp"
)

// ErrMalformed marks an entry that can never be processed and must be discarded.
var ErrMalformed = errors.New("malformed event")

// Parse validates one stream entry. A returned error always wraps ErrMalformed.
// A missing or non-numeric timestamp falls back to now.
func Parse(id string, fields map[string]string, now time.Time) (model.Event, error) {
	storeID := strings.TrimSpace(fields[FieldStoreID])
	if storeID == "" {
		return model.Event{}, fmt.Errorf("%w: missing %s", ErrMalformed, FieldStoreID)
	}

	items, err := decodeItems(fields[FieldItems])
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(fields[FieldTimestamp]), 10, 64)
	if err != nil {
		ts = now.Unix()
	}

	return model.Event{ID: id, StoreID: storeID, Items: items, Timestamp: ts}, nil
}

// decodeItems accepts a JSON array; non-string elements are dropped.
func decodeItems(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}
	var values []any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("items is not a JSON array: %w", err)
	}
	if values == nil {
		// literal null
		return nil, errors.New("items is null")
	}
	items := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			items = append(items, s)
		}
	}
	return items, nil
}

// Encode renders an event in the wire format Parse reads.
func Encode(ev model.Event) (map[string]string, error) {
	items := ev.Items
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	return map[string]string{
		FieldStoreID:   ev.StoreID,
		FieldItems:     string(b),
		FieldTimestamp: strconv.FormatInt(ev.Timestamp, 10),
	}, nil
}
