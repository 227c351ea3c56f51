// Package stream wraps the durable event log the worker consumes.
//
// Two transports are provided. RedisTransport maps directly onto Redis Streams
// consumer groups and reclaims idle pending entries with XAUTOCLAIM.
// KafkaTransport uses a consumer group reader and commits offsets only up to
// the first unacknowledged message of each partition.
package stream

import (
	"context"
	"time"

	"github.com/you/surplus-alerts/internal/model"
)

// Entry is one delivered stream entry with its raw string fields.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Transport is the consumer side of the log, bound to one group and consumer identity.
type Transport interface {
	// EnsureGroup creates the stream and the consumer group if they are absent.
	// An existing group is not an error.
	EnsureGroup(ctx context.Context) error
	// Read returns up to count entries, waiting at most block for the first one.
	// An empty result with a nil error means nothing arrived.
	Read(ctx context.Context, count int, block time.Duration) ([]Entry, error)
	// Ack marks entries as processed for the group.
	Ack(ctx context.Context, ids ...string) error
	Close() error
}

// Publisher appends surplus events to the log.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) (string, error)
}
