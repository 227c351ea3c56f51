package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/you/surplus-alerts/internal/event"
	"github.com/you/surplus-alerts/internal/model"
)

// RedisConfig names the stream, group and consumer a RedisTransport works with.
type RedisConfig struct {
	Stream   string
	Group    string
	Consumer string
	// ClaimMinIdle is how long an entry must sit unacknowledged in the pending
	// list before this consumer takes it over. Zero disables reclaiming.
	ClaimMinIdle time.Duration
	// ClaimInterval bounds how often reclaiming is attempted. Zero means every Read.
	ClaimInterval time.Duration
}

// RedisTransport is a Transport and Publisher over Redis Streams.
// It does not own the client; the caller closes it.
type RedisTransport struct {
	rdb redis.UniversalClient
	cfg RedisConfig

	mu          sync.Mutex
	claimCursor string
	lastClaim   time.Time
	now         func() time.Time
}

// NewRedisTransport binds a transport to an existing client.
func NewRedisTransport(rdb redis.UniversalClient, cfg RedisConfig) *RedisTransport {
	return &RedisTransport{rdb: rdb, cfg: cfg, claimCursor: "0-0", now: time.Now}
}

// EnsureGroup creates the group at the start of the log, creating the stream if needed.
func (t *RedisTransport) EnsureGroup(ctx context.Context) error {
	err := t.rdb.XGroupCreateMkStream(ctx, t.cfg.Stream, t.cfg.Group, "0").Err()
	if err == nil || isBusyGroup(err) {
		return nil
	}
	return fmt.Errorf("create group %s on %s: %w", t.cfg.Group, t.cfg.Stream, err)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Read first tries to reclaim idle pending entries and otherwise reads new ones.
func (t *RedisTransport) Read(ctx context.Context, count int, block time.Duration) ([]Entry, error) {
	if t.claimDue() {
		entries, err := t.reclaim(ctx, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}
	}

	res, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", t.cfg.Stream, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

func (t *RedisTransport) claimDue() bool {
	if t.cfg.ClaimMinIdle <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if t.cfg.ClaimInterval > 0 && !t.lastClaim.IsZero() && now.Sub(t.lastClaim) < t.cfg.ClaimInterval {
		return false
	}
	t.lastClaim = now
	return true
}

// reclaim walks the pending list with XAUTOCLAIM, resuming from the last cursor.
func (t *RedisTransport) reclaim(ctx context.Context, count int) ([]Entry, error) {
	t.mu.Lock()
	start := t.claimCursor
	t.mu.Unlock()

	msgs, next, err := t.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   t.cfg.Stream,
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		MinIdle:  t.cfg.ClaimMinIdle,
		Start:    start,
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", t.cfg.Stream, err)
	}

	t.mu.Lock()
	if next == "" {
		next = "0-0"
	}
	t.claimCursor = next
	t.mu.Unlock()

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

func toEntry(msg redis.XMessage) Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case nil:
		default:
			fields[k] = fmt.Sprint(val)
		}
	}
	return Entry{ID: msg.ID, Fields: fields}
}

// Ack acknowledges entries for the group.
func (t *RedisTransport) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.rdb.XAck(ctx, t.cfg.Stream, t.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", t.cfg.Stream, err)
	}
	return nil
}

// Publish appends ev with XADD and returns the new entry id.
func (t *RedisTransport) Publish(ctx context.Context, ev model.Event) (string, error) {
	fields, err := event.Encode(ev)
	if err != nil {
		return "", err
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := t.rdb.XAdd(ctx, &redis.XAddArgs{Stream: t.cfg.Stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", t.cfg.Stream, err)
	}
	return id, nil
}

// Close is a no-op; the client belongs to the caller.
func (t *RedisTransport) Close() error { return nil }
