package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/you/surplus-alerts/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisEnsureGroupIdempotent(t *testing.T) {
	_, rdb := newTestRedis(t)
	tr := NewRedisTransport(rdb, RedisConfig{Stream: "events:surplus", Group: "worker-group", Consumer: "c1"})
	ctx := context.Background()

	if err := tr.EnsureGroup(ctx); err != nil {
		t.Fatalf("first EnsureGroup: %v", err)
	}
	if err := tr.EnsureGroup(ctx); err != nil {
		t.Fatalf("second EnsureGroup should treat BUSYGROUP as success: %v", err)
	}
}

func TestRedisEnsureGroupOtherErrorsAreFatal(t *testing.T) {
	mr, rdb := newTestRedis(t)
	if err := mr.Set("events:surplus", "not a stream"); err != nil {
		t.Fatal(err)
	}
	tr := NewRedisTransport(rdb, RedisConfig{Stream: "events:surplus", Group: "worker-group", Consumer: "c1"})
	if err := tr.EnsureGroup(context.Background()); err == nil {
		t.Fatalf("expected error on wrong key type")
	}
}

func TestRedisPublishReadAck(t *testing.T) {
	_, rdb := newTestRedis(t)
	tr := NewRedisTransport(rdb, RedisConfig{Stream: "events:surplus", Group: "worker-group", Consumer: "c1"})
	ctx := context.Background()
	if err := tr.EnsureGroup(ctx); err != nil {
		t.Fatal(err)
	}

	id, err := tr.Publish(ctx, model.Event{StoreID: "s1", Items: []string{"bread"}, Timestamp: 7})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := tr.Read(ctx, 10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("expected entry %s, got %+v", id, entries)
	}
	f := entries[0].Fields
	if f["store_id"] != "s1" || f["items"] != `["bread"]` || f["timestamp"] != "7" {
		t.Fatalf("unexpected fields %v", f)
	}

	entries, err = tr.Read(ctx, 10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("empty read should not fail: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty poll, got %+v", entries)
	}

	if err := tr.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err := rdb.XPending(ctx, "events:surplus", "worker-group").Result()
	if err != nil {
		t.Fatal(err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending entries, got %d", pending.Count)
	}
}

func TestRedisReadRespectsCount(t *testing.T) {
	_, rdb := newTestRedis(t)
	tr := NewRedisTransport(rdb, RedisConfig{Stream: "s", Group: "g", Consumer: "c1"})
	ctx := context.Background()
	if err := tr.EnsureGroup(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := tr.Publish(ctx, model.Event{StoreID: "s1"}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := tr.Read(ctx, 3, 20*time.Millisecond)
	if err != nil || len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d (%v)", len(entries), err)
	}
	entries, err = tr.Read(ctx, 3, 20*time.Millisecond)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected remaining 2 entries, got %d (%v)", len(entries), err)
	}
}

func TestRedisReclaimsIdlePendingEntries(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	crashed := NewRedisTransport(rdb, RedisConfig{Stream: "s", Group: "g", Consumer: "crashed"})
	if err := crashed.EnsureGroup(ctx); err != nil {
		t.Fatal(err)
	}
	id, err := crashed.Publish(ctx, model.Event{StoreID: "s1", Items: []string{"bread"}})
	if err != nil {
		t.Fatal(err)
	}
	if entries, err := crashed.Read(ctx, 10, 20*time.Millisecond); err != nil || len(entries) != 1 {
		t.Fatalf("first delivery failed: %v %v", entries, err)
	}

	survivor := NewRedisTransport(rdb, RedisConfig{Stream: "s", Group: "g", Consumer: "survivor", ClaimMinIdle: time.Millisecond})
	time.Sleep(10 * time.Millisecond)
	entries, err := survivor.Read(ctx, 10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("expected reclaimed entry %s, got %+v", id, entries)
	}
	if entries[0].Fields["store_id"] != "s1" {
		t.Fatalf("reclaimed entry lost its fields: %v", entries[0].Fields)
	}
}

func TestRedisClaimInterval(t *testing.T) {
	_, rdb := newTestRedis(t)
	tr := NewRedisTransport(rdb, RedisConfig{Stream: "s", Group: "g", Consumer: "c", ClaimMinIdle: time.Minute, ClaimInterval: time.Minute})
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }

	if !tr.claimDue() {
		t.Fatalf("first claim should be due")
	}
	if tr.claimDue() {
		t.Fatalf("claim should wait for the interval")
	}
	now = now.Add(time.Minute)
	if !tr.claimDue() {
		t.Fatalf("claim should be due after the interval")
	}

	off := NewRedisTransport(rdb, RedisConfig{Stream: "s", Group: "g", Consumer: "c"})
	if off.claimDue() {
		t.Fatalf("zero min idle disables reclaiming")
	}
}

func TestRedisReadFailsWithoutGroup(t *testing.T) {
	_, rdb := newTestRedis(t)
	tr := NewRedisTransport(rdb, RedisConfig{Stream: "s", Group: "missing", Consumer: "c"})
	_, err := tr.Read(context.Background(), 10, 10*time.Millisecond)
	if err == nil || errors.Is(err, redis.Nil) {
		t.Fatalf("expected NOGROUP error, got %v", err)
	}
}
