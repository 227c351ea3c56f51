package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore claims markers with SET key owner NX and the cooldown ttl.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore binds the store to an existing client.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Claim(ctx context.Context, key Key, owner string, ttl time.Duration) (bool, error) {
	k := key.String()
	// a second round covers a marker that expired between SETNX and GET
	for range 2 {
		ok, err := s.rdb.SetNX(ctx, k, owner, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			return true, nil
		}
		cur, err := s.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("read marker %s: %w", key, err)
		}
		return cur == owner, nil
	}
	return false, nil
}
