package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs counters with Redis so limits hold across gateway
// replicas. Keys expire with their wall-clock window.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrCheck(ctx context.Context, key string, window time.Duration, limit int64) (bool, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("IncrCheck: %w", err)
	}
	if n == 1 {
		// Expire a little past the window so the bucketed key outlives
		// its own window boundary.
		if err := s.client.Expire(ctx, key, window+time.Minute).Err(); err != nil {
			return false, fmt.Errorf("IncrCheck: %w", err)
		}
	}
	if n > limit {
		// Roll back so a rejected request consumes nothing.
		if err := s.client.Decr(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("IncrCheck: %w", err)
		}
		return false, nil
	}
	return true, nil
}

func (s *RedisStore) Add(ctx context.Context, key string, n int64, window time.Duration) error {
	v, err := s.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return fmt.Errorf("Add: %w", err)
	}
	if v == n {
		if err := s.client.Expire(ctx, key, window+time.Minute).Err(); err != nil {
			return fmt.Errorf("Add: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("Get: %w", err)
	}
	return v, nil
}
