package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyspace namespaces seen keys so the crawler can share an
// instance with other tenants.
const redisKeyspace = "notecrawler:seen:"

// DefaultTTL bounds how long a seen key blocks re-acceptance. Postgres
// uniqueness covers anything older.
const DefaultTTL = 7 * 24 * time.Hour

// RedisSeenStore implements spider.SeenStore with SET NX EX, which is
// atomic per key across concurrent workers.
type RedisSeenStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSeenStore wraps an existing client. A non-positive ttl falls
// back to DefaultTTL.
func NewRedisSeenStore(client *redis.Client, ttl time.Duration) *RedisSeenStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisSeenStore{client: client, ttl: ttl}
}

// MarkSeen reports true when key was not present before this call.
func (s *RedisSeenStore) MarkSeen(ctx context.Context, key string) (bool, error) {
	first, err := s.client.SetNX(ctx, redisKeyspace+key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("seen setnx %s: %w", key, err)
	}
	return first, nil
}
