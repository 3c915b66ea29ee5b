package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "relay:ratelimit:stream:"

// redisStore is a fixed-window counter shared by every relay instance.
type redisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func newRedisStore(client redis.UniversalClient, prefix string, timeout time.Duration) *redisStore {
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &redisStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key = s.prefix + key
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if window < time.Millisecond {
			window = time.Millisecond
		}
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit ttl: %w", err)
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}
