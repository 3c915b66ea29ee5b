package server

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig bounds request volume. GlobalRPS applies to every request;
// StreamLimit caps how many streams one client may open per StreamWindow.
// When Redis is set the per-client counters are shared across instances.
type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	StreamLimit  int
	StreamWindow time.Duration
	KeyPrefix    string
	Redis        redis.UniversalClient
	RedisTimeout time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	streamLimit   int
	streamWindow  time.Duration
	streamMu      sync.Mutex
	streamBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		streamLimit:   cfg.StreamLimit,
		streamWindow:  cfg.StreamWindow,
		streamBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.streamLimit < 0 {
		rl.streamLimit = 0
	}
	if rl.streamWindow <= 0 {
		rl.streamWindow = time.Minute
	}
	if cfg.Redis != nil && rl.streamLimit > 0 {
		rl.store = newRedisStore(cfg.Redis, cfg.KeyPrefix, cfg.RedisTimeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowStream(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.streamLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, key, r.streamLimit, r.streamWindow)
	}
	r.streamMu.Lock()
	bucket, exists := r.streamBuckets[key]
	if !exists {
		rate := float64(r.streamLimit) / r.streamWindow.Seconds()
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.streamLimit)}
		r.streamBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.streamMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.streamBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.streamWindow)
	for key, bucket := range r.streamBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.streamBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
