package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds overall request throughput and credential ingestion
// frequency. The ingest limit is keyed per client IP; when RedisAddr is set
// the ingest counters are shared across relay instances.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	IngestLimit   int
	IngestWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	ingestLimit   int
	ingestWindow  time.Duration
	ingestMu      sync.Mutex
	ingestBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		ingestLimit:   cfg.IngestLimit,
		ingestWindow:  cfg.IngestWindow,
		ingestBuckets: make(map[string]*ipLimiter),
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
	if rl.ingestLimit <= 0 {
		rl.ingestLimit = 0
	}
	if rl.ingestWindow <= 0 {
		rl.ingestWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.ingestLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowIngest reports whether the client identified by key may submit another
// credential payload, and how long it should wait when refused.
func (r *rateLimiter) AllowIngest(key string) (bool, time.Duration, error) {
	if r == nil || r.ingestLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		allowed, retryAfter, err := r.store.Allow(fmt.Sprintf("streamgate:ingest:%s", key), r.ingestLimit, r.ingestWindow)
		return allowed, retryAfter, err
	}
	if key == "" {
		key = "unknown"
	}
	r.ingestMu.Lock()
	bucket, exists := r.ingestBuckets[key]
	if !exists {
		rate := float64(r.ingestLimit) / r.ingestWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.ingestWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.ingestLimit)}
		r.ingestBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.ingestMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.ingestBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.ingestWindow)
	for key, bucket := range r.ingestBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.ingestBuckets, key)
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
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
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
