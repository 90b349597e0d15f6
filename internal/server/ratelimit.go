package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds request volume. The global bucket covers every
// route; the mutation limit is a per-client-IP fixed window over the state
// and project mutation endpoints, shared across replicas when a Redis
// address is configured. TrustForwardedHeaders and TrustedProxies feed the
// client IP resolver.
type RateLimitConfig struct {
	GlobalRPS             float64
	GlobalBurst           int
	MutationLimit         int
	MutationWindow        time.Duration
	TrustForwardedHeaders bool
	TrustedProxies        []string
	RedisAddr             string
	RedisPassword         string
	RedisTimeout          time.Duration
	RedisTLS              RedisTLSConfig
}

type rateLimiter struct {
	global          *tokenBucket
	mutationLimit   int
	mutationWindow  time.Duration
	mutationMu      sync.Mutex
	mutationBuckets map[string]*ipLimiter
	store           tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		mutationLimit:   cfg.MutationLimit,
		mutationWindow:  cfg.MutationWindow,
		mutationBuckets: make(map[string]*ipLimiter),
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
	if rl.mutationWindow <= 0 {
		rl.mutationWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.mutationLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
			TLS:      cfg.RedisTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowMutation applies the per-client fixed window to one mutation attempt.
// The Redis store is authoritative when configured; otherwise each client
// gets an in-memory bucket refilled at the window rate.
func (r *rateLimiter) AllowMutation(key string) (bool, time.Duration, error) {
	if r == nil || r.mutationLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("transportd:mutation:%s", key), r.mutationLimit, r.mutationWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.mutationMu.Lock()
	limiter, exists := r.mutationBuckets[key]
	if !exists {
		rate := float64(r.mutationLimit) / r.mutationWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.mutationWindow.Seconds()
		}
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.mutationLimit)}
		r.mutationBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.mutationMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

// Ping probes the shared store when one is configured. The in-memory
// fallback has nothing to fail.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) Close(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close(ctx)
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.mutationBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.mutationWindow)
	for key, limiter := range r.mutationBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.mutationBuckets, key)
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
