// Package ratelimiter provides per-tenant token-bucket admission limiting.
// The in-memory limiter is process-local by design: a multi-process
// deployment admits up to N_processes * rate_per_minute per tenant, which
// is the documented accepted laxity. The Redis Lua limiter is the optional
// cluster-wide substitution.
package ratelimiter

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed, spending
// cost tokens from the key's bucket. retryAfter is the wait until enough
// tokens accrue when the request is denied.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig describes one token bucket: Capacity tokens at most,
// refilled continuously at RefillRate tokens per second.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// NewBucketConfigFromPerMinute converts a per-minute admission rate into a
// bucket: capacity = perMinute, refill = perMinute/60 tokens per second.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}
