package ratelimiter

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxBuckets caps the in-memory bucket map. Generous on purpose:
// eviction only exists so an unbounded tenant space cannot grow the map
// forever. Evicting an active bucket merely refills it.
const DefaultMaxBuckets = 100_000

type memoryBucket struct {
	mu         sync.Mutex
	cfg        BucketConfig
	tokens     float64
	lastRefill time.Time
	elem       *list.Element
}

// MemoryLimiter is the process-local token-bucket limiter. Buckets are
// keyed by tenant and created lazily from the configs func; each bucket's
// refill+consume runs under its own lock so concurrent submitters never
// lose updates. Least-recently-used buckets are evicted past maxBuckets.
type MemoryLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*memoryBucket
	order      *list.List // front = most recently used
	maxBuckets int
	configFor  func(key string) BucketConfig
	now        func() time.Time
}

// NewMemoryLimiter constructs a limiter resolving bucket shapes through
// configFor. A nil configFor denies nothing (every key gets a zero bucket,
// which the limiter treats as unlimited).
func NewMemoryLimiter(configFor func(key string) BucketConfig) *MemoryLimiter {
	if configFor == nil {
		configFor = func(string) BucketConfig { return BucketConfig{} }
	}
	return &MemoryLimiter{
		buckets:    make(map[string]*memoryBucket),
		order:      list.New(),
		maxBuckets: DefaultMaxBuckets,
		configFor:  configFor,
		now:        time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (l *MemoryLimiter) WithNow(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// WithMaxBuckets overrides the eviction cap, for tests.
func (l *MemoryLimiter) WithMaxBuckets(n int) *MemoryLimiter {
	if n > 0 {
		l.maxBuckets = n
	}
	return l
}

// Allow spends cost tokens from key's bucket. A bucket with zero capacity
// or refill rate imposes no limit.
func (l *MemoryLimiter) Allow(_ context.Context, key string, cost int64) (bool, time.Duration, error) {
	if cost <= 0 {
		cost = 1
	}
	b := l.bucketFor(key)
	if b.cfg.Capacity <= 0 || b.cfg.RefillRate <= 0 {
		return true, 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.cfg.RefillRate
		if cap := float64(b.cfg.Capacity); b.tokens > cap {
			b.tokens = cap
		}
		b.lastRefill = now
	}

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true, 0, nil
	}

	shortage := float64(cost) - b.tokens
	retryAfter := time.Duration(shortage / b.cfg.RefillRate * float64(time.Second))
	return false, retryAfter, nil
}

func (l *MemoryLimiter) bucketFor(key string) *memoryBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		l.order.MoveToFront(b.elem)
		return b
	}
	cfg := l.configFor(key)
	b := &memoryBucket{
		cfg:        cfg,
		tokens:     float64(cfg.Capacity),
		lastRefill: l.now(),
	}
	b.elem = l.order.PushFront(key)
	l.buckets[key] = b
	for len(l.buckets) > l.maxBuckets {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		l.order.Remove(oldest)
		delete(l.buckets, oldest.Value.(string))
	}
	return b
}
