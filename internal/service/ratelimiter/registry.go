package ratelimiter

import "sync"

// Registry maps limiter keys to their bucket configs. Admission records a
// tenant's provisioned rate here right before consulting the limiter, so
// both limiter implementations resolve configs through one place.
type Registry struct {
	mu  sync.RWMutex
	m   map[string]BucketConfig
	def BucketConfig
}

// NewRegistry constructs a Registry falling back to def for unknown keys.
func NewRegistry(def BucketConfig) *Registry {
	return &Registry{m: make(map[string]BucketConfig), def: def}
}

// Set records the bucket config for key.
func (r *Registry) Set(key string, cfg BucketConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key] = cfg
}

// ConfigFor resolves the bucket config for key. Its method value is the
// configFor hook the limiter constructors take.
func (r *Registry) ConfigFor(key string) BucketConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.m[key]; ok {
		return cfg
	}
	return r.def
}
