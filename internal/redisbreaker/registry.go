package redisbreaker

import (
	"sync"
	"time"
)

// Registry manages per-endpoint Breaker instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a circuit breaker registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for the given endpoint, or nil if none exists.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.RLock()
	b := r.breakers[endpoint]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for endpoint, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(endpoint string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[endpoint] = b
	return b
}

// Do runs op through the endpoint's breaker. It returns ErrOpen without
// calling op when the breaker rejects the call; otherwise it returns
// op's error, recording the outcome. Only infrastructure errors count
// as failures.
func (r *Registry) Do(endpoint string, op func() error) error {
	b := r.GetOrCreate(endpoint)
	if !b.Allow() {
		return ErrOpen
	}
	err := op()
	if IsInfrastructureError(err) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// States returns a snapshot of every endpoint's state, for the metrics
// gauge collector.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}
