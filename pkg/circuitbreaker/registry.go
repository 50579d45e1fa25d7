package circuitbreaker

import (
	"context"
	"sync"
)

// Registry holds one breaker per key, created lazily on first access.
// Each breaker is named after its key for Config.OnStateChange.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a new registry with the given default config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = newNamed(key, r.config)
	r.breakers[key] = b
	return b
}

// State returns the state of the breaker for key without creating one.
// Unknown keys are Closed.
func (r *Registry) State(key string) State {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return Closed
	}
	return b.State()
}

// Execute runs fn through the breaker registered for key.
func (r *Registry) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	return r.Get(key).Execute(ctx, fn)
}
