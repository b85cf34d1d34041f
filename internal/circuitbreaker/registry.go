package circuitbreaker

import (
	"context"
	"sync"

	"github.com/voxwire/admission/internal/config"
	"github.com/voxwire/admission/internal/observability"
)

// Registry holds one breaker per dependency name, created lazily on first
// use and living for the process lifetime.
type Registry struct {
	breakers sync.Map
	logger   observability.Logger

	mu  sync.RWMutex
	cfg config.BreakerConfig
}

// NewRegistry creates a registry with the given breaker configuration.
func NewRegistry(cfg config.BreakerConfig, logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
	}
}

// Get returns the breaker for the dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*Breaker)
	}

	r.mu.RLock()
	threshold, reset := r.cfg.BreakerFor(name)
	r.mu.RUnlock()

	b := New(name, threshold, reset, WithBreakerLogger(r.logger))

	actual, loaded := r.breakers.LoadOrStore(name, b)
	if loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("created circuit breaker",
		observability.String("dependency", name),
	)
	return b
}

// Execute runs op under the named dependency's breaker.
func (r *Registry) Execute(ctx context.Context, name string, op Operation) error {
	return r.Get(name).Execute(ctx, op)
}

// Update applies new breaker configuration to existing breakers and to
// breakers created later.
func (r *Registry) Update(cfg config.BreakerConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	r.breakers.Range(func(key, value interface{}) bool {
		name := key.(string)
		threshold, reset := cfg.BreakerFor(name)
		value.(*Breaker).UpdateConfig(threshold, reset)
		return true
	})
}

// Stats returns a snapshot of every registered breaker.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Breaker).Stats()
		return true
	})
	return stats
}
