package ratelimit

import (
	"sync"

	"github.com/voxwire/admission/internal/config"
)

// Resolver determines the effective limit for a RateKey. Precedence is
// per-client override, then per-endpoint default, then global default.
// Resolver is safe for concurrent use and supports hot config updates.
type Resolver struct {
	mu        sync.RWMutex
	global    int
	endpoints map[string]int
	clients   map[string]int
	trusted   map[string]struct{}
}

// NewResolver creates a resolver from the rate-limit configuration and the
// trusted-service allowlist.
func NewResolver(cfg config.RateLimitConfig, trustedServices []string) *Resolver {
	r := &Resolver{}
	r.update(cfg, trustedServices)
	return r
}

// Update replaces the resolver's limits. New limits apply to the current
// window immediately.
func (r *Resolver) Update(cfg config.RateLimitConfig, trustedServices []string) {
	r.update(cfg, trustedServices)
}

func (r *Resolver) update(cfg config.RateLimitConfig, trustedServices []string) {
	endpoints := make(map[string]int, len(cfg.Endpoints))
	for k, v := range cfg.Endpoints {
		endpoints[k] = v
	}
	clients := make(map[string]int, len(cfg.Clients))
	for k, v := range cfg.Clients {
		clients[k] = v
	}
	trusted := make(map[string]struct{}, len(trustedServices))
	for _, name := range trustedServices {
		trusted[name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = cfg.Global
	r.endpoints = endpoints
	r.clients = clients
	r.trusted = trusted
}

// Resolve returns the effective limit for the key.
func (r *Resolver) Resolve(key RateKey) int {
	if key.LimitOverride > 0 {
		return key.LimitOverride
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit, ok := r.clients[key.ClientID]; ok {
		return limit
	}
	if limit, ok := r.endpoints[key.Endpoint]; ok {
		return limit
	}
	return r.global
}

// Trusted reports whether the client bypasses rate limiting entirely.
func (r *Resolver) Trusted(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.trusted[clientID]
	return ok
}
