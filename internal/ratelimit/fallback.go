package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localFallback is a per-key token-bucket limiter used while the shared
// counter store is unreachable. It is node-local, so in a multi-node
// deployment the effective limit during an outage is limit*nodes; that is
// the accepted fail-open tradeoff.
type localFallback struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	window   time.Duration
	burst    int
}

func newLocalFallback(window time.Duration, burst int) *localFallback {
	return &localFallback{
		limiters: make(map[string]*rate.Limiter),
		window:   window,
		burst:    burst,
	}
}

func (f *localFallback) allow(key string, limit int) bool {
	f.mu.Lock()
	lim, ok := f.limiters[key]
	if !ok {
		perSecond := rate.Limit(float64(limit) / f.window.Seconds())
		bucket := limit + f.burst
		if bucket < 1 {
			bucket = 1
		}
		lim = rate.NewLimiter(perSecond, bucket)
		f.limiters[key] = lim
	}
	f.mu.Unlock()

	return lim.Allow()
}
