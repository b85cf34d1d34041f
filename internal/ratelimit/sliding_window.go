package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/voxwire/admission/internal/errs"
	"github.com/voxwire/admission/internal/observability"
	"github.com/voxwire/admission/internal/ratelimit/store"
)

// SlidingWindow is the production limiter. It approximates a true sliding
// window by weighting the previous fixed window by the fraction of it that
// still overlaps the sliding window:
//
//	current = previous*(1-elapsedFraction) + currentBucket
//	allowed = current <= limit + burst
//
// Both bucket reads happen in one atomic store operation, so concurrent
// checks against the same key are linearizable and the limit can never be
// exceeded by more than burst.
type SlidingWindow struct {
	store    store.Store
	resolver *Resolver
	logger   observability.Logger
	fallback *localFallback

	mu       sync.RWMutex
	window   time.Duration
	burst    int
	failOpen bool

	now func() time.Time
}

var _ Limiter = (*SlidingWindow)(nil)

// SlidingWindowOption configures a SlidingWindow.
type SlidingWindowOption func(*SlidingWindow)

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger observability.Logger) SlidingWindowOption {
	return func(l *SlidingWindow) { l.logger = logger }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) SlidingWindowOption {
	return func(l *SlidingWindow) { l.now = now }
}

// NewSlidingWindow creates a sliding-window limiter over the given counter
// store.
func NewSlidingWindow(
	s store.Store,
	resolver *Resolver,
	window time.Duration,
	burst int,
	failOpen bool,
	opts ...SlidingWindowOption,
) *SlidingWindow {
	l := &SlidingWindow{
		store:    s,
		resolver: resolver,
		logger:   observability.NopLogger(),
		window:   window,
		burst:    burst,
		failOpen: failOpen,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.fallback = newLocalFallback(window, burst)
	return l
}

// UpdateWindow applies new window settings from a config reload. The new
// settings take effect for the window in progress.
func (l *SlidingWindow) UpdateWindow(window time.Duration, burst int, failOpen bool) {
	l.mu.Lock()
	l.window = window
	l.burst = burst
	l.failOpen = failOpen
	l.mu.Unlock()
}

// Check implements Limiter.
func (l *SlidingWindow) Check(ctx context.Context, key RateKey) (*Decision, error) {
	if l.resolver.Trusted(key.ClientID) {
		return &Decision{Allowed: true, Bypassed: true}, nil
	}

	l.mu.RLock()
	window, burst, failOpen := l.window, l.burst, l.failOpen
	l.mu.RUnlock()

	limit := l.resolver.Resolve(key)
	now := l.now()
	start := windowStart(now, window)
	currentKey := key.bucketKey(start)
	previousKey := key.bucketKey(start.Add(-window))

	// The previous bucket must survive one full extra window to be read
	// as the decaying half of the next one.
	counts, err := l.store.IncrWindow(ctx, currentKey, previousKey, 2*window)
	if err != nil {
		return l.checkDegraded(ctx, key, limit, failOpen, err)
	}

	elapsed := float64(now.Sub(start)) / float64(window)
	weighted := float64(counts.Previous)*(1-elapsed) + float64(counts.Current)

	resetAt := start.Add(window)
	decision := &Decision{
		Current: weighted,
		Limit:   limit,
		ResetAt: resetAt,
	}

	budget := float64(limit + burst)
	if weighted <= budget {
		decision.Allowed = true
		decision.Remaining = int(budget - weighted)
		return decision, nil
	}

	decision.RetryAfter = retryAfter(counts, budget, weighted, now, resetAt, window)
	return decision, nil
}

// checkDegraded handles an unreachable counter store. With fail-open the
// local token-bucket fallback guards the node; otherwise the request is
// rejected.
func (l *SlidingWindow) checkDegraded(
	ctx context.Context,
	key RateKey,
	limit int,
	failOpen bool,
	cause error,
) (*Decision, error) {
	if !failOpen {
		l.logger.WithContext(ctx).Error("counter store unreachable, rejecting",
			observability.String("key", key.String()),
			observability.Error(cause),
		)
		return nil, errs.NewInternalError(cause)
	}

	l.logger.WithContext(ctx).Warn("counter store unreachable, using local fallback",
		observability.String("key", key.String()),
		observability.Error(cause),
	)

	if l.fallback.allow(key.String(), limit) {
		return &Decision{Allowed: true, Limit: limit}, nil
	}

	l.mu.RLock()
	window := l.window
	l.mu.RUnlock()

	return &Decision{
		Allowed:    false,
		Limit:      limit,
		RetryAfter: time.Second,
		ResetAt:    l.now().Add(window),
	}, nil
}

// retryAfter estimates how long until the weighted count decays back under
// budget, assuming no further requests. The previous bucket decays linearly
// over the window; when the current bucket alone exceeds budget the caller
// must wait for the window to roll over. Rounded up to whole seconds.
func retryAfter(
	counts store.WindowCounts,
	budget, weighted float64,
	now, resetAt time.Time,
	window time.Duration,
) time.Duration {
	untilReset := resetAt.Sub(now)

	var wait time.Duration
	if float64(counts.Current) > budget || counts.Previous == 0 {
		wait = untilReset
	} else {
		over := weighted - budget
		wait = time.Duration(over / float64(counts.Previous) * float64(window))
		if wait > untilReset {
			wait = untilReset
		}
	}

	secs := math.Ceil(wait.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
