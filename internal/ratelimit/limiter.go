// Package ratelimit implements the sliding-window admission limiter. The
// sliding window weighs two adjacent fixed windows, combined in a single
// atomic counter-store round trip per check.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by a RateKey is admitted.
type Limiter interface {
	// Check records the request against the key's window and returns the
	// decision. Check always counts the request, so a denied request still
	// consumed one slot of its bucket.
	Check(ctx context.Context, key RateKey) (*Decision, error)
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Current is the weighted request count over the sliding window,
	// including this request.
	Current float64

	// Limit is the effective limit that applied.
	Limit int

	// Remaining is the number of requests left before denial.
	Remaining int

	// ResetAt is when the current fixed window ends.
	ResetAt time.Time

	// RetryAfter is how long to wait before retrying. Zero when allowed.
	RetryAfter time.Duration

	// Bypassed is true when the caller is a trusted service and no
	// counting was performed.
	Bypassed bool
}

// NoopLimiter admits everything. Used when rate limiting is disabled.
type NoopLimiter struct{}

var _ Limiter = (*NoopLimiter)(nil)

// NewNoopLimiter creates a limiter that always allows.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Check implements Limiter.
func (l *NoopLimiter) Check(context.Context, RateKey) (*Decision, error) {
	return &Decision{Allowed: true, Bypassed: true}, nil
}
