package ratelimit

import (
	"fmt"
	"time"
)

// RateKey identifies the counting bucket for one caller and operation.
type RateKey struct {
	// ClientID is the authenticated principal id, or the client address
	// for anonymous traffic.
	ClientID string

	// Endpoint is the logical operation name, e.g. "calls.create".
	Endpoint string

	// LimitOverride, when positive, is a per-client limit carried by the
	// caller's credential. It takes precedence over configured limits.
	LimitOverride int
}

// String returns the stable identity portion of the key.
func (k RateKey) String() string {
	return k.ClientID + ":" + k.Endpoint
}

// bucketKey names the fixed-window bucket starting at start.
func (k RateKey) bucketKey(start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", k.ClientID, k.Endpoint, start.Unix())
}

// windowStart truncates now to the fixed window containing it.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}
