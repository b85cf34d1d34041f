// Package store provides the shared counter storage behind the rate
// limiter. The single IncrWindow operation increments the current window
// bucket and reads the adjacent previous bucket atomically, so concurrent
// admission checks against one key are linearizable at the store.
package store

import (
	"context"
	"time"
)

// WindowCounts is the result of one IncrWindow call.
type WindowCounts struct {
	// Current is the bucket count after this call's increment.
	Current int64
	// Previous is the adjacent earlier bucket's count.
	Previous int64
}

// Store is the counter store interface.
type Store interface {
	// IncrWindow atomically increments the bucket at currentKey by one,
	// sets its expiry to ttl when freshly created, and reads the bucket at
	// previousKey. Both reads observe the same store state.
	IncrWindow(ctx context.Context, currentKey, previousKey string, ttl time.Duration) (WindowCounts, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}
