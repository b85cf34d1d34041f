package token

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRevocations checks token ids against a Redis set of revoked ids.
// Revoking a token is a point write done by the identity service; this
// side only reads.
type RedisRevocations struct {
	client  redis.Cmdable
	prefix  string
	timeout time.Duration
}

var _ RevocationChecker = (*RedisRevocations)(nil)

// NewRedisRevocations creates a revocation checker. The prefix namespaces
// revocation keys, e.g. "revoked".
func NewRedisRevocations(client redis.Cmdable, prefix string, timeout time.Duration) *RedisRevocations {
	if prefix == "" {
		prefix = "revoked"
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &RedisRevocations{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
	}
}

// IsRevoked implements RevocationChecker.
func (r *RedisRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.client.Exists(ctx, r.prefix+":"+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return n > 0, nil
}
