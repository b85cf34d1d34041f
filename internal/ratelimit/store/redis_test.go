package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultRedisConfig()
	cfg.Address = mr.Addr()
	cfg.ConnectionRetries = 1

	s, err := NewRedisStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStore_IncrWindow(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	counts, err := s.IncrWindow(ctx, "w1", "w0", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Current)
	assert.Equal(t, int64(0), counts.Previous)

	counts, err = s.IncrWindow(ctx, "w1", "w0", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Current)
}

func TestRedisStore_PreviousBucketVisible(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.IncrWindow(ctx, "w1", "w0", 2*time.Minute)
		require.NoError(t, err)
	}

	counts, err := s.IncrWindow(ctx, "w2", "w1", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Current)
	assert.Equal(t, int64(5), counts.Previous)
}

func TestRedisStore_BucketExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.IncrWindow(ctx, "w1", "w0", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	counts, err := s.IncrWindow(ctx, "w2", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Previous)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.IncrWindow(ctx, "tenant:op:1", "tenant:op:0", time.Minute)
	require.NoError(t, err)

	assert.True(t, mr.Exists("admission:rl:tenant:op:1"))
}

func TestRedisStore_Ping(t *testing.T) {
	s, mr := newTestRedisStore(t)
	assert.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestRedisStore_CloseIdempotent(t *testing.T) {
	s, _ := newTestRedisStore(t)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestRedisStore_ContextCancelled(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.IncrWindow(ctx, "w1", "w0", time.Minute)
	assert.Error(t, err)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Address = "localhost:1"
	cfg.ConnectionRetries = 1
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.InitialBackoff = 10 * time.Millisecond

	_, err := NewRedisStore(cfg)
	assert.Error(t, err)
}
