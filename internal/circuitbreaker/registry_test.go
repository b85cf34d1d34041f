package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxwire/admission/internal/config"
)

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     config.Duration(60 * time.Second),
		Dependencies: map[string]config.BreakerOverride{
			"billing": {FailureThreshold: 2},
		},
	}
}

func TestRegistry_LazyCreation(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), nil)

	b := r.Get("media")
	require.NotNil(t, b)
	assert.Equal(t, "media", b.Name())

	// Same instance on subsequent lookups.
	assert.Same(t, b, r.Get("media"))
}

func TestRegistry_ConcurrentGetReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), nil)

	var mu sync.Mutex
	seen := make(map[*Breaker]struct{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := r.Get("media")
			mu.Lock()
			seen[b] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1)
}

func TestRegistry_PerDependencyOverride(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), nil)
	ctx := context.Background()
	boom := errors.New("boom")

	// billing opens after its override threshold of 2.
	_ = r.Execute(ctx, "billing", func(context.Context) error { return boom })
	_ = r.Execute(ctx, "billing", func(context.Context) error { return boom })
	assert.Equal(t, StateOpen, r.Get("billing").State())

	// media uses the default threshold of 5.
	_ = r.Execute(ctx, "media", func(context.Context) error { return boom })
	_ = r.Execute(ctx, "media", func(context.Context) error { return boom })
	assert.Equal(t, StateClosed, r.Get("media").State())
}

func TestRegistry_IndependentStates(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), nil)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_ = r.Execute(ctx, "media", func(context.Context) error { return boom })
	}

	assert.Equal(t, StateOpen, r.Get("media").State())
	assert.Equal(t, StateClosed, r.Get("notifications").State())
	require.NoError(t, r.Execute(ctx, "notifications", func(context.Context) error { return nil }))
}

func TestRegistry_Update(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), nil)
	ctx := context.Background()
	boom := errors.New("boom")

	b := r.Get("media")

	r.Update(config.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     config.Duration(time.Second),
	})

	_ = b.Execute(ctx, func(context.Context) error { return boom })
	assert.Equal(t, StateOpen, b.State())
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), nil)
	r.Get("billing")
	r.Get("media")

	stats := r.Stats()
	assert.Len(t, stats, 2)
	assert.Equal(t, StateClosed, stats["billing"].State)
}
