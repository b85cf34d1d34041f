package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxwire/admission/internal/errs"
)

var errDependency = errors.New("dependency failed")

func failOp(context.Context) error    { return errDependency }
func successOp(context.Context) error { return nil }

// fakeClock drives the breaker's lazy timeout without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("billing", 5, 60*time.Second, WithBreakerClock(clock.Now))
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, StateClosed, b.State())
		err := b.Execute(ctx, failOp)
		assert.ErrorIs(t, err, errDependency)
	}

	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failOp)
	}
	require.NoError(t, b.Execute(ctx, successOp))

	// Four more failures: counting restarted, still closed.
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failOp)
	}
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(ctx, failOp)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failOp)
	}

	var invoked atomic.Int32
	err := b.Execute(ctx, func(context.Context) error {
		invoked.Add(1)
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.ErrorIs(t, err, errs.ErrCircuitOpen)
	assert.Equal(t, int32(0), invoked.Load())
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failOp)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(59 * time.Second)
	require.Error(t, b.Execute(ctx, successOp))

	clock.Advance(2 * time.Second)
	require.NoError(t, b.Execute(ctx, successOp))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failOp)
	}
	clock.Advance(61 * time.Second)

	// Trial fails: back to open with a fresh reset timer.
	assert.ErrorIs(t, b.Execute(ctx, failOp), errDependency)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	err := b.Execute(ctx, successOp)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))

	clock.Advance(31 * time.Second)
	require.NoError(t, b.Execute(ctx, successOp))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ExactlyOneTrialInFlight(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failOp)
	}
	clock.Advance(61 * time.Second)

	trialStarted := make(chan struct{})
	releaseTrial := make(chan struct{})

	var trialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trialErr = b.Execute(ctx, func(context.Context) error {
			close(trialStarted)
			<-releaseTrial
			return nil
		})
	}()

	<-trialStarted

	// Concurrent probes while the trial is in flight are rejected and do
	// not invoke the operation.
	var invoked atomic.Int32
	var rejected atomic.Int32
	var probes sync.WaitGroup
	for i := 0; i < 10; i++ {
		probes.Add(1)
		go func() {
			defer probes.Done()
			err := b.Execute(ctx, func(context.Context) error {
				invoked.Add(1)
				return nil
			})
			if errs.KindOf(err) == errs.KindCircuitOpen {
				rejected.Add(1)
			}
		}()
	}

	// All probes finish while the trial still holds the slot.
	probes.Wait()
	close(releaseTrial)
	wg.Wait()

	require.NoError(t, trialErr)
	assert.Equal(t, int32(0), invoked.Load())
	assert.Equal(t, int32(10), rejected.Load())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TrialReleasedOnPanic(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failOp)
	}
	clock.Advance(61 * time.Second)

	assert.Panics(t, func() {
		_ = b.Execute(ctx, func(context.Context) error { panic("boom") })
	})

	// The panic counted as a failure and reopened the breaker; the trial
	// slot is free again after the next timeout.
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Stats().TrialInFlight)

	clock.Advance(61 * time.Second)
	require.NoError(t, b.Execute(ctx, successOp))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TrialReleasedOnContextCancellation(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), failOp)
	}
	clock.Advance(61 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Execute(ctx, func(c context.Context) error {
		cancel()
		return c.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	// Cancellation is neutral: still half-open, slot free for the next
	// trial.
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Stats().TrialInFlight)

	require.NoError(t, b.Execute(context.Background(), successOp))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OperationErrorPropagatedUnchanged(t *testing.T) {
	b := New("billing", 5, time.Minute)
	sentinel := errors.New("specific failure")

	err := b.Execute(context.Background(), func(context.Context) error { return sentinel })
	assert.Equal(t, sentinel, err)
}

func TestBreaker_UpdateConfig(t *testing.T) {
	clock := newFakeClock()
	b := New("billing", 5, 60*time.Second, WithBreakerClock(clock.Now))
	ctx := context.Background()

	b.UpdateConfig(2, 10*time.Second)

	_ = b.Execute(ctx, failOp)
	_ = b.Execute(ctx, failOp)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(11 * time.Second)
	require.NoError(t, b.Execute(ctx, successOp))
	assert.Equal(t, StateClosed, b.State())
}
