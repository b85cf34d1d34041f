// Package circuitbreaker guards calls to downstream dependencies with a
// per-dependency Closed/Open/HalfOpen state machine. Recovery is lazy:
// state only moves when a call arrives, there are no background timers.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxwire/admission/internal/errs"
	"github.com/voxwire/admission/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows all calls through.
	StateClosed State = iota

	// StateOpen rejects all calls without invoking the dependency.
	StateOpen

	// StateHalfOpen allows exactly one trial call at a time.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Operation is the guarded call.
type Operation func(ctx context.Context) error

// Breaker is a circuit breaker for one named dependency.
//
// The mutex guards only state bookkeeping and is never held across the
// wrapped operation.
type Breaker struct {
	name   string
	logger observability.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	failureThreshold    int
	resetTimeout        time.Duration
	openedAt            time.Time
	trialInFlight       bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger observability.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithBreakerClock overrides the clock, for tests.
func WithBreakerClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker. A non-positive threshold or reset timeout falls
// back to the defaults (5 consecutive failures, 60s reset).
func New(name string, failureThreshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}

	b := &Breaker{
		name:             name,
		logger:           observability.NopLogger(),
		now:              time.Now,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}

	setStateGauge(name, StateClosed)
	return b
}

// Execute runs op under the breaker. When the breaker rejects the call, op
// is not invoked and the error carries the circuit-open kind. When op runs,
// its error is returned unchanged.
//
// A trial slot acquired in half-open state is released on every exit path:
// success, failure, panic, and context cancellation.
func (b *Breaker) Execute(ctx context.Context, op Operation) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}

	settled := false
	defer func() {
		if !settled {
			// op panicked; count it as a dependency failure and let the
			// panic continue.
			b.settle(trial, false)
		}
	}()

	opErr := op(ctx)
	settled = true

	// A cancelled caller says nothing about dependency health. Release
	// the trial slot without moving the state machine.
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(opErr, ctxErr) {
		b.releaseTrial(trial)
		return opErr
	}

	b.settle(trial, opErr == nil)
	return opErr
}

// acquire decides whether a call may proceed. It returns whether this call
// holds the half-open trial slot.
func (b *Breaker) acquire() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			recordRejection(b.name)
			return false, errs.NewCircuitOpenError(b.name, b.state.String())
		}
		// Reset timeout elapsed; this call becomes the half-open trial.
		b.transitionTo(StateHalfOpen)
		b.trialInFlight = true
		return true, nil

	case StateHalfOpen:
		if b.trialInFlight {
			recordRejection(b.name)
			return false, errs.NewCircuitOpenError(b.name, b.state.String())
		}
		b.trialInFlight = true
		return true, nil

	default:
		recordRejection(b.name)
		return false, errs.NewCircuitOpenError(b.name, b.state.String())
	}
}

// settle records the outcome of a completed call.
func (b *Breaker) settle(trial, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if success {
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.transitionTo(StateClosed)
		}
		return
	}

	b.consecutiveFailures++
	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.open()
		}
	}
}

// releaseTrial frees the trial slot without recording an outcome.
func (b *Breaker) releaseTrial(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// open moves to Open and restarts the reset timer. Caller holds the mutex.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transitionTo(StateOpen)
}

// transitionTo changes state. Caller holds the mutex.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	if newState == StateClosed {
		b.consecutiveFailures = 0
	}

	recordStateChange(b.name, oldState, newState)
	setStateGauge(b.name, newState)

	b.logger.Info("circuit breaker state changed",
		observability.String("dependency", b.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// UpdateConfig applies new thresholds from a config reload.
func (b *Breaker) UpdateConfig(failureThreshold int, resetTimeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if failureThreshold > 0 {
		b.failureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		b.resetTimeout = resetTimeout
	}
}

// Stats is a point-in-time snapshot.
type Stats struct {
	State               State
	ConsecutiveFailures int
	TrialInFlight       bool
	OpenedAt            time.Time
}

// Stats returns the breaker's current counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TrialInFlight:       b.trialInFlight,
		OpenedAt:            b.openedAt,
	}
}
