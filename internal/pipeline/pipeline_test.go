package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxwire/admission/internal/audit"
	"github.com/voxwire/admission/internal/auth"
	"github.com/voxwire/admission/internal/circuitbreaker"
	"github.com/voxwire/admission/internal/config"
	"github.com/voxwire/admission/internal/errs"
	"github.com/voxwire/admission/internal/observability"
	"github.com/voxwire/admission/internal/ratelimit"
)

// stubKeys validates any key as the configured principal.
type stubKeys struct {
	principal *auth.Principal
	err       error
}

func (s *stubKeys) Validate(context.Context, string) (*auth.Principal, error) {
	if s.err != nil {
		return nil, s.err
	}
	// Copy so tests mutating the principal don't leak between requests.
	p := *s.principal
	return &p, nil
}

// stubLimiter returns a scripted decision and counts calls.
type stubLimiter struct {
	decision *ratelimit.Decision
	err      error
	calls    atomic.Int64
	lastKey  ratelimit.RateKey
}

func (s *stubLimiter) Check(_ context.Context, key ratelimit.RateKey) (*ratelimit.Decision, error) {
	s.calls.Add(1)
	s.lastKey = key
	if s.err != nil {
		return nil, s.err
	}
	return s.decision, nil
}

type captureAudit struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (c *captureAudit) Log(_ context.Context, e *audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureAudit) Close() error { return nil }

func (c *captureAudit) byType(t audit.EventType) []*audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*audit.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func callerPrincipal() *auth.Principal {
	return &auth.Principal{
		ID:          "tenant-a",
		Kind:        auth.KindService,
		Permissions: []string{"calls:create"},
	}
}

func newTestPipeline(opts ...Option) *Pipeline {
	base := []Option{
		WithAuthenticator(auth.NewAuthenticator(
			auth.WithKeyValidator(&stubKeys{principal: callerPrincipal()}),
		)),
		WithLimiter(&stubLimiter{decision: &ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 99}}),
	}
	return New(append(base, opts...)...)
}

func apiKeyCreds() *auth.Credentials {
	return &auth.Credentials{Type: auth.CredentialTypeAPIKey, Value: "vx_live_123"}
}

func TestHandle_AdmitsAndRunsOperation(t *testing.T) {
	p := newTestPipeline()

	var ran bool
	var opCtx context.Context
	ctx, err := p.Handle(context.Background(), &Request{
		Endpoint:    "POST /v1/calls",
		Credentials: apiKeyCreds(),
		Permission:  "calls:create",
	}, func(ctx context.Context) error {
		ran = true
		opCtx = ctx
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)

	assert.NotEmpty(t, observability.CorrelationIDFromContext(ctx))
	require.NotNil(t, auth.PrincipalFromContext(opCtx))
	assert.Equal(t, "tenant-a", auth.PrincipalFromContext(opCtx).ID)
}

func TestHandle_ReusesCallerCorrelationID(t *testing.T) {
	p := newTestPipeline()

	ctx, err := p.Handle(context.Background(), &Request{
		Endpoint:      "POST /v1/calls",
		Credentials:   apiKeyCreds(),
		CorrelationID: "corr-123",
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "corr-123", observability.CorrelationIDFromContext(ctx))
}

func TestHandle_MissingCredentials(t *testing.T) {
	p := newTestPipeline()

	var ran bool
	_, err := p.Handle(context.Background(), &Request{Endpoint: "POST /v1/calls"},
		func(context.Context) error { ran = true; return nil })

	require.Error(t, err)
	assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
	assert.False(t, ran)
}

func TestHandle_PermissionDenied(t *testing.T) {
	sink := &captureAudit{}
	p := newTestPipeline(WithAuditLogger(sink))

	var ran bool
	_, err := p.Handle(context.Background(), &Request{
		Endpoint:    "DELETE /v1/calls/42",
		Credentials: apiKeyCreds(),
		Permission:  "calls:delete",
	}, func(context.Context) error { ran = true; return nil })

	require.Error(t, err)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
	assert.False(t, ran)

	denials := sink.byType(audit.EventTypeAuthorization)
	require.Len(t, denials, 1)
	assert.Equal(t, audit.OutcomeDenied, denials[0].Outcome)
	assert.Equal(t, "tenant-a", denials[0].Actor.ID)
}

func TestHandle_RateLimited(t *testing.T) {
	sink := &captureAudit{}
	limiter := &stubLimiter{decision: &ratelimit.Decision{
		Allowed:    false,
		Limit:      100,
		RetryAfter: 6 * time.Second,
	}}
	p := newTestPipeline(WithLimiter(limiter), WithAuditLogger(sink))

	var ran bool
	_, err := p.Handle(context.Background(), &Request{
		Endpoint:    "POST /v1/calls",
		Credentials: apiKeyCreds(),
	}, func(context.Context) error { ran = true; return nil })

	require.Error(t, err)
	assert.False(t, ran)

	var rlErr *errs.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 100, rlErr.Limit)
	assert.Equal(t, 6*time.Second, rlErr.RetryAfter)

	require.Len(t, sink.byType(audit.EventTypeRateLimit), 1)
}

func TestHandle_TrustedBypassesLimiter(t *testing.T) {
	limiter := &stubLimiter{decision: &ratelimit.Decision{Allowed: false}}
	trusted := callerPrincipal()
	trusted.Trusted = true
	p := New(
		WithAuthenticator(auth.NewAuthenticator(auth.WithKeyValidator(&stubKeys{principal: trusted}))),
		WithLimiter(limiter),
	)

	_, err := p.Handle(context.Background(), &Request{
		Endpoint:    "POST /v1/calls",
		Credentials: apiKeyCreds(),
	}, nil)

	require.NoError(t, err)
	assert.Zero(t, limiter.calls.Load())
}

func TestHandle_RateKeyCarriesOverride(t *testing.T) {
	limiter := &stubLimiter{decision: &ratelimit.Decision{Allowed: true}}
	principal := callerPrincipal()
	principal.RateOverride = 500
	p := New(
		WithAuthenticator(auth.NewAuthenticator(auth.WithKeyValidator(&stubKeys{principal: principal}))),
		WithLimiter(limiter),
	)

	_, err := p.Handle(context.Background(), &Request{
		Endpoint:    "POST /v1/calls",
		Credentials: apiKeyCreds(),
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, ratelimit.RateKey{
		ClientID:      "tenant-a",
		Endpoint:      "POST /v1/calls",
		LimitOverride: 500,
	}, limiter.lastKey)
}

func TestHandle_LimiterFailurePropagates(t *testing.T) {
	limiter := &stubLimiter{err: errs.NewInternalError(errors.New("counter store unavailable"))}
	p := newTestPipeline(WithLimiter(limiter))

	_, err := p.Handle(context.Background(), &Request{
		Endpoint:    "POST /v1/calls",
		Credentials: apiKeyCreds(),
	}, nil)

	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))
}

func TestHandle_OperationErrorPropagatesUnchanged(t *testing.T) {
	p := newTestPipeline()
	opErr := errors.New("downstream exploded")

	_, err := p.Handle(context.Background(), &Request{
		Endpoint:    "POST /v1/calls",
		Credentials: apiKeyCreds(),
	}, func(context.Context) error { return opErr })

	assert.Equal(t, opErr, err)
}

func TestHandle_BreakerShieldsDependency(t *testing.T) {
	registry := circuitbreaker.NewRegistry(config.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     config.Duration(time.Minute),
	}, observability.NopLogger())
	p := newTestPipeline(WithBreakers(registry))

	req := func() *Request {
		return &Request{
			Endpoint:    "POST /v1/calls",
			Credentials: apiKeyCreds(),
			Dependency:  "call-router",
		}
	}
	failing := func(context.Context) error { return errors.New("call-router down") }

	for i := 0; i < 2; i++ {
		_, err := p.Handle(context.Background(), req(), failing)
		require.Error(t, err)
	}

	// Breaker is now open; the operation must not be invoked.
	var ran bool
	_, err := p.Handle(context.Background(), req(),
		func(context.Context) error { ran = true; return nil })

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCircuitOpen)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.False(t, ran)
}

func TestHandle_NilOperation(t *testing.T) {
	p := newTestPipeline()

	_, err := p.Handle(context.Background(), &Request{
		Endpoint:    "GET /v1/calls",
		Credentials: apiKeyCreds(),
	}, nil)

	assert.NoError(t, err)
}
