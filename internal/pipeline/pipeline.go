// Package pipeline runs each request through the admission stages in a
// fixed order: correlation id, authentication, authorization, rate limit,
// then the protected operation. The first stage to fail short-circuits the
// rest, and the protected operation runs only after every gate passed.
package pipeline

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/voxwire/admission/internal/audit"
	"github.com/voxwire/admission/internal/auth"
	"github.com/voxwire/admission/internal/circuitbreaker"
	"github.com/voxwire/admission/internal/errs"
	"github.com/voxwire/admission/internal/observability"
	"github.com/voxwire/admission/internal/ratelimit"
)

// Operation is the protected work admitted requests execute.
type Operation func(ctx context.Context) error

// Request carries the admission-relevant state of one request through the
// stages. Stages fill in fields as they run.
type Request struct {
	// Endpoint identifies the operation for rate limiting, e.g.
	// "POST /v1/calls" or a gRPC full method name.
	Endpoint string

	// Credentials is the extracted, unvalidated credential. Nil when the
	// request carried none.
	Credentials *auth.Credentials

	// Permission is the permission the operation requires. Empty means
	// authentication alone suffices.
	Permission string

	// Dependency names the downstream dependency the operation calls.
	// When set, the operation runs inside that dependency's circuit
	// breaker.
	Dependency string

	// CorrelationID is the id from the incoming request, if any. The
	// correlation stage generates one when empty.
	CorrelationID string

	principal *auth.Principal
}

// Principal returns the authenticated caller, nil before authentication.
func (r *Request) Principal() *auth.Principal { return r.principal }

// stage advances the request or short-circuits with an error. Stages may
// derive a new context.
type stage func(ctx context.Context, req *Request) (context.Context, error)

// Pipeline wires the admission stages over their collaborators.
type Pipeline struct {
	authenticator *auth.Authenticator
	limiter       ratelimit.Limiter
	breakers      *circuitbreaker.Registry
	translator    *errs.Translator
	audit         audit.Logger
	logger        observability.Logger

	stages []stage
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAuthenticator sets the credential authenticator.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(p *Pipeline) { p.authenticator = a }
}

// WithLimiter sets the rate limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithBreakers sets the circuit breaker registry.
func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(p *Pipeline) { p.breakers = r }
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(p *Pipeline) { p.audit = l }
}

// WithPipelineLogger sets the diagnostic logger.
func WithPipelineLogger(l observability.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a Pipeline. Collaborators left unset degrade to permissive
// defaults, so a pipeline with no limiter simply does not rate limit.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		authenticator: auth.NewAuthenticator(),
		limiter:       ratelimit.NewNoopLimiter(),
		translator:    errs.NewTranslator(),
		audit:         audit.NewNoopLogger(),
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.stages = []stage{
		p.correlate,
		p.authenticate,
		p.authorize,
		p.rateLimit,
	}
	return p
}

// Translator returns the pipeline's error translator, shared with the
// transport adapters.
func (p *Pipeline) Translator() *errs.Translator { return p.translator }

// Handle runs the request through every stage and, if all pass, executes
// the operation. The returned context carries the correlation id and the
// authenticated principal; it is valid even when an error is returned.
func (p *Pipeline) Handle(ctx context.Context, req *Request, op Operation) (context.Context, error) {
	for _, s := range p.stages {
		next, err := s(ctx, req)
		if next != nil {
			ctx = next
		}
		if err != nil {
			p.logDenial(ctx, req, err)
			return ctx, err
		}
	}

	if err := p.execute(ctx, req, op); err != nil {
		p.logDenial(ctx, req, err)
		return ctx, err
	}
	return ctx, nil
}

// correlate ensures the context carries exactly one correlation id,
// reusing the caller's when present.
func (p *Pipeline) correlate(ctx context.Context, req *Request) (context.Context, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	return observability.ContextWithCorrelationID(ctx, req.CorrelationID), nil
}

func (p *Pipeline) authenticate(ctx context.Context, req *Request) (context.Context, error) {
	principal, err := p.authenticator.Authenticate(ctx, req.Credentials)
	if err != nil {
		return ctx, err
	}
	req.principal = principal
	return auth.ContextWithPrincipal(ctx, principal), nil
}

func (p *Pipeline) authorize(ctx context.Context, req *Request) (context.Context, error) {
	if err := auth.Authorize(req.principal, req.Permission); err != nil {
		p.audit.Log(ctx, audit.NewEvent(ctx, audit.EventTypeAuthorization, req.Endpoint,
			audit.OutcomeDenied, actorFor(req.principal)).WithReason(err.Error()))
		return ctx, err
	}
	return ctx, nil
}

func (p *Pipeline) rateLimit(ctx context.Context, req *Request) (context.Context, error) {
	key := ratelimit.RateKey{
		ClientID:      req.principal.ID,
		Endpoint:      req.Endpoint,
		LimitOverride: req.principal.RateOverride,
	}
	if req.principal.Trusted {
		p.logger.WithContext(ctx).Debug("rate limit bypassed for trusted service",
			observability.String("client_id", req.principal.ID),
		)
		return ctx, nil
	}

	decision, err := p.limiter.Check(ctx, key)
	if err != nil {
		return ctx, err
	}
	if !decision.Allowed {
		p.audit.Log(ctx, audit.NewEvent(ctx, audit.EventTypeRateLimit, req.Endpoint,
			audit.OutcomeDenied, actorFor(req.principal)).
			WithMetadata("limit", strconv.Itoa(decision.Limit)))
		return ctx, errs.NewRateLimitError(decision.Limit, decision.RetryAfter)
	}
	return ctx, nil
}

// execute runs the protected operation, inside the dependency's breaker
// when one is named.
func (p *Pipeline) execute(ctx context.Context, req *Request, op Operation) error {
	if op == nil {
		return nil
	}
	if p.breakers != nil && req.Dependency != "" {
		return p.breakers.Execute(ctx, req.Dependency, circuitbreaker.Operation(op))
	}
	return op(ctx)
}

// logDenial logs the failure at the severity the error kind calls for:
// client faults at warn, server faults at error.
func (p *Pipeline) logDenial(ctx context.Context, req *Request, err error) {
	kind := errs.KindOf(err)
	fields := []observability.Field{
		observability.String("endpoint", req.Endpoint),
		observability.String("kind", kind.String()),
		observability.Error(err),
	}
	log := p.logger.WithContext(ctx)
	if errs.Severity(kind) == "warn" {
		log.Warn("request denied", fields...)
		return
	}
	log.Error("request failed", fields...)
}

func actorFor(p *auth.Principal) *audit.Actor {
	if p == nil {
		return &audit.Actor{Kind: "anonymous"}
	}
	return &audit.Actor{ID: p.ID, Kind: string(p.Kind)}
}
