package auth

import (
	"context"
	"errors"

	"github.com/voxwire/admission/internal/audit"
	"github.com/voxwire/admission/internal/errs"
	"github.com/voxwire/admission/internal/observability"
)

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// KeyValidator validates API keys.
type KeyValidator interface {
	Validate(ctx context.Context, key string) (*Principal, error)
}

// Authenticator routes an extracted credential to the right validator and
// emits an audit record for every attempt. Audit emission is
// fire-and-forget; it never blocks or fails the request.
type Authenticator struct {
	tokens  TokenValidator
	keys    KeyValidator
	trusted map[string]struct{}
	audit   audit.Logger
	logger  observability.Logger
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithTokenValidator sets the bearer-token validator.
func WithTokenValidator(v TokenValidator) AuthenticatorOption {
	return func(a *Authenticator) { a.tokens = v }
}

// WithKeyValidator sets the API-key validator.
func WithKeyValidator(v KeyValidator) AuthenticatorOption {
	return func(a *Authenticator) { a.keys = v }
}

// WithTrustedServices marks principal ids whose traffic bypasses rate
// limiting.
func WithTrustedServices(ids []string) AuthenticatorOption {
	return func(a *Authenticator) {
		a.trusted = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			a.trusted[id] = struct{}{}
		}
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) AuthenticatorOption {
	return func(a *Authenticator) { a.audit = l }
}

// WithAuthenticatorLogger sets the diagnostic logger.
func WithAuthenticatorLogger(l observability.Logger) AuthenticatorOption {
	return func(a *Authenticator) { a.logger = l }
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		audit:  audit.NewNoopLogger(),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate validates the credential and returns the caller's
// Principal. All failures carry the authentication error kind.
func (a *Authenticator) Authenticate(ctx context.Context, creds *Credentials) (*Principal, error) {
	if creds == nil || creds.Value == "" {
		err := errs.NewAuthenticationError("missing credentials")
		a.auditDenied(ctx, "credentials.extract", nil, err)
		return nil, err
	}

	var principal *Principal
	var err error
	var action string

	switch creds.Type {
	case CredentialTypeBearer:
		action = "token.validate"
		if a.tokens == nil {
			err = errs.NewAuthenticationError("bearer tokens not accepted")
			break
		}
		principal, err = a.tokens.Validate(ctx, creds.Value)

	case CredentialTypeAPIKey:
		action = "apikey.validate"
		if a.keys == nil {
			err = errs.NewAuthenticationError("api keys not accepted")
			break
		}
		principal, err = a.keys.Validate(ctx, creds.Value)

	default:
		action = "credentials.extract"
		err = errs.NewAuthenticationError("unsupported credential type")
	}

	if err != nil {
		err = asAuthenticationError(err)
		a.auditDenied(ctx, action, principal, err)
		return nil, err
	}

	if _, ok := a.trusted[principal.ID]; ok {
		principal.Trusted = true
	}

	a.audit.Log(ctx, audit.NewEvent(ctx, audit.EventTypeAuthentication, action,
		audit.OutcomeSuccess, actorFor(principal)))

	return principal, nil
}

// Authorize checks the principal for the permission the operation
// requires.
func Authorize(principal *Principal, permission string) error {
	if principal == nil {
		return errs.NewAuthenticationError("missing credentials")
	}
	if permission == "" {
		return nil
	}
	if !principal.HasPermission(permission) {
		return errs.NewAuthorizationError(principal.ID, permission)
	}
	return nil
}

// asAuthenticationError coerces validator errors into the authentication
// kind so internal detail never selects a different status.
func asAuthenticationError(err error) error {
	var authErr *errs.AuthenticationError
	if errors.As(err, &authErr) {
		return err
	}
	return errs.NewAuthenticationErrorWithCause("credential validation failed", err)
}

func (a *Authenticator) auditDenied(ctx context.Context, action string, principal *Principal, cause error) {
	a.audit.Log(ctx, audit.NewEvent(ctx, audit.EventTypeAuthentication, action,
		audit.OutcomeDenied, actorFor(principal)).WithReason(cause.Error()))
}

func actorFor(p *Principal) *audit.Actor {
	if p == nil {
		return &audit.Actor{Kind: "anonymous"}
	}
	return &audit.Actor{ID: p.ID, Kind: string(p.Kind)}
}
