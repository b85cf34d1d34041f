// Package auth authenticates and authorizes callers. Credentials arrive as
// bearer tokens or API keys; validation yields a Principal that the rest of
// the pipeline keys off.
package auth

import (
	"context"
	"time"
)

// PrincipalKind distinguishes human users from machine callers.
type PrincipalKind string

const (
	// KindUser is an end-user principal.
	KindUser PrincipalKind = "user"

	// KindService is a service-to-service principal.
	KindService PrincipalKind = "service"
)

// Principal is an authenticated caller.
type Principal struct {
	// ID is the stable subject identifier.
	ID string

	// Kind is user or service.
	Kind PrincipalKind

	// Roles granted to the principal.
	Roles []string

	// Permissions granted to the principal.
	Permissions []string

	// ExpiresAt is when the credential expires. Zero means no expiry.
	ExpiresAt time.Time

	// TokenID is the credential's unique id (jti for tokens, key id for
	// API keys). Used for revocation and audit.
	TokenID string

	// Trusted marks internal services that bypass rate limiting.
	Trusted bool

	// RateOverride, when positive, is a per-client rate limit carried by
	// the credential.
	RateOverride int
}

// HasPermission reports whether the principal holds the permission. The
// wildcard permission "*" grants everything.
func (p *Principal) HasPermission(permission string) bool {
	for _, have := range p.Permissions {
		if have == permission || have == "*" {
			return true
		}
	}
	return false
}

// HasRole reports whether the principal holds the role.
func (p *Principal) HasRole(role string) bool {
	for _, have := range p.Roles {
		if have == role {
			return true
		}
	}
	return false
}

type contextKey string

const principalKey contextKey = "principal"

// ContextWithPrincipal attaches the principal to the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return nil
}
