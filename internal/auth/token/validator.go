// Package token validates bearer JWTs: signature, lifetime, issuer and
// audience, then a revocation point lookup. The revocation check fails
// closed; if the revocation store cannot be reached the token is rejected.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/voxwire/admission/internal/auth"
	"github.com/voxwire/admission/internal/errs"
	"github.com/voxwire/admission/internal/observability"
)

// Config configures the token validator.
type Config struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// RevocationChecker answers whether a token id has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Validator validates bearer tokens against a JWK set.
type Validator struct {
	config     Config
	keys       jwk.Set
	revocation RevocationChecker
	logger     observability.Logger
}

var _ auth.TokenValidator = (*Validator)(nil)

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithRevocation enables the revocation check.
func WithRevocation(checker RevocationChecker) ValidatorOption {
	return func(v *Validator) { v.revocation = checker }
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = logger }
}

// NewValidator creates a token validator over the given key set.
func NewValidator(config Config, keys jwk.Set, opts ...ValidatorOption) (*Validator, error) {
	if keys == nil || keys.Len() == 0 {
		return nil, fmt.Errorf("token validator requires at least one verification key")
	}

	v := &Validator{
		config: config,
		keys:   keys,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// LoadKeySet loads the verification keys from a JWKS URL or a local file.
// Exactly one source must be set.
func LoadKeySet(ctx context.Context, jwksURL, file string) (jwk.Set, error) {
	switch {
	case jwksURL != "" && file != "":
		return nil, fmt.Errorf("jwksUrl and publicKeyFile are mutually exclusive")
	case jwksURL != "":
		set, err := jwk.Fetch(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
		}
		return set, nil
	case file != "":
		set, err := jwk.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", file, err)
		}
		return set, nil
	default:
		return nil, fmt.Errorf("no verification key source configured")
	}
}

// Validate implements auth.TokenValidator.
func (v *Validator) Validate(ctx context.Context, raw string) (*auth.Principal, error) {
	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(v.keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.config.ClockSkew),
	}
	if v.config.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.config.Audience))
	}

	tok, err := jwt.Parse([]byte(raw), parseOpts...)
	if err != nil {
		v.logger.WithContext(ctx).Debug("token rejected", observability.Error(err))
		return nil, errs.NewAuthenticationErrorWithCause("invalid token", err)
	}

	if v.revocation != nil {
		if err := v.checkRevocation(ctx, tok.JwtID()); err != nil {
			return nil, err
		}
	}

	return principalFromToken(tok), nil
}

// checkRevocation fails closed: a missing jti or an unreachable store both
// reject the token.
func (v *Validator) checkRevocation(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return errs.NewAuthenticationError("token has no id, cannot check revocation")
	}

	revoked, err := v.revocation.IsRevoked(ctx, tokenID)
	if err != nil {
		v.logger.WithContext(ctx).Error("revocation check failed",
			observability.String("token_id", tokenID),
			observability.Error(err),
		)
		return errs.NewAuthenticationErrorWithCause("revocation check unavailable", err)
	}
	if revoked {
		return errs.NewAuthenticationError("token revoked")
	}
	return nil
}

func principalFromToken(tok jwt.Token) *auth.Principal {
	p := &auth.Principal{
		ID:          tok.Subject(),
		Kind:        auth.KindUser,
		TokenID:     tok.JwtID(),
		ExpiresAt:   tok.Expiration(),
		Roles:       stringsClaim(tok, "roles"),
		Permissions: stringsClaim(tok, "permissions"),
	}

	if kind, ok := tok.Get("kind"); ok {
		if s, ok := kind.(string); ok && s == string(auth.KindService) {
			p.Kind = auth.KindService
		}
	}

	if override, ok := tok.Get("rate_limit"); ok {
		if n, ok := override.(float64); ok && n > 0 {
			p.RateOverride = int(n)
		}
	}

	return p
}

// stringsClaim reads a claim holding a list of strings. JSON arrays come
// back as []interface{}.
func stringsClaim(tok jwt.Token, name string) []string {
	value, ok := tok.Get(name)
	if !ok {
		return nil
	}

	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
