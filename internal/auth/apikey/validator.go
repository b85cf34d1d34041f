package apikey

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/voxwire/admission/internal/auth"
	"github.com/voxwire/admission/internal/errs"
	"github.com/voxwire/admission/internal/observability"
)

// Validator validates API keys against a Store.
type Validator struct {
	store  Store
	scheme string
	logger observability.Logger
	now    func() time.Time
}

var _ auth.KeyValidator = (*Validator)(nil)

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = logger }
}

// withClock overrides the clock, for tests.
func withClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates an API-key validator.
func NewValidator(store Store, scheme string, opts ...ValidatorOption) *Validator {
	if scheme == "" {
		scheme = SchemeSHA256
	}
	v := &Validator{
		store:  store,
		scheme: scheme,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate implements auth.KeyValidator. A store failure rejects the key;
// validation never assumes an unreachable store means valid.
func (v *Validator) Validate(ctx context.Context, rawKey string) (*auth.Principal, error) {
	if rawKey == "" {
		return nil, errs.NewAuthenticationError("empty api key")
	}

	key, err := v.store.Lookup(ctx, rawKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, errs.NewAuthenticationError("unknown api key")
		}
		v.logger.WithContext(ctx).Error("api key lookup failed", observability.Error(err))
		return nil, errs.NewAuthenticationErrorWithCause("api key lookup failed", err)
	}

	if !v.verify(rawKey, key) {
		return nil, errs.NewAuthenticationError("invalid api key")
	}
	if key.Disabled {
		return nil, errs.NewAuthenticationError("api key disabled")
	}
	if !key.ExpiresAt.IsZero() && v.now().After(key.ExpiresAt) {
		return nil, errs.NewAuthenticationError("api key expired")
	}

	kind := auth.KindService
	if key.Kind == string(auth.KindUser) {
		kind = auth.KindUser
	}

	v.logger.WithContext(ctx).Debug("api key validated",
		observability.String("key_id", key.ID),
	)

	return &auth.Principal{
		ID:           key.Owner,
		Kind:         kind,
		Roles:        key.Roles,
		Permissions:  key.Permissions,
		ExpiresAt:    key.ExpiresAt,
		TokenID:      key.ID,
		RateOverride: key.RateOverride,
	}, nil
}

// verify re-checks the hash match in constant time. The bcrypt scheme's
// store already compared during lookup; comparing again keeps the check in
// one place for both schemes.
func (v *Validator) verify(rawKey string, key *Key) bool {
	switch v.scheme {
	case SchemeBcrypt:
		return bcryptMatches(key.Hash, rawKey)
	default:
		provided := HashSHA256(rawKey)
		return subtle.ConstantTimeCompare([]byte(provided), []byte(key.Hash)) == 1
	}
}
