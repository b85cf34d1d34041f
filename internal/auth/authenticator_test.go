package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxwire/admission/internal/audit"
	"github.com/voxwire/admission/internal/errs"
)

// captureAudit records events synchronously for assertions.
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

func (c *captureAudit) last() *audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

type stubTokenValidator struct {
	principal *Principal
	err       error
}

func (s *stubTokenValidator) Validate(context.Context, string) (*Principal, error) {
	return s.principal, s.err
}

type stubKeyValidator struct {
	principal *Principal
	err       error
}

func (s *stubKeyValidator) Validate(context.Context, string) (*Principal, error) {
	return s.principal, s.err
}

func TestAuthenticate_BearerSuccess(t *testing.T) {
	sink := &captureAudit{}
	a := NewAuthenticator(
		WithTokenValidator(&stubTokenValidator{principal: &Principal{ID: "user-1", Kind: KindUser}}),
		WithAuditLogger(sink),
	)

	p, err := a.Authenticate(context.Background(), &Credentials{Type: CredentialTypeBearer, Value: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.ID)

	event := sink.last()
	require.NotNil(t, event)
	assert.Equal(t, audit.OutcomeSuccess, event.Outcome)
	assert.Equal(t, "token.validate", event.Action)
	assert.Equal(t, "user-1", event.Actor.ID)
}

func TestAuthenticate_APIKeySuccess(t *testing.T) {
	a := NewAuthenticator(
		WithKeyValidator(&stubKeyValidator{principal: &Principal{ID: "svc-1", Kind: KindService}}),
	)

	p, err := a.Authenticate(context.Background(), &Credentials{Type: CredentialTypeAPIKey, Value: "key"})
	require.NoError(t, err)
	assert.Equal(t, KindService, p.Kind)
}

func TestAuthenticate_MissingCredentials(t *testing.T) {
	sink := &captureAudit{}
	a := NewAuthenticator(WithAuditLogger(sink))

	_, err := a.Authenticate(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))

	event := sink.last()
	require.NotNil(t, event)
	assert.Equal(t, audit.OutcomeDenied, event.Outcome)
	assert.Equal(t, "anonymous", event.Actor.Kind)
}

func TestAuthenticate_ValidatorFailureAudited(t *testing.T) {
	sink := &captureAudit{}
	a := NewAuthenticator(
		WithTokenValidator(&stubTokenValidator{err: errs.NewAuthenticationError("token expired")}),
		WithAuditLogger(sink),
	)

	_, err := a.Authenticate(context.Background(), &Credentials{Type: CredentialTypeBearer, Value: "tok"})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))

	event := sink.last()
	require.NotNil(t, event)
	assert.Equal(t, audit.OutcomeDenied, event.Outcome)
	assert.Contains(t, event.Reason, "token expired")
}

func TestAuthenticate_NonAuthErrorCoerced(t *testing.T) {
	a := NewAuthenticator(
		WithTokenValidator(&stubTokenValidator{err: errors.New("redis: connection refused")}),
	)

	_, err := a.Authenticate(context.Background(), &Credentials{Type: CredentialTypeBearer, Value: "tok"})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
}

func TestAuthenticate_TrustedServiceFlagged(t *testing.T) {
	a := NewAuthenticator(
		WithKeyValidator(&stubKeyValidator{principal: &Principal{ID: "media-relay", Kind: KindService}}),
		WithTrustedServices([]string{"media-relay"}),
	)

	p, err := a.Authenticate(context.Background(), &Credentials{Type: CredentialTypeAPIKey, Value: "key"})
	require.NoError(t, err)
	assert.True(t, p.Trusted)
}

func TestAuthenticate_ValidatorNotConfigured(t *testing.T) {
	a := NewAuthenticator()

	_, err := a.Authenticate(context.Background(), &Credentials{Type: CredentialTypeBearer, Value: "tok"})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
}

func TestAuthorize(t *testing.T) {
	p := &Principal{ID: "user-1", Permissions: []string{"calls:create"}}

	assert.NoError(t, Authorize(p, "calls:create"))
	assert.NoError(t, Authorize(p, ""))

	err := Authorize(p, "calls:delete")
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))

	err = Authorize(nil, "calls:create")
	require.Error(t, err)
	assert.Equal(t, errs.KindAuthentication, errs.KindOf(err))
}
