package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

func TestExtractHTTP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		want     *Credentials
		wantErr  error
	}{
		{
			name:    "bearer token",
			headers: map[string]string{"Authorization": "Bearer abc.def.ghi"},
			want:    &Credentials{Type: CredentialTypeBearer, Value: "abc.def.ghi"},
		},
		{
			name:    "api key",
			headers: map[string]string{"X-API-Key": "vx_live_123"},
			want:    &Credentials{Type: CredentialTypeAPIKey, Value: "vx_live_123"},
		},
		{
			name: "bearer wins over api key",
			headers: map[string]string{
				"Authorization": "Bearer abc",
				"X-API-Key":     "vx_live_123",
			},
			want: &Credentials{Type: CredentialTypeBearer, Value: "abc"},
		},
		{
			name:    "wrong scheme falls through to api key",
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz", "X-API-Key": "vx_live_123"},
			want:    &Credentials{Type: CredentialTypeAPIKey, Value: "vx_live_123"},
		},
		{
			name:    "no credentials",
			headers: map[string]string{},
			wantErr: ErrNoCredentials,
		},
		{
			name:    "empty bearer value",
			headers: map[string]string{"Authorization": "Bearer "},
			wantErr: ErrNoCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/calls", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			creds, err := ExtractHTTP(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, creds)
		})
	}
}

func TestExtractGRPC(t *testing.T) {
	t.Run("bearer from metadata", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(),
			metadata.Pairs("authorization", "Bearer abc.def"))

		creds, err := ExtractGRPC(ctx)
		require.NoError(t, err)
		assert.Equal(t, CredentialTypeBearer, creds.Type)
		assert.Equal(t, "abc.def", creds.Value)
	})

	t.Run("api key from metadata", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(),
			metadata.Pairs("x-api-key", "vx_live_123"))

		creds, err := ExtractGRPC(ctx)
		require.NoError(t, err)
		assert.Equal(t, CredentialTypeAPIKey, creds.Type)
	})

	t.Run("no metadata", func(t *testing.T) {
		_, err := ExtractGRPC(context.Background())
		assert.ErrorIs(t, err, ErrNoCredentials)
	})
}

func TestPrincipal_HasPermission(t *testing.T) {
	p := &Principal{Permissions: []string{"calls:create", "calls:read"}}
	assert.True(t, p.HasPermission("calls:create"))
	assert.False(t, p.HasPermission("calls:delete"))

	admin := &Principal{Permissions: []string{"*"}}
	assert.True(t, admin.HasPermission("anything:at:all"))
}

func TestPrincipalContext(t *testing.T) {
	p := &Principal{ID: "user-1"}
	ctx := ContextWithPrincipal(context.Background(), p)

	assert.Equal(t, p, PrincipalFromContext(ctx))
	assert.Nil(t, PrincipalFromContext(context.Background()))
}
