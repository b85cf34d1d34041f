package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
)

// ErrNoCredentials indicates the request carried no recognizable
// credential.
var ErrNoCredentials = errors.New("no credentials provided")

// CredentialType identifies how the caller authenticated.
type CredentialType string

const (
	// CredentialTypeBearer is a JWT presented via Authorization: Bearer.
	CredentialTypeBearer CredentialType = "bearer"

	// CredentialTypeAPIKey is an API key presented via X-API-Key.
	CredentialTypeAPIKey CredentialType = "apikey"
)

// Credentials is an extracted, not yet validated, credential.
type Credentials struct {
	Type  CredentialType
	Value string
}

const (
	authorizationHeader = "Authorization"
	apiKeyHeader        = "X-API-Key"
	bearerPrefix        = "Bearer "
)

// ExtractHTTP pulls the credential off an HTTP request. A bearer token
// wins when both headers are present.
func ExtractHTTP(r *http.Request) (*Credentials, error) {
	if auth := r.Header.Get(authorizationHeader); auth != "" {
		if strings.HasPrefix(auth, bearerPrefix) {
			token := strings.TrimSpace(auth[len(bearerPrefix):])
			if token != "" {
				return &Credentials{Type: CredentialTypeBearer, Value: token}, nil
			}
		}
	}

	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		return &Credentials{Type: CredentialTypeAPIKey, Value: key}, nil
	}

	return nil, ErrNoCredentials
}

// ExtractGRPC pulls the credential from incoming gRPC metadata. Metadata
// keys are lowercase on the wire.
func ExtractGRPC(ctx context.Context) (*Credentials, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, ErrNoCredentials
	}

	if values := md.Get("authorization"); len(values) > 0 {
		if strings.HasPrefix(values[0], bearerPrefix) {
			token := strings.TrimSpace(values[0][len(bearerPrefix):])
			if token != "" {
				return &Credentials{Type: CredentialTypeBearer, Value: token}, nil
			}
		}
	}

	if values := md.Get(strings.ToLower(apiKeyHeader)); len(values) > 0 {
		if key := strings.TrimSpace(values[0]); key != "" {
			return &Credentials{Type: CredentialTypeAPIKey, Value: key}, nil
		}
	}

	return nil, ErrNoCredentials
}
