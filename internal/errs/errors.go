// Package errs defines the closed error taxonomy of the admission core and
// the translation of any failure into the canonical error envelope.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrCircuitOpen.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., RateLimitError, CircuitOpenError). Each
//     type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// Every structured type reports a Kind so the Translator's mapping table
// stays exhaustive over a closed set.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one member of the closed error taxonomy.
type Kind int

// The taxonomy. KindInternal is the catch-all for anything unmapped.
const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindRateLimit
	KindCircuitOpen
	KindValidation
	KindUpstream
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindRateLimit:
		return "rate_limit"
	case KindCircuitOpen:
		return "circuit_open"
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Kinder is implemented by errors that belong to the taxonomy.
type Kinder interface {
	Kind() Kind
}

// KindOf walks the error chain and returns the kind of the outermost
// taxonomy error, or KindInternal when the chain carries none.
func KindOf(err error) Kind {
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// Common sentinel errors.
var (
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// AuthenticationError indicates a malformed, expired, or revoked credential.
type AuthenticationError struct {
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *AuthenticationError) Unwrap() error { return e.Cause }

// Is checks if the error matches the target.
func (e *AuthenticationError) Is(target error) bool {
	if target == ErrUnauthorized {
		return true
	}
	_, ok := target.(*AuthenticationError)
	return ok || errors.Is(e.Cause, target)
}

// Kind implements Kinder.
func (e *AuthenticationError) Kind() Kind { return KindAuthentication }

// NewAuthenticationError creates a new AuthenticationError.
func NewAuthenticationError(reason string) *AuthenticationError {
	return &AuthenticationError{Reason: reason}
}

// NewAuthenticationErrorWithCause creates a new AuthenticationError wrapping a cause.
func NewAuthenticationErrorWithCause(reason string, cause error) *AuthenticationError {
	return &AuthenticationError{Reason: reason, Cause: cause}
}

// AuthorizationError indicates the caller lacks a required permission.
type AuthorizationError struct {
	Subject    string
	Permission string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("subject %s lacks permission %s", e.Subject, e.Permission)
}

// Is checks if the error matches the target.
func (e *AuthorizationError) Is(target error) bool {
	if target == ErrForbidden {
		return true
	}
	_, ok := target.(*AuthorizationError)
	return ok
}

// Kind implements Kinder.
func (e *AuthorizationError) Kind() Kind { return KindAuthorization }

// NewAuthorizationError creates a new AuthorizationError.
func NewAuthorizationError(subject, permission string) *AuthorizationError {
	return &AuthorizationError{Subject: subject, Permission: permission}
}

// RateLimitError indicates the rate limiter denied the request.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (limit: %d, retry after: %v)", e.Limit, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// Kind implements Kinder.
func (e *RateLimitError) Kind() Kind { return KindRateLimit }

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(limit int, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Limit: limit, RetryAfter: retryAfter}
}

// CircuitOpenError indicates a breaker rejected the call without invoking
// the dependency.
type CircuitOpenError struct {
	Dependency string
	State      string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s", e.Dependency, e.State)
}

// Is checks if the error matches the target.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// Kind implements Kinder.
func (e *CircuitOpenError) Kind() Kind { return KindCircuitOpen }

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(dependency, state string) *CircuitOpenError {
	return &CircuitOpenError{Dependency: dependency, State: state}
}

// ValidationError indicates a malformed request.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s (fields: %v)", e.Message, e.Fields)
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// Kind implements Kinder.
func (e *ValidationError) Kind() Kind { return KindValidation }

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// AddField adds a field error.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// UpstreamError wraps a failed business operation call.
type UpstreamError struct {
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("operation %s failed: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("operation %s failed", e.Operation)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error { return e.Cause }

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	_, ok := target.(*UpstreamError)
	return ok || errors.Is(e.Cause, target)
}

// Kind implements Kinder.
func (e *UpstreamError) Kind() Kind { return KindUpstream }

// NewUpstreamError creates a new UpstreamError wrapping a cause.
func NewUpstreamError(operation string, cause error) *UpstreamError {
	return &UpstreamError{Operation: operation, Cause: cause}
}

// InternalError is the catch-all for failures outside the taxonomy.
type InternalError struct {
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %v", e.Cause)
	}
	return "internal error"
}

// Unwrap returns the underlying error.
func (e *InternalError) Unwrap() error { return e.Cause }

// Is checks if the error matches the target.
func (e *InternalError) Is(target error) bool {
	_, ok := target.(*InternalError)
	return ok || errors.Is(e.Cause, target)
}

// Kind implements Kinder.
func (e *InternalError) Kind() Kind { return KindInternal }

// NewInternalError creates a new InternalError wrapping a cause.
func NewInternalError(cause error) *InternalError {
	return &InternalError{Cause: cause}
}
