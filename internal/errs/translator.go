package errs

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/voxwire/admission/internal/observability"
)

// Envelope is the canonical error response body. It is immutable after
// creation; callers must not modify a returned envelope.
type Envelope struct {
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Details       map[string]string `json:"details,omitempty"`

	// Transport metadata, not part of the wire body.
	HTTPStatus int           `json:"-"`
	RetryAfter time.Duration `json:"-"`
	ErrKind    Kind          `json:"-"`
}

// envelopeBody is the wire shape: the envelope nested under "error".
type envelopeBody struct {
	Error *Envelope `json:"error"`
}

// mapping pairs the HTTP status and stable machine code for one kind.
type mapping struct {
	status int
	code   string
}

// kindMappings is the exhaustive translation table. Kinds absent from the
// table fall back to the internal mapping.
var kindMappings = map[Kind]mapping{
	KindAuthentication: {status: http.StatusUnauthorized, code: "AUTHENTICATION_ERROR"},
	KindAuthorization:  {status: http.StatusForbidden, code: "AUTHORIZATION_ERROR"},
	KindRateLimit:      {status: http.StatusTooManyRequests, code: "RATE_LIMIT_EXCEEDED"},
	KindCircuitOpen:    {status: http.StatusServiceUnavailable, code: "CIRCUIT_OPEN"},
	KindValidation:     {status: http.StatusBadRequest, code: "VALIDATION_ERROR"},
	KindUpstream:       {status: http.StatusBadGateway, code: "UPSTREAM_ERROR"},
	KindInternal:       {status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
}

var internalMapping = mapping{status: http.StatusInternalServerError, code: "INTERNAL_ERROR"}

// userMessages are the user-safe messages per kind. Raw error text never
// reaches the caller; it stays in the logs.
var userMessages = map[Kind]string{
	KindAuthentication: "authentication failed",
	KindAuthorization:  "permission denied",
	KindRateLimit:      "rate limit exceeded",
	KindCircuitOpen:    "service temporarily unavailable",
	KindValidation:     "invalid request",
	KindUpstream:       "upstream service error",
	KindInternal:       "internal server error",
}

// Translator converts any error into an Envelope.
type Translator struct {
	logger observability.Logger
	now    func() time.Time
}

// TranslatorOption configures a Translator.
type TranslatorOption func(*Translator)

// WithTranslatorLogger sets the logger.
func WithTranslatorLogger(logger observability.Logger) TranslatorOption {
	return func(t *Translator) { t.logger = logger }
}

// withClock overrides the clock, for tests.
func withClock(now func() time.Time) TranslatorOption {
	return func(t *Translator) { t.now = now }
}

// NewTranslator creates a new Translator.
func NewTranslator(opts ...TranslatorOption) *Translator {
	t := &Translator{
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Translate maps err to its envelope. Translation is pure: the same error
// always yields the same code, status, and message; only the timestamp and
// the correlation id (taken from ctx) vary between calls.
func (t *Translator) Translate(ctx context.Context, err error) *Envelope {
	kind := KindOf(err)
	m, ok := kindMappings[kind]
	if !ok {
		kind = KindInternal
		m = internalMapping
	}

	env := &Envelope{
		Code:          m.code,
		Message:       userMessages[kind],
		CorrelationID: observability.CorrelationIDFromContext(ctx),
		Timestamp:     t.now().UTC(),
		HTTPStatus:    m.status,
		ErrKind:       kind,
	}

	switch e := err.(type) {
	case *RateLimitError:
		env.RetryAfter = e.RetryAfter
	case *ValidationError:
		if len(e.Fields) > 0 {
			details := make(map[string]string, len(e.Fields))
			for k, v := range e.Fields {
				details[k] = v
			}
			env.Details = details
		}
	}

	return env
}

// Severity returns the log level appropriate for the kind: client faults
// log at warn, server faults at error.
func Severity(kind Kind) string {
	switch kind {
	case KindAuthentication, KindAuthorization, KindRateLimit, KindValidation:
		return "warn"
	default:
		return "error"
	}
}

// WriteHTTP writes the envelope as the JSON response body, setting the
// correlation and retry headers.
func (e *Envelope) WriteHTTP(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	if e.CorrelationID != "" {
		w.Header().Set("X-Correlation-ID", e.CorrelationID)
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}
	w.WriteHeader(e.HTTPStatus)
	return json.NewEncoder(w).Encode(envelopeBody{Error: e})
}

// retryAfterSeconds rounds the duration up to whole seconds, minimum 1.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
