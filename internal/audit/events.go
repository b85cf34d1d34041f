// Package audit emits append-only usage records for every admission
// decision. Records are queued and written off the request path; a full
// queue drops the record rather than blocking the caller.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxwire/admission/internal/observability"
)

// EventType classifies an audit record.
type EventType string

const (
	EventTypeAuthentication EventType = "authentication"
	EventTypeAuthorization  EventType = "authorization"
	EventTypeRateLimit      EventType = "rate_limit"
	EventTypeAdmission      EventType = "admission"
)

// Outcome is the result of the audited decision.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Actor identifies who triggered the event.
type Actor struct {
	// ID is the principal id, or the presented credential's id when
	// authentication failed.
	ID string `json:"id"`

	// Kind is "user", "service", or "anonymous".
	Kind string `json:"kind"`

	// Source is the network origin of the request.
	Source string `json:"source,omitempty"`
}

// Event is one append-only usage record.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Action        string            `json:"action"`
	Outcome       Outcome           `json:"outcome"`
	Actor         *Actor            `json:"actor,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp, carrying the
// correlation id and any OpenTelemetry trace context from ctx.
func NewEvent(ctx context.Context, eventType EventType, action string, outcome Outcome, actor *Actor) *Event {
	e := &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Action:        action,
		Outcome:       outcome,
		Actor:         actor,
		CorrelationID: observability.CorrelationIDFromContext(ctx),
		Timestamp:     time.Now().UTC(),
	}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e.TraceID = sc.TraceID().String()
		if sc.HasSpanID() {
			e.SpanID = sc.SpanID().String()
		}
	}

	return e
}

// WithReason attaches a denial or error reason.
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithMetadata attaches one metadata entry.
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
