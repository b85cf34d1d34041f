package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/voxwire/admission/internal/observability"
)

const (
	redactedValue = "[REDACTED]"
	formatJSON    = "json"
	formatText    = "text"
)

var (
	auditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_audit_events_total",
			Help: "Total number of audit events emitted",
		},
		[]string{"type", "outcome"},
	)

	auditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_audit_events_dropped_total",
			Help: "Total number of audit events dropped because the queue was full",
		},
	)
)

// Logger is the audit logger interface. Log never blocks the caller.
type Logger interface {
	Log(ctx context.Context, event *Event)
	Close() error
}

// Config configures the audit logger.
type Config struct {
	Enabled bool

	// Output is "stdout", "stderr", or a file path.
	Output string

	// Format is "json" or "text".
	Format string

	// QueueSize bounds the in-flight event queue.
	QueueSize int

	// RedactFields are metadata keys whose values are masked. Matching is
	// case-insensitive substring.
	RedactFields []string
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      true,
		Output:       "stdout",
		Format:       formatJSON,
		QueueSize:    1024,
		RedactFields: []string{"authorization", "password", "token", "secret", "api_key"},
	}
}

// asyncLogger writes events from a bounded queue on a single worker
// goroutine.
type asyncLogger struct {
	config *Config
	writer io.Writer
	closer io.Closer
	logger observability.Logger

	queue     chan *Event
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Logger = (*asyncLogger)(nil)

// LoggerOption is a functional option for the audit logger.
type LoggerOption func(*asyncLogger)

// WithLoggerLogger sets the diagnostic logger.
func WithLoggerLogger(l observability.Logger) LoggerOption {
	return func(lg *asyncLogger) { lg.logger = l }
}

// WithLoggerWriter overrides the output writer.
func WithLoggerWriter(w io.Writer) LoggerOption {
	return func(lg *asyncLogger) { lg.writer = w }
}

// NewLogger creates an audit logger and starts its writer goroutine.
func NewLogger(config *Config, opts ...LoggerOption) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return NewNoopLogger(), nil
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1024
	}

	l := &asyncLogger{
		config: config,
		logger: observability.NopLogger(),
		queue:  make(chan *Event, config.QueueSize),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.writer == nil {
		writer, closer, err := createWriter(config.Output)
		if err != nil {
			return nil, err
		}
		l.writer = writer
		l.closer = closer
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func createWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		//nolint:gosec // G304: path from config is trusted
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return file, file, nil
	}
}

// Log enqueues the event. When the queue is full the event is dropped and
// counted; the request path is never blocked on audit IO.
func (l *asyncLogger) Log(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	l.redact(event)
	auditEventsTotal.WithLabelValues(string(event.Type), string(event.Outcome)).Inc()

	select {
	case l.queue <- event:
	default:
		auditDroppedTotal.Inc()
		l.logger.WithContext(ctx).Warn("audit queue full, dropping event",
			observability.String("type", string(event.Type)),
			observability.String("action", event.Action),
		)
	}
}

// run drains the queue until Close.
func (l *asyncLogger) run() {
	defer l.wg.Done()
	for event := range l.queue {
		l.write(event)
	}
}

func (l *asyncLogger) write(event *Event) {
	var output []byte

	switch l.config.Format {
	case formatText:
		output = []byte(formatTextEvent(event))
	default:
		data, err := json.Marshal(event)
		if err != nil {
			l.logger.Error("failed to marshal audit event", observability.Error(err))
			return
		}
		output = append(data, '\n')
	}

	if _, err := l.writer.Write(output); err != nil {
		l.logger.Error("failed to write audit event", observability.Error(err))
	}
}

func formatTextEvent(event *Event) string {
	var sb strings.Builder

	sb.WriteString(event.Timestamp.Format(time.RFC3339))
	sb.WriteString(" ")
	sb.WriteString(string(event.Type))
	sb.WriteString(" ")
	sb.WriteString(event.Action)
	sb.WriteString(" ")
	sb.WriteString(string(event.Outcome))

	if event.Actor != nil {
		sb.WriteString(" actor=")
		sb.WriteString(event.Actor.ID)
	}
	if event.CorrelationID != "" {
		sb.WriteString(" correlation_id=")
		sb.WriteString(event.CorrelationID)
	}
	if event.TraceID != "" {
		sb.WriteString(" trace_id=")
		sb.WriteString(event.TraceID)
	}
	if event.Reason != "" {
		sb.WriteString(" reason=")
		sb.WriteString(event.Reason)
	}

	sb.WriteString("\n")
	return sb.String()
}

func (l *asyncLogger) redact(event *Event) {
	if event.Metadata == nil || len(l.config.RedactFields) == 0 {
		return
	}
	for key := range event.Metadata {
		lower := strings.ToLower(key)
		for _, field := range l.config.RedactFields {
			if strings.Contains(lower, strings.ToLower(field)) {
				event.Metadata[key] = redactedValue
				break
			}
		}
	}
}

// Close drains queued events and closes the output. Close is idempotent.
func (l *asyncLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.queue)
		l.wg.Wait()
		if l.closer != nil {
			err = l.closer.Close()
		}
	})
	return err
}

// noopLogger discards all events.
type noopLogger struct{}

var _ Logger = (*noopLogger)(nil)

// NewNoopLogger creates an audit logger that discards everything.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *noopLogger) Log(context.Context, *Event) {}
func (l *noopLogger) Close() error                { return nil }
