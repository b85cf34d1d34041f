// Package health exposes liveness and readiness endpoints. Liveness only
// says the process is up; readiness additionally checks the stores the
// admission path depends on.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voxwire/admission/internal/observability"
)

// Check probes one dependency.
type Check struct {
	// Name identifies the dependency in the readiness report.
	Name string

	// Probe returns nil when the dependency is usable.
	Probe func(ctx context.Context) error

	// Critical checks fail readiness; non-critical ones are reported but
	// do not flip the status.
	Critical bool
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checks  []Check
	timeout time.Duration
	logger  observability.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithCheck registers a dependency check.
func WithCheck(c Check) Option {
	return func(h *Handler) { h.checks = append(h.checks, c) }
}

// WithTimeout bounds the whole readiness probe.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// WithHealthLogger sets the logger.
func WithHealthLogger(l observability.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a health handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		timeout: 2 * time.Second,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
}

// Liveness reports that the process is serving.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// checkResult is one dependency's probe outcome.
type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Readiness probes every dependency concurrently and reports 503 when any
// critical one fails.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	results := make(map[string]checkResult, len(h.checks))
	ready := true

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, check := range h.checks {
		wg.Add(1)
		go func(check Check) {
			defer wg.Done()
			err := check.Probe(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[check.Name] = checkResult{Status: "down", Error: err.Error()}
				if check.Critical {
					ready = false
				}
				h.logger.Warn("readiness check failed",
					observability.String("check", check.Name),
					observability.Error(err),
				)
				return
			}
			results[check.Name] = checkResult{Status: "up"}
		}(check)
	}
	wg.Wait()

	status := http.StatusOK
	statusText := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		statusText = "not ready"
	}
	c.JSON(status, gin.H{"status": statusText, "checks": results})
}
