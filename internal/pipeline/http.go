package pipeline

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/voxwire/admission/internal/auth"
)

const correlationHeader = "X-Correlation-ID"

// RouteConfig is the per-route admission configuration.
type RouteConfig struct {
	// Permission the route requires. Empty requires authentication only.
	Permission string

	// Dependency names the downstream dependency behind the route, so
	// the handler runs inside that dependency's circuit breaker.
	Dependency string
}

// Middleware adapts the pipeline to a gin handler chain. Denials are
// written as the JSON error envelope and abort the chain; admitted
// requests continue with the correlation id and principal on the request
// context.
func (p *Pipeline) Middleware(route RouteConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds, err := auth.ExtractHTTP(c.Request)
		if err != nil && !errors.Is(err, auth.ErrNoCredentials) {
			creds = nil
		}

		req := &Request{
			Endpoint:      c.Request.Method + " " + c.FullPath(),
			Credentials:   creds,
			Permission:    route.Permission,
			Dependency:    route.Dependency,
			CorrelationID: c.GetHeader(correlationHeader),
		}

		ctx, handleErr := p.Handle(c.Request.Context(), req, func(ctx context.Context) error {
			c.Request = c.Request.WithContext(ctx)
			c.Writer.Header().Set(correlationHeader, req.CorrelationID)
			c.Next()
			return nil
		})
		if handleErr != nil {
			env := p.translator.Translate(ctx, handleErr)
			_ = env.WriteHTTP(c.Writer)
			c.Abort()
		}
	}
}
