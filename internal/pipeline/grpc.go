package pipeline

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/voxwire/admission/internal/auth"
)

const correlationMetadataKey = "x-correlation-id"

// UnaryInterceptor adapts the pipeline to gRPC unary calls. Routes maps
// full method names to their admission configuration; methods absent from
// the map require authentication only.
func (p *Pipeline) UnaryInterceptor(routes map[string]RouteConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, grpcReq interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		creds, err := auth.ExtractGRPC(ctx)
		if err != nil && !errors.Is(err, auth.ErrNoCredentials) {
			creds = nil
		}

		route := routes[info.FullMethod]
		req := &Request{
			Endpoint:      info.FullMethod,
			Credentials:   creds,
			Permission:    route.Permission,
			Dependency:    route.Dependency,
			CorrelationID: correlationFromMetadata(ctx),
		}

		var resp interface{}
		handleCtx, handleErr := p.Handle(ctx, req, func(ctx context.Context) error {
			var opErr error
			resp, opErr = handler(ctx, grpcReq)
			return opErr
		})

		_ = grpc.SetHeader(handleCtx, metadata.Pairs(correlationMetadataKey, req.CorrelationID))

		if handleErr != nil {
			return nil, p.grpcStatus(handleCtx, handleErr)
		}
		return resp, nil
	}
}

// grpcStatus converts a pipeline error to a gRPC status carrying the
// envelope's user-safe message, never the raw error text.
func (p *Pipeline) grpcStatus(ctx context.Context, err error) error {
	// The operation may already have produced a gRPC status; pass it
	// through untouched.
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}

	env := p.translator.Translate(ctx, err)
	return status.Error(grpcCode(env.HTTPStatus), env.Message)
}

func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusBadGateway:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func correlationFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(correlationMetadataKey); len(values) > 0 {
		return values[0]
	}
	return ""
}
