// Package grpcmw provides gRPC interceptors for both sides of an authkit call.
//
// Client side: UnaryClient, StreamClient and Credentials attach a fresh access
// token from an authkit.TokenSource to every outgoing RPC.
//
// Server side: UnaryAuth and StreamAuth verify the bearer token and store the
// claims in the handler context (authkit.ClaimsFromContext, authkit.IdentityFromContext).
package grpcmw

import (
	"context"
	"errors"
	"strings"

	authkit "github.com/chimerakang/authkit-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Verifier checks an access token and returns its claims.
type Verifier interface {
	VerifyAccess(token string) (authkit.Claims, error)
}

// AuthOption configures interceptor behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedMethods map[string]bool
}

// WithExcludedMethods sets gRPC methods that skip authentication.
// Methods should be fully qualified (e.g. "/package.Service/Method").
func WithExcludedMethods(methods ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

func newConfig(opts []AuthOption) *authConfig {
	cfg := &authConfig{excludedMethods: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// --- client side ---

// UnaryClient returns a unary client interceptor that sends a bearer token
// obtained from src. If no valid token can be obtained the RPC is not sent.
func UnaryClient(src authkit.TokenSource, opts ...AuthOption) grpc.UnaryClientInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		if cfg.excludedMethods[method] {
			return invoker(ctx, method, req, reply, cc, callOpts...)
		}
		ctx, err := attach(ctx, src)
		if err != nil {
			return err
		}
		return invoker(ctx, method, req, reply, cc, callOpts...)
	}
}

// StreamClient returns a stream client interceptor that sends a bearer token
// obtained from src when the stream is opened.
func StreamClient(src authkit.TokenSource, opts ...AuthOption) grpc.StreamClientInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		if cfg.excludedMethods[method] {
			return streamer(ctx, desc, cc, method, callOpts...)
		}
		ctx, err := attach(ctx, src)
		if err != nil {
			return nil, err
		}
		return streamer(ctx, desc, cc, method, callOpts...)
	}
}

// Credentials adapts a TokenSource to grpc.WithPerRPCCredentials.
type Credentials struct {
	Source authkit.TokenSource
	// Insecure allows sending the token over a plaintext connection.
	Insecure bool
}

var _ credentials.PerRPCCredentials = Credentials{}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c Credentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	token, err := c.Source.EnsureFresh(ctx)
	if err != nil {
		return nil, statusFromError(err)
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c Credentials) RequireTransportSecurity() bool { return !c.Insecure }

func attach(ctx context.Context, src authkit.TokenSource) (context.Context, error) {
	token, err := src.EnsureFresh(ctx)
	if err != nil {
		return ctx, statusFromError(err)
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token), nil
}

// statusFromError maps the session error taxonomy to gRPC codes.
func statusFromError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, authkit.ErrNetwork):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, authkit.ErrNotAuthenticated), authkit.IsFatal(err):
		return status.Error(codes.Unauthenticated, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// --- server side ---

// UnaryAuth returns a unary server interceptor that verifies bearer tokens.
func UnaryAuth(v Verifier, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newConfig(opts)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		ctx, err := authenticate(ctx, v)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuth returns a stream server interceptor that verifies bearer tokens.
func StreamAuth(v Verifier, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newConfig(opts)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		ctx, err := authenticate(ss.Context(), v)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticate(ctx context.Context, v Verifier) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokenStr := extractBearerFromMD(md)
	if tokenStr == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization token")
	}

	claims, err := v.VerifyAccess(tokenStr)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, "invalid token")
	}
	ctx = authkit.WithClaims(ctx, &claims)
	return authkit.WithIdentity(ctx, &authkit.Identity{ID: claims.Subject, Email: claims.Email}), nil
}

func extractBearerFromMD(md metadata.MD) string {
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	parts := strings.SplitN(vals[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// wrappedStream wraps grpc.ServerStream to override Context().
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
