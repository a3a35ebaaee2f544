package grpcmw

import (
	"context"
	"errors"
	"testing"
	"time"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/chimerakang/authkit-go/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type tokenFunc func(context.Context) (string, error)

func (f tokenFunc) EnsureFresh(ctx context.Context) (string, error) { return f(ctx) }

func static(tok string) authkit.TokenSource {
	return tokenFunc(func(context.Context) (string, error) { return tok, nil })
}

func failing(err error) authkit.TokenSource {
	return tokenFunc(func(context.Context) (string, error) { return "", err })
}

func TestUnaryClient_AttachesToken(t *testing.T) {
	var got []string
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		got = md.Get("authorization")
		return nil
	}

	err := UnaryClient(static("abc"))(context.Background(), "/svc.Feed/List", nil, nil, nil, invoker)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer abc"}, got)
}

func TestUnaryClient_ExcludedMethod(t *testing.T) {
	called := false
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		called = true
		_, ok := metadata.FromOutgoingContext(ctx)
		assert.False(t, ok)
		return nil
	}

	intc := UnaryClient(failing(authkit.ErrNotAuthenticated), WithExcludedMethods("/svc.Health/Check"))
	require.NoError(t, intc(context.Background(), "/svc.Health/Check", nil, nil, nil, invoker))
	assert.True(t, called)
}

func TestUnaryClient_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"no session", authkit.ErrNotAuthenticated, codes.Unauthenticated},
		{"expired", authkit.NewError(authkit.ErrSessionExpired, "authkit/refresh", "", nil), codes.Unauthenticated},
		{"network", authkit.NewError(authkit.ErrNetwork, "backend.refresh", "", errors.New("dial tcp")), codes.Unavailable},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"other", errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoker := func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
				t.Fatal("invoker must not run without a token")
				return nil
			}
			err := UnaryClient(failing(tt.err))(context.Background(), "/svc.Feed/List", nil, nil, nil, invoker)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestStreamClient_AttachesToken(t *testing.T) {
	var got []string
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		md, _ := metadata.FromOutgoingContext(ctx)
		got = md.Get("authorization")
		return nil, nil
	}

	_, err := StreamClient(static("xyz"))(context.Background(), &grpc.StreamDesc{}, nil, "/svc.Feed/Watch", streamer)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer xyz"}, got)
}

func TestCredentials(t *testing.T) {
	c := Credentials{Source: static("abc")}
	md, err := c.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", md["authorization"])
	assert.True(t, c.RequireTransportSecurity())
	assert.False(t, Credentials{Insecure: true}.RequireTransportSecurity())

	_, err = Credentials{Source: failing(authkit.ErrNotAuthenticated)}.GetRequestMetadata(context.Background())
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestAuthenticate(t *testing.T) {
	fb := fake.New(fake.WithUser("ada", "ada@example.com", "correct-horse", "Ada", false))
	pair, err := fb.IssueFor("ada", time.Hour)
	require.NoError(t, err)
	expired, err := fb.IssueFor("ada", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name       string
		authHeader string
		expectCode codes.Code
	}{
		{"valid token", "Bearer " + pair.AccessToken, codes.OK},
		{"empty token", "", codes.Unauthenticated},
		{"malformed bearer", "NotBearer token", codes.Unauthenticated},
		{"expired token", "Bearer " + expired.AccessToken, codes.Unauthenticated},
		{"refresh token", "Bearer " + pair.RefreshToken, codes.Unauthenticated},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			md := metadata.MD{}
			if tc.authHeader != "" {
				md = metadata.Pairs("authorization", tc.authHeader)
			}
			ctx, err := authenticate(metadata.NewIncomingContext(context.Background(), md), fb)
			require.Equal(t, tc.expectCode, status.Code(err))
			if tc.expectCode == codes.OK {
				claims := authkit.ClaimsFromContext(ctx)
				require.NotNil(t, claims)
				assert.Equal(t, "ada@example.com", claims.Email)
				id := authkit.IdentityFromContext(ctx)
				require.NotNil(t, id)
				assert.Equal(t, claims.Subject, id.ID)
			}
		})
	}
}

func TestAuthenticate_MissingMetadata(t *testing.T) {
	fb := fake.New()
	_, err := authenticate(context.Background(), fb)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnaryAuth(t *testing.T) {
	fb := fake.New(fake.WithUser("ada", "ada@example.com", "correct-horse", "Ada", false))
	pair, err := fb.IssueFor("ada", time.Hour)
	require.NoError(t, err)

	handler := func(ctx context.Context, req any) (any, error) {
		return authkit.ClaimsFromContext(ctx).Subject, nil
	}
	intc := UnaryAuth(fb, WithExcludedMethods("/svc.Health/Check"))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+pair.AccessToken))
	sub, err := intc(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc.Feed/List"}, handler)
	require.NoError(t, err)
	assert.NotEmpty(t, sub)

	_, err = intc(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc.Feed/List"}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = intc(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc.Health/Check"},
		func(ctx context.Context, req any) (any, error) { return "ok", nil })
	assert.NoError(t, err)
}

// serverStream is a grpc.ServerStream that only carries a context.
type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *serverStream) Context() context.Context { return s.ctx }

func TestStreamAuth(t *testing.T) {
	fb := fake.New(fake.WithUser("ada", "ada@example.com", "correct-horse", "Ada", false))
	pair, err := fb.IssueFor("ada", time.Hour)
	require.NoError(t, err)

	var seen *authkit.Identity
	handler := func(srv any, ss grpc.ServerStream) error {
		seen = authkit.IdentityFromContext(ss.Context())
		return nil
	}
	intc := StreamAuth(fb, WithExcludedMethods("/svc.Health/Watch"))
	feed := &grpc.StreamServerInfo{FullMethod: "/svc.Feed/Watch", IsServerStream: true}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+pair.AccessToken))
	require.NoError(t, intc(nil, &serverStream{ctx: ctx}, feed, handler))
	require.NotNil(t, seen)
	assert.Equal(t, "ada@example.com", seen.Email)

	err = intc(nil, &serverStream{ctx: context.Background()}, feed, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	seen = nil
	err = intc(nil, &serverStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/svc.Health/Watch"}, handler)
	assert.NoError(t, err)
	assert.Nil(t, seen, "excluded methods reach the handler unauthenticated")
}
