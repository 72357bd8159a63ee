// ABOUTME: gRPC interceptors that authenticate calls with the shared Authenticator
// ABOUTME: Reads bearer credentials from metadata; sessions are never accepted here

package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/bodhi-gateway/internal/autherr"
)

// HealthServicePrefix is exempt from authentication by default.
const HealthServicePrefix = "/grpc.health.v1.Health/"

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
// Methods starting with any of publicPrefixes (or the health service when none
// are given) run with an anonymous identity.
func UnaryInterceptor(a *Authenticator, publicPrefixes ...string) grpc.UnaryServerInterceptor {
	public := publicMethods(publicPrefixes)
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		id, err := a.extractAuth(ctx, public(info.FullMethod))
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, id), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
func StreamInterceptor(a *Authenticator, publicPrefixes ...string) grpc.StreamServerInterceptor {
	public := publicMethods(publicPrefixes)
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		id, err := a.extractAuth(ss.Context(), public(info.FullMethod))
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), id),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func publicMethods(prefixes []string) func(string) bool {
	if len(prefixes) == 0 {
		prefixes = []string{HealthServicePrefix}
	}
	return func(method string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(method, p) {
				return true
			}
		}
		return false
	}
}

// extractAuth resolves the identity from the "authorization" metadata.
func (a *Authenticator) extractAuth(ctx context.Context, public bool) (*Identity, error) {
	if public {
		return Anonymous(), nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	req := Request{AcceptSession: false}
	if vals := md.Get("authorization"); len(vals) > 0 {
		req.Authorization = vals[0]
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		req.RemoteAddr = p.Addr.String()
	}

	id, err := a.Authenticate(ctx, req)
	if err == nil && !id.IsAuthenticated() {
		err = autherr.ErrNotAuthenticated
	}
	if err != nil {
		return nil, status.Error(autherr.GRPCCode(err), autherr.Message(err))
	}
	return id, nil
}
