package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// ClusterSecretHeader is the metadata key for the shared restore secret
	ClusterSecretHeader = "x-marmot-cluster-secret"
)

// UnaryServerInterceptor returns a server interceptor that validates the secret.
// An empty secret disables authentication.
func UnaryServerInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := validateClusterSecret(ctx, secret); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a server interceptor for streaming RPCs
func StreamServerInterceptor(secret string) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := validateClusterSecret(ss.Context(), secret); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func validateClusterSecret(ctx context.Context, secret string) error {
	if secret == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	secrets := md.Get(ClusterSecretHeader)
	if len(secrets) == 0 {
		return status.Error(codes.Unauthenticated, "missing cluster secret")
	}

	if secrets[0] != secret {
		return status.Error(codes.Unauthenticated, "invalid cluster secret")
	}

	return nil
}

// UnaryClientInterceptorWithSecret returns a client interceptor that sends secret
func UnaryClientInterceptorWithSecret(secret string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if secret != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, ClusterSecretHeader, secret)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptorWithSecret returns a stream client interceptor that sends secret
func StreamClientInterceptorWithSecret(secret string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if secret != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, ClusterSecretHeader, secret)
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}
