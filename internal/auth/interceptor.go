// ABOUTME: gRPC stream interceptor authenticating agent connections
// ABOUTME: Requires the device fingerprint header and verifies SSH signatures

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/opsrelay/internal/protocol"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// AgentStreamInterceptor authenticates agent streams. Every stream must carry
// the device fingerprint. Devices with an authorized key in ring must prove
// possession of it; unknown devices are admitted only when requireKeys is
// false.
func AgentStreamInterceptor(ring *KeyRing, requireKeys bool, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := ss.Context()
		principal, err := authenticateAgent(ctx, ring, requireKeys, logger)
		if err != nil {
			return err
		}
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithPrincipal(ctx, principal),
		}
		return handler(srv, wrapped)
	}
}

func authenticateAgent(ctx context.Context, ring *KeyRing, requireKeys bool, logger *slog.Logger) (*Principal, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var fingerprint string
	if vals := md.Get(protocol.FingerprintHeader); len(vals) > 0 {
		fingerprint = strings.TrimSpace(vals[0])
	}
	if fingerprint == "" {
		logAuthFailure(logger, ctx, "missing fingerprint")
		return nil, status.Error(codes.Unauthenticated, "missing "+protocol.FingerprintHeader)
	}

	if ring != nil {
		if _, ok := ring.Key(fingerprint); ok {
			req := ExtractSSHAuthFromMetadata(md)
			if req == nil {
				logAuthFailure(logger, ctx, "missing ssh signature", "fingerprint", fingerprint)
				return nil, status.Error(codes.Unauthenticated, "ssh signature required")
			}
			if err := ring.VerifyConnect(fingerprint, req); err != nil {
				logAuthFailure(logger, ctx, err.Error(), "fingerprint", fingerprint)
				return nil, status.Error(codes.Unauthenticated, "ssh authentication failed")
			}
			return &Principal{ID: fingerprint, Kind: KindDevice}, nil
		}
	}

	if requireKeys {
		logAuthFailure(logger, ctx, "unknown device", "fingerprint", fingerprint)
		return nil, status.Error(codes.Unauthenticated, "unknown device")
	}
	return &Principal{ID: fingerprint, Kind: KindDevice}, nil
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
