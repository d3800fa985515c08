// ABOUTME: Tests for the agent stream interceptor
// ABOUTME: Uses a fake ServerStream carrying incoming metadata

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/opsrelay/internal/protocol"
)

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func streamWith(pairs map[string]string) *fakeServerStream {
	return &fakeServerStream{ctx: metadata.NewIncomingContext(context.Background(), metadata.New(pairs))}
}

func runInterceptor(t *testing.T, ring *KeyRing, requireKeys bool, ss grpc.ServerStream) (*Principal, error) {
	t.Helper()
	var got *Principal
	err := AgentStreamInterceptor(ring, requireKeys, nil)(nil, ss, &grpc.StreamServerInfo{FullMethod: "/opsrelay.Gateway/AgentStream"},
		func(_ any, stream grpc.ServerStream) error {
			got = FromContext(stream.Context())
			return nil
		})
	return got, err
}

func TestAgentStreamInterceptor(t *testing.T) {
	signer, pub := generateTestKeyPair(t)

	signed := func(t *testing.T, fp string) map[string]string {
		md, err := SignConnect(signer, fp, time.Now())
		require.NoError(t, err)
		md[protocol.FingerprintHeader] = fp
		return md
	}

	t.Run("missing fingerprint", func(t *testing.T) {
		_, err := runInterceptor(t, nil, false, streamWith(nil))
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("unknown device admitted when keys optional", func(t *testing.T) {
		p, err := runInterceptor(t, newRing(t, "laptop", pub), false, streamWith(map[string]string{
			protocol.FingerprintHeader: "desktop",
		}))
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "desktop", p.ID)
		assert.Equal(t, KindDevice, p.Kind)
	})

	t.Run("unknown device rejected when keys required", func(t *testing.T) {
		_, err := runInterceptor(t, newRing(t, "laptop", pub), true, streamWith(map[string]string{
			protocol.FingerprintHeader: "desktop",
		}))
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("known device without signature", func(t *testing.T) {
		_, err := runInterceptor(t, newRing(t, "laptop", pub), false, streamWith(map[string]string{
			protocol.FingerprintHeader: "laptop",
		}))
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("known device with valid signature", func(t *testing.T) {
		p, err := runInterceptor(t, newRing(t, "laptop", pub), true, streamWith(signed(t, "laptop")))
		require.NoError(t, err)
		assert.Equal(t, "laptop", p.ID)
	})

	t.Run("replayed connect", func(t *testing.T) {
		ring := newRing(t, "laptop", pub)
		md := signed(t, "laptop")
		_, err := runInterceptor(t, ring, true, streamWith(md))
		require.NoError(t, err)
		_, err = runInterceptor(t, ring, true, streamWith(md))
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})
}
