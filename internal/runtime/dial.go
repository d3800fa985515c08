// ABOUTME: gRPC dialer for the agent stream with fingerprint and SSH connect proof.
// ABOUTME: Waits for the coordinator's response headers before reporting success.

package runtime

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/2389/opsrelay/internal/auth"
	"github.com/2389/opsrelay/internal/protocol"
)

// GRPCDialer opens agent streams on cc. When key is non-nil every connect
// carries a fresh signature over the fingerprint.
func GRPCDialer(cc grpc.ClientConnInterface, fingerprint string, key ssh.Signer) Dialer {
	return func(ctx context.Context) (Stream, error) {
		pairs := map[string]string{protocol.FingerprintHeader: fingerprint}
		if key != nil {
			signed, err := auth.SignConnect(key, fingerprint, time.Now())
			if err != nil {
				return nil, err
			}
			for k, v := range signed {
				pairs[k] = v
			}
		}
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(pairs))

		stream, err := protocol.OpenAgentStream(ctx, cc)
		if err != nil {
			return nil, fmt.Errorf("opening stream: %w", err)
		}
		// Header blocks until the coordinator accepts or rejects the stream.
		md, err := stream.Header()
		if err != nil {
			return nil, fmt.Errorf("awaiting acceptance: %w", err)
		}
		if len(md.Get(protocol.ConnectionHeader)) == 0 {
			// A rejected stream has no headers; the status arrives on Recv.
			_, err := stream.Recv()
			if err == nil {
				err = fmt.Errorf("coordinator did not accept the stream")
			}
			return nil, err
		}
		return stream, nil
	}
}
