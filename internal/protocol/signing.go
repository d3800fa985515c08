// ABOUTME: Hook points for envelope signing and verification.
// ABOUTME: Implementations live outside this package; nil hooks disable signing.

package protocol

import (
	"fmt"
	"time"
)

// Signer fills the nonce and signature of an outbound envelope.
type Signer interface {
	Sign(env *Envelope) error
}

// Verifier checks the signature of an inbound envelope.
type Verifier interface {
	Verify(env *Envelope) error
}

// SigningPayload returns the bytes an envelope signature covers.
func SigningPayload(env *Envelope) []byte {
	return fmt.Appendf(nil, "%s|%s|%s|%s|%s|%s",
		env.ProtocolVersion,
		env.ID,
		env.Type,
		env.TraceID,
		env.Timestamp.UTC().Format(time.RFC3339Nano),
		env.Nonce,
	)
}
