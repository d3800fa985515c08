// ABOUTME: SSH-key implementations of the protocol envelope signing hooks.
// ABOUTME: Signatures cover the envelope header; nonces are single use.

package auth

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/2389/opsrelay/internal/protocol"
)

// ErrUnsigned is returned when a signature is required but absent.
var ErrUnsigned = errors.New("envelope is not signed")

// EnvelopeSigner signs outbound envelopes with an SSH key.
type EnvelopeSigner struct {
	signer ssh.Signer
}

// NewEnvelopeSigner creates a signer.
func NewEnvelopeSigner(signer ssh.Signer) *EnvelopeSigner {
	return &EnvelopeSigner{signer: signer}
}

// Sign sets a fresh nonce and the signature over the envelope header.
func (s *EnvelopeSigner) Sign(env *protocol.Envelope) error {
	env.Nonce = uuid.New().String()
	sig, err := sign(s.signer, protocol.SigningPayload(env))
	if err != nil {
		return err
	}
	env.Signature = sig
	return nil
}

// EnvelopeVerifier checks envelopes from one device.
type EnvelopeVerifier struct {
	ring        *KeyRing
	fingerprint string
	key         ssh.PublicKey
}

// EnvelopeVerifier returns a verifier for fingerprint, or false when the
// ring holds no key for it.
func (k *KeyRing) EnvelopeVerifier(fingerprint string) (*EnvelopeVerifier, bool) {
	key, ok := k.Key(fingerprint)
	if !ok {
		return nil, false
	}
	return &EnvelopeVerifier{ring: k, fingerprint: fingerprint, key: key}, true
}

// Verify checks signature, age and nonce freshness.
func (v *EnvelopeVerifier) Verify(env *protocol.Envelope) error {
	if env.Signature == "" || env.Nonce == "" {
		return ErrUnsigned
	}
	if err := v.ring.checkAge(env.Timestamp); err != nil {
		return err
	}
	if err := verifySignature(v.key, protocol.SigningPayload(env), env.Signature); err != nil {
		return err
	}
	if v.ring.nonces.CheckAndMark(fmt.Sprintf("envelope:%s:%s", v.fingerprint, env.Nonce)) {
		return ErrReplay
	}
	return nil
}
