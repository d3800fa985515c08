// ABOUTME: Tests for SSH connect authentication and envelope signatures
// ABOUTME: Covers key matching, signature checks, timestamp window and replay

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/opsrelay/internal/protocol"
)

// generateTestKeyPair creates a new ed25519 key pair for testing
func generateTestKeyPair(t *testing.T) (ssh.Signer, string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to create SSH public key: %v", err)
	}
	return signer, string(ssh.MarshalAuthorizedKey(sshPub))
}

func newRing(t *testing.T, fingerprint, authorizedKey string) *KeyRing {
	t.Helper()
	ring := NewKeyRing()
	t.Cleanup(ring.Close)
	if err := ring.Add(fingerprint, authorizedKey); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return ring
}

func connectRequest(t *testing.T, signer ssh.Signer, fingerprint string, at time.Time) *SSHAuthRequest {
	t.Helper()
	md, err := SignConnect(signer, fingerprint, at)
	if err != nil {
		t.Fatalf("SignConnect() error = %v", err)
	}
	grpcMD := make(map[string][]string, len(md))
	for k, v := range md {
		grpcMD[k] = []string{v}
	}
	req := ExtractSSHAuthFromMetadata(grpcMD)
	if req == nil {
		t.Fatal("ExtractSSHAuthFromMetadata returned nil")
	}
	return req
}

func TestVerifyConnect_Valid(t *testing.T) {
	signer, pub := generateTestKeyPair(t)
	ring := newRing(t, "laptop", pub)

	if err := ring.VerifyConnect("laptop", connectRequest(t, signer, "laptop", time.Now())); err != nil {
		t.Fatalf("VerifyConnect() error = %v", err)
	}
}

func TestVerifyConnect_Failures(t *testing.T) {
	signer, pub := generateTestKeyPair(t)
	other, _ := generateTestKeyPair(t)

	tests := []struct {
		name string
		req  func(t *testing.T) *SSHAuthRequest
		fp   string
		want error
	}{
		{
			name: "unknown device",
			req:  func(t *testing.T) *SSHAuthRequest { return connectRequest(t, signer, "desktop", time.Now()) },
			fp:   "desktop",
			want: ErrUnknownKey,
		},
		{
			name: "different key",
			req:  func(t *testing.T) *SSHAuthRequest { return connectRequest(t, other, "laptop", time.Now()) },
			fp:   "laptop",
			want: ErrKeyMismatch,
		},
		{
			name: "stale timestamp",
			req: func(t *testing.T) *SSHAuthRequest {
				return connectRequest(t, signer, "laptop", time.Now().Add(-10*time.Minute))
			},
			fp:   "laptop",
			want: ErrStale,
		},
		{
			name: "future timestamp",
			req: func(t *testing.T) *SSHAuthRequest {
				return connectRequest(t, signer, "laptop", time.Now().Add(5*time.Minute))
			},
			fp:   "laptop",
			want: ErrStale,
		},
		{
			name: "signed for another fingerprint",
			req: func(t *testing.T) *SSHAuthRequest {
				return connectRequest(t, signer, "desktop", time.Now())
			},
			fp:   "laptop",
			want: ErrBadSignature,
		},
		{
			name: "tampered nonce",
			req: func(t *testing.T) *SSHAuthRequest {
				r := connectRequest(t, signer, "laptop", time.Now())
				r.Nonce += "x"
				return r
			},
			fp:   "laptop",
			want: ErrBadSignature,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring := newRing(t, "laptop", pub)
			if err := ring.VerifyConnect(tt.fp, tt.req(t)); !errors.Is(err, tt.want) {
				t.Errorf("VerifyConnect() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyConnect_Replay(t *testing.T) {
	signer, pub := generateTestKeyPair(t)
	ring := newRing(t, "laptop", pub)
	req := connectRequest(t, signer, "laptop", time.Now())

	if err := ring.VerifyConnect("laptop", req); err != nil {
		t.Fatalf("first VerifyConnect() error = %v", err)
	}
	if err := ring.VerifyConnect("laptop", req); !errors.Is(err, ErrReplay) {
		t.Fatalf("second VerifyConnect() error = %v, want ErrReplay", err)
	}
}

func TestExtractSSHAuthFromMetadata(t *testing.T) {
	if ExtractSSHAuthFromMetadata(map[string][]string{"other": {"x"}}) != nil {
		t.Error("expected nil without ssh headers")
	}
	req := ExtractSSHAuthFromMetadata(map[string][]string{
		SSHPubkeyHeader:    {" ssh-ed25519 AAAA "},
		SSHTimestampHeader: {strconv.Itoa(42)},
	})
	if req == nil || req.Timestamp != 42 || strings.HasPrefix(req.Pubkey, " ") {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestComputeFingerprint(t *testing.T) {
	signer, _ := generateTestKeyPair(t)
	fp := ComputeFingerprint(signer.PublicKey())
	if len(fp) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(fp))
	}
	if fp != ComputeFingerprint(signer.PublicKey()) {
		t.Error("fingerprint not stable")
	}
}

func signedHeartbeat(t *testing.T, s *EnvelopeSigner) *protocol.Heartbeat {
	t.Helper()
	hb := &protocol.Heartbeat{
		Envelope: protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.PartyAgent, protocol.PartyCoordinator, ""),
	}
	if err := s.Sign(hb.Header()); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return hb
}

func TestEnvelopeSignature(t *testing.T) {
	signer, pub := generateTestKeyPair(t)
	ring := newRing(t, "laptop", pub)
	es := NewEnvelopeSigner(signer)

	v, ok := ring.EnvelopeVerifier("laptop")
	if !ok {
		t.Fatal("expected verifier for laptop")
	}
	if _, ok := ring.EnvelopeVerifier("desktop"); ok {
		t.Fatal("unexpected verifier for unknown device")
	}

	t.Run("valid", func(t *testing.T) {
		hb := signedHeartbeat(t, es)
		if hb.Nonce == "" || hb.Signature == "" {
			t.Fatal("Sign() left nonce or signature empty")
		}
		if err := v.Verify(hb.Header()); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	})

	t.Run("replay", func(t *testing.T) {
		hb := signedHeartbeat(t, es)
		if err := v.Verify(hb.Header()); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if err := v.Verify(hb.Header()); !errors.Is(err, ErrReplay) {
			t.Fatalf("Verify() error = %v, want ErrReplay", err)
		}
	})

	t.Run("tampered header", func(t *testing.T) {
		hb := signedHeartbeat(t, es)
		hb.TraceID = "forged"
		if err := v.Verify(hb.Header()); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("Verify() error = %v, want ErrBadSignature", err)
		}
	})

	t.Run("unsigned", func(t *testing.T) {
		hb := &protocol.Heartbeat{
			Envelope: protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.PartyAgent, protocol.PartyCoordinator, ""),
		}
		if err := v.Verify(hb.Header()); !errors.Is(err, ErrUnsigned) {
			t.Fatalf("Verify() error = %v, want ErrUnsigned", err)
		}
	})
}
