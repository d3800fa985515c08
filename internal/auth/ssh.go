// ABOUTME: SSH public key authentication for agent connections
// ABOUTME: Agents sign "opsrelay-connect|fingerprint|timestamp|nonce" with their device key

package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/2389/opsrelay/internal/dedupe"
)

const (
	// SSHAuthMaxAge is the maximum age of a signature timestamp (5 minutes).
	SSHAuthMaxAge = 5 * time.Minute

	// SSHNonceCacheSize is the maximum number of nonces to track.
	SSHNonceCacheSize = 10000

	// maxClockSkew tolerates timestamps slightly in the future.
	maxClockSkew = time.Minute

	// SSH auth metadata keys.
	SSHPubkeyHeader    = "x-ssh-pubkey"
	SSHSignatureHeader = "x-ssh-signature"
	SSHTimestampHeader = "x-ssh-timestamp"
	SSHNonceHeader     = "x-ssh-nonce"
)

var (
	ErrUnknownKey   = errors.New("no authorized key for device")
	ErrKeyMismatch  = errors.New("public key does not match the authorized key")
	ErrBadSignature = errors.New("signature verification failed")
	ErrStale        = errors.New("signature timestamp outside the accepted window")
	ErrReplay       = errors.New("nonce already used")
)

// SSHAuthRequest contains the data sent by an agent for SSH authentication.
type SSHAuthRequest struct {
	Pubkey    string // Full public key (e.g., "ssh-ed25519 AAAA...")
	Signature string // Base64-encoded ssh.Signature
	Timestamp int64  // Unix timestamp
	Nonce     string // Random string to prevent replay
}

// connectPayload is the message an agent signs when connecting.
func connectPayload(fingerprint string, timestamp int64, nonce string) []byte {
	return fmt.Appendf(nil, "opsrelay-connect|%s|%d|%s", fingerprint, timestamp, nonce)
}

// KeyRing maps device fingerprints to their authorized SSH keys and owns the
// nonce cache shared by connect and envelope verification.
type KeyRing struct {
	mu     sync.RWMutex
	keys   map[string]ssh.PublicKey
	nonces *dedupe.Cache
	maxAge time.Duration
	now    func() time.Time
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{
		keys:   make(map[string]ssh.PublicKey),
		nonces: dedupe.New(SSHAuthMaxAge+maxClockSkew, SSHNonceCacheSize),
		maxAge: SSHAuthMaxAge,
		now:    time.Now,
	}
}

// Add authorizes an authorized_keys formatted key for fingerprint.
func (k *KeyRing) Add(fingerprint, authorizedKey string) error {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return fmt.Errorf("invalid public key for %s: %w", fingerprint, err)
	}
	k.mu.Lock()
	k.keys[fingerprint] = pub
	k.mu.Unlock()
	return nil
}

// Key returns the authorized key for fingerprint.
func (k *KeyRing) Key(fingerprint string) (ssh.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[fingerprint]
	return pub, ok
}

// Len returns the number of authorized keys.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Close releases the nonce cache.
func (k *KeyRing) Close() {
	k.nonces.Close()
}

func (k *KeyRing) checkAge(signedAt time.Time) error {
	age := k.now().Sub(signedAt)
	if age < -maxClockSkew || age > k.maxAge {
		return fmt.Errorf("%w (age %v)", ErrStale, age.Round(time.Second))
	}
	return nil
}

// VerifyConnect authenticates an agent claiming fingerprint.
func (k *KeyRing) VerifyConnect(fingerprint string, req *SSHAuthRequest) error {
	authorized, ok := k.Key(fingerprint)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, fingerprint)
	}
	presented, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.Pubkey))
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if !bytes.Equal(presented.Marshal(), authorized.Marshal()) {
		return ErrKeyMismatch
	}
	if err := k.checkAge(time.Unix(req.Timestamp, 0)); err != nil {
		return err
	}
	if err := verifySignature(authorized, connectPayload(fingerprint, req.Timestamp, req.Nonce), req.Signature); err != nil {
		return err
	}
	// The nonce key includes the fingerprint to prevent cross-key replay.
	if k.nonces.CheckAndMark(fmt.Sprintf("connect:%s:%d:%s", fingerprint, req.Timestamp, req.Nonce)) {
		return ErrReplay
	}
	return nil
}

func verifySignature(pub ssh.PublicKey, payload []byte, encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(raw, sig); err != nil {
		return fmt.Errorf("invalid signature format: %w", err)
	}
	if err := pub.Verify(payload, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

func sign(signer ssh.Signer, payload []byte) (string, error) {
	sig, err := signer.Sign(rand.Reader, payload)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ssh.Marshal(sig)), nil
}

// SignConnect produces the connect-time metadata for fingerprint.
func SignConnect(signer ssh.Signer, fingerprint string, now time.Time) (map[string]string, error) {
	ts := now.Unix()
	nonce := uuid.New().String()
	sig, err := sign(signer, connectPayload(fingerprint, ts, nonce))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		SSHPubkeyHeader:    strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))),
		SSHSignatureHeader: sig,
		SSHTimestampHeader: strconv.FormatInt(ts, 10),
		SSHNonceHeader:     nonce,
	}, nil
}

// LoadSigner reads an unencrypted private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", path, err)
	}
	return signer, nil
}

// ComputeFingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// ExtractSSHAuthFromMetadata extracts SSH auth fields from gRPC metadata.
// Returns nil if no SSH auth headers are present.
func ExtractSSHAuthFromMetadata(md map[string][]string) *SSHAuthRequest {
	first := func(key string) string {
		if vals := md[key]; len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}

	pubkey := first(SSHPubkeyHeader)
	signature := first(SSHSignatureHeader)
	timestampStr := first(SSHTimestampHeader)
	nonce := first(SSHNonceHeader)
	if pubkey == "" && signature == "" && timestampStr == "" && nonce == "" {
		return nil
	}

	timestamp, _ := strconv.ParseInt(timestampStr, 10, 64)
	return &SSHAuthRequest{
		Pubkey:    pubkey,
		Signature: signature,
		Timestamp: timestamp,
		Nonce:     nonce,
	}
}
