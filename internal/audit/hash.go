// ABOUTME: Canonical CBOR encoding and domain-keyed BLAKE3 hashing for audit entries.
// ABOUTME: Also hashes command params and output before they enter the log.

package audit

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/2389/opsrelay/internal/store"
)

// encMode produces Core Deterministic Encoding (RFC 8949 section 4.2).
var encMode cbor.EncMode

// Domain keys keep entry, params and output digests from colliding across uses.
var (
	entryKey  = domainKey("opsrelay.audit.entry.v1")
	paramsKey = domainKey("opsrelay.audit.params.v1")
	outputKey = domainKey("opsrelay.audit.output.v1")
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
}

func domainKey(label string) [32]byte {
	return blake3.Sum256([]byte(label))
}

func keyedHex(key [32]byte, parts ...[]byte) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("audit: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, p := range parts {
		_, _ = hasher.Write(p)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// canonicalEntry fixes the field set and order that entry_hash covers.
type canonicalEntry struct {
	Action     string `cbor:"1,keyasint"`
	UserID     string `cbor:"2,keyasint"`
	SessionID  string `cbor:"3,keyasint"`
	DeviceID   string `cbor:"4,keyasint"`
	CommandID  string `cbor:"5,keyasint"`
	ParamsHash string `cbor:"6,keyasint"`
	Result     string `cbor:"7,keyasint"`
	OutputHash string `cbor:"8,keyasint"`
	DurationMS *int64 `cbor:"9,keyasint"`
	CreatedAt  string `cbor:"10,keyasint"`
}

// Canonical returns the deterministic encoding of e's content. ID and the
// two hash columns are excluded.
func Canonical(e *store.AuditEntry) ([]byte, error) {
	data, err := encMode.Marshal(canonicalEntry{
		Action:     e.Action,
		UserID:     e.UserID,
		SessionID:  e.SessionID,
		DeviceID:   e.DeviceID,
		CommandID:  e.CommandID,
		ParamsHash: e.ParamsHash,
		Result:     e.Result,
		OutputHash: e.OutputHash,
		DurationMS: e.DurationMS,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding audit entry: %w", err)
	}
	return data, nil
}

// EntryHash computes entry_hash for e from its content and e.PrevHash.
func EntryHash(e *store.AuditEntry) (string, error) {
	canon, err := Canonical(e)
	if err != nil {
		return "", err
	}
	return keyedHex(entryKey, canon, []byte(e.PrevHash)), nil
}

// HashParams digests a params mapping. Map keys are sorted by the encoder,
// so equal mappings hash equally regardless of construction order.
func HashParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	data, err := encMode.Marshal(params)
	if err != nil {
		return ""
	}
	return keyedHex(paramsKey, data)
}

// HashOutput digests command output.
func HashOutput(output []byte) string {
	if len(output) == 0 {
		return ""
	}
	return keyedHex(outputKey, output)
}
