// Package audit maintains the tamper-evident log of state-changing actions.
//
// # Overview
//
// Every appended entry stores prev_hash, the entry_hash of the row before it
// in global insertion order, and its own entry_hash:
//
//	entry_hash = BLAKE3-keyed(canonical(entry) || prev_hash)
//
// canonical(entry) is the CBOR Core Deterministic encoding of the entry's
// fields, so the same logical entry always hashes to the same value. Params
// and output are reduced to hashes before they reach the log.
//
// # Verification
//
// Verify walks a window of consecutive rows in ascending order. For each row
// it recomputes entry_hash, and for each row after the first it checks that
// prev_hash equals the predecessor's entry_hash. It returns how many links
// held before the first break. A broken chain is reported, never repaired.
package audit
