// Package dedupe provides a bounded recency cache of seen keys.
//
// The agent uses it to remember processed idempotency keys so that a command
// delivered twice runs once, and the signature verifier uses it to reject
// replayed nonces. The oldest key is evicted once the cache is full; keys may
// also expire after a TTL.
package dedupe
