// Package auth authenticates API callers and agents.
//
// # HTTP callers
//
// Operators and client devices call the HTTP API with an HS256 JWT in the
// Authorization header:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
//
// The "sub" claim becomes the Principal id and the optional "roles" claim
// its roles. Handlers read the caller with FromContext.
//
// # Agents
//
// Agents connect over gRPC and present their device fingerprint in the
// x-device-fingerprint metadata header. When the KeyRing holds an authorized
// SSH key for that fingerprint, the connection must also carry a signature
// over "opsrelay-connect|fingerprint|timestamp|nonce" made with that key
// (see SignConnect and ConnectVerifier).
//
// # Envelope signatures
//
// EnvelopeSigner and EnvelopeVerifier implement the protocol signing hooks
// with SSH keys. A signature covers protocol.SigningPayload; nonces are
// remembered for the signature window so a captured envelope cannot be
// replayed.
package auth
