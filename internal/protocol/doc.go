// Package protocol defines the wire messages exchanged between the opsrelay
// coordinator and its host agents.
//
// # Overview
//
// Every message is a JSON document that carries an Envelope header:
//
//	{"protocol_version":"2.0","id":"...","type":"command","timestamp":"...",
//	 "source":"coordinator","target":"agent","trace_id":"...", ...}
//
// The eight message kinds (command, progress, result, event, confirm_request,
// confirm_response, cancel_request, cancel_result) embed the Envelope and add
// their own fields. Heartbeat, heartbeat_ack and error frames are sideband
// traffic on the same stream and are not part of a command's causal chain.
//
// # Validation
//
// Decode checks the envelope and the type-specific body before anything is
// returned. A document that fails returns a *ValidationError listing every
// invalid field so the sender can be told exactly what was wrong. A document
// with an unrecognised type returns ErrUnknownType; receivers log it and move on.
//
// # Transport
//
// Documents travel as Frames over the bidirectional gRPC method
// opsrelay.v1.AgentControl/AgentStream. The service descriptor is declared by
// hand in service.go and frames are passed through a raw codec, so no
// generated code is involved. Agents present their device fingerprint in the
// connect-time metadata key x-device-fingerprint.
package protocol
