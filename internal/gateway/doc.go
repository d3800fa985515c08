// Package gateway runs the opsrelay coordinator.
//
// # Overview
//
// The Gateway owns every server-side component: the SQLite store, the
// agent connection manager, the command lifecycle manager, the macro
// runner, the audit chain and the notification broadcaster. It serves
// agents over gRPC and operators over HTTP, either on plain TCP listeners
// or inside a tailnet via tsnet.
//
// # Agent Streams
//
// Each agent holds one AgentControl stream (stream.go). The auth
// interceptor authenticates the device fingerprint before the handler
// runs. The handler then:
//
//  1. Maps the fingerprint to a registered device, or uses it as the id
//  2. Sends the connection id as a response header
//  3. Registers the connection, displacing any older one for the device
//  4. Redispatches commands that were waiting for the device
//  5. Routes inbound frames, in order, to the command manager
//
// Invalid frames are answered with an error frame listing the fields that
// failed. Inbound frames are rate limited per connection.
//
// # HTTP API
//
// The gateway exposes these endpoints in api.go:
//
//   - POST /api/commands - Create a command (201, or 200 for a duplicate)
//   - GET /api/commands/{id} - Command status
//   - GET /api/commands/{id}/progress - Stored progress entries
//   - GET /api/commands/{id}/events - SSE stream until the final result
//   - POST /api/commands/{id}/confirm - Approve or deny a confirmation
//   - POST /api/commands/{id}/cancel - Cancel a command
//   - DELETE /api/sessions/{id} - Drop a finished session's commands (admin)
//   - GET /api/devices - Connected devices
//   - GET /api/devices/{id} - One device, registered or connected
//   - POST /api/devices - Register a device fingerprint (admin)
//   - POST /api/macros - Define a macro
//   - GET /api/macros/{id} - Macro definition
//   - POST /api/macros/{id}/runs - Start a macro run (202)
//   - GET /api/macro-runs/{id} - Macro run status
//   - GET /api/audit - Filtered audit log
//   - GET /api/audit/verify - Check the audit hash chain
//   - GET /api/events - SSE firehose, or one device with ?device_id=
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (database ping)
//
// Requests carry a bearer JWT unless auth is disabled. Mutations need the
// operator role.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// Run recovers in-flight commands from the store, starts the idle reaper
// and both servers, and shuts everything down when ctx is cancelled.
package gateway
