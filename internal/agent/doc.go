// Package agent tracks the live connection of every host agent on the
// coordinator side.
//
// # Overview
//
// The Manager maps a resolved device identity to exactly one Connection:
//
//	mgr := agent.NewManager(logger)
//
// Key operations:
//
//   - OnConnect(conn): install conn, force-closing any previous holder
//   - OnDisconnect(conn): remove conn only if it is still the holder
//   - Send(deviceID, msg): deliver a message; false means offline
//   - IsOnline(deviceID): presence check
//   - ReapIdle(now, timeout): close connections whose heartbeats stopped
//
// # Newest connection wins
//
// An agent that reconnects before its old stream has been torn down presents
// the same identity twice. The newer connection replaces the older one and
// the older one is closed with reason "displaced". Its own disconnect, which
// arrives later, finds a different holder and leaves the mapping alone.
//
// # Connection
//
// Connection wraps the outbound half of one gRPC stream. Writes are
// serialized, and Close signals the stream handler through Done so it can
// return and tear the stream down.
package agent
