// Package runtime is the agent's connection loop.
//
// A Runtime moves between three states: disconnected, connecting and
// connected. Every failed connect or dropped stream schedules a reconnect
// after backoff.Delay(attempt, base, max); the attempt counter resets only
// after the coordinator accepts a stream.
//
// While connected, one goroutine reads frames and another owns all writes,
// interleaving heartbeats with the outbox. The outbox outlives connections:
// results produced while the agent is offline are delivered after the next
// successful connect. Commands run on the Runtime's own context, so a dropped
// connection never cancels them; their timeouts are enforced locally.
//
// Each command's idempotency key is remembered in a bounded recency cache and
// a repeated key is dropped without executing or replying.
package runtime
