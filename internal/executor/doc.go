// Package executor maps action names to the code that performs them on the
// agent host.
//
// A Registry checks every request against the shared action catalog before
// running anything: unknown actions, actions refused in readonly mode and
// catalogued actions without a local handler all produce a structured error
// Result without spawning a process. The effective timeout is the requested
// one clamped to the action's registered maximum.
//
// Process-backed actions (run_command and the git actions) run through the
// supervisor, which enforces the timeout and the per-stream output cap.
// Output is streamed to Request.OnOutput as it arrives and also collected
// into the Result.
package executor
