// Package supervisor runs and tracks one OS process per command on the agent
// host.
//
// # Overview
//
// Spawn starts a process, streams its stdout and stderr to callbacks, arms a
// wall-clock timer, and blocks until the process has exited and its output is
// drained. It returns exactly one Outcome per spawn.
//
//	sup := supervisor.New(logger)
//	out, err := sup.Spawn(ctx, supervisor.Spec{
//	    CommandID: "cmd-1",
//	    Path:      "sh",
//	    Args:      []string{"-c", "make test"},
//	    Timeout:   5 * time.Minute,
//	    OnStdout:  func(p []byte) { ... },
//	})
//
// # Killing
//
// A timed-out process, a cancelled command and supervisor shutdown all go
// through the same path: the whole process tree is killed (process group
// SIGKILL on POSIX, taskkill /T /F on Windows) and the Outcome reports
// Killed with the reason. Kill and KillAll only act on processes that are
// still tracked, so a late cancel for a finished command is a no-op.
//
// # Output caps
//
// Each stream forwards at most MaxOutput bytes (512,000 by default). Bytes
// beyond the cap are read and discarded so the child never blocks on a full
// pipe, and the Outcome flags the stream as truncated.
package supervisor
