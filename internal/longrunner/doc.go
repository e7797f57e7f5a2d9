// Package longrunner runs resumable sequences of work.
//
// A sequence is driven by an Action that does one bounded slice of work per
// invocation and then either completes, asks to be continued with a new
// argument list (NextArgs), or reports an error. The Runner keeps invoking the
// Action until it completes, fails, or the Budget for the current call is used
// up. In the last case the Runner returns a Paused result carrying a Checkpoint;
// feeding that Checkpoint back into Runner.Resume continues the sequence exactly
// where it stopped.
//
// The Runner never invokes the same sequence concurrently. Progress (successes,
// failures, captured errors) accumulates in a Tracker that travels with the
// Checkpoint, so a sequence split across many calls reports the same totals as
// one that ran in a single call.
//
// Persistence, scheduling of resumptions and transport are not handled here;
// see internal/sequences, internal/storage and internal/task.
package longrunner
