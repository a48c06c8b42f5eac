// Package instances implements the lifecycle state machine for experiment
// instances.
//
// States:
//   - pending -> submitted -> succeeded | failed
//   - pending -> failed | cancelled
//   - submitted -> cancelled
//
// A new instance is created in pending atomically with the caller's quota
// increment. Backend submission happens asynchronously; the reconciler owns
// every transition after admission, re-driving pending submissions under the
// original idempotency token and polling submitted executions. All writes go
// through revision-checked compare-and-set, so racing writers (a cancel
// request and a reconciliation pass, or two replicated orchestrators) never
// lose updates: the loser observes a conflict and re-reads.
//
// Terminal instances (succeeded, failed, cancelled) are immutable history.
package instances
