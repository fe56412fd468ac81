// Package governor implements the adaptive visual-load governor of a canvas
// surface.
//
// Visual nodes register themselves when mounted and release their Binding when
// unmounted. On every tick the governor compares the measured rendering
// throughput with Config.MinThroughput: under load it isolates a bounded number
// of lower-priority nodes, and once throughput has stayed above the threshold for
// Config.RestoreDelay it restores them. Operators can force isolation or
// restoration at any time through the control surface methods.
//
// Invariants held at every observable boundary:
//
//   - a TierCritical node is never isolated, automatically or manually
//   - the number of ReasonAuto entries never exceeds Config.MaxIsolated
//   - only registered nodes appear in the isolation ledger
//   - isolating an isolated node or restoring an active node is a no-op
//
// A Governor is safe for concurrent use. Registry, ledger and configuration are
// guarded by one mutex and every tick plans and applies its decisions under it.
package governor
