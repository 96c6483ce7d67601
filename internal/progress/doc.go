// Package progress carries job and task milestones from the scheduler to
// pluggable sinks. Emit never blocks; a background goroutine batches events
// and hands them to sinks such as the structured log or Prometheus.
package progress
