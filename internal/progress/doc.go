// Package progress provides the event primitives and the non-blocking hub the
// scheduler uses to report batch and task milestones. Events are batched on a
// background goroutine and fanned out to pluggable sinks such as structured
// logs, Prometheus collectors or a terminal progress bar.
package progress
