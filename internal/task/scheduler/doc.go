// Package scheduler runs the tick loop that turns recurrence rules into
// ready work. Each tick it collects due tasks from the registry, in
// earliest-due order, and hands them to the execution engine.
//
// The loop only classifies and enqueues; it never blocks on execution.
// Admission control and retries belong to internal/task/engine.
package scheduler
