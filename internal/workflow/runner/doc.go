// Package runner drives an engine.Machine to a terminal state. It asks the
// scheduler for runnable batches, executes steps concurrently through an
// Executor, routes approval gates to an Approver, and applies each step's
// on_error policy. The dispatch loop is the only goroutine that mutates the
// machine; step goroutines report back over a channel.
package runner
