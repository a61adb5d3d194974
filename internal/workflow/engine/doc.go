// Package engine implements the workflow state machine. Machine owns a single
// WorkflowState, enforces the legal status transitions, and persists every
// accepted mutation so a crashed run can be restored from disk.
package engine
