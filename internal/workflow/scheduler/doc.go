// Package scheduler turns resolver readiness into runnable batches that
// respect dependency order plus runtime constraints such as concurrency
// limits and manual approvals. Execution drivers call it to decide which
// steps to dispatch next without re-implementing filtering logic.
package scheduler
