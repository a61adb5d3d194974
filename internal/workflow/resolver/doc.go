// Package resolver contains the dependency graph resolver for workflows. It
// validates the step graph, computes execution order, and answers readiness
// and reachability queries for the state machine and execution drivers.
package resolver
