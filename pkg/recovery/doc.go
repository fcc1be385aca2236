// Package recovery detects executor failures from heartbeat gaps and
// triggers orphaned-job redispatch and fleet emergency propagation
// through the broker.
package recovery
