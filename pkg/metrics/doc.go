// Package metrics exposes the Prometheus collectors for the fabric:
// job throughput, queue depth, FCFS rejects, sync health, peer and
// executor state, and emergency mode. Handler serves /metrics.
package metrics
