// Package storage persists broker state (jobs, results, executor
// registry, clock snapshot) behind the Store interface, with BoltDB
// and in-memory implementations.
package storage
