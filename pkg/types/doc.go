/*
Package types defines the core data structures used throughout Lattice.

This package is the shared vocabulary of the fabric: vector clock
snapshots, emergency contexts, job descriptors and queue entries,
executor and peer registry records, the broker metadata sync payload,
and the wire shapes of the HTTP reference transport.

All enums are typed string constants. Optional configuration uses
pointers (nil means absent). Every type is JSON-serializable; the
storage layer persists them as JSON and the transport carries them in
causal envelopes.

The error taxonomy lives here as sentinel errors (ErrQueueSaturated,
ErrAlreadyAccepted, ...) so every package can match outcomes with
errors.Is without importing anything above the leaves.
*/
package types
