// Package clock implements the per-node vector clock that orders every
// observable event in the fabric. Tick before local events, Merge on
// message reception, CompareSnapshots to recover the causal relation.
package clock
