package clock

import (
	"sync"

	"github.com/cuemby/lattice/pkg/types"
)

// Ordering is the result of comparing two vector clocks. Exactly one
// of the four values holds for any pair.
type Ordering int

const (
	Before Ordering = iota
	After
	Equal
	Concurrent
)

// String returns the causal relation name
func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	case Concurrent:
		return "concurrent"
	}
	return "invalid"
}

// VectorClock is a per-node logical clock: a map from node id to a
// monotonically non-decreasing counter. It always contains its owner's
// entry. Mutations are serialized under a mutex; snapshots are
// value-copies safe to share.
type VectorClock struct {
	mu      sync.RWMutex
	ownerID string
	counts  map[string]uint64
}

// New creates a clock owned by nodeID with the owner counter at zero.
func New(nodeID string) *VectorClock {
	return &VectorClock{
		ownerID: nodeID,
		counts:  map[string]uint64{nodeID: 0},
	}
}

// Restore creates a clock owned by nodeID seeded from a persisted
// snapshot. The owner entry is ensured.
func Restore(nodeID string, snap types.ClockSnapshot) *VectorClock {
	c := New(nodeID)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range snap {
		c.counts[k] = v
	}
	if _, ok := c.counts[nodeID]; !ok {
		c.counts[nodeID] = 0
	}
	return c
}

// OwnerID returns the id of the owning node.
func (c *VectorClock) OwnerID() string {
	return c.ownerID
}

// Tick advances the owner's counter by one and returns a snapshot of
// the post-tick state. Called before every locally observable event.
func (c *VectorClock) Tick() types.ClockSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[c.ownerID]++
	return c.snapshotLocked()
}

// Merge raises every counter to the component-wise maximum of the two
// clocks, then ticks the owner. Called on every message reception. The
// returned snapshot is strictly after both inputs in the causal order.
func (c *VectorClock) Merge(other types.ClockSnapshot) types.ClockSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range other {
		if v > c.counts[k] {
			c.counts[k] = v
		}
	}
	c.counts[c.ownerID]++
	return c.snapshotLocked()
}

// Snapshot returns an immutable value-copy for embedding in messages.
func (c *VectorClock) Snapshot() types.ClockSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Owner returns the owner's current counter.
func (c *VectorClock) Owner() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[c.ownerID]
}

// Compare relates the clock's current state to a snapshot.
func (c *VectorClock) Compare(other types.ClockSnapshot) Ordering {
	return CompareSnapshots(c.Snapshot(), other)
}

func (c *VectorClock) snapshotLocked() types.ClockSnapshot {
	out := make(types.ClockSnapshot, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// CompareSnapshots relates two clock values over the union of their
// keys (absent keys count as zero). a Before b means a causally
// precedes b; Concurrent means no causal relation exists.
func CompareSnapshots(a, b types.ClockSnapshot) Ordering {
	aLessEq, bLessEq := true, true
	for k, av := range a {
		bv := b[k]
		if av > bv {
			aLessEq = false
		}
		if bv > av {
			bLessEq = false
		}
	}
	for k, bv := range b {
		if _, seen := a[k]; seen {
			continue
		}
		if bv > 0 {
			bLessEq = false
		}
	}
	switch {
	case aLessEq && bLessEq:
		return Equal
	case aLessEq:
		return Before
	case bLessEq:
		return After
	}
	return Concurrent
}
