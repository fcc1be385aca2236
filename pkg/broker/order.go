package broker

import (
	"sort"

	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/emergency"
	"github.com/cuemby/lattice/pkg/types"
)

// queueLess is the broker queue's total order: preemptive emergency
// tier first, then priority score descending, then causal order of the
// submission clocks, then submission wall time, then job id.
func queueLess(a, b *types.JobSubmission) bool {
	aTier := emergency.LevelForKind(a.EmergencyKind).Preemptive()
	bTier := emergency.LevelForKind(b.EmergencyKind).Preemptive()
	if aTier != bTier {
		return aTier
	}
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	switch clock.CompareSnapshots(a.SubmitClock, b.SubmitClock) {
	case clock.Before:
		return true
	case clock.After:
		return false
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

// orderQueue returns the queue in dispatch order without mutating the
// stored arrival order.
func orderQueue(queue []*types.JobSubmission) []*types.JobSubmission {
	ordered := make([]*types.JobSubmission, len(queue))
	copy(ordered, queue)
	sort.SliceStable(ordered, func(i, j int) bool { return queueLess(ordered[i], ordered[j]) })
	return ordered
}
