package executor

import (
	"fmt"
	"sort"

	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/types"
)

// Strategy selects which pending job the dispatch pump starts next.
type Strategy string

const (
	StrategyCausal          Strategy = "causal"
	StrategyPriority        Strategy = "priority"
	StrategyEmergencyFirst  Strategy = "emergency_first"
	StrategyResourceOptimal Strategy = "resource_optimal"
	StrategyFCFS            Strategy = "fcfs"
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyCausal, StrategyPriority, StrategyEmergencyFirst,
		StrategyResourceOptimal, StrategyFCFS:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// causalLess is the deterministic tie-break between concurrent jobs:
// emergency class first, then higher priority score, then earlier
// submission wall time, then smaller job id.
func causalLess(a, b *types.JobSubmission) bool {
	if a.IsEmergency != b.IsEmergency {
		return a.IsEmergency
	}
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

// causalMinima returns the jobs whose submission clocks are not
// causally preceded by any other pending job's clock.
func causalMinima(pending []*types.JobSubmission) []*types.JobSubmission {
	var minima []*types.JobSubmission
	for _, candidate := range pending {
		minimal := true
		for _, other := range pending {
			if other == candidate {
				continue
			}
			if clock.CompareSnapshots(other.SubmitClock, candidate.SubmitClock) == clock.Before {
				minimal = false
				break
			}
		}
		if minimal {
			minima = append(minima, candidate)
		}
	}
	return minima
}

// pickCausal selects a minimal element of the causal order, breaking
// ties between concurrent minima with causalLess.
func pickCausal(pending []*types.JobSubmission) *types.JobSubmission {
	minima := causalMinima(pending)
	if len(minima) == 0 {
		return nil
	}
	sort.SliceStable(minima, func(i, j int) bool { return causalLess(minima[i], minima[j]) })
	return minima[0]
}

// pickPriority selects the highest composite score, ties by the causal
// rule.
func pickPriority(pending []*types.JobSubmission) *types.JobSubmission {
	if len(pending) == 0 {
		return nil
	}
	best := pending[0].PriorityScore
	for _, job := range pending[1:] {
		if job.PriorityScore > best {
			best = job.PriorityScore
		}
	}
	var top []*types.JobSubmission
	for _, job := range pending {
		if job.PriorityScore == best {
			top = append(top, job)
		}
	}
	return pickCausal(top)
}

// pickEmergencyFirst strictly prefers emergency jobs, falling back to
// the causal rule within each class.
func pickEmergencyFirst(pending []*types.JobSubmission) *types.JobSubmission {
	var emergencies []*types.JobSubmission
	for _, job := range pending {
		if job.IsEmergency {
			emergencies = append(emergencies, job)
		}
	}
	if len(emergencies) > 0 {
		return pickCausal(emergencies)
	}
	return pickCausal(pending)
}

// pickResourceOptimal selects the heaviest job that still fits the free
// weight budget (best fit), ties by the causal rule. Returns nil when
// nothing fits, which makes the pump wait.
func pickResourceOptimal(pending []*types.JobSubmission, freeWeight float64) *types.JobSubmission {
	var fitting []*types.JobSubmission
	bestWeight := -1.0
	for _, job := range pending {
		w := 0.0
		if job.Info != nil {
			w = job.Info.Weight
		}
		if w > freeWeight {
			continue
		}
		if w > bestWeight {
			bestWeight = w
			fitting = fitting[:0]
		}
		if w == bestWeight {
			fitting = append(fitting, job)
		}
	}
	return pickCausal(fitting)
}

// pickFCFS selects strict arrival order. The pending slice is already
// in arrival order, so the head wins.
func pickFCFS(pending []*types.JobSubmission) *types.JobSubmission {
	if len(pending) == 0 {
		return nil
	}
	return pending[0]
}
