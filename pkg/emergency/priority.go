package emergency

import "github.com/cuemby/lattice/pkg/types"

// Weights is the configurable priority scoring table. The structure is
// fixed by the scheduler; the constants are deployment-tunable.
type Weights struct {
	// LevelMultipliers boost emergency jobs relative to baseline 1.0
	LevelMultipliers map[types.EmergencyLevel]float64 `yaml:"level_multipliers"`
	// KindBonuses are additive per derived emergency kind
	KindBonuses map[string]float64 `yaml:"kind_bonuses"`
	// DeadlineWeight scales the job's deadline urgency in [0..1]
	DeadlineWeight float64 `yaml:"deadline_weight"`
	// WeightPenalty discounts heavy jobs so light work drains first
	WeightPenalty float64 `yaml:"weight_penalty"`
}

// DefaultWeights returns the default scoring table: LOW x2, MEDIUM x3,
// HIGH x5, CRITICAL x10, kind bonuses critical > medical > fire.
func DefaultWeights() *Weights {
	return &Weights{
		LevelMultipliers: map[types.EmergencyLevel]float64{
			types.EmergencyLevelLow:      2,
			types.EmergencyLevelMedium:   3,
			types.EmergencyLevelHigh:     5,
			types.EmergencyLevelCritical: 10,
		},
		KindBonuses: map[string]float64{
			"critical": 30,
			"medical":  20,
			"fire":     10,
		},
		DeadlineWeight: 5,
		WeightPenalty:  0.5,
	}
}

// Multiplier returns the boost for a level (baseline 1.0 for none).
func (w *Weights) Multiplier(level types.EmergencyLevel) float64 {
	if m, ok := w.LevelMultipliers[level]; ok && m > 0 {
		return m
	}
	return 1
}

// Bonus returns the additive bonus for a derived kind.
func (w *Weights) Bonus(kind string) float64 {
	return w.KindBonuses[kind]
}

// Score computes the deterministic priority score of a job:
// multiplier(level) x (1 + user priority) + kind bonus +
// deadline weight x urgency - weight penalty x computational weight.
func (w *Weights) Score(info *types.JobInfo, level types.EmergencyLevel, kind string) float64 {
	if info == nil {
		return 0
	}
	userPriority := info.UserPriority
	if userPriority < 0 {
		userPriority = 0
	}
	if userPriority > 10 {
		userPriority = 10
	}
	urgency := info.Urgency
	if urgency < 0 {
		urgency = 0
	}
	if urgency > 1 {
		urgency = 1
	}
	score := w.Multiplier(level) * (1 + float64(userPriority))
	score += w.Bonus(kind)
	score += w.DeadlineWeight * urgency
	score -= w.WeightPenalty * info.Weight
	return score
}

// kindRank orders the built-in kinds for classifier tie-breaks:
// critical > medical > fire > everything else.
func kindRank(kind string) int {
	switch kind {
	case "critical":
		return 3
	case "medical":
		return 2
	case "fire":
		return 1
	}
	return 0
}
