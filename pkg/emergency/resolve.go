package emergency

import (
	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/types"
)

// Resolve picks the winning emergency context of two candidates during
// metadata sync: the causally later clock wins; concurrent contexts
// fall back to the higher level, then the most recent detection time.
func Resolve(local, remote *types.EmergencyContext) *types.EmergencyContext {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}
	switch clock.CompareSnapshots(local.DeclaredClock, remote.DeclaredClock) {
	case clock.After:
		return local
	case clock.Before:
		return remote
	case clock.Equal:
		return local
	}
	// concurrent declarations
	if remote.Level.Rank() != local.Level.Rank() {
		if remote.Level.Rank() > local.Level.Rank() {
			return remote
		}
		return local
	}
	if remote.DetectedAt.After(local.DetectedAt) {
		return remote
	}
	return local
}

// Active reports whether a context represents a live emergency.
func Active(ctx *types.EmergencyContext) bool {
	return ctx != nil && !ctx.Cleared
}

// LevelForKind maps a derived emergency kind to its severity level.
// Unknown non-empty kinds default to MEDIUM.
func LevelForKind(kind string) types.EmergencyLevel {
	switch kind {
	case "critical":
		return types.EmergencyLevelCritical
	case "medical", "fire":
		return types.EmergencyLevelHigh
	case "":
		return ""
	}
	return types.EmergencyLevelMedium
}
