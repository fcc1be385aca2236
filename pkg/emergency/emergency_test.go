package emergency

import (
	"testing"
	"time"

	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name         string
		info         *types.JobInfo
		wantEmerg    bool
		expectedKind string
	}{
		{
			name:      "nil info",
			info:      nil,
			wantEmerg: false,
		},
		{
			name:      "plain workload",
			info:      &types.JobInfo{Kind: "thumbnail", Payload: []byte("resize 640x480")},
			wantEmerg: false,
		},
		{
			name:         "fire keyword in kind",
			info:         &types.JobInfo{Kind: "fire-sensor-fusion"},
			wantEmerg:    true,
			expectedKind: "fire",
		},
		{
			name:         "medical keyword in payload",
			info:         &types.JobInfo{Payload: []byte(`{"route":"Ambulance dispatch"}`)},
			wantEmerg:    true,
			expectedKind: "medical",
		},
		{
			name:         "urgent maps to critical",
			info:         &types.JobInfo{Kind: "URGENT evacuation plan"},
			wantEmerg:    true,
			expectedKind: "critical",
		},
		{
			name:         "multiple matches pick the strongest kind",
			info:         &types.JobInfo{Payload: []byte("fire near hospital, urgent")},
			wantEmerg:    true,
			expectedKind: "critical",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isEmerg, kind := c.Classify(tt.info)
			assert.Equal(t, tt.wantEmerg, isEmerg)
			assert.Equal(t, tt.expectedKind, kind)
		})
	}
}

func TestClassifyCustomTable(t *testing.T) {
	c := NewClassifier(map[string]string{"flood": "flood"})

	isEmerg, kind := c.Classify(&types.JobInfo{Payload: []byte("Flood gauge overflow")})
	assert.True(t, isEmerg)
	assert.Equal(t, "flood", kind)

	// defaults are not in play with a custom table
	isEmerg, _ = c.Classify(&types.JobInfo{Payload: []byte("fire")})
	assert.False(t, isEmerg)
}

func TestScore(t *testing.T) {
	w := DefaultWeights()

	base := &types.JobInfo{UserPriority: 5}
	normal := w.Score(base, "", "")
	assert.InDelta(t, 6.0, normal, 0.001) // 1 x (1+5)

	critical := w.Score(base, types.EmergencyLevelCritical, "critical")
	assert.InDelta(t, 10*6+30, critical, 0.001)

	// emergency always outscores the same job without a level
	for _, level := range []types.EmergencyLevel{
		types.EmergencyLevelLow,
		types.EmergencyLevelMedium,
		types.EmergencyLevelHigh,
		types.EmergencyLevelCritical,
	} {
		assert.Greater(t, w.Score(base, level, ""), normal, string(level))
	}

	// urgency adds, weight subtracts
	urgent := w.Score(&types.JobInfo{UserPriority: 5, Urgency: 1}, "", "")
	assert.Greater(t, urgent, normal)
	heavy := w.Score(&types.JobInfo{UserPriority: 5, Weight: 4}, "", "")
	assert.Less(t, heavy, normal)
}

func TestScoreClampsInputs(t *testing.T) {
	w := DefaultWeights()
	over := w.Score(&types.JobInfo{UserPriority: 99, Urgency: 7}, "", "")
	capped := w.Score(&types.JobInfo{UserPriority: 10, Urgency: 1}, "", "")
	assert.InDelta(t, capped, over, 0.001)

	under := w.Score(&types.JobInfo{UserPriority: -3, Urgency: -1}, "", "")
	floor := w.Score(&types.JobInfo{UserPriority: 0, Urgency: 0}, "", "")
	assert.InDelta(t, floor, under, 0.001)
}

func TestResolve(t *testing.T) {
	older := &types.EmergencyContext{
		Kind:          "fire",
		Level:         types.EmergencyLevelHigh,
		DetectedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		DeclaredClock: types.ClockSnapshot{"b1": 1},
	}
	newer := &types.EmergencyContext{
		Kind:          "medical",
		Level:         types.EmergencyLevelLow,
		DetectedAt:    time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
		DeclaredClock: types.ClockSnapshot{"b1": 2},
	}

	t.Run("nil sides", func(t *testing.T) {
		assert.Equal(t, older, Resolve(older, nil))
		assert.Equal(t, older, Resolve(nil, older))
		assert.Nil(t, Resolve(nil, nil))
	})

	t.Run("causally later wins regardless of level", func(t *testing.T) {
		assert.Equal(t, newer, Resolve(older, newer))
		assert.Equal(t, newer, Resolve(newer, older))
	})

	t.Run("concurrent falls back to level", func(t *testing.T) {
		a := &types.EmergencyContext{
			Level:         types.EmergencyLevelMedium,
			DeclaredClock: types.ClockSnapshot{"b1": 2},
		}
		b := &types.EmergencyContext{
			Level:         types.EmergencyLevelCritical,
			DeclaredClock: types.ClockSnapshot{"b2": 2},
		}
		assert.Equal(t, b, Resolve(a, b))
		assert.Equal(t, b, Resolve(b, a))
	})

	t.Run("concurrent same level falls back to detected_at", func(t *testing.T) {
		a := &types.EmergencyContext{
			Level:         types.EmergencyLevelHigh,
			DetectedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			DeclaredClock: types.ClockSnapshot{"b1": 2},
		}
		b := &types.EmergencyContext{
			Level:         types.EmergencyLevelHigh,
			DetectedAt:    time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
			DeclaredClock: types.ClockSnapshot{"b2": 2},
		}
		assert.Equal(t, b, Resolve(a, b))
	})
}

func TestActive(t *testing.T) {
	assert.False(t, Active(nil))
	assert.True(t, Active(&types.EmergencyContext{Kind: "fire"}))
	assert.False(t, Active(&types.EmergencyContext{Kind: "fire", Cleared: true}))
}
