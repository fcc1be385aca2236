package recovery

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu       sync.Mutex
	failed   []string
	declared *types.EmergencyContext
	cleared  bool
	orphans  map[string][]*types.JobSubmission
}

func (f *fakeRegistry) MarkExecutorFailed(executorID string) []*types.JobSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, executorID)
	return f.orphans[executorID]
}

func (f *fakeRegistry) DeclareEmergency(kind string, level types.EmergencyLevel, location string) *types.EmergencyContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = &types.EmergencyContext{Kind: kind, Level: level, Location: location}
	return f.declared
}

func (f *fakeRegistry) ClearEmergency() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
}

func (f *fakeRegistry) failedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.failed))
	copy(out, f.failed)
	return out
}

func testManager(t *testing.T) (*Manager, *fakeRegistry) {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "b1"
	reg := &fakeRegistry{orphans: make(map[string][]*types.JobSubmission)}
	return New(cfg, reg), reg
}

func TestHeartbeatKeepsExecutorAlive(t *testing.T) {
	m, reg := testManager(t)
	m.Register("e1")
	m.Heartbeat("e1")

	m.sweep()
	assert.Empty(t, reg.failedIDs())
}

func TestSweepFailsSilentExecutor(t *testing.T) {
	m, reg := testManager(t)
	reg.orphans["e1"] = []*types.JobSubmission{{ID: "j1"}}
	m.Register("e1")

	// backdate past 5 x heartbeat period
	m.mu.Lock()
	m.executors["e1"].lastHeartbeat = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.sweep()
	assert.Equal(t, []string{"e1"}, reg.failedIDs())

	// a failed executor is not re-failed on the next sweep
	m.sweep()
	assert.Equal(t, []string{"e1"}, reg.failedIDs())
}

func TestHeartbeatAfterFailureRestoresTracking(t *testing.T) {
	m, reg := testManager(t)
	m.Register("e1")
	m.mu.Lock()
	m.executors["e1"].lastHeartbeat = time.Now().Add(-time.Hour)
	m.mu.Unlock()
	m.sweep()
	require.Len(t, reg.failedIDs(), 1)

	// the executor reappears
	m.Heartbeat("e1")
	m.sweep()
	assert.Len(t, reg.failedIDs(), 1)
}

func TestGapHistoryIsBounded(t *testing.T) {
	m, _ := testManager(t)
	m.Register("e1")
	for i := 0; i < gapHistorySize+5; i++ {
		m.Heartbeat("e1")
	}
	assert.Len(t, m.GapHistory("e1"), gapHistorySize)
}

func TestHeartbeatFromUnknownExecutorStartsTracking(t *testing.T) {
	m, reg := testManager(t)
	m.Heartbeat("e1")
	m.sweep()
	assert.Empty(t, reg.failedIDs())
	assert.Empty(t, m.GapHistory("e1"))
}

func TestFleetEmergencyPassThrough(t *testing.T) {
	m, reg := testManager(t)

	ctx := m.DeclareFleetEmergency("fire", types.EmergencyLevelCritical, "sector-4")
	require.NotNil(t, ctx)
	assert.Equal(t, "fire", reg.declared.Kind)
	assert.Equal(t, types.EmergencyLevelCritical, reg.declared.Level)

	m.ClearFleetEmergency()
	assert.True(t, reg.cleared)
}

func TestMarkFailedUnknownExecutor(t *testing.T) {
	m, reg := testManager(t)
	m.MarkFailed("never-registered")
	assert.Equal(t, []string{"never-registered"}, reg.failedIDs())
}
