package recovery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/types"
)

// gapHistorySize bounds the rolling heartbeat-gap window per executor.
const gapHistorySize = 8

// Registry is the slice of the broker the recovery manager drives:
// marking executors failed (which orphans and requeues their jobs) and
// fleet emergency declaration.
type Registry interface {
	MarkExecutorFailed(executorID string) []*types.JobSubmission
	DeclareEmergency(kind string, level types.EmergencyLevel, location string) *types.EmergencyContext
	ClearEmergency()
}

type liveness struct {
	lastHeartbeat time.Time
	gaps          []time.Duration
	failed        bool
}

// Manager watches executor heartbeats and declares executors FAILED
// when the gap exceeds the configured multiple of the heartbeat
// period. Failed executors' in-flight jobs are orphaned and requeued
// through the broker's normal selection path.
type Manager struct {
	cfg      *config.Config
	registry Registry
	logger   zerolog.Logger

	mu        sync.Mutex
	executors map[string]*liveness

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a recovery manager bound to a broker registry.
func New(cfg *config.Config, registry Registry) *Manager {
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		logger:    log.WithComponent("recovery").With().Str("node_id", cfg.NodeID).Logger(),
		executors: make(map[string]*liveness),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the heartbeat monitor loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.monitorLoop()
}

// Stop terminates the monitor loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Register begins liveness tracking for an executor. Re-registration
// of a failed executor gives it a fresh slate.
func (m *Manager) Register(executorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[executorID] = &liveness{lastHeartbeat: time.Now()}
}

// Heartbeat records an observed heartbeat and its gap.
func (m *Manager) Heartbeat(executorID string) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	track, ok := m.executors[executorID]
	if !ok {
		m.executors[executorID] = &liveness{lastHeartbeat: now}
		return
	}
	gap := now.Sub(track.lastHeartbeat)
	track.lastHeartbeat = now
	track.failed = false
	track.gaps = append(track.gaps, gap)
	if len(track.gaps) > gapHistorySize {
		track.gaps = track.gaps[len(track.gaps)-gapHistorySize:]
	}
}

// GapHistory returns the rolling heartbeat gaps for an executor.
func (m *Manager) GapHistory(executorID string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	track, ok := m.executors[executorID]
	if !ok {
		return nil
	}
	out := make([]time.Duration, len(track.gaps))
	copy(out, track.gaps)
	return out
}

// MarkFailed declares an executor FAILED and orphans its jobs. Safe to
// call directly (e.g. from an administrative action) as well as from
// the monitor loop.
func (m *Manager) MarkFailed(executorID string) []*types.JobSubmission {
	m.mu.Lock()
	track, ok := m.executors[executorID]
	if ok && track.failed {
		m.mu.Unlock()
		return nil
	}
	if !ok {
		track = &liveness{}
		m.executors[executorID] = track
	}
	track.failed = true
	m.mu.Unlock()

	orphans := m.registry.MarkExecutorFailed(executorID)
	m.logger.Warn().Str("executor_id", executorID).Int("orphaned", len(orphans)).
		Msg("Executor declared failed")
	return orphans
}

// DeclareFleetEmergency declares a fleet-wide emergency through the
// broker; sync propagates it to peers and envelopes carry it to
// executors.
func (m *Manager) DeclareFleetEmergency(kind string, level types.EmergencyLevel, location string) *types.EmergencyContext {
	return m.registry.DeclareEmergency(kind, level, location)
}

// ClearFleetEmergency lifts the fleet emergency.
func (m *Manager) ClearFleetEmergency() {
	m.registry.ClearEmergency()
}

func (m *Manager) monitorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep fails every executor whose heartbeat gap exceeds the
// threshold.
func (m *Manager) sweep() {
	threshold := m.cfg.HeartbeatTimeout()
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, track := range m.executors {
		if track.failed {
			continue
		}
		if now.Sub(track.lastHeartbeat) > threshold {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.MarkFailed(id)
	}
}
