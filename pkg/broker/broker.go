package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/discovery"
	"github.com/cuemby/lattice/pkg/emergency"
	"github.com/cuemby/lattice/pkg/events"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/storage"
	"github.com/cuemby/lattice/pkg/types"
)

// PeerTransport is the slice of the causal HTTP client the sync and
// discovery loops need.
type PeerTransport interface {
	SyncMetadata(ctx context.Context, endpoint string, meta *types.BrokerMetadata, timeout time.Duration) (*types.BrokerMetadata, error)
	Probe(ctx context.Context, endpoint string, timeout time.Duration) (*types.CoordinationStatusResponse, error)
}

// ExecutorTransport dispatches jobs to executors.
type ExecutorTransport interface {
	DispatchJob(ctx context.Context, endpoint, jobID string, req *types.DispatchJobRequest, timeout time.Duration) error
}

// Broker owns the job queue, the executor registry, and the peer
// table. All state mutations tick or merge the broker's vector clock
// under one lock, so every observable event is a clock event.
type Broker struct {
	id         string
	clk        *clock.VectorClock
	cfg        *config.Config
	store      storage.Store
	classifier *emergency.Classifier
	weights    *emergency.Weights
	events     *events.Broker
	peerRPC    PeerTransport
	execRPC    ExecutorTransport
	disc       *discovery.Static
	logger     zerolog.Logger

	mu         sync.RWMutex
	queue      []*types.JobSubmission
	jobs       map[string]*types.JobSubmission
	results    map[string]*types.ResultRecord
	executors  map[string]*types.ExecutorRecord
	endpoints  map[string]string // executor id -> endpoint
	peers      map[string]*types.PeerRecord
	emergency  *types.EmergencyContext
	syncSeq    uint64
	queuedAt   map[string]time.Time
	exclusions map[string]time.Time // failed executor id -> excluded until

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a broker and recovers persisted state. The restored
// clock snapshot preserves causality across restarts.
func New(cfg *config.Config, store storage.Store, peerRPC PeerTransport, execRPC ExecutorTransport, disc *discovery.Static, bus *events.Broker) (*Broker, error) {
	snap, err := store.GetClock()
	if err != nil {
		return nil, fmt.Errorf("failed to recover clock: %w", err)
	}

	weights := cfg.PriorityWeights
	if weights == nil {
		weights = emergency.DefaultWeights()
	}

	b := &Broker{
		id:         cfg.NodeID,
		clk:        clock.Restore(cfg.NodeID, snap),
		cfg:        cfg,
		store:      store,
		classifier: emergency.NewClassifier(cfg.EmergencyKeywords),
		weights:    weights,
		events:     bus,
		peerRPC:    peerRPC,
		execRPC:    execRPC,
		disc:       disc,
		logger:     log.WithComponent("broker").With().Str("node_id", cfg.NodeID).Logger(),
		jobs:       make(map[string]*types.JobSubmission),
		results:    make(map[string]*types.ResultRecord),
		executors:  make(map[string]*types.ExecutorRecord),
		endpoints:  make(map[string]string),
		peers:      make(map[string]*types.PeerRecord),
		queuedAt:   make(map[string]time.Time),
		exclusions: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}

	if err := b.recover(); err != nil {
		return nil, err
	}
	return b, nil
}

// SetTransports wires the peer and executor transports after
// construction. The HTTP client is bound to the broker's clock, which
// only exists once New has restored it, so startup wires transports in
// a second step, before Start.
func (b *Broker) SetTransports(peer PeerTransport, exec ExecutorTransport) {
	b.mu.Lock()
	b.peerRPC = peer
	b.execRPC = exec
	b.mu.Unlock()
}

// recover reloads jobs, results, and the executor registry from the
// store. Jobs that were queued or in flight re-enter the queue.
func (b *Broker) recover() error {
	jobs, err := b.store.ListJobs()
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	for _, job := range jobs {
		b.jobs[job.ID] = job
		switch job.State {
		case types.JobStateQueued, types.JobStateDispatched, types.JobStateRunning:
			job.State = types.JobStateQueued
			job.AssignedTo = ""
			b.queue = append(b.queue, job)
			b.queuedAt[job.ID] = time.Now()
		}
	}

	results, err := b.store.ListResults()
	if err != nil {
		return fmt.Errorf("failed to recover results: %w", err)
	}
	for _, r := range results {
		b.results[r.JobID] = r
	}

	execs, err := b.store.ListExecutors()
	if err != nil {
		return fmt.Errorf("failed to recover executor registry: %w", err)
	}
	for _, rec := range execs {
		b.executors[rec.ID] = rec
		b.endpoints[rec.ID] = rec.Endpoint
	}

	if len(b.queue) > 0 {
		b.logger.Info().Int("requeued", len(b.queue)).Msg("Recovered persisted queue")
	}
	return nil
}

// Start launches the dispatch, sync, and discovery loops.
func (b *Broker) Start() {
	b.wg.Add(3)
	go b.dispatchLoop()
	go b.syncLoop()
	go b.discoveryLoop()
	b.logger.Info().Msg("Broker started")
}

// Stop terminates the background loops and persists the clock.
func (b *Broker) Stop() {
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.PutClock(b.clk.Snapshot()); err != nil {
		b.logger.Error().Err(err).Msg("Failed to persist clock on shutdown")
	}
}

// ID returns the broker's node id.
func (b *Broker) ID() string {
	return b.id
}

// Clock exposes the broker's vector clock for the transport layer.
func (b *Broker) Clock() *clock.VectorClock {
	return b.clk
}

// SubmitJob admits a job: classify, score, enqueue under the queue's
// total order. At capacity the submission is rejected without a tick,
// so saturation is not an observable clock event.
func (b *Broker) SubmitJob(req *types.SubmitJobRequest) (*types.SubmitJobResponse, error) {
	b.mu.Lock()

	if len(b.queue) >= b.cfg.QueueCapacity {
		b.mu.Unlock()
		metrics.QueueSaturatedTotal.Inc()
		return nil, fmt.Errorf("%w: capacity %d", types.ErrQueueSaturated, b.cfg.QueueCapacity)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if _, exists := b.jobs[jobID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrDuplicateSubmission, jobID)
	}

	snap := b.clk.Tick()
	isEmergency, kind := b.classifier.Classify(req.Info)
	level := emergency.LevelForKind(kind)
	score := b.weights.Score(req.Info, level, kind)

	job := &types.JobSubmission{
		ID:            jobID,
		Info:          req.Info,
		SubmittedAt:   time.Now().UTC(),
		SubmitClock:   snap,
		IsEmergency:   isEmergency,
		EmergencyKind: kind,
		PriorityScore: score,
		State:         types.JobStateQueued,
	}
	b.jobs[jobID] = job
	b.queue = append(b.queue, job)
	b.queuedAt[jobID] = time.Now()
	b.persistJobLocked(job)
	depth := len(b.queue)
	b.mu.Unlock()

	class := "normal"
	if isEmergency {
		class = "emergency"
	}
	metrics.JobsQueuedTotal.WithLabelValues(class).Inc()
	metrics.QueueDepth.Set(float64(depth))
	b.logger.Info().Str("job_id", jobID).Bool("emergency", isEmergency).
		Float64("score", score).Msg("Job queued")
	b.publish(events.EventJobQueued, jobID, kind)

	return &types.SubmitJobResponse{
		JobID:         jobID,
		ClockSnapshot: snap,
		IsEmergency:   isEmergency,
		PriorityScore: score,
	}, nil
}

// JobStatus reports a job's state and, when completed, its result.
func (b *Broker) JobStatus(jobID string) (*types.JobStatusResponse, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	job, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownJob, jobID)
	}
	resp := &types.JobStatusResponse{
		JobID:      job.ID,
		State:      job.State,
		AssignedTo: job.AssignedTo,
		Error:      job.FailureMessage,
	}
	if r, ok := b.results[jobID]; ok {
		resp.Result = r
	}
	return resp, nil
}

// RegisterExecutor inserts or refreshes an executor registry entry.
func (b *Broker) RegisterExecutor(executorID string, req *types.RegisterExecutorRequest, reported types.ClockSnapshot) (*types.RegisterExecutorResponse, error) {
	b.mu.Lock()
	snap := b.clk.Tick()
	rec := &types.ExecutorRecord{
		ID:            executorID,
		Endpoint:      req.Endpoint,
		Capabilities:  req.Capabilities,
		LastHeartbeat: time.Now().UTC(),
		LastClock:     reported.Clone(),
		Health:        types.ExecutorHealthy,
	}
	b.executors[executorID] = rec
	b.endpoints[executorID] = req.Endpoint
	b.persistExecutorLocked(rec)
	b.mu.Unlock()

	metrics.ExecutorsTotal.WithLabelValues(string(types.ExecutorHealthy)).Inc()
	b.logger.Info().Str("executor_id", executorID).Str("endpoint", req.Endpoint).Msg("Executor registered")
	b.publish(events.EventExecutorJoined, "", executorID)

	return &types.RegisterExecutorResponse{BrokerID: b.id, ClockSnapshot: snap}, nil
}

// Heartbeat refreshes an executor's liveness and last-known state.
func (b *Broker) Heartbeat(executorID string, req *types.HeartbeatRequest) (*types.HeartbeatResponse, error) {
	b.mu.Lock()
	snap := b.clk.Tick()
	rec, ok := b.executors[executorID]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownExecutor, executorID)
	}
	rec.LastHeartbeat = time.Now().UTC()
	if req.Clock != nil {
		rec.LastClock = req.Clock.Clone()
	}
	if req.Capabilities != nil {
		rec.Capabilities = req.Capabilities
	}
	rec.EmergencyMode = req.EmergencyMode
	rec.RunningJobs = req.RunningJobs
	rec.Health = types.ExecutorHealthy
	b.persistExecutorLocked(rec)
	b.mu.Unlock()

	metrics.HeartbeatsObservedTotal.Inc()
	return &types.HeartbeatResponse{Status: "ok", ClockSnapshot: snap}, nil
}

// RecordResult stores the winning result reported by an executor. The
// broker keeps the first report per job id; later reports are answered
// with the winning record, mirroring the executor-side rule.
func (b *Broker) RecordResult(jobID string, result []byte, executorID string, reported types.ClockSnapshot) (*types.SubmitResultResponse, error) {
	b.mu.Lock()
	snap := b.clk.Tick()

	if _, ok := b.jobs[jobID]; !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownJob, jobID)
	}
	if _, ok := b.results[jobID]; ok {
		b.mu.Unlock()
		return &types.SubmitResultResponse{Status: "already-accepted", ClockSnapshot: snap},
			fmt.Errorf("%w: %s", types.ErrAlreadyAccepted, jobID)
	}

	record := &types.ResultRecord{
		JobID:       jobID,
		Result:      result,
		ExecutorID:  executorID,
		CompletedAt: time.Now().UTC(),
		Clock:       reported.Clone(),
	}
	b.results[jobID] = record
	job := b.jobs[jobID]
	job.State = types.JobStateCompleted
	// the job may have been requeued by a failure report that lost the
	// race with this result; a completed job never dispatches again
	b.removeFromQueueLocked(jobID)
	delete(b.queuedAt, jobID)
	b.persistJobLocked(job)
	if err := b.store.PutResult(record); err != nil {
		b.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to persist result")
	}
	b.mu.Unlock()

	b.logger.Info().Str("job_id", jobID).Str("executor_id", executorID).Msg("Result recorded")
	b.publish(events.EventJobCompleted, jobID, executorID)
	return &types.SubmitResultResponse{Status: "accepted", ClockSnapshot: snap}, nil
}

// HandleJobFailed processes a sandbox-failure notification: requeue
// with a bounded number of attempts, then fail the job for good.
func (b *Broker) HandleJobFailed(jobID, executorID, reason string) error {
	b.mu.Lock()
	b.clk.Tick()
	job, ok := b.jobs[jobID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrUnknownJob, jobID)
	}
	if job.State == types.JobStateCompleted {
		// a redundant run already won; nothing to redo
		b.mu.Unlock()
		return nil
	}

	terminal := job.DispatchCount >= b.cfg.MaxRedispatchAttempts
	if terminal {
		job.State = types.JobStateFailed
		job.FailureMessage = reason
		delete(b.queuedAt, jobID)
	} else {
		job.State = types.JobStateQueued
		job.AssignedTo = ""
		job.FailureMessage = reason
		b.queue = append(b.queue, job)
		b.queuedAt[jobID] = time.Now()
	}
	b.persistJobLocked(job)
	b.mu.Unlock()

	metrics.JobsFailedTotal.WithLabelValues("sandbox").Inc()
	if terminal {
		b.logger.Warn().Str("job_id", jobID).Str("reason", reason).Msg("Job failed permanently")
		b.publish(events.EventJobFailed, jobID, reason)
	} else {
		b.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("Job requeued after failure")
	}
	return nil
}

// MarkExecutorFailed transitions an executor to FAILED, orphans its
// in-flight jobs back into the queue, and excludes it from selection
// for the configured grace window. Returns the orphaned jobs.
func (b *Broker) MarkExecutorFailed(executorID string) []*types.JobSubmission {
	b.mu.Lock()
	b.clk.Tick()
	rec, ok := b.executors[executorID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	rec.Health = types.ExecutorFailed
	b.persistExecutorLocked(rec)
	b.exclusions[executorID] = time.Now().Add(b.cfg.FailedGrace())

	var orphans []*types.JobSubmission
	for _, job := range b.jobs {
		if job.AssignedTo != executorID {
			continue
		}
		if job.State != types.JobStateDispatched && job.State != types.JobStateRunning {
			continue
		}
		job.State = types.JobStateQueued
		job.AssignedTo = ""
		b.queue = append(b.queue, job)
		b.queuedAt[job.ID] = time.Now()
		b.persistJobLocked(job)
		orphans = append(orphans, job)
	}
	b.mu.Unlock()

	metrics.ExecutorsTotal.WithLabelValues(string(types.ExecutorFailed)).Inc()
	b.logger.Warn().Str("executor_id", executorID).Int("orphaned", len(orphans)).
		Msg("Executor marked failed")
	b.publish(events.EventExecutorFailed, "", executorID)
	for _, job := range orphans {
		b.publish(events.EventJobOrphaned, job.ID, executorID)
	}
	return orphans
}

// Executors returns a copy of the registry.
func (b *Broker) Executors() map[string]*types.ExecutorRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*types.ExecutorRecord, len(b.executors))
	for id, rec := range b.executors {
		cp := *rec
		out[id] = &cp
	}
	return out
}

// InstallEmergency applies an emergency context received from a peer
// or declared locally, keeping whichever wins causal resolution.
func (b *Broker) InstallEmergency(ctx *types.EmergencyContext) {
	if ctx == nil {
		return
	}
	b.mu.Lock()
	b.clk.Tick()
	winner := emergency.Resolve(b.emergency, ctx)
	changed := winner != b.emergency
	b.emergency = winner
	b.mu.Unlock()

	if !changed {
		return
	}
	if emergency.Active(winner) {
		metrics.EmergencyMode.Set(1)
		b.logger.Warn().Str("kind", winner.Kind).Str("level", string(winner.Level)).
			Msg("Fleet emergency installed")
		b.publish(events.EventEmergencyDeclared, "", winner.Kind)
	} else {
		metrics.EmergencyMode.Set(0)
		b.publish(events.EventEmergencyCleared, "", winner.Kind)
	}
}

// DeclareEmergency declares a fleet emergency at this broker.
func (b *Broker) DeclareEmergency(kind string, level types.EmergencyLevel, location string) *types.EmergencyContext {
	b.mu.Lock()
	snap := b.clk.Tick()
	ctx := &types.EmergencyContext{
		Kind:          kind,
		Level:         level,
		Location:      location,
		DetectedAt:    time.Now().UTC(),
		DeclaredClock: snap,
		DeclaredBy:    b.id,
	}
	b.emergency = emergency.Resolve(b.emergency, ctx)
	installed := b.emergency
	b.mu.Unlock()

	metrics.EmergencyMode.Set(1)
	b.logger.Warn().Str("kind", kind).Str("level", string(level)).Msg("Fleet emergency declared")
	b.publish(events.EventEmergencyDeclared, "", kind)
	return installed
}

// ClearEmergency replaces the installed context with a causally later
// cleared marker so clearing propagates through sync like declaration.
func (b *Broker) ClearEmergency() {
	b.mu.Lock()
	snap := b.clk.Tick()
	if b.emergency == nil {
		b.mu.Unlock()
		return
	}
	cleared := *b.emergency
	cleared.Cleared = true
	cleared.DeclaredClock = snap
	cleared.DeclaredBy = b.id
	b.emergency = &cleared
	b.mu.Unlock()

	metrics.EmergencyMode.Set(0)
	b.logger.Info().Msg("Fleet emergency cleared")
	b.publish(events.EventEmergencyCleared, "", "")
}

// Emergency returns the installed context, cleared markers included,
// so the transport can piggyback it on envelopes.
func (b *Broker) Emergency() *types.EmergencyContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.emergency
}

// CoordinationStatus reports the diagnostic view of this broker.
func (b *Broker) CoordinationStatus() *types.CoordinationStatusResponse {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peers := make([]types.PeerStatus, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, types.PeerStatus{
			ID:       p.ID,
			Endpoint: p.Endpoint,
			State:    p.State,
			LastSync: p.LastSync,
		})
	}
	var em *types.EmergencyContext
	if emergency.Active(b.emergency) {
		em = b.emergency
	}
	return &types.CoordinationStatusResponse{
		BrokerID:     b.id,
		Clock:        b.clk.Snapshot(),
		Peers:        peers,
		Executors:    len(b.executors),
		QueueDepth:   len(b.queue),
		Emergency:    em,
		SyncSequence: b.syncSeq,
	}
}

func (b *Broker) persistJobLocked(job *types.JobSubmission) {
	if err := b.store.PutJob(job); err != nil {
		b.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to persist job")
	}
	if err := b.store.PutClock(b.clk.Snapshot()); err != nil {
		b.logger.Error().Err(err).Msg("Failed to persist clock")
	}
}

func (b *Broker) persistExecutorLocked(rec *types.ExecutorRecord) {
	if err := b.store.PutExecutor(rec); err != nil {
		b.logger.Error().Str("executor_id", rec.ID).Err(err).Msg("Failed to persist executor record")
	}
}

func (b *Broker) publish(eventType events.EventType, jobID, message string) {
	if b.events == nil {
		return
	}
	b.events.Publish(&events.Event{
		Type:    eventType,
		NodeID:  b.id,
		JobID:   jobID,
		Clock:   b.clk.Snapshot(),
		Message: message,
	})
}
