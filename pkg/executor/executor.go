package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/emergency"
	"github.com/cuemby/lattice/pkg/events"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/types"
)

// Config holds executor tunables.
type Config struct {
	ID            string
	Capabilities  *types.Capabilities
	MaxConcurrent int
	Strategy      Strategy
	Sandbox       Sandbox
	Reporter      FailureReporter
	Events        *events.Broker
}

type runningJob struct {
	job     *types.JobSubmission
	cancel  context.CancelFunc
	started time.Time
}

// Executor runs dispatched jobs and enforces first-come-first-served
// result acceptance: the first result recorded for a job id wins, every
// later submission for that id is rejected. All state transitions and
// clock mutations are serialized under one lock.
type Executor struct {
	id           string
	clk          *clock.VectorClock
	capabilities *types.Capabilities
	sandbox      Sandbox
	reporter     FailureReporter
	resultSink   ResultReporter
	events       *events.Broker
	logger       zerolog.Logger

	mu            sync.Mutex
	strategy      Strategy
	maxConcurrent int
	emergencyQ    []*types.JobSubmission
	normalQ       []*types.JobSubmission
	seq           map[string]uint64
	nextSeq       uint64
	running       map[string]*runningJob
	results       map[string]*types.ResultRecord
	failed        map[string]string
	emergency     *types.EmergencyContext
	stopped       bool

	wg sync.WaitGroup
}

// New creates an executor. A nil sandbox falls back to EchoSandbox.
func New(cfg Config) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyCausal
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = EchoSandbox()
	}
	return &Executor{
		id:            cfg.ID,
		clk:           clock.New(cfg.ID),
		capabilities:  cfg.Capabilities,
		sandbox:       cfg.Sandbox,
		reporter:      cfg.Reporter,
		events:        cfg.Events,
		logger:        log.WithComponent("executor").With().Str("node_id", cfg.ID).Logger(),
		strategy:      cfg.Strategy,
		maxConcurrent: cfg.MaxConcurrent,
		seq:           make(map[string]uint64),
		running:       make(map[string]*runningJob),
		results:       make(map[string]*types.ResultRecord),
		failed:        make(map[string]string),
	}
}

// Clock exposes the executor's vector clock for the transport layer.
func (e *Executor) Clock() *clock.VectorClock {
	return e.clk
}

// ID returns the executor's node id.
func (e *Executor) ID() string {
	return e.id
}

// Capabilities returns the advertised capabilities, possibly nil.
func (e *Executor) Capabilities() *types.Capabilities {
	return e.capabilities
}

// SetReporters wires outcome reporting after construction. Agents need
// the executor before they can report on its behalf, so this runs once
// during startup, before any job is admitted.
func (e *Executor) SetReporters(f FailureReporter, r ResultReporter) {
	e.mu.Lock()
	e.reporter = f
	e.resultSink = r
	e.mu.Unlock()
}

// SetStrategy switches the conflict-resolution strategy at runtime.
func (e *Executor) SetStrategy(s Strategy) {
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()
}

// ReceiveJob admits a dispatched job. Duplicates across pending,
// running, completed, and failed sets are rejected; the clock still
// ticks because the attempt is an event.
func (e *Executor) ReceiveJob(jobID string, req *types.DispatchJobRequest) error {
	e.mu.Lock()
	e.clk.Tick()

	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("%w: executor stopped", types.ErrExecutorFailed)
	}
	if e.knownLocked(jobID) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrDuplicateSubmission, jobID)
	}
	// a redispatch of a previously failed run starts a fresh attempt
	delete(e.failed, jobID)

	job := &types.JobSubmission{
		ID:            jobID,
		Info:          req.Info,
		SubmittedAt:   time.Now().UTC(),
		SubmitClock:   req.SubmitClock.Clone(),
		IsEmergency:   req.IsEmergency,
		EmergencyKind: req.EmergencyKind,
		PriorityScore: req.PriorityScore,
		State:         types.JobStateQueued,
		AssignedTo:    e.id,
	}
	e.seq[jobID] = e.nextSeq
	e.nextSeq++
	if job.IsEmergency {
		e.emergencyQ = append(e.emergencyQ, job)
	} else {
		e.normalQ = append(e.normalQ, job)
	}
	e.mu.Unlock()

	e.logger.Debug().Str("job_id", jobID).Bool("emergency", job.IsEmergency).Msg("Job received")
	e.publish(events.EventJobQueued, jobID, "job admitted")
	e.pump()
	return nil
}

// SubmitResult records a result under the FCFS rule. The first call
// for a job id stores an immutable ResultRecord and returns it; every
// later call returns the existing record with ErrAlreadyAccepted. The
// clock ticks on both paths.
func (e *Executor) SubmitResult(jobID string, result []byte, submitterID string) (*types.ResultRecord, error) {
	e.mu.Lock()
	snap := e.clk.Tick()

	if existing, ok := e.results[jobID]; ok {
		e.mu.Unlock()
		metrics.ResultsRejectedTotal.Inc()
		e.logger.Info().Str("job_id", jobID).Str("submitter", submitterID).
			Str("winner", existing.ExecutorID).Msg("Late result rejected")
		e.publish(events.EventResultRejected, jobID, "result already accepted from "+existing.ExecutorID)
		return existing, fmt.Errorf("%w: %s", types.ErrAlreadyAccepted, jobID)
	}

	record := &types.ResultRecord{
		JobID:       jobID,
		Result:      result,
		ExecutorID:  submitterID,
		CompletedAt: time.Now().UTC(),
		Clock:       snap,
	}
	e.results[jobID] = record

	if run, ok := e.running[jobID]; ok {
		run.cancel()
		delete(e.running, jobID)
		run.job.State = types.JobStateCompleted
	}
	sink := e.resultSink
	e.mu.Unlock()

	metrics.ResultsAcceptedTotal.Inc()
	metrics.JobsCompletedTotal.Inc()
	e.logger.Info().Str("job_id", jobID).Str("submitter", submitterID).Msg("Result accepted")
	e.publish(events.EventResultAccepted, jobID, "result accepted")
	if sink != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sink.ReportResult(ctx, record.JobID, record.ExecutorID, record.Result); err != nil {
				e.logger.Warn().Str("job_id", record.JobID).Err(err).Msg("Failed to report result to broker")
			}
		}()
	}
	e.pump()
	return record, nil
}

// Result returns the accepted result for a job, if any.
func (e *Executor) Result(jobID string) (*types.ResultRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.results[jobID]
	return r, ok
}

// ApplyEmergency installs an emergency context received on an
// envelope, live or cleared, keeping whichever wins causal resolution.
// Clearing is symmetric with declaring: a stale cleared marker whose
// clock is causally before the installed context cannot cancel it.
func (e *Executor) ApplyEmergency(ctx *types.EmergencyContext) {
	if ctx == nil {
		return
	}
	e.mu.Lock()
	e.clk.Tick()
	winner := emergency.Resolve(e.emergency, ctx)
	changed := winner != e.emergency
	e.emergency = winner
	live := e.inEmergencyLocked()
	e.mu.Unlock()

	if !changed {
		return
	}
	if live {
		metrics.EmergencyMode.Set(1)
		e.logger.Warn().Str("kind", winner.Kind).Str("level", string(winner.Level)).Msg("Entering emergency mode")
		e.publish(events.EventEmergencyDeclared, "", winner.Kind)
	} else {
		metrics.EmergencyMode.Set(0)
		e.logger.Info().Msg("Emergency mode cleared")
		e.publish(events.EventEmergencyCleared, "", "")
	}
	e.pump()
}

// EnterEmergencyMode installs a fleet emergency context if it wins
// causal resolution. Preemptive levels suppress non-emergency starts
// until cleared.
func (e *Executor) EnterEmergencyMode(ctx *types.EmergencyContext) {
	e.ApplyEmergency(ctx)
}

// ClearEmergencyMode lifts the emergency context locally. The cleared
// marker keeps the context's identity with a causally later clock, so
// it propagates as a clearing and cannot be undone by stale replays.
func (e *Executor) ClearEmergencyMode() {
	e.mu.Lock()
	snap := e.clk.Tick()
	if e.emergency != nil && !e.emergency.Cleared {
		cleared := *e.emergency
		cleared.Cleared = true
		cleared.DeclaredClock = snap
		cleared.DeclaredBy = e.id
		e.emergency = &cleared
	}
	e.mu.Unlock()

	metrics.EmergencyMode.Set(0)
	e.logger.Info().Msg("Emergency mode cleared")
	e.publish(events.EventEmergencyCleared, "", "")
	e.pump()
}

// Emergency returns the installed emergency context, if any.
func (e *Executor) Emergency() *types.EmergencyContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emergency
}

// EmergencyMode reports whether a non-cleared emergency context is
// installed.
func (e *Executor) EmergencyMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inEmergencyLocked()
}

func (e *Executor) inEmergencyLocked() bool {
	return e.emergency != nil && !e.emergency.Cleared
}

// Status reports a diagnostic snapshot.
func (e *Executor) Status() *types.ExecutorStatusResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	running := make([]string, 0, len(e.running))
	for id := range e.running {
		running = append(running, id)
	}
	sort.Strings(running)
	return &types.ExecutorStatusResponse{
		ExecutorID:    e.id,
		Clock:         e.clk.Snapshot(),
		Running:       running,
		QueuedNormal:  len(e.normalQ),
		QueuedEmerg:   len(e.emergencyQ),
		EmergencyMode: e.inEmergencyLocked(),
		Strategy:      string(e.strategy),
	}
}

// RunningCount returns the size of the running set, for heartbeats.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Stop cancels running jobs and refuses further admissions. It blocks
// until in-flight sandbox goroutines return.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	for _, run := range e.running {
		run.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// knownLocked covers pending, running, and completed jobs. Failed jobs
// are deliberately not in the set: the broker redispatches them within
// its attempt budget, and each redispatch is a fresh admission.
func (e *Executor) knownLocked(jobID string) bool {
	if _, ok := e.running[jobID]; ok {
		return true
	}
	if _, ok := e.results[jobID]; ok {
		return true
	}
	_, pending := e.seq[jobID]
	return pending
}

// pump starts pending jobs while capacity remains. The emergency queue
// preempts when the level is HIGH/CRITICAL or emergency mode is set;
// otherwise the configured strategy picks across both queues.
func (e *Executor) pump() {
	for {
		e.mu.Lock()
		if e.stopped || len(e.running) >= e.maxConcurrent {
			e.mu.Unlock()
			return
		}
		job := e.selectLocked()
		if job == nil {
			e.mu.Unlock()
			return
		}
		e.dequeueLocked(job.ID)
		e.clk.Tick()
		job.State = types.JobStateRunning
		job.DispatchCount++

		var ctx context.Context
		var cancel context.CancelFunc
		if job.Info != nil && !job.Info.Deadline.IsZero() {
			ctx, cancel = context.WithDeadline(context.Background(), job.Info.Deadline)
		} else {
			ctx, cancel = context.WithCancel(context.Background())
		}
		e.running[job.ID] = &runningJob{job: job, cancel: cancel, started: time.Now()}
		e.wg.Add(1)
		e.mu.Unlock()

		metrics.RunningJobs.Set(float64(e.RunningCount()))
		e.logger.Debug().Str("job_id", job.ID).Msg("Job started")
		go e.run(ctx, cancel, job)
	}
}

func (e *Executor) selectLocked() *types.JobSubmission {
	preempt := e.inEmergencyLocked() ||
		(e.emergency != nil && e.emergency.Level.Preemptive())
	if len(e.emergencyQ) > 0 && preempt {
		return pickCausal(e.emergencyQ)
	}
	if e.inEmergencyLocked() && e.emergency.Level.Preemptive() {
		// non-emergency work stays queued until the context clears
		return nil
	}

	pending := e.pendingLocked()
	if len(pending) == 0 {
		return nil
	}
	switch e.strategy {
	case StrategyPriority:
		return pickPriority(pending)
	case StrategyEmergencyFirst:
		return pickEmergencyFirst(pending)
	case StrategyResourceOptimal:
		return pickResourceOptimal(pending, e.freeWeightLocked())
	case StrategyFCFS:
		return pickFCFS(pending)
	default:
		return pickCausal(pending)
	}
}

// pendingLocked returns both queues combined in arrival order.
func (e *Executor) pendingLocked() []*types.JobSubmission {
	pending := make([]*types.JobSubmission, 0, len(e.emergencyQ)+len(e.normalQ))
	pending = append(pending, e.emergencyQ...)
	pending = append(pending, e.normalQ...)
	sort.SliceStable(pending, func(i, j int) bool {
		return e.seq[pending[i].ID] < e.seq[pending[j].ID]
	})
	return pending
}

func (e *Executor) freeWeightLocked() float64 {
	budget := float64(e.maxConcurrent)
	if e.capabilities != nil && e.capabilities.CPUCores > 0 {
		budget = float64(e.capabilities.CPUCores)
	}
	for _, run := range e.running {
		if run.job.Info != nil {
			budget -= run.job.Info.Weight
		}
	}
	return budget
}

func (e *Executor) dequeueLocked(jobID string) {
	delete(e.seq, jobID)
	for i, job := range e.emergencyQ {
		if job.ID == jobID {
			e.emergencyQ = append(e.emergencyQ[:i], e.emergencyQ[i+1:]...)
			return
		}
	}
	for i, job := range e.normalQ {
		if job.ID == jobID {
			e.normalQ = append(e.normalQ[:i], e.normalQ[i+1:]...)
			return
		}
	}
}

// run executes one job in the sandbox and feeds the outcome back
// through the FCFS path or the failure path.
func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, job *types.JobSubmission) {
	defer e.wg.Done()
	defer cancel()

	result, err := e.sandbox.Run(ctx, job.ID, job.Info)
	if err != nil {
		e.failJob(job, err)
		return
	}
	// ErrAlreadyAccepted here means a redundant run lost the race,
	// which is the expected outcome, not a failure
	if _, err := e.SubmitResult(job.ID, result, e.id); err != nil {
		e.logger.Debug().Str("job_id", job.ID).Err(err).Msg("Local result not recorded")
	}
}

func (e *Executor) failJob(job *types.JobSubmission, cause error) {
	reason := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "deadline exceeded"
	}

	e.mu.Lock()
	e.clk.Tick()
	delete(e.running, job.ID)
	// a concurrent SubmitResult may have completed the job already
	if _, done := e.results[job.ID]; done {
		e.mu.Unlock()
		return
	}
	e.failed[job.ID] = reason
	job.State = types.JobStateFailed
	job.FailureMessage = reason
	reporter := e.reporter
	e.mu.Unlock()

	metrics.JobsFailedTotal.WithLabelValues("sandbox").Inc()
	e.logger.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("Job failed")
	e.publish(events.EventJobFailed, job.ID, reason)

	if reporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reporter.ReportJobFailed(ctx, job.ID, e.id, reason); err != nil {
			e.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to report job failure")
		}
	}
	e.pump()
}

func (e *Executor) publish(eventType events.EventType, jobID, message string) {
	if e.events == nil {
		return
	}
	e.events.Publish(&events.Event{
		Type:    eventType,
		NodeID:  e.id,
		JobID:   jobID,
		Clock:   e.clk.Snapshot(),
		Message: message,
	})
}
