package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/storage"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecRPC struct {
	mu         sync.Mutex
	dispatched []string
	err        error
}

func (f *fakeExecRPC) DispatchJob(ctx context.Context, endpoint, jobID string, req *types.DispatchJobRequest, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, jobID)
	return nil
}

func (f *fakeExecRPC) jobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.dispatched))
	copy(out, f.dispatched)
	return out
}

type fakePeerRPC struct {
	mu       sync.Mutex
	syncResp *types.BrokerMetadata
	syncErr  error
	probeErr error
	probeID  string
}

func (f *fakePeerRPC) SyncMetadata(ctx context.Context, endpoint string, meta *types.BrokerMetadata, timeout time.Duration) (*types.BrokerMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return f.syncResp, nil
}

func (f *fakePeerRPC) Probe(ctx context.Context, endpoint string, timeout time.Duration) (*types.CoordinationStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &types.CoordinationStatusResponse{BrokerID: f.probeID}, nil
}

func testBroker(t *testing.T, id string, mutate func(*config.Config)) (*Broker, *fakeExecRPC, *fakePeerRPC) {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = id
	if mutate != nil {
		mutate(cfg)
	}
	execRPC := &fakeExecRPC{}
	peerRPC := &fakePeerRPC{}
	b, err := New(cfg, storage.NewMemoryStore(), peerRPC, execRPC, nil, nil)
	require.NoError(t, err)
	return b, execRPC, peerRPC
}

func registerHealthy(t *testing.T, b *Broker, id string, caps *types.Capabilities) {
	t.Helper()
	_, err := b.RegisterExecutor(id, &types.RegisterExecutorRequest{
		Endpoint:     id + ":7411",
		Capabilities: caps,
	}, types.ClockSnapshot{id: 1})
	require.NoError(t, err)
}

func TestSubmitJobClassifiesAndScores(t *testing.T) {
	b, _, _ := testBroker(t, "b1", nil)

	ack, err := b.SubmitJob(&types.SubmitJobRequest{
		Info: &types.JobInfo{Kind: "fire-survey", UserPriority: 5},
	})
	require.NoError(t, err)
	assert.True(t, ack.IsEmergency)
	assert.NotEmpty(t, ack.JobID)
	assert.NotZero(t, ack.ClockSnapshot.Get("b1"))
	// high multiplier x (1+5) + fire bonus
	assert.Greater(t, ack.PriorityScore, 30.0)

	status, err := b.JobStatus(ack.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, status.State)
}

func TestSubmitJobSaturationDoesNotTick(t *testing.T) {
	b, _, _ := testBroker(t, "b1", func(c *config.Config) { c.QueueCapacity = 1 })

	_, err := b.SubmitJob(&types.SubmitJobRequest{Info: &types.JobInfo{}})
	require.NoError(t, err)
	before := b.Clock().Snapshot().Get("b1")

	_, err = b.SubmitJob(&types.SubmitJobRequest{Info: &types.JobInfo{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrQueueSaturated)
	// saturation is rejected before the clock ticks
	assert.Equal(t, before, b.Clock().Snapshot().Get("b1"))
}

func TestSubmitJobDuplicateID(t *testing.T) {
	b, _, _ := testBroker(t, "b1", nil)
	_, err := b.SubmitJob(&types.SubmitJobRequest{JobID: "j1", Info: &types.JobInfo{}})
	require.NoError(t, err)
	_, err = b.SubmitJob(&types.SubmitJobRequest{JobID: "j1", Info: &types.JobInfo{}})
	assert.ErrorIs(t, err, types.ErrDuplicateSubmission)
}

func TestJobStatusUnknown(t *testing.T) {
	b, _, _ := testBroker(t, "b1", nil)
	_, err := b.JobStatus("missing")
	assert.ErrorIs(t, err, types.ErrUnknownJob)
}

func TestHeartbeatUnknownExecutor(t *testing.T) {
	b, _, _ := testBroker(t, "b1", nil)
	_, err := b.Heartbeat("ghost", &types.HeartbeatRequest{})
	assert.ErrorIs(t, err, types.ErrUnknownExecutor)
}

func TestHeartbeatRefreshesRecord(t *testing.T) {
	b, _, _ := testBroker(t, "b1", nil)
	registerHealthy(t, b, "e1", &types.Capabilities{CPUCores: 2})

	resp, err := b.Heartbeat("e1", &types.HeartbeatRequest{
		Clock:         types.ClockSnapshot{"e1": 9},
		EmergencyMode: true,
		RunningJobs:   3,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	rec := b.Executors()["e1"]
	require.NotNil(t, rec)
	assert.Equal(t, uint64(9), rec.LastClock.Get("e1"))
	assert.True(t, rec.EmergencyMode)
	assert.Equal(t, 3, rec.RunningJobs)
	assert.Equal(t, types.ExecutorHealthy, rec.Health)
}

func TestDispatchPrefersLowestLoad(t *testing.T) {
	b, execRPC, _ := testBroker(t, "b1", nil)
	registerHealthy(t, b, "e1", &types.Capabilities{CPUCores: 4})
	registerHealthy(t, b, "e2", &types.Capabilities{CPUCores: 4})
	_, err := b.Heartbeat("e1", &types.HeartbeatRequest{RunningJobs: 5})
	require.NoError(t, err)

	ack, err := b.SubmitJob(&types.SubmitJobRequest{Info: &types.JobInfo{}})
	require.NoError(t, err)
	b.dispatchReady()

	assert.Equal(t, []string{ack.JobID}, execRPC.jobs())
	status, err := b.JobStatus(ack.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateDispatched, status.State)
	assert.Equal(t, "e2", status.AssignedTo)
}

func TestDispatchRespectsCapabilities(t *testing.T) {
	b, execRPC, _ := testBroker(t, "b1", nil)
	registerHealthy(t, b, "e1", &types.Capabilities{CPUCores: 1})

	_, err := b.SubmitJob(&types.SubmitJobRequest{
		JobID: "heavy",
		Info:  &types.JobInfo{Requires: &types.CapabilitiesRequired{CPUCores: 8}},
	})
	require.NoError(t, err)
	b.dispatchReady()

	// no capable executor yet: the job waits at the head
	assert.Empty(t, execRPC.jobs())
	status, err := b.JobStatus("heavy")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, status.State)
}

func TestDispatchDeadlineFailsJob(t *testing.T) {
	b, _, _ := testBroker(t, "b1", func(c *config.Config) { c.DispatchDeadlineSecs = 1 })
	_, err := b.SubmitJob(&types.SubmitJobRequest{JobID: "stuck", Info: &types.JobInfo{}})
	require.NoError(t, err)

	// backdate the enqueue time past the deadline
	b.mu.Lock()
	b.queuedAt["stuck"] = time.Now().Add(-time.Hour)
	b.mu.Unlock()

	b.dispatchReady()
	status, err := b.JobStatus("stuck")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, status.State)
	assert.Equal(t, types.ErrNoCapableExecutor.Error(), status.Error)
}

func TestDispatchFailureRequeuesAndMarksSuspect(t *testing.T) {
	b, execRPC, _ := testBroker(t, "b1", nil)
	execRPC.err = context.DeadlineExceeded
	registerHealthy(t, b, "e1", nil)

	_, err := b.SubmitJob(&types.SubmitJobRequest{JobID: "j1", Info: &types.JobInfo{}})
	require.NoError(t, err)
	b.dispatchReady()

	status, err := b.JobStatus("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, status.State)
	assert.Equal(t, types.ExecutorSuspect, b.Executors()["e1"].Health)
}

func TestDispatchAlreadyAcceptedIsNotAFailure(t *testing.T) {
	b, execRPC, _ := testBroker(t, "b1", nil)
	execRPC.err = types.ErrAlreadyAccepted
	registerHealthy(t, b, "e1", nil)

	_, err := b.SubmitJob(&types.SubmitJobRequest{JobID: "j1", Info: &types.JobInfo{}})
	require.NoError(t, err)
	b.dispatchReady()

	// the executor already holding the job counts as delivery: the job
	// stays dispatched and the executor stays healthy
	status, err := b.JobStatus("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateDispatched, status.State)
	assert.Equal(t, "e1", status.AssignedTo)
	assert.Equal(t, types.ExecutorHealthy, b.Executors()["e1"].Health)
}

func TestRecordResultKeepsFirst(t *testing.T) {
	b, _, _ := testBroker(t, "b1", nil)
	_, err := b.SubmitJob(&types.SubmitJobRequest{JobID: "j1", Info: &types.JobInfo{}})
	require.NoError(t, err)

	resp, err := b.RecordResult("j1", []byte("r1"), "e1", types.ClockSnapshot{"e1": 3})
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)

	resp, err = b.RecordResult("j1", []byte("r2"), "e2", types.ClockSnapshot{"e2": 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAlreadyAccepted)
	assert.Equal(t, "already-accepted", resp.Status)

	status, err := b.JobStatus("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, status.State)
	require.NotNil(t, status.Result)
	assert.Equal(t, "e1", status.Result.ExecutorID)
}

func TestRecordResultRemovesRequeuedJobFromQueue(t *testing.T) {
	b, execRPC, _ := testBroker(t, "b1", nil)
	registerHealthy(t, b, "e1", nil)
	_, err := b.SubmitJob(&types.SubmitJobRequest{JobID: "j1", Info: &types.JobInfo{}})
	require.NoError(t, err)
	b.dispatchReady()
	require.Len(t, execRPC.jobs(), 1)

	// a failure report requeues the job, then a redundant run's result
	// lands; the completed job must leave the queue with it
	require.NoError(t, b.HandleJobFailed("j1", "e1", "sandbox crashed"))
	_, err = b.RecordResult("j1", []byte("r1"), "e2", types.ClockSnapshot{"e2": 4})
	require.NoError(t, err)

	b.dispatchReady()
	assert.Len(t, execRPC.jobs(), 1)
	status, err := b.JobStatus("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, status.State)
}

func TestHandleJobFailedBoundedRedispatch(t *testing.T) {
	b, execRPC, _ := testBroker(t, "b1", func(c *config.Config) { c.MaxRedispatchAttempts = 2 })
	registerHealthy(t, b, "e1", nil)
	_, err := b.SubmitJob(&types.SubmitJobRequest{JobID: "j1", Info: &types.JobInfo{}})
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		b.dispatchReady()
		require.NoError(t, b.HandleJobFailed("j1", "e1", "sandbox crashed"))
	}
	assert.Len(t, execRPC.jobs(), 2)

	// attempts exhausted: the job fails for good
	status, err := b.JobStatus("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, status.State)
	assert.Equal(t, "sandbox crashed", status.Error)
}

func TestMarkExecutorFailedOrphansJobs(t *testing.T) {
	b, execRPC, _ := testBroker(t, "b1", nil)
	registerHealthy(t, b, "e1", nil)
	_, err := b.SubmitJob(&types.SubmitJobRequest{JobID: "j1", Info: &types.JobInfo{}})
	require.NoError(t, err)
	b.dispatchReady()
	require.Len(t, execRPC.jobs(), 1)

	orphans := b.MarkExecutorFailed("e1")
	require.Len(t, orphans, 1)
	assert.Equal(t, "j1", orphans[0].ID)

	status, err := b.JobStatus("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, status.State)
	assert.Empty(t, status.AssignedTo)

	// the failed executor is excluded, so the job waits for another
	b.dispatchReady()
	assert.Len(t, execRPC.jobs(), 1)

	// a second executor picks the orphan up
	registerHealthy(t, b, "e2", nil)
	b.dispatchReady()
	assert.Len(t, execRPC.jobs(), 2)
	status, _ = b.JobStatus("j1")
	assert.Equal(t, "e2", status.AssignedTo)
}

func TestDropFailedExecutorsAfterGrace(t *testing.T) {
	b, _, _ := testBroker(t, "b1", nil)
	registerHealthy(t, b, "e1", nil)
	b.MarkExecutorFailed("e1")

	// still inside the grace window: the record is kept
	b.dropFailedExecutors()
	require.Contains(t, b.Executors(), "e1")

	b.mu.Lock()
	b.exclusions["e1"] = time.Now().Add(-time.Minute)
	b.mu.Unlock()
	b.dropFailedExecutors()
	assert.NotContains(t, b.Executors(), "e1")

	// the heartbeat path now answers unknown, and the node can join anew
	_, err := b.Heartbeat("e1", &types.HeartbeatRequest{})
	assert.ErrorIs(t, err, types.ErrUnknownExecutor)
	registerHealthy(t, b, "e1", nil)
	assert.Equal(t, types.ExecutorHealthy, b.Executors()["e1"].Health)
}

func TestDeclareAndClearEmergency(t *testing.T) {
	b, _, _ := testBroker(t, "b1", nil)

	ctx := b.DeclareEmergency("fire", types.EmergencyLevelHigh, "sector-9")
	require.NotNil(t, ctx)
	assert.Equal(t, "b1", ctx.DeclaredBy)
	assert.NotNil(t, b.CoordinationStatus().Emergency)

	b.ClearEmergency()
	assert.Nil(t, b.CoordinationStatus().Emergency)
	// the cleared marker still rides on envelopes for propagation
	require.NotNil(t, b.Emergency())
	assert.True(t, b.Emergency().Cleared)
}

func TestBrokerRecoversQueueFromStore(t *testing.T) {
	cfg := config.Default()
	cfg.NodeID = "b1"
	store := storage.NewMemoryStore()

	b, err := New(cfg, store, &fakePeerRPC{}, &fakeExecRPC{}, nil, nil)
	require.NoError(t, err)
	_, err = b.SubmitJob(&types.SubmitJobRequest{JobID: "j1", Info: &types.JobInfo{}})
	require.NoError(t, err)
	clockBefore := b.Clock().Snapshot().Get("b1")

	// a new broker over the same store sees the queued job and a clock
	// at least as advanced
	b2, err := New(cfg, store, &fakePeerRPC{}, &fakeExecRPC{}, nil, nil)
	require.NoError(t, err)
	status, err := b2.JobStatus("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, status.State)
	assert.GreaterOrEqual(t, b2.Clock().Snapshot().Get("b1"), clockBefore)
}
