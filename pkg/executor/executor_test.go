package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatch(id string, emergency bool, clock types.ClockSnapshot) *types.DispatchJobRequest {
	return &types.DispatchJobRequest{
		Info:        &types.JobInfo{Payload: []byte(id)},
		IsEmergency: emergency,
		SubmitClock: clock,
		BrokerID:    "b1",
	}
}

// blockingSandbox parks every run until released, so tests control
// when jobs complete.
type blockingSandbox struct {
	mu      sync.Mutex
	started []string
	release chan struct{}
}

func newBlockingSandbox() *blockingSandbox {
	return &blockingSandbox{release: make(chan struct{})}
}

func (s *blockingSandbox) Run(ctx context.Context, jobID string, info *types.JobInfo) ([]byte, error) {
	s.mu.Lock()
	s.started = append(s.started, jobID)
	s.mu.Unlock()
	select {
	case <-s.release:
		return []byte("done:" + jobID), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *blockingSandbox) startedJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.started))
	copy(out, s.started)
	return out
}

func TestReceiveJobRunsAndRecordsResult(t *testing.T) {
	e := New(Config{ID: "e1"})
	defer e.Stop()

	require.NoError(t, e.ReceiveJob("j1", dispatch("j1", false, types.ClockSnapshot{"b1": 1})))

	require.Eventually(t, func() bool {
		_, ok := e.Result("j1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	record, _ := e.Result("j1")
	assert.Equal(t, []byte("j1"), record.Result)
	assert.Equal(t, "e1", record.ExecutorID)
	assert.NotZero(t, record.Clock.Get("e1"))
}

func TestReceiveJobRejectsDuplicates(t *testing.T) {
	sandbox := newBlockingSandbox()
	e := New(Config{ID: "e1", Sandbox: sandbox})
	defer e.Stop()
	defer close(sandbox.release)

	require.NoError(t, e.ReceiveJob("j1", dispatch("j1", false, types.ClockSnapshot{"b1": 1})))
	err := e.ReceiveJob("j1", dispatch("j1", false, types.ClockSnapshot{"b1": 2}))
	assert.ErrorIs(t, err, types.ErrDuplicateSubmission)
}

func TestSubmitResultFCFS(t *testing.T) {
	e := New(Config{ID: "e1"})
	defer e.Stop()

	before := e.Clock().Snapshot().Get("e1")

	first, err := e.SubmitResult("j1", []byte("r1"), "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", first.ExecutorID)

	second, err := e.SubmitResult("j1", []byte("r2"), "b2")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAlreadyAccepted)
	// the winning record is returned unchanged
	assert.Equal(t, []byte("r1"), second.Result)
	assert.Equal(t, "b1", second.ExecutorID)

	// both attempts were events: the clock advanced twice
	assert.Equal(t, before+2, e.Clock().Snapshot().Get("e1"))
}

func TestSubmitResultRaceExactlyOneWinner(t *testing.T) {
	e := New(Config{ID: "e1"})
	defer e.Stop()

	const contenders = 16
	var accepted, rejected int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := e.SubmitResult("j1", []byte{byte(n)}, "sender")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if errors.Is(err, types.ErrAlreadyAccepted) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, contenders-1, rejected)
}

func TestCapacityBoundsRunningSet(t *testing.T) {
	sandbox := newBlockingSandbox()
	e := New(Config{ID: "e1", Sandbox: sandbox, MaxConcurrent: 2})
	defer e.Stop()

	for _, id := range []string{"j1", "j2", "j3", "j4"} {
		require.NoError(t, e.ReceiveJob(id, dispatch(id, false, types.ClockSnapshot{"b1": 1})))
	}

	require.Eventually(t, func() bool {
		return len(sandbox.startedJobs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, e.RunningCount())
	assert.Equal(t, 2, e.Status().QueuedNormal)

	close(sandbox.release)
	require.Eventually(t, func() bool {
		return len(sandbox.startedJobs()) == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPreemptiveEmergencySuppressesNormalStarts(t *testing.T) {
	sandbox := newBlockingSandbox()
	e := New(Config{ID: "e1", Sandbox: sandbox, MaxConcurrent: 4})
	defer e.Stop()
	defer close(sandbox.release)

	e.EnterEmergencyMode(&types.EmergencyContext{
		Kind:          "fire",
		Level:         types.EmergencyLevelCritical,
		DetectedAt:    time.Now(),
		DeclaredClock: types.ClockSnapshot{"b1": 5},
		DeclaredBy:    "b1",
	})
	require.True(t, e.EmergencyMode())

	require.NoError(t, e.ReceiveJob("normal", dispatch("normal", false, types.ClockSnapshot{"b1": 6})))
	require.NoError(t, e.ReceiveJob("emerg", dispatch("emerg", true, types.ClockSnapshot{"b1": 7})))

	require.Eventually(t, func() bool {
		return len(sandbox.startedJobs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"emerg"}, sandbox.startedJobs())
	assert.Equal(t, 1, e.Status().QueuedNormal)

	// clearing resumes the normal queue
	e.ClearEmergencyMode()
	require.Eventually(t, func() bool {
		return len(sandbox.startedJobs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleEmergencyContextIgnored(t *testing.T) {
	e := New(Config{ID: "e1"})
	defer e.Stop()

	current := &types.EmergencyContext{
		Kind:          "fire",
		Level:         types.EmergencyLevelHigh,
		DeclaredClock: types.ClockSnapshot{"b1": 10},
	}
	e.EnterEmergencyMode(current)

	// causally earlier declaration must not replace the installed one
	e.EnterEmergencyMode(&types.EmergencyContext{
		Kind:          "medical",
		Level:         types.EmergencyLevelCritical,
		DeclaredClock: types.ClockSnapshot{"b1": 3},
	})

	require.NotNil(t, e.Emergency())
	assert.Equal(t, "fire", e.Emergency().Kind)
}

func TestStaleClearedMarkerDoesNotLiftEmergency(t *testing.T) {
	e := New(Config{ID: "e1"})
	defer e.Stop()

	e.ApplyEmergency(&types.EmergencyContext{
		Kind:          "fire",
		Level:         types.EmergencyLevelHigh,
		DeclaredClock: types.ClockSnapshot{"b1": 5},
		DeclaredBy:    "b1",
	})
	require.True(t, e.EmergencyMode())

	// a cleared marker from before the declaration is a stale replay
	e.ApplyEmergency(&types.EmergencyContext{
		Kind:          "fire",
		Level:         types.EmergencyLevelHigh,
		DeclaredClock: types.ClockSnapshot{"b1": 2},
		DeclaredBy:    "b1",
		Cleared:       true,
	})
	assert.True(t, e.EmergencyMode())

	// a causally later clearing does lift it
	e.ApplyEmergency(&types.EmergencyContext{
		Kind:          "fire",
		Level:         types.EmergencyLevelHigh,
		DeclaredClock: types.ClockSnapshot{"b1": 6},
		DeclaredBy:    "b1",
		Cleared:       true,
	})
	assert.False(t, e.EmergencyMode())
}

type recordingReporter struct {
	mu     sync.Mutex
	failed map[string]string
}

func (r *recordingReporter) ReportJobFailed(ctx context.Context, jobID, executorID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = make(map[string]string)
	}
	r.failed[jobID] = reason
	return nil
}

func (r *recordingReporter) get(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.failed[jobID]
	return reason, ok
}

func TestSandboxErrorReportsJobFailed(t *testing.T) {
	reporter := &recordingReporter{}
	e := New(Config{
		ID:       "e1",
		Reporter: reporter,
		Sandbox: SandboxFunc(func(ctx context.Context, jobID string, info *types.JobInfo) ([]byte, error) {
			return nil, errors.New("sandbox crashed")
		}),
	})
	defer e.Stop()

	require.NoError(t, e.ReceiveJob("j1", dispatch("j1", false, types.ClockSnapshot{"b1": 1})))

	require.Eventually(t, func() bool {
		_, ok := reporter.get("j1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	reason, _ := reporter.get("j1")
	assert.Equal(t, "sandbox crashed", reason)
	_, hasResult := e.Result("j1")
	assert.False(t, hasResult)
}

func TestFailedJobAcceptsRedispatch(t *testing.T) {
	reporter := &recordingReporter{}
	var attempts int32
	e := New(Config{
		ID:       "e1",
		Reporter: reporter,
		Sandbox: SandboxFunc(func(ctx context.Context, jobID string, info *types.JobInfo) ([]byte, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, errors.New("sandbox crashed")
			}
			return []byte("recovered"), nil
		}),
	})
	defer e.Stop()

	require.NoError(t, e.ReceiveJob("j1", dispatch("j1", false, types.ClockSnapshot{"b1": 1})))
	require.Eventually(t, func() bool {
		_, ok := reporter.get("j1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// the broker redispatches after the failure report; the retry is a
	// fresh admission, not a duplicate
	require.NoError(t, e.ReceiveJob("j1", dispatch("j1", false, types.ClockSnapshot{"b1": 2})))
	require.Eventually(t, func() bool {
		_, ok := e.Result("j1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	record, _ := e.Result("j1")
	assert.Equal(t, []byte("recovered"), record.Result)
}

func TestDeadlineCancelsSandbox(t *testing.T) {
	reporter := &recordingReporter{}
	sandbox := newBlockingSandbox()
	e := New(Config{ID: "e1", Reporter: reporter, Sandbox: sandbox})
	defer e.Stop()
	defer close(sandbox.release)

	req := dispatch("j1", false, types.ClockSnapshot{"b1": 1})
	req.Info.Deadline = time.Now().Add(50 * time.Millisecond)
	require.NoError(t, e.ReceiveJob("j1", req))

	require.Eventually(t, func() bool {
		reason, ok := reporter.get("j1")
		return ok && reason == "deadline exceeded"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCausalStrategyOrdersConcurrentSubmissions(t *testing.T) {
	// two jobs from the same broker, causally ordered: the earlier
	// submission must start first
	sandbox := newBlockingSandbox()
	e := New(Config{ID: "e1", Sandbox: sandbox, MaxConcurrent: 1})
	defer e.Stop()
	defer close(sandbox.release)

	// hold the pump by filling capacity with a placeholder job first
	require.NoError(t, e.ReceiveJob("hold", dispatch("hold", false, types.ClockSnapshot{"x": 1})))
	require.Eventually(t, func() bool {
		return len(sandbox.startedJobs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.ReceiveJob("j2", dispatch("j2", false, types.ClockSnapshot{"b1": 2})))
	require.NoError(t, e.ReceiveJob("j1", dispatch("j1", false, types.ClockSnapshot{"b1": 1})))

	// release the placeholder; the causal minimum j1 must start before j2
	if _, err := e.SubmitResult("hold", nil, "test"); err != nil {
		t.Fatal(err)
	}
	require.Eventually(t, func() bool {
		return len(sandbox.startedJobs()) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "j1", sandbox.startedJobs()[1])
}
