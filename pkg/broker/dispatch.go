package broker

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cuemby/lattice/pkg/events"
	"github.com/cuemby/lattice/pkg/metrics"
	"github.com/cuemby/lattice/pkg/types"
)

// dispatchLoop drains the queue head on a short period.
func (b *Broker) dispatchLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DispatchPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.dispatchReady()
		case <-b.stopCh:
			return
		}
	}
}

// dispatchReady dispatches queue-head jobs while executors are
// available. A head with no capable executor blocks the queue until
// its wait deadline, per the selection contract.
func (b *Broker) dispatchReady() {
	for {
		job, rec, done := b.takeHead()
		if done {
			return
		}
		if job == nil {
			continue // head expired, try the next
		}
		b.send(job, rec)
	}
}

// takeHead picks the head job and its executor under the lock. The
// third return is true when dispatch should stop this round: empty
// queue or a head that must keep waiting.
func (b *Broker) takeHead() (*types.JobSubmission, *types.ExecutorRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil, nil, true
	}
	ordered := orderQueue(b.queue)
	head := ordered[0]

	// a stale entry: the job completed or failed while queued
	if head.State != types.JobStateQueued {
		b.removeFromQueueLocked(head.ID)
		return nil, nil, false
	}

	rec := b.selectExecutorLocked(head)
	if rec == nil {
		if time.Since(b.queuedAt[head.ID]) > b.cfg.DispatchDeadline() {
			b.clk.Tick()
			head.State = types.JobStateFailed
			head.FailureMessage = types.ErrNoCapableExecutor.Error()
			b.removeFromQueueLocked(head.ID)
			b.persistJobLocked(head)
			b.logger.Warn().Str("job_id", head.ID).Msg("No capable executor before deadline")
			metrics.JobsFailedTotal.WithLabelValues("no-capable-executor").Inc()
			return nil, nil, false
		}
		// the head waits for capacity or a capability-revising heartbeat
		return nil, nil, true
	}

	b.clk.Tick()
	head.State = types.JobStateDispatched
	head.AssignedTo = rec.ID
	head.DispatchCount++
	b.removeFromQueueLocked(head.ID)
	b.persistJobLocked(head)
	rec.RunningJobs++

	cp := *rec
	return head, &cp, false
}

// selectExecutorLocked applies the selection preference order: healthy
// and capable first, then not-in-emergency-mode unless the job is
// emergency work, then lowest load, then smallest id.
func (b *Broker) selectExecutorLocked(job *types.JobSubmission) *types.ExecutorRecord {
	var candidates []*types.ExecutorRecord
	now := time.Now()
	for id, rec := range b.executors {
		if rec.Health != types.ExecutorHealthy {
			continue
		}
		if until, excluded := b.exclusions[id]; excluded && now.Before(until) {
			continue
		}
		var req *types.CapabilitiesRequired
		if job.Info != nil {
			req = job.Info.Requires
		}
		if !rec.Capabilities.Satisfies(req) {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if !job.IsEmergency && a.EmergencyMode != c.EmergencyMode {
			return !a.EmergencyMode
		}
		if a.RunningJobs != c.RunningJobs {
			return a.RunningJobs < c.RunningJobs
		}
		return a.ID < c.ID
	})
	return candidates[0]
}

func (b *Broker) removeFromQueueLocked(jobID string) {
	for i, job := range b.queue {
		if job.ID == jobID {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.Set(float64(len(b.queue)))
}

// send pushes the job to the chosen executor. A transport failure
// requeues the job and marks the executor suspect; its next heartbeat
// restores it.
func (b *Broker) send(job *types.JobSubmission, rec *types.ExecutorRecord) {
	req := &types.DispatchJobRequest{
		Info:          job.Info,
		IsEmergency:   job.IsEmergency,
		EmergencyKind: job.EmergencyKind,
		PriorityScore: job.PriorityScore,
		SubmitClock:   job.SubmitClock,
		BrokerID:      b.id,
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SyncTimeout())
	defer cancel()
	err := b.execRPC.DispatchJob(ctx, rec.Endpoint, job.ID, req, b.cfg.SyncTimeout())

	if errors.Is(err, types.ErrAlreadyAccepted) {
		// the executor already holds this job: an earlier dispatch
		// landed but its ack was lost. The job stays dispatched; this
		// is not a transport failure and the executor is healthy.
		b.logger.Info().Str("job_id", job.ID).Str("executor_id", rec.ID).
			Msg("Executor already holds job, dispatch reconciled")
		return
	}
	if err != nil {
		b.mu.Lock()
		b.clk.Tick()
		job.State = types.JobStateQueued
		job.AssignedTo = ""
		b.queue = append(b.queue, job)
		b.queuedAt[job.ID] = time.Now()
		if live, ok := b.executors[rec.ID]; ok {
			live.Health = types.ExecutorSuspect
			if live.RunningJobs > 0 {
				live.RunningJobs--
			}
		}
		b.persistJobLocked(job)
		b.mu.Unlock()
		b.logger.Warn().Str("job_id", job.ID).Str("executor_id", rec.ID).Err(err).
			Msg("Dispatch failed, job requeued")
		return
	}

	b.mu.Lock()
	queued := b.queuedAt[job.ID]
	b.mu.Unlock()

	metrics.JobsDispatchedTotal.Inc()
	if !queued.IsZero() {
		metrics.DispatchLatency.Observe(time.Since(queued).Seconds())
	}
	b.logger.Info().Str("job_id", job.ID).Str("executor_id", rec.ID).Msg("Job dispatched")
	b.publish(events.EventJobDispatched, job.ID, rec.ID)
}
