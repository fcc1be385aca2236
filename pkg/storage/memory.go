package storage

import (
	"fmt"
	"sync"

	"github.com/cuemby/lattice/pkg/types"
)

// MemoryStore implements Store in memory. Used by tests and by nodes
// running without a data directory.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*types.JobSubmission
	results   map[string]*types.ResultRecord
	executors map[string]*types.ExecutorRecord
	clock     types.ClockSnapshot
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*types.JobSubmission),
		results:   make(map[string]*types.ResultRecord),
		executors: make(map[string]*types.ExecutorRecord),
		clock:     types.ClockSnapshot{},
	}
}

func (s *MemoryStore) PutJob(job *types.JobSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(id string) (*types.JobSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownJob, id)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListJobs() ([]*types.JobSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.JobSubmission, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) PutResult(result *types.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.results[result.JobID] = &cp
	return nil
}

func (s *MemoryStore) GetResult(jobID string) (*types.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: no result for %s", types.ErrUnknownJob, jobID)
	}
	cp := *result
	return &cp, nil
}

func (s *MemoryStore) ListResults() ([]*types.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ResultRecord, 0, len(s.results))
	for _, result := range s.results {
		cp := *result
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutExecutor(rec *types.ExecutorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.executors[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecutor(id string) (*types.ExecutorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownExecutor, id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListExecutors() ([]*types.ExecutorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ExecutorRecord, 0, len(s.executors))
	for _, rec := range s.executors {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) DeleteExecutor(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executors, id)
	return nil
}

func (s *MemoryStore) PutClock(snap types.ClockSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = snap.Clone()
	return nil
}

func (s *MemoryStore) GetClock() (types.ClockSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock.Clone(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
