package storage

import (
	"github.com/cuemby/lattice/pkg/types"
)

// Store persists broker state. Persistence is an extension on top of
// the in-memory model: a restarted broker recovers its queue, registry,
// and a causally safe clock snapshot (the restored clock is merged, so
// logical time never runs backwards).
type Store interface {
	// Jobs
	PutJob(job *types.JobSubmission) error
	GetJob(id string) (*types.JobSubmission, error)
	ListJobs() ([]*types.JobSubmission, error)
	DeleteJob(id string) error

	// Results
	PutResult(result *types.ResultRecord) error
	GetResult(jobID string) (*types.ResultRecord, error)
	ListResults() ([]*types.ResultRecord, error)

	// Executors
	PutExecutor(rec *types.ExecutorRecord) error
	GetExecutor(id string) (*types.ExecutorRecord, error)
	ListExecutors() ([]*types.ExecutorRecord, error)
	DeleteExecutor(id string) error

	// Clock snapshot (snapshot-and-recover)
	PutClock(snap types.ClockSnapshot) error
	GetClock() (types.ClockSnapshot, error)

	// Utility
	Close() error
}
