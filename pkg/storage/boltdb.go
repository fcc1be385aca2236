package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/lattice/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs      = []byte("jobs")
	bucketResults   = []byte("results")
	bucketExecutors = []byte("executors")
	bucketClock     = []byte("clock")

	clockKey = []byte("snapshot")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "lattice.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketResults,
			bucketExecutors,
			bucketClock,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Job operations
func (s *BoltStore) PutJob(job *types.JobSubmission) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.JobSubmission, error) {
	var job types.JobSubmission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", types.ErrUnknownJob, id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.JobSubmission, error) {
	var jobs []*types.JobSubmission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.JobSubmission
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Result operations
func (s *BoltStore) PutResult(result *types.ResultRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return b.Put([]byte(result.JobID), data)
	})
}

func (s *BoltStore) GetResult(jobID string) (*types.ResultRecord, error) {
	var result types.ResultRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data := b.Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("%w: no result for %s", types.ErrUnknownJob, jobID)
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *BoltStore) ListResults() ([]*types.ResultRecord, error) {
	var results []*types.ResultRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		return b.ForEach(func(k, v []byte) error {
			var result types.ResultRecord
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			results = append(results, &result)
			return nil
		})
	})
	return results, err
}

// Executor operations
func (s *BoltStore) PutExecutor(rec *types.ExecutorRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) GetExecutor(id string) (*types.ExecutorRecord, error) {
	var rec types.ExecutorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", types.ErrUnknownExecutor, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListExecutors() ([]*types.ExecutorRecord, error) {
	var recs []*types.ExecutorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		return b.ForEach(func(k, v []byte) error {
			var rec types.ExecutorRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteExecutor(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutors).Delete([]byte(id))
	})
}

// Clock snapshot operations
func (s *BoltStore) PutClock(snap types.ClockSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClock)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(clockKey, data)
	})
}

func (s *BoltStore) GetClock() (types.ClockSnapshot, error) {
	snap := types.ClockSnapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClock)
		data := b.Get(clockKey)
		if data == nil {
			return nil // empty snapshot on fresh store
		}
		return json.Unmarshal(data, &snap)
	})
	return snap, err
}
