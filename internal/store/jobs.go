package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/volley/internal/model"
)

// PutJob stores a job record, overwriting any previous version.
func (s *Store) PutJob(job *model.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job.UpdatedAt = time.Now()
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(id string) (*model.Job, error) {
	var job *model.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		job = &model.Job{}
		return json.Unmarshal(data, job)
	})
	return job, err
}

// ListJobs returns all jobs.
func (s *Store) ListJobs() ([]*model.Job, error) {
	var jobs []*model.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job model.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil // skip invalid entries
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

// UpdateJob applies fn to the stored job inside a single transaction,
// then persists the result. Counter increments done through here are
// atomic with respect to other writers.
func (s *Store) UpdateJob(id string, fn func(*model.Job) error) (*model.Job, error) {
	var job *model.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketJobs)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		job = &model.Job{}
		if err := json.Unmarshal(data, job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if err := fn(job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now()
		out, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		return bucket.Put([]byte(id), out)
	})
	return job, err
}

// SetJobStatus transitions the job to the given status, enforcing
// monotonic transitions: terminal states are never left.
func (s *Store) SetJobStatus(id string, status model.JobStatus) (*model.Job, error) {
	return s.UpdateJob(id, func(job *model.Job) error {
		if job.Status == status {
			return nil
		}
		if !job.Status.CanTransition(status) {
			return fmt.Errorf("job %s: illegal status transition %s -> %s", id, job.Status, status)
		}
		job.Status = status
		now := time.Now()
		switch status {
		case model.JobRunning:
			job.StartedAt = now
		case model.JobCompleted, model.JobStopped, model.JobFailed:
			job.CompletedAt = now
		}
		return nil
	})
}
