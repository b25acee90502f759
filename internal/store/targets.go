package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/volley/internal/model"
)

// targetKey builds the composite key jobID/targetID so all targets of a
// job are contiguous under a cursor prefix scan.
func targetKey(jobID, targetID string) []byte {
	return []byte(jobID + "/" + targetID)
}

// PutTarget stores a target record.
func (s *Store) PutTarget(t *model.Target) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal target: %w", err)
		}
		return tx.Bucket(bucketTargets).Put(targetKey(t.JobID, t.ID), data)
	})
}

// PutTargets stores a batch of targets in one transaction.
func (s *Store) PutTargets(targets []*model.Target) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTargets)
		for _, t := range targets {
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to marshal target: %w", err)
			}
			if err := bucket.Put(targetKey(t.JobID, t.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTarget retrieves a target by job and target id.
func (s *Store) GetTarget(jobID, targetID string) (*model.Target, error) {
	var t *model.Target
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTargets).Get(targetKey(jobID, targetID))
		if data == nil {
			return fmt.Errorf("target %s/%s: %w", jobID, targetID, ErrNotFound)
		}
		t = &model.Target{}
		return json.Unmarshal(data, t)
	})
	return t, err
}

// ListTargets returns all targets of a job in key order. Executors that
// care about submission order walk the job's target id list instead.
func (s *Store) ListTargets(jobID string) ([]*model.Target, error) {
	var targets []*model.Target
	prefix := []byte(jobID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTargets).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t model.Target
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			targets = append(targets, &t)
		}
		return nil
	})
	return targets, err
}

// UpdateTarget applies fn to the stored target inside a single
// transaction, then persists the result.
func (s *Store) UpdateTarget(jobID, targetID string, fn func(*model.Target) error) (*model.Target, error) {
	var t *model.Target
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTargets)
		key := targetKey(jobID, targetID)
		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("target %s/%s: %w", jobID, targetID, ErrNotFound)
		}
		t = &model.Target{}
		if err := json.Unmarshal(data, t); err != nil {
			return fmt.Errorf("failed to unmarshal target: %w", err)
		}
		if err := fn(t); err != nil {
			return err
		}
		out, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal target: %w", err)
		}
		return bucket.Put(key, out)
	})
	return t, err
}

// DeleteTargets removes all targets of a job.
func (s *Store) DeleteTargets(jobID string) error {
	prefix := []byte(jobID + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTargets)
		c := bucket.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
