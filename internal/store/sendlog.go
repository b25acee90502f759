package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/volley/internal/model"
)

// AppendSendLog records one attempt. Keys are jobID/timestamp/id so a
// job's log reads back in attempt order.
func (s *Store) AppendSendLog(entry *model.SendLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now()
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal send log: %w", err)
		}
		key := []byte(entry.JobID + "/" + entry.Timestamp.Format(time.RFC3339Nano) + "/" + entry.ID)
		return tx.Bucket(bucketSendLog).Put(key, data)
	})
}

// ListSendLog returns all attempt records of a job in attempt order.
func (s *Store) ListSendLog(jobID string) ([]*model.SendLog, error) {
	var entries []*model.SendLog
	prefix := []byte(jobID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSendLog).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry model.SendLog
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// CountSendLog returns the number of attempt records for a job.
func (s *Store) CountSendLog(jobID string) (int, error) {
	count := 0
	prefix := []byte(jobID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSendLog).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}
