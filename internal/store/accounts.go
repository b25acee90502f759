package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/volley/internal/model"
)

// PutAccount stores an account record.
func (s *Store) PutAccount(a *model.Account) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a.UpdatedAt = time.Now()
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		return tx.Bucket(bucketAccounts).Put([]byte(a.ID), data)
	})
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(id string) (*model.Account, error) {
	var a *model.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		a = &model.Account{}
		return json.Unmarshal(data, a)
	})
	return a, err
}

// ListAccounts returns all accounts.
func (s *Store) ListAccounts() ([]*model.Account, error) {
	var accounts []*model.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			var a model.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			accounts = append(accounts, &a)
			return nil
		})
	})
	return accounts, err
}

// UpdateAccount applies fn to the stored account inside a single
// transaction, then persists the result.
func (s *Store) UpdateAccount(id string, fn func(*model.Account) error) (*model.Account, error) {
	var a *model.Account
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAccounts)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		a = &model.Account{}
		if err := json.Unmarshal(data, a); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		if err := fn(a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now()
		out, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		return bucket.Put([]byte(id), out)
	})
	return a, err
}

// SetAccountStatus records a health-status change together with the
// reason that produced it.
func (s *Store) SetAccountStatus(id string, status model.AccountStatus, reason string) (*model.Account, error) {
	return s.UpdateAccount(id, func(a *model.Account) error {
		a.Status = status
		a.StatusReason = reason
		a.CheckedAt = time.Now()
		return nil
	})
}

// ResetDailyCounters zeroes every account's daily send counter. Run
// from the maintenance scheduler at local midnight.
func (s *Store) ResetDailyCounters() (int, error) {
	reset := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAccounts)
		var pending []*model.Account
		err := bucket.ForEach(func(k, v []byte) error {
			var a model.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			if a.SentToday != 0 {
				a.SentToday = 0
				a.UpdatedAt = time.Now()
				pending = append(pending, &a)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, a := range pending {
			data, err := json.Marshal(a)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(a.ID), data); err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	return reset, err
}
