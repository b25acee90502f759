package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/volley/internal/model"
)

// PutProxy stores a proxy record.
func (s *Store) PutProxy(p *model.Proxy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal proxy: %w", err)
		}
		return tx.Bucket(bucketProxies).Put([]byte(p.ID), data)
	})
}

// GetProxy retrieves a proxy by id.
func (s *Store) GetProxy(id string) (*model.Proxy, error) {
	var p *model.Proxy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProxies).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("proxy %s: %w", id, ErrNotFound)
		}
		p = &model.Proxy{}
		return json.Unmarshal(data, p)
	})
	return p, err
}

// ListProxies returns all proxies.
func (s *Store) ListProxies() ([]*model.Proxy, error) {
	var proxies []*model.Proxy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProxies).ForEach(func(k, v []byte) error {
			var p model.Proxy
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			proxies = append(proxies, &p)
			return nil
		})
	})
	return proxies, err
}

// UpdateProxy applies fn to the stored proxy inside a single
// transaction. Counter increments through here are atomic, so the
// disable threshold is always eventually crossed even when concurrent
// leases race on the same proxy.
func (s *Store) UpdateProxy(id string, fn func(*model.Proxy) error) (*model.Proxy, error) {
	var p *model.Proxy
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketProxies)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("proxy %s: %w", id, ErrNotFound)
		}
		p = &model.Proxy{}
		if err := json.Unmarshal(data, p); err != nil {
			return fmt.Errorf("failed to unmarshal proxy: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
		out, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal proxy: %w", err)
		}
		return bucket.Put([]byte(id), out)
	})
	return p, err
}
