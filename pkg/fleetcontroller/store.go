package fleetcontroller

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/sentryfleet/sentryfleet/pkg/types"
)

var bucketInstances = []byte("instances")

// Store persists the Instance table to a local bbolt file, so a restarted
// Fleet Controller can recover its view of the fleet before the next
// provider poll lands.
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if necessary) a bbolt file under dataDir.
func NewStore(dataDir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "fleetcontroller.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("fleetcontroller: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("fleetcontroller: create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAll replaces the persisted Instance table with instances.
func (s *Store) SaveAll(instances []*types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Clear existing entries before writing the fresh snapshot.
		if err := tx.DeleteBucket(bucketInstances); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketInstances)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			data, err := json.Marshal(inst)
			if err != nil {
				return fmt.Errorf("marshal instance %s: %w", inst.ID, err)
			}
			if err := b.Put([]byte(inst.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll returns every persisted instance.
func (s *Store) LoadAll() ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(_, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	return instances, err
}
