package objectstore

import (
	"context"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// LocalStore is the Store backend for single-machine and test deployments:
// buckets map directly onto bbolt buckets, keys onto bbolt keys.
type LocalStore struct {
	db *bolt.DB
}

// NewLocalStore opens (creating if necessary) a bbolt file under dataDir.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	dbPath := filepath.Join(dataDir, "objectstore.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open database: %w", err)
	}

	return &LocalStore{db: db}, nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// EnsureBucket creates bucket if it does not already exist.
func (s *LocalStore) EnsureBucket(_ context.Context, bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("objectstore: create bucket %s: %w", bucket, err)
		}
		return nil
	})
}

// UploadFile writes data under key in bucket.
func (s *LocalStore) UploadFile(_ context.Context, bucket, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			var err error
			b, err = tx.CreateBucket([]byte(bucket))
			if err != nil {
				return fmt.Errorf("objectstore: create bucket %s: %w", bucket, err)
			}
		}
		return b.Put([]byte(key), data)
	})
}

// DownloadFile reads the bytes stored under key in bucket.
func (s *LocalStore) DownloadFile(_ context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("objectstore: bucket not found: %s", bucket)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("objectstore: key not found: %s/%s", bucket, key)
		}
		// bbolt reuses its read buffer outside the transaction; copy out.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
