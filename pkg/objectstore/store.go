// Package objectstore is the facade the control plane uses to move task
// payloads and logs in and out of blob storage, backed by either AWS S3
// or a local bbolt file depending on configuration.
package objectstore

import (
	"context"
	"fmt"
	"time"
)

// BucketFiles returns the task-payload bucket name for accountID: every
// account gets its own files bucket so multi-tenant deployments never
// collide on object keys.
func BucketFiles(accountID string) string {
	return fmt.Sprintf("%s-files", accountID)
}

// BucketLogging returns the log-fragment bucket name for accountID.
func BucketLogging(accountID string) string {
	return fmt.Sprintf("%s-logging", accountID)
}

// UploadLogFragment uploads data as a timestamped log fragment for
// instanceID into accountID's logging bucket, keyed
// "{instanceId}_{unixSeconds}.log".
func UploadLogFragment(ctx context.Context, store Store, accountID, instanceID string, data []byte) error {
	key := fmt.Sprintf("%s_%d.log", instanceID, time.Now().Unix())
	return store.UploadFile(ctx, BucketLogging(accountID), key, data)
}

// Store is the object storage facade every component depends on.
type Store interface {
	// EnsureBucket creates bucket if it does not already exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// UploadFile writes data under key in bucket.
	UploadFile(ctx context.Context, bucket, key string, data []byte) error

	// DownloadFile reads the bytes stored under key in bucket.
	DownloadFile(ctx context.Context, bucket, key string) ([]byte, error)
}
