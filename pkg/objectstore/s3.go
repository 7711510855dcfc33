package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/sentryfleet/sentryfleet/pkg/log"
)

// S3Store is the Store backend for production deployments, backed by the
// AWS SDK's S3 client.
type S3Store struct {
	client *s3.S3
	region string
}

// NewS3Store creates an S3Store for the given region using the default AWS
// credential chain.
func NewS3Store(region string) (*S3Store, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("objectstore: create session: %w", err)
	}
	return &S3Store{client: s3.New(sess), region: region}, nil
}

// EnsureBucket creates the bucket if it does not already exist, tolerating
// the "already owned by you" case.
func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err == nil {
		return nil
	}

	_, err = s.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		if awsErr, ok := isBucketOwnedByYou(err); ok {
			log.Info(fmt.Sprintf("objectstore: bucket %s already owned, reusing", bucket))
			_ = awsErr
			return nil
		}
		return fmt.Errorf("objectstore: create bucket %s: %w", bucket, err)
	}
	return nil
}

func isBucketOwnedByYou(err error) (error, bool) {
	msg := err.Error()
	return err, bytes.Contains([]byte(msg), []byte("BucketAlreadyOwnedByYou"))
}

// UploadFile writes data under key in bucket.
func (s *S3Store) UploadFile(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DownloadFile reads the bytes stored under key in bucket.
func (s *S3Store) DownloadFile(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read body %s/%s: %w", bucket, key, err)
	}
	return data, nil
}
