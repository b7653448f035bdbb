// Package blobstore is the object-store client shared by the remote cache tier
// and the stats sink.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// StorageClassReducedRedundancy is used for data whose loss is tolerable
const StorageClassReducedRedundancy = string(types.StorageClassReducedRedundancy)

// PutOptions tune a single object write
type PutOptions struct {
	ContentType  string
	StorageClass string
}

// Store reads and writes whole objects by key
type Store interface {
	// Get returns ok=false with a nil error when the key does not exist.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
}

// S3API is the subset of the S3 client used here
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store stores objects under prefix in a bucket
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store wraps an existing client
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// OpenS3 loads the default AWS credential chain for region and returns a store
func OpenS3(ctx context.Context, bucket, prefix, region string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}

	return path.Join(s.prefix, key)
}

// Bucket returns the bucket name
func (s *S3Store) Bucket() string {
	return s.bucket
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}

	return data, true, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}

	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}

	if opts.StorageClass != "" {
		in.StorageClass = types.StorageClass(opts.StorageClass)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, s.objectKey(key), err)
	}

	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}

	return false
}
