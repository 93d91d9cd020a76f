// Package rawstore persists raw inbound MIME blobs in S3 and serves
// attachment bytes back out of them. The database keeps parsed
// structure; message bodies of record live here.
package rawstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/ignite/inbound-router/internal/config"
	"github.com/ignite/inbound-router/internal/pkg/logger"
)

// S3API is the slice of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store reads and writes raw message blobs keyed by email id.
type Store struct {
	client S3API
	bucket string
	prefix string
}

// New builds a Store from the default AWS credential chain.
func New(ctx context.Context, cfg appconfig.RawStoreConfig) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		logger.Warn("raw store bucket access check failed", "bucket", cfg.Bucket, "error", err.Error())
	}

	logger.Info("raw store initialized", "bucket", cfg.Bucket, "prefix", cfg.KeyPrefix, "region", cfg.Region)
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}, nil
}

// NewWithClient builds a Store around an existing client. Tests use this.
func NewWithClient(client S3API, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) key(emailID string) string {
	return s.prefix + SanitizeKeyComponent(emailID) + ".eml"
}

// Put stores the raw MIME blob for an email.
func (s *Store) Put(ctx context.Context, emailID string, raw []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(emailID)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("message/rfc822"),
	})
	if err != nil {
		return fmt.Errorf("put raw email %s: %w", emailID, err)
	}
	return nil
}

// Get fetches the raw MIME blob for an email.
func (s *Store) Get(ctx context.Context, emailID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(emailID)),
	})
	if err != nil {
		return nil, fmt.Errorf("get raw email %s: %w", emailID, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read raw email %s: %w", emailID, err)
	}
	return raw, nil
}

// Delete removes the raw blob. Retention cleanup calls this.
func (s *Store) Delete(ctx context.Context, emailID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(emailID)),
	})
	if err != nil {
		return fmt.Errorf("delete raw email %s: %w", emailID, err)
	}
	return nil
}

// SanitizeKeyComponent strips path separators from user-influenced key
// parts before they reach an object key.
func SanitizeKeyComponent(part string) string {
	part = strings.ReplaceAll(part, "/", "_")
	return strings.ReplaceAll(part, "\\", "_")
}
