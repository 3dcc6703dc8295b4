// Package objstore stores mesh blobs in S3-compatible object storage. Keys
// are fresh UUIDs with a .obj suffix; rows in the models table point at
// them through s3://bucket/key storage paths.
package objstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBucketPrefix names the bucket family the store adopts or creates.
const DefaultBucketPrefix = "obj-storage"

// PresignTTL bounds how long a download URL stays valid.
const PresignTTL = time.Hour

// Config holds object storage connection settings. Endpoint is for
// S3-compatible stores (MinIO, LocalStack); empty means real AWS.
type Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	BucketPrefix string
	UsePathStyle bool
}

// api is the slice of the S3 client the store uses. Tests stub it.
type api interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store uploads meshes and mints presigned download URLs against one
// bucket, discovered or created at startup.
type Store struct {
	client  api
	presign presigner
	bucket  string
	logger  *zap.Logger
}

// presigner narrows s3.PresignClient for tests.
type presigner interface {
	URL(ctx context.Context, bucket, key string) (string, error)
}

type s3Presigner struct {
	client *s3.PresignClient
}

func (p *s3Presigner) URL(ctx context.Context, bucket, key string) (string, error) {
	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(PresignTTL))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// New connects to object storage and ensures the mesh bucket exists: the
// first bucket whose name starts with the prefix is adopted, otherwise a
// fresh one is created with a UUID suffix.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = DefaultBucketPrefix
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	store := &Store{
		client:  client,
		presign: &s3Presigner{client: s3.NewPresignClient(client)},
		logger:  logger,
	}

	bucket, err := store.ensureBucket(ctx, cfg.BucketPrefix)
	if err != nil {
		return nil, err
	}
	store.bucket = bucket

	logger.Info("Object store ready", zap.String("bucket", bucket))
	return store, nil
}

// ensureBucket adopts the first prefix-matched bucket or creates one.
func (s *Store) ensureBucket(ctx context.Context, prefix string) (string, error) {
	out, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return "", fmt.Errorf("failed to list buckets: %w", err)
	}
	for _, b := range out.Buckets {
		if b.Name != nil && strings.HasPrefix(*b.Name, prefix) {
			return *b.Name, nil
		}
	}

	name := strings.ToLower(fmt.Sprintf("%s-%s", prefix, uuid.New()))
	s.logger.Info("Creating mesh bucket", zap.String("bucket", name))
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(name),
	}); err != nil {
		return "", fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return name, nil
}

// Bucket reports the adopted bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Ping verifies the backend is still reachable. Health checks call it.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		return fmt.Errorf("object store unreachable: %w", err)
	}
	return nil
}

// Put uploads one mesh under a fresh {uuid}.obj key and returns its
// storage path.
func (s *Store) Put(ctx context.Context, content string) (string, error) {
	key := fmt.Sprintf("%s.obj", uuid.New())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(content),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return storagePath(s.bucket, key), nil
}

// PresignGet turns a storage path into a time-limited download URL.
func (s *Store) PresignGet(ctx context.Context, path string) (string, error) {
	bucket, key, err := splitStoragePath(path)
	if err != nil {
		return "", err
	}
	url, err := s.presign.URL(ctx, bucket, key)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", path, err)
	}
	return url, nil
}

// storagePath renders the s3://bucket/key form persisted in model rows.
func storagePath(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// splitStoragePath parses an s3://bucket/key storage path.
func splitStoragePath(path string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid storage path %q", path)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid storage path %q", path)
	}
	return bucket, key, nil
}
