package objstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubS3 struct {
	buckets []string
	created []string
	puts    map[string]string // key -> body
	putErr  error
	listErr error
}

func (s *stubS3) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := &s3.ListBucketsOutput{}
	for _, name := range s.buckets {
		out.Buckets = append(out.Buckets, types.Bucket{Name: aws.String(name)})
	}
	return out, nil
}

func (s *stubS3) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	s.created = append(s.created, *params.Bucket)
	return &s3.CreateBucketOutput{}, nil
}

func (s *stubS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if s.putErr != nil {
		return nil, s.putErr
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if s.puts == nil {
		s.puts = make(map[string]string)
	}
	s.puts[*params.Key] = string(body)
	return &s3.PutObjectOutput{}, nil
}

type stubPresigner struct {
	err error
}

func (p *stubPresigner) URL(ctx context.Context, bucket, key string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return fmt.Sprintf("https://%s.example.com/%s?signed", bucket, key), nil
}

func newTestStore(s3c api) *Store {
	return &Store{
		client:  s3c,
		presign: &stubPresigner{},
		logger:  zap.NewNop(),
	}
}

func TestEnsureBucketAdoptsExisting(t *testing.T) {
	stub := &stubS3{buckets: []string{"logs", "obj-storage-7f3a", "backups"}}
	store := newTestStore(stub)

	bucket, err := store.ensureBucket(context.Background(), DefaultBucketPrefix)
	require.NoError(t, err)

	assert.Equal(t, "obj-storage-7f3a", bucket)
	assert.Empty(t, stub.created)
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	stub := &stubS3{buckets: []string{"logs"}}
	store := newTestStore(stub)

	bucket, err := store.ensureBucket(context.Background(), DefaultBucketPrefix)
	require.NoError(t, err)

	require.Len(t, stub.created, 1)
	assert.Equal(t, stub.created[0], bucket)
	assert.True(t, strings.HasPrefix(bucket, "obj-storage-"))
	assert.Equal(t, strings.ToLower(bucket), bucket)
}

func TestPutUploadsAndReturnsPath(t *testing.T) {
	stub := &stubS3{}
	store := newTestStore(stub)
	store.bucket = "obj-storage-test"

	path, err := store.Put(context.Background(), "v 0 0 0\n")
	require.NoError(t, err)

	require.Len(t, stub.puts, 1)
	bucket, key, err := splitStoragePath(path)
	require.NoError(t, err)
	assert.Equal(t, "obj-storage-test", bucket)
	assert.True(t, strings.HasSuffix(key, ".obj"))
	assert.Equal(t, "v 0 0 0\n", stub.puts[key])
}

func TestPutSurfacesUploadError(t *testing.T) {
	stub := &stubS3{putErr: fmt.Errorf("access denied")}
	store := newTestStore(stub)
	store.bucket = "obj-storage-test"

	_, err := store.Put(context.Background(), "v 0 0 0\n")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	store := newTestStore(&stubS3{buckets: []string{"obj-storage-test"}})
	assert.NoError(t, store.Ping(context.Background()))

	store = newTestStore(&stubS3{listErr: fmt.Errorf("connection refused")})
	assert.ErrorContains(t, store.Ping(context.Background()), "object store unreachable")
}

func TestPresignGet(t *testing.T) {
	store := newTestStore(&stubS3{})
	store.bucket = "obj-storage-test"

	url, err := store.PresignGet(context.Background(), "s3://obj-storage-test/abc.obj")
	require.NoError(t, err)
	assert.Equal(t, "https://obj-storage-test.example.com/abc.obj?signed", url)
}

func TestSplitStoragePath(t *testing.T) {
	tests := []struct {
		path    string
		bucket  string
		key     string
		wantErr bool
	}{
		{path: "s3://bucket/key.obj", bucket: "bucket", key: "key.obj"},
		{path: "s3://bucket/nested/key.obj", bucket: "bucket", key: "nested/key.obj"},
		{path: "https://bucket/key.obj", wantErr: true},
		{path: "s3://bucket", wantErr: true},
		{path: "s3:///key.obj", wantErr: true},
		{path: "", wantErr: true},
	}
	for _, tt := range tests {
		bucket, key, err := splitStoragePath(tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.path)
			continue
		}
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.bucket, bucket)
		assert.Equal(t, tt.key, key)
	}
}
