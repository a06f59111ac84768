package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/coreerr"
)

type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	size := int64(len(data))
	return &s3.HeadObjectOutput{ContentLength: &size}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Backend_PutGetRoundtrip(t *testing.T) {
	backend := NewS3BackendWithClient(newFakeS3(), "test-bucket", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "jobs/1/a.wav", []byte("hello"), nil))
	got, err := backend.Get(ctx, "jobs/1/a.wav")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestS3Backend_GetMissingReturnsNotFound(t *testing.T) {
	backend := NewS3BackendWithClient(newFakeS3(), "test-bucket", zap.NewNop())

	_, err := backend.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, coreerr.NotFound, coreerr.KindOf(err))
}

func TestS3Backend_StatReturnsSize(t *testing.T) {
	backend := NewS3BackendWithClient(newFakeS3(), "test-bucket", zap.NewNop())
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "k", []byte("12345"), nil))

	meta, err := backend.Stat(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)
}

func TestS3Backend_ExistsFalseForMissing(t *testing.T) {
	backend := NewS3BackendWithClient(newFakeS3(), "test-bucket", zap.NewNop())

	exists, err := backend.Exists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}
