package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/coreerr"
)

// S3API is the subset of the S3 SDK client this backend needs, so tests can
// substitute a fake without talking to AWS.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Backend stores blobs in a single S3 bucket, wrapping every call through
// a circuit breaker so a failing bucket trips fast instead of piling up
// timeouts on every request.
type S3Backend struct {
	client *circuitbreaker.CircuitBreaker
	api    S3API
	bucket string
	presign *s3.PresignClient
}

var _ Interface = (*S3Backend)(nil)

// NewS3Backend loads the default AWS config and returns a backend for bucket.
func NewS3Backend(ctx context.Context, bucket string, logger *zap.Logger) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "load aws config", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewS3BackendWithClient(client, bucket, logger), nil
}

// NewS3BackendWithClient builds a backend around an already-constructed S3
// client, letting tests inject a fake implementing S3API.
func NewS3BackendWithClient(client S3API, bucket string, logger *zap.Logger) *S3Backend {
	cbCfg := circuitbreaker.GetHTTPConfig().ToConfig()
	b := &S3Backend{
		api:    client,
		bucket: bucket,
		client: circuitbreaker.NewCircuitBreaker("storage-s3", cbCfg, logger),
	}
	if sdkClient, ok := client.(*s3.Client); ok {
		b.presign = s3.NewPresignClient(sdkClient)
	}
	return b
}

func (s *S3Backend) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	return s.client.Execute(ctx, func() error {
		ct := ContentTypeFor(key)
		_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &s.bucket,
			Key:         &key,
			Body:        bytes.NewReader(data),
			ContentType: &ct,
			Metadata:    metadata,
		})
		if err != nil {
			return coreerr.Wrap(coreerr.ProviderUnavailable, "put object", err)
		}
		return nil
	})
}

func (s *S3Backend) PutStream(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	return s.client.Execute(ctx, func() error {
		ct := ContentTypeFor(key)
		_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        &s.bucket,
			Key:           &key,
			Body:          r,
			ContentLength: &size,
			ContentType:   &ct,
			Metadata:      metadata,
		})
		if err != nil {
			return coreerr.Wrap(coreerr.ProviderUnavailable, "put object stream", err)
		}
		return nil
	})
}

func (s *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.client.Execute(ctx, func() error {
		resp, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
		if err != nil {
			if isNotFound(err) {
				return coreerr.New(coreerr.NotFound, fmt.Sprintf("key %q not found", key))
			}
			return coreerr.Wrap(coreerr.ProviderUnavailable, "get object", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return coreerr.Wrap(coreerr.Internal, "read object body", err)
		}
		out = data
		return nil
	})
	return out, err
}

func (s *S3Backend) GetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.presign == nil {
		return "", coreerr.New(coreerr.Internal, "presign client not available")
	}
	ttl = clampTTL(ttl)
	var url string
	err := s.client.Execute(ctx, func() error {
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key},
			s3.WithPresignExpires(ttl))
		if err != nil {
			return coreerr.Wrap(coreerr.ProviderUnavailable, "presign get object", err)
		}
		url = req.URL
		return nil
	})
	return url, err
}

func (s *S3Backend) Delete(ctx context.Context, key string) error {
	return s.client.Execute(ctx, func() error {
		_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key})
		if err != nil && !isNotFound(err) {
			return coreerr.Wrap(coreerr.ProviderUnavailable, "delete object", err)
		}
		return nil
	})
}

func (s *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if coreerr.Is(err, coreerr.NotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3Backend) Stat(ctx context.Context, key string) (Metadata, error) {
	var meta Metadata
	err := s.client.Execute(ctx, func() error {
		resp, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
		if err != nil {
			if isNotFound(err) {
				return coreerr.New(coreerr.NotFound, fmt.Sprintf("key %q not found", key))
			}
			return coreerr.Wrap(coreerr.ProviderUnavailable, "head object", err)
		}
		meta = Metadata{Key: key, ContentType: ContentTypeFor(key)}
		if resp.ContentLength != nil {
			meta.Size = *resp.ContentLength
		}
		if resp.LastModified != nil {
			meta.ModTime = *resp.LastModified
		}
		return nil
	})
	return meta, err
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	return false
}
