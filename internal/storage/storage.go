// Package storage implements the content-addressed object storage
// abstraction (§4.1): local-filesystem and S3 backends behind one
// interface, selected at runtime by configuration.
package storage

import (
	"context"
	"io"
	"mime"
	"path/filepath"
	"time"
)

// Metadata describes a stored blob.
type Metadata struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Interface is the object storage contract every backend implements.
type Interface interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	// PutStream stores size bytes read from r without buffering the whole
	// payload in memory, for callers (chunk reassembly) that must keep
	// working memory at O(chunk_size) regardless of total blob size.
	PutStream(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (Metadata, error)
}

// MaxPresignTTL is the upper bound applied to presign requests regardless
// of what the caller asks for, per the original's safety clamp on
// otherwise-unbounded S3 presign durations.
const MaxPresignTTL = 7 * 24 * time.Hour

// ContentTypeFor derives a content type from a key's extension, defaulting
// to opaque binary when the extension is unknown.
func ContentTypeFor(key string) string {
	ext := filepath.Ext(key)
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return MaxPresignTTL
	}
	if ttl > MaxPresignTTL {
		return MaxPresignTTL
	}
	return ttl
}
