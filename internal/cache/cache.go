// Package cache implements the Result Cache (§4.2): a namespaced,
// per-key-TTL cache for job status, assembled artifacts, and file
// metadata, backed by Redis with a local LRU layer for hot reads.
package cache

import (
	"context"
	"time"
)

// Default TTLs per namespace, as specified.
const (
	TTLJobStatus      = time.Hour
	TTLTranscription  = 24 * time.Hour
	TTLUserJobs       = 5 * time.Minute
	TTLSystemMetrics  = time.Minute
	TTLFileMeta       = 6 * time.Hour
)

// JobStatusKey, TranscriptionKey, UserJobsKey, FileMetaKey build the fixed
// namespace layout the spec requires.
func JobStatusKey(jobID string) string { return "job_status:" + jobID }

func TranscriptionKey(jobID, format string) string {
	return "transcription:" + jobID + ":" + format
}

func UserJobsKey(userID string) string { return "user_jobs:" + userID }

const SystemMetricsKey = "system:metrics"

func FileMetaKey(sanitizedKey string) string { return "file_meta:" + sanitizedKey }

// Cache is the contract every cache implementation satisfies. ttl=0 means
// persist until the next eviction.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
}

// InvalidateUserJobs drops the cached job list for a user. Called on every
// job create/delete/terminal-state transition.
func InvalidateUserJobs(ctx context.Context, c Cache, userID string) error {
	return c.Delete(ctx, UserJobsKey(userID))
}
