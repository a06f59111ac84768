package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediascribe/coreplane/internal/cache"
	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/models"
	"github.com/mediascribe/coreplane/internal/ownercontext"
	"github.com/mediascribe/coreplane/internal/ratelimit"
	"github.com/mediascribe/coreplane/internal/storage"
)

// fakeLimiter allows every Check and CheckQuota call by default, so existing
// handler tests exercise their own logic rather than the rate/quota gate.
type fakeLimiter struct {
	allow       bool
	quotaAllow  bool
	violations  []string
	recordCalls int
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{allow: true, quotaAllow: true}
}

func (f *fakeLimiter) Check(ctx context.Context, ownerID string, class ratelimit.LimitClass, cost int) (bool, ratelimit.RemainingInfo, error) {
	return f.allow, ratelimit.RemainingInfo{}, nil
}

func (f *fakeLimiter) CheckQuota(ctx context.Context, ownerID, tier string, audioMinutes, fileSizeMB float64) (ratelimit.QuotaCheckResult, error) {
	return ratelimit.QuotaCheckResult{Allowed: f.quotaAllow, Violations: f.violations}, nil
}

func (f *fakeLimiter) RecordUsage(ctx context.Context, ownerID string, audioMinutes, storageDeltaGB float64) error {
	f.recordCalls++
	return nil
}

type fakeTiers struct{ tier string }

func (f fakeTiers) TierFor(ctx context.Context, ownerID string) (string, error) {
	if f.tier == "" {
		return "free", nil
	}
	return f.tier, nil
}

type fakeJobStore struct {
	jobs map[string]*models.TranscriptionJob
}

func newFakeJobStore(jobs ...*models.TranscriptionJob) *fakeJobStore {
	s := &fakeJobStore{jobs: map[string]*models.TranscriptionJob{}}
	for _, j := range jobs {
		s.jobs[j.JobID] = j
	}
	return s
}

func (f *fakeJobStore) Get(ctx context.Context, jobID string) (*models.TranscriptionJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "job not found")
	}
	return job, nil
}

func (f *fakeJobStore) ListByOwner(ctx context.Context, ownerID string, status models.JobStatus, limit int) ([]*models.TranscriptionJob, error) {
	var out []*models.TranscriptionJob
	for _, j := range f.jobs {
		if j.OwnerID == ownerID && (status == "" || j.Status == status) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) SetStatus(ctx context.Context, jobID string, status models.JobStatus, errorCode, errorMessage string) error {
	job, ok := f.jobs[jobID]
	if !ok {
		return coreerr.New(coreerr.NotFound, "job not found")
	}
	job.Status = status
	return nil
}

func (f *fakeJobStore) Delete(ctx context.Context, jobID string) error {
	delete(f.jobs, jobID)
	return nil
}

type fakeRetrier struct {
	calledJobID string
	calledStage models.Stage
	err         error
}

func (f *fakeRetrier) RetryFrom(ctx context.Context, jobID string, fromStage models.Stage) error {
	f.calledJobID = jobID
	f.calledStage = fromStage
	return f.err
}

type fakeBlobs struct{}

func (fakeBlobs) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	return nil
}
func (fakeBlobs) PutStream(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	return nil
}
func (fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) { return nil, nil }
func (fakeBlobs) GetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.example/" + key, nil
}
func (fakeBlobs) Delete(ctx context.Context, key string) error { return nil }
func (fakeBlobs) Exists(ctx context.Context, key string) (bool, error) { return true, nil }
func (fakeBlobs) Stat(ctx context.Context, key string) (storage.Metadata, error) {
	return storage.Metadata{}, nil
}

var _ storage.Interface = fakeBlobs{}

func withOwner(r *http.Request, ownerID string) *http.Request {
	ctx := context.WithValue(r.Context(), ownercontext.OwnerKey, ownerID)
	return r.WithContext(ctx)
}

func withRouteVar(r *http.Request, name, value string) *http.Request {
	return mux.SetURLVars(r, map[string]string{name: value})
}

func newTestHandler(jobs JobStore, pool Retrier) *transcriptionHandler {
	return &transcriptionHandler{jobs: jobs, pool: pool, blobs: fakeBlobs{}, cache: cache.NoopCache{}, limiter: newFakeLimiter()}
}

func TestTranscriptionGet(t *testing.T) {
	job := models.NewTranscriptionJob("job-1", "owner-1", "src-key", "f.mp3", "audio/mpeg", 100)
	store := newFakeJobStore(job)
	h := newTestHandler(store, &fakeRetrier{})

	t.Run("owner can fetch their job", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/transcriptions/job-1", nil)
		req = withRouteVar(req, "job_id", "job-1")
		req = withOwner(req, "owner-1")
		rec := httptest.NewRecorder()

		h.get(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("different owner is forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/transcriptions/job-1", nil)
		req = withRouteVar(req, "job_id", "job-1")
		req = withOwner(req, "owner-2")
		rec := httptest.NewRecorder()

		h.get(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing job is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/transcriptions/missing", nil)
		req = withRouteVar(req, "job_id", "missing")
		req = withOwner(req, "owner-1")
		rec := httptest.NewRecorder()

		h.get(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTranscriptionRetry(t *testing.T) {
	job := models.NewTranscriptionJob("job-1", "owner-1", "src-key", "f.mp3", "audio/mpeg", 100)
	job.CurrentStage = models.StageTranscribing
	store := newFakeJobStore(job)
	retrier := &fakeRetrier{}
	h := newTestHandler(store, retrier)

	req := httptest.NewRequest(http.MethodPost, "/api/transcriptions/job-1/retry", nil)
	req = withRouteVar(req, "job_id", "job-1")
	req = withOwner(req, "owner-1")
	rec := httptest.NewRecorder()

	h.retry(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job-1", retrier.calledJobID)
	assert.Equal(t, models.StageTranscribing, retrier.calledStage)
}

func TestTranscriptionCancel(t *testing.T) {
	job := models.NewTranscriptionJob("job-1", "owner-1", "src-key", "f.mp3", "audio/mpeg", 100)
	store := newFakeJobStore(job)
	h := newTestHandler(store, &fakeRetrier{})

	req := httptest.NewRequest(http.MethodPost, "/api/transcriptions/job-1/cancel", nil)
	req = withRouteVar(req, "job_id", "job-1")
	req = withOwner(req, "owner-1")
	rec := httptest.NewRecorder()

	h.cancel(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobCancelled, store.jobs["job-1"].Status)
}

func TestTranscriptionDelete(t *testing.T) {
	job := models.NewTranscriptionJob("job-1", "owner-1", "src-key", "f.mp3", "audio/mpeg", 100)
	job.ArtifactKeys[models.ArtifactKind("txt")] = "artifact-key"
	store := newFakeJobStore(job)
	h := newTestHandler(store, &fakeRetrier{})

	req := httptest.NewRequest(http.MethodDelete, "/api/transcriptions/job-1", nil)
	req = withRouteVar(req, "job_id", "job-1")
	req = withOwner(req, "owner-1")
	rec := httptest.NewRecorder()

	h.delete(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := store.jobs["job-1"]
	assert.False(t, ok)
}

func TestTranscriptionDownload(t *testing.T) {
	job := models.NewTranscriptionJob("job-1", "owner-1", "src-key", "f.mp3", "audio/mpeg", 100)
	job.ArtifactKeys[models.ArtifactKind("txt")] = "artifact-key"
	store := newFakeJobStore(job)
	h := newTestHandler(store, &fakeRetrier{})

	req := httptest.NewRequest(http.MethodGet, "/api/transcriptions/job-1/download?format=txt", nil)
	req = withRouteVar(req, "job_id", "job-1")
	req = withOwner(req, "owner-1")
	rec := httptest.NewRecorder()

	h.download(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "artifact-key")
}
