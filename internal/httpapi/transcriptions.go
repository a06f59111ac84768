package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mediascribe/coreplane/internal/cache"
	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/models"
	"github.com/mediascribe/coreplane/internal/ratelimit"
	"github.com/mediascribe/coreplane/internal/storage"
)

// JobStore is the subset of jobstore.Store the transcriptions routes need.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*models.TranscriptionJob, error)
	ListByOwner(ctx context.Context, ownerID string, status models.JobStatus, limit int) ([]*models.TranscriptionJob, error)
	SetStatus(ctx context.Context, jobID string, status models.JobStatus, errorCode, errorMessage string) error
	Delete(ctx context.Context, jobID string) error
}

// Retrier is the subset of pipeline.Pool the retry route needs.
type Retrier interface {
	RetryFrom(ctx context.Context, jobID string, fromStage models.Stage) error
}

type transcriptionHandler struct {
	jobs    JobStore
	pool    Retrier
	blobs   storage.Interface
	cache   cache.Cache
	limiter Limiter
}

// loadOwned runs the §4.3 rate guard for class, then resolves and
// ownership-checks the path's job_id.
func (h *transcriptionHandler) loadOwned(w http.ResponseWriter, r *http.Request, class ratelimit.LimitClass) (*models.TranscriptionJob, bool) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return nil, false
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, class) {
		return nil, false
	}
	jobID := pathVar(r, "job_id")

	if raw, hit, err := h.cache.Get(r.Context(), cache.JobStatusKey(jobID)); err == nil && hit {
		var job models.TranscriptionJob
		if json.Unmarshal(raw, &job) == nil && job.OwnerID == ownerID {
			return &job, true
		}
	}

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		sendError(w, err)
		return nil, false
	}
	if job.OwnerID != ownerID {
		sendError(w, coreerr.New(coreerr.Forbidden, "job belongs to a different owner"))
		return nil, false
	}
	if raw, err := json.Marshal(job); err == nil {
		_ = h.cache.Set(r.Context(), cache.JobStatusKey(jobID), raw, cache.TTLJobStatus)
	}
	return job, true
}

// get handles GET /api/transcriptions/{job_id}.
func (h *transcriptionHandler) get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r, ratelimit.ClassAPIGeneral)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// list handles GET /api/transcriptions?status=&limit=.
func (h *transcriptionHandler) list(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPIGeneral) {
		return
	}
	status := models.JobStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	listKey := cache.UserJobsKey(ownerID)
	if status == "" {
		if raw, hit, err := h.cache.Get(r.Context(), listKey); err == nil && hit {
			var jobs []*models.TranscriptionJob
			if json.Unmarshal(raw, &jobs) == nil {
				writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
				return
			}
		}
	}

	jobs, err := h.jobs.ListByOwner(r.Context(), ownerID, status, limit)
	if err != nil {
		sendError(w, err)
		return
	}
	if status == "" {
		if raw, err := json.Marshal(jobs); err == nil {
			_ = h.cache.Set(r.Context(), listKey, raw, cache.TTLUserJobs)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// download handles GET /api/transcriptions/{job_id}/download?format=txt|json|srt|vtt.
func (h *transcriptionHandler) download(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r, ratelimit.ClassAPIGeneral)
	if !ok {
		return
	}
	format := models.ArtifactKind(r.URL.Query().Get("format"))
	key, exists := job.ArtifactKeys[format]
	if !exists {
		sendError(w, coreerr.New(coreerr.NotFound, "no artifact of that format for this job"))
		return
	}
	url, err := h.blobs.GetURL(r.Context(), key, storage.MaxPresignTTL)
	if err != nil {
		sendError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// retry handles POST /api/transcriptions/{job_id}/retry.
func (h *transcriptionHandler) retry(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r, ratelimit.ClassAPITranscription)
	if !ok {
		return
	}
	var body struct {
		FromStage models.Stage `json:"from_stage"`
	}
	_ = decodeJSON(r, &body)
	fromStage := body.FromStage
	if fromStage == "" {
		fromStage = job.CurrentStage
	}

	if err := h.pool.RetryFrom(r.Context(), job.JobID, fromStage); err != nil {
		sendError(w, err)
		return
	}
	_ = h.cache.Delete(r.Context(), cache.JobStatusKey(job.JobID))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.JobID, "status": "retry_queued"})
}

// cancel handles POST /api/transcriptions/{job_id}/cancel.
func (h *transcriptionHandler) cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r, ratelimit.ClassAPIGeneral)
	if !ok {
		return
	}
	if err := h.jobs.SetStatus(r.Context(), job.JobID, models.JobCancelled, "", "cancelled by caller"); err != nil {
		sendError(w, err)
		return
	}
	_ = h.cache.Delete(r.Context(), cache.JobStatusKey(job.JobID))
	_ = cache.InvalidateUserJobs(r.Context(), h.cache, job.OwnerID)
	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.JobID, "status": "cancelled"})
}

// delete handles DELETE /api/transcriptions/{job_id}.
func (h *transcriptionHandler) delete(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r, ratelimit.ClassAPIGeneral)
	if !ok {
		return
	}
	for _, key := range job.ArtifactKeys {
		_ = h.blobs.Delete(r.Context(), key)
	}
	_ = h.blobs.Delete(r.Context(), job.SourceBlobKey)
	if err := h.jobs.Delete(r.Context(), job.JobID); err != nil {
		sendError(w, err)
		return
	}
	_ = h.cache.Delete(r.Context(), cache.JobStatusKey(job.JobID))
	_ = cache.InvalidateUserJobs(r.Context(), h.cache, job.OwnerID)
	w.WriteHeader(http.StatusNoContent)
}
