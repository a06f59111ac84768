package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/ratelimit"
	"github.com/mediascribe/coreplane/internal/upload"
)

// maxUploadDurationHours bounds the advertised session lifetime; actual
// expiry is upload.DefaultTTL.
const maxUploadDurationHours = 24

// uploadBitrateBps is the assumed constant bitrate used to estimate audio
// minutes from an upload session's byte size for quota purposes, mirroring
// the pipeline's own duration-from-size estimate.
const uploadBitrateBps = 128_000

var allowedMimeTypePrefixes = []string{"audio/", "video/"}

type uploadHandler struct {
	svc     *upload.Service
	limiter Limiter
	tiers   TierLookup
}

// create handles POST /api/uploads/sessions.
func (h *uploadHandler) create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPIUpload) {
		return
	}
	var body struct {
		Filename  string `json:"filename"`
		TotalSize int64  `json:"total_size"`
		MimeType  string `json:"mime_type"`
	}
	if err := decodeJSON(r, &body); err != nil {
		sendError(w, coreerr.Wrap(coreerr.InvalidInput, "decode request body", err))
		return
	}

	session, err := h.svc.CreateSession(r.Context(), ownerID, body.Filename, body.MimeType, body.TotalSize)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"upload_id":           session.UploadID,
		"chunk_size":          session.ChunkSize,
		"allowed_mime_types":  allowedMimeTypePrefixes,
		"max_duration_hours":  maxUploadDurationHours,
	})
}

// putChunk handles POST /api/uploads/sessions/{id}/chunks/{idx}.
func (h *uploadHandler) putChunk(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPIUpload) {
		return
	}
	idx, err := strconv.Atoi(pathVar(r, "idx"))
	if err != nil {
		sendError(w, coreerr.New(coreerr.InvalidInput, "chunk index must be an integer"))
		return
	}

	if err := r.ParseMultipartForm(upload.DefaultChunkSize * 2); err != nil {
		sendError(w, coreerr.Wrap(coreerr.InvalidInput, "parse multipart form", err))
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		sendError(w, coreerr.Wrap(coreerr.InvalidInput, "missing chunk file part", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		sendError(w, coreerr.Wrap(coreerr.InvalidInput, "read chunk body", err))
		return
	}

	uploadID := pathVar(r, "id")
	if err := h.svc.PutChunk(r.Context(), uploadID, ownerID, idx, data); err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chunk_index": idx, "uploaded": true})
}

// status handles GET /api/uploads/sessions/{id}/status.
func (h *uploadHandler) status(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPIGeneral) {
		return
	}
	view, err := h.svc.Status(r.Context(), pathVar(r, "id"), ownerID)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          view.Status,
		"chunks_uploaded": view.ChunksUploaded,
		"total_chunks":    view.TotalChunks,
		"bytes_uploaded":  view.BytesUploaded,
		"total_bytes":     view.TotalBytes,
	})
}

// complete handles POST /api/uploads/sessions/{id}/complete.
func (h *uploadHandler) complete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPIUpload) {
		return
	}
	var body struct {
		SHA256 string `json:"sha256"`
	}
	_ = decodeJSON(r, &body)

	uploadID := pathVar(r, "id")

	view, err := h.svc.Status(r.Context(), uploadID, ownerID)
	if err != nil {
		sendError(w, err)
		return
	}
	audioMinutes := float64(view.TotalBytes*8) / float64(uploadBitrateBps) / 60
	fileSizeMB := float64(view.TotalBytes) / (1024 * 1024)

	tier := tierFor(r.Context(), h.tiers, ownerID)
	quota, err := h.limiter.CheckQuota(r.Context(), ownerID, tier, audioMinutes, fileSizeMB)
	if err != nil {
		sendError(w, err)
		return
	}
	if !quota.Allowed {
		sendError(w, coreerr.New(coreerr.RateLimited, "quota exceeded: "+joinViolations(quota.Violations)))
		return
	}

	result, err := h.svc.Finalize(r.Context(), uploadID, ownerID, body.SHA256)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":    result.JobID,
		"upload_id": result.UploadID,
		"status":    "created",
	})
}

// cancel handles DELETE /api/uploads/sessions/{id}.
func (h *uploadHandler) cancel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPIGeneral) {
		return
	}
	if err := h.svc.Cancel(r.Context(), pathVar(r, "id"), ownerID); err != nil {
		sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
