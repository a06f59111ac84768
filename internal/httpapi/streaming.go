package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/metrics"
	"github.com/mediascribe/coreplane/internal/ratelimit"
	"github.com/mediascribe/coreplane/internal/storage"
	"github.com/mediascribe/coreplane/internal/streamapi"
)

type streamHandler struct {
	dispatcher *streamapi.Dispatcher
	reaper     *streamapi.Reaper
	blobs      storage.Interface
	upgrader   websocket.Upgrader
	limiter    Limiter
	tiers      TierLookup
}

// wsPollInterval is how often ws pushes re-check the event bus for a
// session's partial/commit/final records. The bus itself is poll-only
// (keyed Redis records, no pub/sub), so the push side is this handler
// polling on the caller's behalf instead of the caller polling directly.
const wsPollInterval = 750 * time.Millisecond

// putChunk handles POST /api/live/sessions/{session_id}/chunks/{idx}.
func (h *streamHandler) putChunk(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPITranscription) {
		return
	}
	idx, err := strconv.Atoi(pathVar(r, "idx"))
	if err != nil {
		sendError(w, coreerr.New(coreerr.InvalidInput, "chunk index must be an integer"))
		return
	}

	if err := r.ParseMultipartForm(8 * 1024 * 1024); err != nil {
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

	sampleRate, _ := strconv.Atoi(r.FormValue("sample_rate"))
	codec := r.FormValue("codec")
	chunkMs, _ := strconv.ParseInt(r.FormValue("chunk_ms"), 10, 64)
	overlapMs, _ := strconv.ParseInt(r.FormValue("overlap_ms"), 10, 64)

	sessionID := pathVar(r, "session_id")
	result, err := h.dispatcher.IngestChunk(r.Context(), sessionID, idx, data, ownerID, sampleRate, codec, chunkMs, overlapMs)
	if err != nil {
		sendError(w, err)
		return
	}
	h.reaper.Track(sessionID, ownerID)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"processing_started": result.ProcessingStarted})
}

// finalize handles POST /api/live/sessions/{session_id}/finalize.
func (h *streamHandler) finalize(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPITranscription) {
		return
	}
	sessionID := pathVar(r, "session_id")
	result, err := h.dispatcher.Finalize(r.Context(), sessionID, ownerID)
	if err != nil {
		sendError(w, err)
		return
	}

	tier := tierFor(r.Context(), h.tiers, ownerID)
	quota, err := h.limiter.CheckQuota(r.Context(), ownerID, tier, result.DurationS/60, 0)
	if err != nil {
		sendError(w, err)
		return
	}
	if !quota.Allowed {
		sendError(w, coreerr.New(coreerr.RateLimited, "quota exceeded: "+joinViolations(quota.Violations)))
		return
	}
	if err := h.limiter.RecordUsage(r.Context(), ownerID, result.DurationS/60, 0); err != nil {
		sendError(w, err)
		return
	}

	h.reaper.Untrack(sessionID)
	metrics.LiveSessionsFinalized.WithLabelValues("explicit").Inc()

	urls := make(map[string]string, len(result.Artifacts))
	for kind, key := range result.Artifacts {
		url, err := h.blobs.GetURL(r.Context(), key, storage.MaxPresignTTL)
		if err != nil {
			sendError(w, err)
			return
		}
		urls[string(kind)+"_url"] = url
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transcript": result.Transcript,
		"artifacts":  urls,
	})
}

// live handles GET /api/live/sessions/{session_id}/live.
func (h *streamHandler) live(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPIGeneral) {
		return
	}
	transcript, err := h.dispatcher.LiveTranscript(r.Context(), pathVar(r, "session_id"))
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcript": transcript})
}

// events handles GET /api/live/sessions/{session_id}/events?type=partial|commit|final.
func (h *streamHandler) events(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPIGeneral) {
		return
	}
	events, err := h.dispatcher.Events(r.Context(), pathVar(r, "session_id"), r.URL.Query().Get("type"))
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// wsEvents handles GET /api/live/sessions/{session_id}/ws, a push-based
// supplement to events: once upgraded, it polls the event bus on the
// caller's behalf and forwards any new partial/commit/final record as a
// text frame, rather than requiring the client to poll GET .../events.
func (h *streamHandler) wsEvents(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := callerOwnerID(w, r)
	if !ok {
		return
	}
	if !enforceRateLimit(w, r, h.limiter, ownerID, ratelimit.ClassAPIGeneral) {
		return
	}
	sessionID := pathVar(r, "session_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sendError(w, coreerr.Wrap(coreerr.InvalidInput, "websocket upgrade failed", err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	seen := make(map[string]time.Time, 4)
	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := h.dispatcher.Events(ctx, sessionID, "")
			if err != nil {
				return
			}
			for _, ev := range events {
				if last, ok := seen[ev.Type]; ok && !ev.Timestamp.After(last) {
					continue
				}
				seen[ev.Type] = ev.Timestamp
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}
