// Package httpapi wires the thin HTTP surface named in the external
// interfaces contract (uploads, live streaming, transcriptions) onto the
// upload, streamapi, jobstore, and pipeline services. Routing and auth
// are a non-goal beyond owner identity, so handlers stay a direct
// pass-through: decode, call the service, encode.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/cache"
	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/ownercontext"
	"github.com/mediascribe/coreplane/internal/ratelimit"
	"github.com/mediascribe/coreplane/internal/storage"
	"github.com/mediascribe/coreplane/internal/streamapi"
	"github.com/mediascribe/coreplane/internal/upload"
)

// Limiter is the subset of ratelimit.Gate the HTTP surface guards every
// handler with: a per-(owner, limit class) rate check plus the absolute
// tier quota check/accounting around a transcription's audio minutes.
type Limiter interface {
	Check(ctx context.Context, ownerID string, class ratelimit.LimitClass, cost int) (bool, ratelimit.RemainingInfo, error)
	CheckQuota(ctx context.Context, ownerID, tier string, audioMinutes, fileSizeMB float64) (ratelimit.QuotaCheckResult, error)
	RecordUsage(ctx context.Context, ownerID string, audioMinutes, storageDeltaGB float64) error
}

// TierLookup resolves a caller's subscription tier for quota purposes.
type TierLookup interface {
	TierFor(ctx context.Context, ownerID string) (string, error)
}

// tierFor resolves ownerID's tier, falling back to free on lookup failure
// so a transient tier-lookup error never grants an unbounded quota.
func tierFor(ctx context.Context, tiers TierLookup, ownerID string) string {
	tier, err := tiers.TierFor(ctx, ownerID)
	if err != nil || tier == "" {
		return "free"
	}
	return tier
}

// enforceRateLimit runs the §4.3 Check guard for class at the top of a
// handler. Returns false (after writing the response) when the caller
// should stop processing: either the limit is exceeded or the gate itself
// errored.
func enforceRateLimit(w http.ResponseWriter, r *http.Request, limiter Limiter, ownerID string, class ratelimit.LimitClass) bool {
	allowed, info, err := limiter.Check(r.Context(), ownerID, class, 1)
	if err != nil {
		sendError(w, err)
		return false
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(info.RetryAfter.Seconds())))
		sendError(w, coreerr.New(coreerr.RateLimited, "rate limit exceeded for "+string(class)))
		return false
	}
	return true
}

// joinViolations renders a QuotaCheckResult's violation codes for an error
// message, e.g. ["daily_minutes_exceeded"].
func joinViolations(violations []string) string {
	return "[" + strings.Join(violations, ", ") + "]"
}

// Server composes the three route groups behind one mux.Router.
type Server struct {
	router *mux.Router
	owners *ownercontext.Resolver
	logger *zap.Logger
}

// New builds a Server and registers every §6 route.
func New(owners *ownercontext.Resolver, uploads *upload.Service, live *streamapi.Dispatcher, reaper *streamapi.Reaper, jobs JobStore, pool Retrier, blobs storage.Interface, resultCache cache.Cache, limiter Limiter, tiers TierLookup, logger *zap.Logger) *Server {
	s := &Server{router: mux.NewRouter(), owners: owners, logger: logger}

	uh := &uploadHandler{svc: uploads, limiter: limiter, tiers: tiers}
	sh := &streamHandler{
		dispatcher: live,
		reaper:     reaper,
		blobs:      blobs,
		limiter:    limiter,
		tiers:      tiers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	th := &transcriptionHandler{jobs: jobs, pool: pool, blobs: blobs, cache: resultCache, limiter: limiter}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(owners.HTTPMiddleware)

	up := api.PathPrefix("/uploads").Subrouter()
	up.HandleFunc("/sessions", uh.create).Methods(http.MethodPost)
	up.HandleFunc("/sessions/{id}/chunks/{idx}", uh.putChunk).Methods(http.MethodPost)
	up.HandleFunc("/sessions/{id}/status", uh.status).Methods(http.MethodGet)
	up.HandleFunc("/sessions/{id}/complete", uh.complete).Methods(http.MethodPost)
	up.HandleFunc("/sessions/{id}", uh.cancel).Methods(http.MethodDelete)

	lv := api.PathPrefix("/live/sessions").Subrouter()
	lv.HandleFunc("/{session_id}/chunks/{idx}", sh.putChunk).Methods(http.MethodPost)
	lv.HandleFunc("/{session_id}/finalize", sh.finalize).Methods(http.MethodPost)
	lv.HandleFunc("/{session_id}/live", sh.live).Methods(http.MethodGet)
	lv.HandleFunc("/{session_id}/events", sh.events).Methods(http.MethodGet)
	lv.HandleFunc("/{session_id}/ws", sh.wsEvents).Methods(http.MethodGet)

	tr := api.PathPrefix("/transcriptions").Subrouter()
	tr.HandleFunc("", th.list).Methods(http.MethodGet)
	tr.HandleFunc("/{job_id}", th.get).Methods(http.MethodGet)
	tr.HandleFunc("/{job_id}/download", th.download).Methods(http.MethodGet)
	tr.HandleFunc("/{job_id}/retry", th.retry).Methods(http.MethodPost)
	tr.HandleFunc("/{job_id}/cancel", th.cancel).Methods(http.MethodPost)
	tr.HandleFunc("/{job_id}", th.delete).Methods(http.MethodDelete)

	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch coreerr.KindOf(err) {
	case coreerr.InvalidInput, coreerr.IntegrityMismatch:
		code = http.StatusBadRequest
	case coreerr.NotFound:
		code = http.StatusNotFound
	case coreerr.Forbidden:
		code = http.StatusForbidden
	case coreerr.RateLimited:
		code = http.StatusTooManyRequests
	case coreerr.Timeout:
		code = http.StatusGatewayTimeout
	case coreerr.ProviderUnavailable:
		code = http.StatusServiceUnavailable
	case coreerr.ProviderBadMedia:
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func callerOwnerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, ok := ownercontext.FromContext(r.Context())
	if !ok {
		sendError(w, coreerr.New(coreerr.Forbidden, "missing caller identity"))
		return "", false
	}
	return ownerID, true
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}
