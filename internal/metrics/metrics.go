package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upload / ingest metrics
	UploadSessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediascribe_upload_sessions_created_total",
			Help: "Total number of resumable upload sessions created",
		},
	)

	UploadSessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_upload_sessions_completed_total",
			Help: "Total number of upload sessions completed, by outcome",
		},
		[]string{"status"}, // status: completed/aborted/integrity_mismatch
	)

	ChunksIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_chunks_ingested_total",
			Help: "Total number of audio chunks ingested",
		},
		[]string{"surface"}, // surface: upload/live
	)

	// Pipeline stage metrics
	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_stage_executions_total",
			Help: "Total number of pipeline stage executions, by outcome",
		},
		[]string{"stage", "status"}, // status: ok/error
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediascribe_stage_duration_seconds",
			Help:    "Pipeline stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_jobs_completed_total",
			Help: "Total number of transcription jobs completed, by terminal status",
		},
		[]string{"status"}, // status: completed/failed/cancelled
	)

	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediascribe_job_retries_total",
			Help: "Total number of job retry-from-stage operations",
		},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediascribe_jobs_in_flight",
			Help: "Number of transcription jobs currently being processed",
		},
	)

	// STT provider metrics
	STTRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_stt_requests_total",
			Help: "Total number of speech-to-text backend requests",
		},
		[]string{"backend", "status"}, // status: ok/error
	)

	STTRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediascribe_stt_request_duration_seconds",
			Help:    "Speech-to-text backend request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	STTFallbacksTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediascribe_stt_fallbacks_triggered_total",
			Help: "Total number of times the STT façade fell back to the secondary backend",
		},
	)

	// Checkpoint metrics
	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_checkpoint_writes_total",
			Help: "Total number of checkpoint save operations",
		},
		[]string{"stage"},
	)

	CheckpointReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_checkpoint_reads_total",
			Help: "Total number of checkpoint load operations, by hit/miss",
		},
		[]string{"stage", "result"}, // result: hit/miss
	)

	// Quota / rate limit metrics
	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_quota_rejections_total",
			Help: "Total number of requests rejected due to quota exhaustion",
		},
		[]string{"tier"},
	)

	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediascribe_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_cache_hits_total",
			Help: "Total number of result cache hits",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_cache_misses_total",
			Help: "Total number of result cache misses",
		},
		[]string{"kind"},
	)

	// Streaming / live session metrics
	LiveSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediascribe_live_sessions_active",
			Help: "Number of live streaming sessions currently tracked",
		},
	)

	LiveSessionsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediascribe_live_sessions_finalized_total",
			Help: "Total number of live sessions finalized, by trigger",
		},
		[]string{"trigger"}, // trigger: explicit/idle_reap
	)
)

// Circuit breaker state/trip metrics live in internal/circuitbreaker, which
// registers its own per-dependency gauge/counter vectors.

// RecordStageExecution records a pipeline stage's outcome and duration.
func RecordStageExecution(stage string, err error, durationSeconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StageExecutions.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordSTTRequest records an STT backend call's outcome and latency.
func RecordSTTRequest(backend string, err error, durationSeconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	STTRequestsTotal.WithLabelValues(backend, status).Inc()
	STTRequestDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordCheckpointRead records whether a checkpoint load found existing state.
func RecordCheckpointRead(stage string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CheckpointReads.WithLabelValues(stage, result).Inc()
}

// RecordCacheLookup records a cache hit or miss for the given cache kind.
func RecordCacheLookup(kind string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(kind).Inc()
		return
	}
	CacheMisses.WithLabelValues(kind).Inc()
}
