// Package pipeline implements the Batch Transcription Pipeline (§4.7): a
// worker pool that runs each job's stages in order, checkpointing after
// every stage (and incrementally within transcribing), honoring
// concurrent-job admission, retry-from-stage, and bounded-delay
// cancellation.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/checkpoint"
	"github.com/mediascribe/coreplane/internal/metrics"
	"github.com/mediascribe/coreplane/internal/models"
	"github.com/mediascribe/coreplane/internal/sttprovider"
	"github.com/mediascribe/coreplane/internal/storage"
)

// JobStore is the subset of jobstore.Store the pipeline depends on.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*models.TranscriptionJob, error)
	AdvanceStage(ctx context.Context, jobID string, stage models.Stage, progress, durationS float64) error
	UpdateProgress(ctx context.Context, jobID string, stage models.Stage, progress float64)
	SetStatus(ctx context.Context, jobID string, status models.JobStatus, errorCode, errorMessage string) error
	IncrementRetry(ctx context.Context, jobID string) (bool, error)
	RecordArtifact(ctx context.Context, jobID string, kind models.ArtifactKind, blobKey string) error
	Finish(ctx context.Context, jobID string, wordCount int, totalDurationS float64) error
}

// CheckpointStore is the subset of checkpoint.Store the pipeline depends on.
type CheckpointStore interface {
	Save(ctx context.Context, jobID string, stage models.Stage, state interface{}) error
	Load(ctx context.Context, jobID string, stage models.Stage) ([]byte, bool, error)
	SaveTranscribing(ctx context.Context, jobID string, results map[int]checkpoint.TranscriptSegment) error
	LoadTranscribing(ctx context.Context, jobID string) (map[int]checkpoint.TranscriptSegment, bool, error)
	DeleteForJob(ctx context.Context, jobID string) error
	DeleteStage(ctx context.Context, jobID string, stage models.Stage) error
}

// QuotaGate is the subset of ratelimit.Gate the pipeline depends on for
// concurrent-job admission and, once a job finishes, usage accounting.
type QuotaGate interface {
	AcquireResource(ctx context.Context, userID string, tier string) (bool, error)
	ReleaseResource(ctx context.Context, userID string) error
	RecordUsage(ctx context.Context, userID string, audioMinutes, storageDeltaGB float64) error
}

// TierLookup resolves a job owner's subscription tier for quota purposes.
type TierLookup interface {
	TierFor(ctx context.Context, ownerID string) (string, error)
}

// StaticTier always reports the same tier, for callers that have not
// wired a real per-user tier lookup.
type StaticTier string

// TierFor implements TierLookup.
func (s StaticTier) TierFor(ctx context.Context, ownerID string) (string, error) {
	return string(s), nil
}

// Transcriber is the STT façade's interface, minimal enough to fake in
// tests without a network-capable backend.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts sttprovider.TranscribeOpts) (sttprovider.Result, error)
}

// Config holds the pipeline's tunables.
type Config struct {
	Workers               int
	QueueSize             int
	TranscribeConcurrency int
	MaxSegmentBytes       int64
	SegmentOverlapMs      int64
	NominalSegmentMs      int64
	CancelCheckInterval   time.Duration
	FinalizeStageTimeout  time.Duration
}

// DefaultConfig mirrors the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Workers:               4,
		QueueSize:             256,
		TranscribeConcurrency: 4,
		MaxSegmentBytes:       24 * 1024 * 1024,
		SegmentOverlapMs:      750,
		NominalSegmentMs:      5000,
		CancelCheckInterval:   5 * time.Second,
		FinalizeStageTimeout:  30 * time.Second,
	}
}

// Pool is the batch transcription worker pool: N workers draining a job
// queue, each running one job's stages to completion before picking up
// the next.
type Pool struct {
	cfg    Config
	jobs   JobStore
	cps    CheckpointStore
	blobs  storage.Interface
	stt    Transcriber
	quota  QuotaGate
	tiers  TierLookup
	logger *zap.Logger

	queue chan string
	wg    sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool wires a worker pool from its collaborators.
func NewPool(cfg Config, jobs JobStore, cps CheckpointStore, blobs storage.Interface, stt Transcriber, quota QuotaGate, tiers TierLookup, logger *zap.Logger) *Pool {
	if tiers == nil {
		tiers = StaticTier(string(models.TierFree))
	}
	return &Pool{
		cfg:    cfg,
		jobs:   jobs,
		cps:    cps,
		blobs:  blobs,
		stt:    stt,
		quota:  quota,
		tiers:  tiers,
		logger: logger,
		queue:  make(chan string, cfg.QueueSize),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("batch pipeline worker pool started", zap.Int("workers", p.cfg.Workers))
}

// Stop closes the queue and waits for the workers to finish every job
// already queued, including the ones in flight.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
}

// Enqueue adds a job ID to the queue. Returns false if the queue is full.
func (p *Pool) Enqueue(jobID string) bool {
	select {
	case p.queue <- jobID:
		return true
	default:
		return false
	}
}

// quotaDeferBackoff bounds how soon a job that lost the concurrent_jobs
// admission race is offered back to the queue.
const quotaDeferBackoff = 2 * time.Second

// transientRetryBackoff bounds how soon a job that failed on a retryable
// error (provider unavailable, timeout, rate limited) is retried.
const transientRetryBackoff = 5 * time.Second

// requeueAfter re-enqueues jobID once delay has elapsed, unless ctx is
// cancelled first. Mirrors the teacher's exponential-backoff retry loop
// shape (select on time.After vs ctx.Done) without the exponential growth,
// since each call here is a single scheduled retry, not a reconnect loop.
func (p *Pool) requeueAfter(ctx context.Context, jobID string, delay time.Duration) {
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if !p.Enqueue(jobID) {
			p.logger.Warn("pipeline: requeue failed, queue full", zap.String("job_id", jobID))
		}
	}()
}

// Stats reports basic pool throughput counters.
type Stats struct {
	Pending   int
	Completed int64
	Failed    int64
}

// Stats returns current queue statistics.
func (p *Pool) Stats() Stats {
	return Stats{Pending: len(p.queue), Completed: p.completed.Load(), Failed: p.failed.Load()}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for jobID := range p.queue {
		p.runOne(ctx, jobID)
	}
	_ = id
}

func (p *Pool) runOne(ctx context.Context, jobID string) {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		p.logger.Error("pipeline: load job failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	tier, err := p.tiers.TierFor(ctx, job.OwnerID)
	if err != nil {
		tier = string(models.TierFree)
	}

	acquired, err := p.quota.AcquireResource(ctx, job.OwnerID, tier)
	if err != nil {
		p.logger.Error("pipeline: acquire concurrent job slot failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !acquired {
		metrics.QuotaRejections.WithLabelValues(tier).Inc()
		p.logger.Info("pipeline: job exceeds concurrent_jobs quota, deferring", zap.String("job_id", jobID))
		p.requeueAfter(ctx, jobID, quotaDeferBackoff)
		return
	}
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	defer func() {
		if releaseErr := p.quota.ReleaseResource(ctx, job.OwnerID); releaseErr != nil {
			p.logger.Warn("pipeline: release concurrent job slot failed", zap.String("job_id", jobID), zap.Error(releaseErr))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline: job panicked", zap.String("job_id", jobID), zap.Any("panic", r))
			p.failed.Add(1)
			metrics.JobsCompleted.WithLabelValues("failed").Inc()
			_ = p.jobs.SetStatus(ctx, jobID, models.JobFailed, "internal_panic", "job panicked during processing")
		}
	}()

	if err := p.runStages(ctx, job); err != nil {
		p.logger.Error("pipeline: job failed", zap.String("job_id", jobID), zap.Error(err))
		p.handleFailure(ctx, job, err)
		return
	}
	p.completed.Add(1)
	metrics.JobsCompleted.WithLabelValues("completed").Inc()
}
