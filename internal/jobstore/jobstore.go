// Package jobstore is the durable Transcription Job record store backed
// by Postgres. Synchronous operations (create, status reads) go straight
// to the database; high-frequency progress updates go through a batched
// async write-worker pool so per-segment checkpoint bookkeeping doesn't
// serialize on round trips to the database.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/models"
)

// Queue enqueues a created job onto the batch pipeline's worker pool.
// Implemented by internal/pipeline's Pool.
type Queue interface {
	Enqueue(jobID string) bool
}

const (
	flushInterval = time.Second
	flushBatch    = 100
	queueDepth    = 1024
)

type writeRequest struct {
	query string
	args  []interface{}
}

// Store is the Postgres-backed job store.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	queue  Queue

	writeQueue chan writeRequest
	wg         sync.WaitGroup
	closeOnce  sync.Once
	done       chan struct{}
}

// New wires a Store around a database handle and the pipeline queue jobs
// are enqueued onto after creation.
func New(db *sql.DB, logger *zap.Logger, queue Queue) *Store {
	s := &Store{
		db:         circuitbreaker.NewDatabaseWrapper(db, logger),
		logger:     logger,
		queue:      queue,
		writeQueue: make(chan writeRequest, queueDepth),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Close drains pending writes and stops the background worker.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	buf := make([]writeRequest, 0, flushBatch)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		s.applyBatch(buf)
		buf = buf[:0]
	}

	for {
		select {
		case req := <-s.writeQueue:
			buf = append(buf, req)
			if len(buf) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case req := <-s.writeQueue:
					buf = append(buf, req)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) applyBatch(batch []writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("job store batch: begin tx failed", zap.Error(err))
		return
	}
	for _, req := range batch {
		if _, err := tx.ExecContext(ctx, req.query, req.args...); err != nil {
			s.logger.Error("job store batch: exec failed", zap.String("query", req.query), zap.Error(err))
			_ = tx.Rollback()
			return
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("job store batch: commit failed", zap.Error(err))
	}
}

func (s *Store) enqueueWrite(ctx context.Context, query string, args ...interface{}) {
	req := writeRequest{query: query, args: args}
	select {
	case s.writeQueue <- req:
	case <-ctx.Done():
	}
}

// Create durably inserts a new job row.
func (s *Store) Create(ctx context.Context, job *models.TranscriptionJob) error {
	progress, _ := json.Marshal(job.StageProgress)
	durations, _ := json.Marshal(job.StageDurations)
	artifacts, _ := json.Marshal(job.ArtifactKeys)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcription_jobs (
			job_id, owner_id, source_blob_key, filename, mime_type, total_size,
			language, enable_diarization, status, current_stage,
			stage_progress, stage_durations, retry_count, max_retries,
			artifact_keys, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		job.JobID, job.OwnerID, job.SourceBlobKey, job.Filename, job.MimeType, job.TotalSize,
		job.Language, job.EnableDiarization, string(job.Status), string(job.CurrentStage),
		progress, durations, job.RetryCount, job.MaxRetries,
		artifacts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "create job", err)
	}
	return nil
}

// CreateAndEnqueue creates a fresh job for a finalized upload and hands it
// to the pipeline queue, satisfying upload.JobEnqueuer.
func (s *Store) CreateAndEnqueue(ctx context.Context, ownerID, sourceBlobKey, filename, mimeType string, totalSize int64) (string, error) {
	job := models.NewTranscriptionJob(uuid.NewString(), ownerID, sourceBlobKey, filename, mimeType, totalSize)
	if err := s.Create(ctx, job); err != nil {
		return "", err
	}
	if s.queue != nil && !s.queue.Enqueue(job.JobID) {
		s.logger.Warn("job queue full, job remains created for later pickup", zap.String("job_id", job.JobID))
	}
	return job.JobID, nil
}

// Get reads a single job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*models.TranscriptionJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, owner_id, source_blob_key, filename, mime_type, total_size,
			language, enable_diarization, status, current_stage,
			stage_progress, stage_durations, retry_count, max_retries,
			error_code, error_message, detected_language, total_duration_s, word_count,
			artifact_keys, created_at, updated_at
		FROM transcription_jobs WHERE job_id = $1`, jobID)

	var job models.TranscriptionJob
	var status, stage string
	var progress, durations, artifacts []byte
	var language, errorCode, errorMessage, detectedLanguage sql.NullString
	var totalDuration sql.NullFloat64
	var wordCount sql.NullInt64

	err := row.Scan(
		&job.JobID, &job.OwnerID, &job.SourceBlobKey, &job.Filename, &job.MimeType, &job.TotalSize,
		&language, &job.EnableDiarization, &status, &stage,
		&progress, &durations, &job.RetryCount, &job.MaxRetries,
		&errorCode, &errorMessage, &detectedLanguage, &totalDuration, &wordCount,
		&artifacts, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, coreerr.New(coreerr.NotFound, fmt.Sprintf("job %q not found", jobID))
		}
		return nil, coreerr.Wrap(coreerr.Internal, "load job", err)
	}

	job.Language = language.String
	job.Status = models.JobStatus(status)
	job.CurrentStage = models.Stage(stage)
	job.ErrorCode = errorCode.String
	job.ErrorMessage = errorMessage.String
	job.DetectedLanguage = detectedLanguage.String
	job.TotalDurationS = totalDuration.Float64
	job.WordCount = int(wordCount.Int64)

	job.StageProgress = map[models.Stage]float64{}
	_ = json.Unmarshal(progress, &job.StageProgress)
	job.StageDurations = map[models.Stage]float64{}
	_ = json.Unmarshal(durations, &job.StageDurations)
	job.ArtifactKeys = map[models.ArtifactKind]string{}
	_ = json.Unmarshal(artifacts, &job.ArtifactKeys)

	return &job, nil
}

// AdvanceStage durably records a stage transition, progress, and duration,
// going through the synchronous path since a stage boundary is exactly
// the kind of write that must be visible before the next stage starts.
func (s *Store) AdvanceStage(ctx context.Context, jobID string, stage models.Stage, progress, durationS float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcription_jobs
		SET current_stage = $2,
			stage_progress = jsonb_set(coalesce(stage_progress, '{}'::jsonb), ARRAY[$2], to_jsonb($3::float8)),
			stage_durations = jsonb_set(coalesce(stage_durations, '{}'::jsonb), ARRAY[$2], to_jsonb($4::float8)),
			updated_at = now()
		WHERE job_id = $1`,
		jobID, string(stage), progress, durationS)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "advance stage", err)
	}
	return nil
}

// UpdateProgress is the high-frequency, best-effort progress tick used
// within a stage (e.g. per-segment transcribing updates); it is queued
// onto the async batch writer rather than blocking the caller.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, stage models.Stage, progress float64) {
	s.enqueueWrite(ctx, `
		UPDATE transcription_jobs
		SET stage_progress = jsonb_set(coalesce(stage_progress, '{}'::jsonb), ARRAY[$2], to_jsonb($3::float8)),
			updated_at = now()
		WHERE job_id = $1`,
		jobID, string(stage), progress)
}

// SetStatus durably transitions the job's overall status, optionally
// recording an error code/message for a failed transition.
func (s *Store) SetStatus(ctx context.Context, jobID string, status models.JobStatus, errorCode, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcription_jobs
		SET status = $2, error_code = $3, error_message = $4, updated_at = now()
		WHERE job_id = $1`,
		jobID, string(status), nullableString(errorCode), nullableString(errorMessage))
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "set job status", err)
	}
	return nil
}

// IncrementRetry bumps retry_count and reports whether it has now reached
// max_retries, in which case the caller must fail the job permanently.
func (s *Store) IncrementRetry(ctx context.Context, jobID string) (exceeded bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE transcription_jobs
		SET retry_count = retry_count + 1, updated_at = now()
		WHERE job_id = $1
		RETURNING retry_count, max_retries`, jobID)

	var retryCount, maxRetries int
	if scanErr := row.Scan(&retryCount, &maxRetries); scanErr != nil {
		return false, coreerr.Wrap(coreerr.Internal, "increment retry", scanErr)
	}
	return retryCount >= maxRetries, nil
}

// RecordArtifact durably records a generated artifact's blob key.
func (s *Store) RecordArtifact(ctx context.Context, jobID string, kind models.ArtifactKind, blobKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcription_jobs
		SET artifact_keys = jsonb_set(coalesce(artifact_keys, '{}'::jsonb), ARRAY[$2], to_jsonb($3::text)),
			updated_at = now()
		WHERE job_id = $1`,
		jobID, string(kind), blobKey)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "record artifact", err)
	}
	return nil
}

// Finish marks a job complete and records its final summary fields.
func (s *Store) Finish(ctx context.Context, jobID string, wordCount int, totalDurationS float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcription_jobs
		SET status = $2, word_count = $3, total_duration_s = $4, updated_at = now()
		WHERE job_id = $1`,
		jobID, string(models.JobComplete), wordCount, totalDurationS)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "finish job", err)
	}
	return nil
}

// ListByOwner returns a caller's jobs, most recently created first,
// optionally filtered by status and capped at limit (0 means the default
// of 50).
func (s *Store) ListByOwner(ctx context.Context, ownerID string, status models.JobStatus, limit int) ([]*models.TranscriptionJob, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT job_id, owner_id, source_blob_key, filename, mime_type, total_size,
			language, enable_diarization, status, current_stage,
			stage_progress, stage_durations, retry_count, max_retries,
			error_code, error_message, detected_language, total_duration_s, word_count,
			artifact_keys, created_at, updated_at
		FROM transcription_jobs WHERE owner_id = $1`
	args := []interface{}{ownerID}
	if status != "" {
		query += " AND status = $2 ORDER BY created_at DESC LIMIT $3"
		args = append(args, string(status), limit)
	} else {
		query += " ORDER BY created_at DESC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.TranscriptionJob
	for rows.Next() {
		var job models.TranscriptionJob
		var jobStatus, stage string
		var progress, durations, artifacts []byte
		var language, errorCode, errorMessage, detectedLanguage sql.NullString
		var totalDuration sql.NullFloat64
		var wordCount sql.NullInt64

		if err := rows.Scan(
			&job.JobID, &job.OwnerID, &job.SourceBlobKey, &job.Filename, &job.MimeType, &job.TotalSize,
			&language, &job.EnableDiarization, &jobStatus, &stage,
			&progress, &durations, &job.RetryCount, &job.MaxRetries,
			&errorCode, &errorMessage, &detectedLanguage, &totalDuration, &wordCount,
			&artifacts, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "scan job row", err)
		}

		job.Language = language.String
		job.Status = models.JobStatus(jobStatus)
		job.CurrentStage = models.Stage(stage)
		job.ErrorCode = errorCode.String
		job.ErrorMessage = errorMessage.String
		job.DetectedLanguage = detectedLanguage.String
		job.TotalDurationS = totalDuration.Float64
		job.WordCount = int(wordCount.Int64)
		job.StageProgress = map[models.Stage]float64{}
		_ = json.Unmarshal(progress, &job.StageProgress)
		job.StageDurations = map[models.Stage]float64{}
		_ = json.Unmarshal(durations, &job.StageDurations)
		job.ArtifactKeys = map[models.ArtifactKind]string{}
		_ = json.Unmarshal(artifacts, &job.ArtifactKeys)

		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "list jobs", err)
	}
	return jobs, nil
}

// Delete removes a job row; callers are responsible for cascading to
// checkpoint and artifact cleanup per the lifecycle contract.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcription_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "delete job", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
