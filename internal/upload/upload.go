// Package upload implements the Resumable Chunked Ingest (§4.5): the
// Upload Session state machine, chunk validation, and streaming finalize
// that concatenates chunks into one content-addressed blob and hands the
// result off to the batch pipeline as a new transcription job.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/metrics"
	"github.com/mediascribe/coreplane/internal/models"
	"github.com/mediascribe/coreplane/internal/storage"
)

// DefaultChunkSize is handed back to clients opening a new session unless
// overridden.
const DefaultChunkSize = 5 * 1024 * 1024

// DefaultTTL is how long an active session survives without activity
// before it is considered expired.
const DefaultTTL = 24 * time.Hour

// JobEnqueuer creates a durable job record for a finalized upload and
// schedules it onto the batch pipeline. Implemented by the jobstore/
// pipeline wiring at the composition root.
type JobEnqueuer interface {
	CreateAndEnqueue(ctx context.Context, ownerID, sourceBlobKey, filename, mimeType string, totalSize int64) (jobID string, err error)
}

// StatusView is the client-facing summary of a session's progress.
type StatusView struct {
	Status         models.UploadStatus
	ChunksUploaded []int
	TotalChunks    int
	BytesUploaded  int64
	TotalBytes     int64
}

// FinalizeResult is returned on a successful complete call.
type FinalizeResult struct {
	JobID    string
	UploadID string
}

// Service implements the Upload Session state machine.
type Service struct {
	sessions SessionStore
	blobs    storage.Interface
	jobs     JobEnqueuer
	logger   *zap.Logger
}

// NewService wires a Service from its collaborators.
func NewService(sessions SessionStore, blobs storage.Interface, jobs JobEnqueuer, logger *zap.Logger) *Service {
	return &Service{sessions: sessions, blobs: blobs, jobs: jobs, logger: logger}
}

func chunkKey(uploadID string, idx int) string {
	return fmt.Sprintf("sessions/%s/chunks/%04d", uploadID, idx)
}

// CreateSession opens a new active upload session.
func (s *Service) CreateSession(ctx context.Context, ownerID, filename, mimeType string, totalSize int64) (*models.UploadSession, error) {
	if totalSize <= 0 {
		return nil, coreerr.New(coreerr.InvalidInput, "total_size must be positive")
	}

	now := time.Now().UTC()
	session := &models.UploadSession{
		UploadID:       uuid.NewString(),
		Filename:       filename,
		TotalSize:      totalSize,
		MimeType:       mimeType,
		ChunkSize:      DefaultChunkSize,
		OwnerID:        ownerID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(DefaultTTL),
		Status:         models.UploadActive,
		ChunksUploaded: make(map[int]bool),
	}

	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	metrics.UploadSessionsCreated.Inc()
	return session, nil
}

func (s *Service) loadActive(ctx context.Context, uploadID, ownerID string) (*models.UploadSession, error) {
	session, err := s.sessions.Load(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, coreerr.New(coreerr.Forbidden, "upload session belongs to a different owner")
	}
	if session.Status == models.UploadActive && time.Now().UTC().After(session.ExpiresAt) {
		session.Status = models.UploadExpired
		_ = s.sessions.Save(ctx, session)
	}
	return session, nil
}

// PutChunk validates and stores one chunk. Duplicate puts of the same
// index are idempotent and return success without rewriting the blob.
// A failed put never advances the session's chunks_uploaded set.
func (s *Service) PutChunk(ctx context.Context, uploadID, ownerID string, idx int, data []byte) error {
	session, err := s.loadActive(ctx, uploadID, ownerID)
	if err != nil {
		return err
	}
	if session.Status != models.UploadActive {
		return coreerr.New(coreerr.InvalidInput, fmt.Sprintf("upload session is %s, not active", session.Status))
	}

	total := session.TotalChunks()
	if idx < 0 || idx >= total {
		return coreerr.New(coreerr.InvalidInput, fmt.Sprintf("chunk index %d out of range [0,%d)", idx, total))
	}

	if session.ChunksUploaded[idx] {
		return nil
	}

	expected := session.ChunkSizeFor(idx)
	if int64(len(data)) != expected {
		return coreerr.New(coreerr.InvalidInput, fmt.Sprintf("chunk %d: expected %d bytes, got %d", idx, expected, len(data)))
	}

	if err := s.blobs.Put(ctx, chunkKey(uploadID, idx), data, map[string]string{"owner_id": ownerID}); err != nil {
		return err
	}

	session.ChunksUploaded[idx] = true
	session.ExpiresAt = time.Now().UTC().Add(DefaultTTL)
	metrics.ChunksIngested.WithLabelValues("upload").Inc()
	return s.sessions.Save(ctx, session)
}

// Status returns the client-facing progress summary.
func (s *Service) Status(ctx context.Context, uploadID, ownerID string) (StatusView, error) {
	session, err := s.loadActive(ctx, uploadID, ownerID)
	if err != nil {
		return StatusView{}, err
	}

	uploaded := make([]int, 0, len(session.ChunksUploaded))
	var bytesUploaded int64
	for idx := range session.ChunksUploaded {
		uploaded = append(uploaded, idx)
		bytesUploaded += session.ChunkSizeFor(idx)
	}
	sort.Ints(uploaded)

	return StatusView{
		Status:         session.Status,
		ChunksUploaded: uploaded,
		TotalChunks:    session.TotalChunks(),
		BytesUploaded:  bytesUploaded,
		TotalBytes:     session.TotalSize,
	}, nil
}

// Cancel marks an active session cancelled.
func (s *Service) Cancel(ctx context.Context, uploadID, ownerID string) error {
	session, err := s.loadActive(ctx, uploadID, ownerID)
	if err != nil {
		return err
	}
	if session.Status != models.UploadActive {
		return nil
	}
	session.Status = models.UploadCancelled
	metrics.UploadSessionsCompleted.WithLabelValues("aborted").Inc()
	return s.sessions.Save(ctx, session)
}

// Finalize concatenates all chunks in ascending order into one blob,
// computing SHA-256 as it streams, creates a transcription job, and
// enqueues it. A failed finalize leaves the session active so the client
// can retry without re-uploading chunks.
func (s *Service) Finalize(ctx context.Context, uploadID, ownerID, expectedSHA256 string) (FinalizeResult, error) {
	session, err := s.loadActive(ctx, uploadID, ownerID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if session.Status == models.UploadCompleted {
		return FinalizeResult{UploadID: uploadID}, coreerr.New(coreerr.InvalidInput, "upload session already completed")
	}
	if session.Status != models.UploadActive {
		return FinalizeResult{}, coreerr.New(coreerr.InvalidInput, fmt.Sprintf("upload session is %s, not active", session.Status))
	}

	if missing := session.MissingChunks(); len(missing) > 0 {
		return FinalizeResult{}, coreerr.New(coreerr.InvalidInput, fmt.Sprintf("missing chunk indices: %v", missing))
	}

	blobKey, sum, err := s.concatenate(ctx, session)
	if err != nil {
		return FinalizeResult{}, err
	}

	if expectedSHA256 != "" && expectedSHA256 != sum {
		_ = s.blobs.Delete(ctx, blobKey)
		metrics.UploadSessionsCompleted.WithLabelValues("integrity_mismatch").Inc()
		return FinalizeResult{}, coreerr.New(coreerr.IntegrityMismatch, "sha256 mismatch on finalize")
	}

	for idx := 0; idx < session.TotalChunks(); idx++ {
		if err := s.blobs.Delete(ctx, chunkKey(uploadID, idx)); err != nil {
			s.logger.Warn("chunk blob cleanup failed, continuing", zap.String("upload_id", uploadID), zap.Int("idx", idx), zap.Error(err))
		}
	}

	jobID, err := s.jobs.CreateAndEnqueue(ctx, ownerID, blobKey, session.Filename, session.MimeType, session.TotalSize)
	if err != nil {
		return FinalizeResult{}, err
	}

	session.Status = models.UploadCompleted
	session.FinalBlobKey = blobKey
	session.SHA256 = sum
	if err := s.sessions.Save(ctx, session); err != nil {
		return FinalizeResult{}, err
	}

	for idx := 0; idx < session.TotalChunks(); idx++ {
		if err := s.blobs.Delete(ctx, chunkKey(uploadID, idx)); err != nil {
			s.logger.Warn("chunk blob cleanup failed, continuing", zap.String("upload_id", uploadID), zap.Int("idx", idx), zap.Error(err))
		}
	}
	metrics.UploadSessionsCompleted.WithLabelValues("completed").Inc()

	return FinalizeResult{JobID: jobID, UploadID: uploadID}, nil
}

// concatenate streams chunks in ascending index order through a temp file
// so working memory stays O(chunk_size) regardless of the overall upload
// size, hashing as it writes.
func (s *Service) concatenate(ctx context.Context, session *models.UploadSession) (blobKey string, sha256Hex string, err error) {
	tmp, err := os.CreateTemp("", "upload-finalize-*")
	if err != nil {
		return "", "", coreerr.Wrap(coreerr.Internal, "create finalize temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	hasher := sha256.New()
	writer := io.MultiWriter(tmp, hasher)

	total := session.TotalChunks()
	for idx := 0; idx < total; idx++ {
		data, getErr := s.blobs.Get(ctx, chunkKey(session.UploadID, idx))
		if getErr != nil {
			return "", "", getErr
		}
		if _, writeErr := writer.Write(data); writeErr != nil {
			return "", "", coreerr.Wrap(coreerr.Internal, "write finalize temp file", writeErr)
		}
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", "", coreerr.Wrap(coreerr.Internal, "measure finalize temp file", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", "", coreerr.Wrap(coreerr.Internal, "rewind finalize temp file", err)
	}

	key := fmt.Sprintf("sessions/%s/final", session.UploadID)
	if err := s.blobs.PutStream(ctx, key, tmp, size, map[string]string{"owner_id": session.OwnerID}); err != nil {
		return "", "", err
	}

	return key, hex.EncodeToString(hasher.Sum(nil)), nil
}
