package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediascribe/coreplane/internal/models"
)

type fakeQueue struct {
	enqueued []string
}

func (f *fakeQueue) Enqueue(jobID string) bool {
	f.enqueued = append(f.enqueued, jobID)
	return true
}

func newTestStore(t *testing.T, queue Queue) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := New(db, zaptest.NewLogger(t), queue)
	t.Cleanup(s.Close)
	return s, mock
}

func TestStore_CreateAndEnqueueCreatesJobAndEnqueues(t *testing.T) {
	q := &fakeQueue{}
	s, mock := newTestStore(t, q)

	mock.ExpectExec("INSERT INTO transcription_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	jobID, err := s.CreateAndEnqueue(context.Background(), "owner-1", "blob/key", "a.wav", "audio/wav", 1024)
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, jobID, q.enqueued[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetReturnsDecodedJob(t *testing.T) {
	s, mock := newTestStore(t, nil)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"job_id", "owner_id", "source_blob_key", "filename", "mime_type", "total_size",
		"language", "enable_diarization", "status", "current_stage",
		"stage_progress", "stage_durations", "retry_count", "max_retries",
		"error_code", "error_message", "detected_language", "total_duration_s", "word_count",
		"artifact_keys", "created_at", "updated_at",
	}).AddRow(
		"job-1", "owner-1", "blob/key", "a.wav", "audio/wav", int64(1024),
		"en", false, string(models.JobProcessing), string(models.StageTranscribing),
		[]byte(`{"validating":100}`), []byte(`{"validating":1.2}`), 0, 3,
		nil, nil, nil, nil, nil,
		[]byte(`{}`), now, now,
	)
	mock.ExpectQuery("SELECT job_id, owner_id").WithArgs("job-1").WillReturnRows(rows)

	job, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, models.StageTranscribing, job.CurrentStage)
	assert.Equal(t, float64(100), job.StageProgress["validating"])
}

func TestStore_AdvanceStage(t *testing.T) {
	s, mock := newTestStore(t, nil)
	mock.ExpectExec("UPDATE transcription_jobs").
		WithArgs("job-1", string(models.StageTranscoding), 0.5, 1.25).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.AdvanceStage(context.Background(), "job-1", models.StageTranscoding, 0.5, 1.25)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_IncrementRetryReportsExceeded(t *testing.T) {
	s, mock := newTestStore(t, nil)
	rows := sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(3, 3)
	mock.ExpectQuery("UPDATE transcription_jobs").WithArgs("job-1").WillReturnRows(rows)

	exceeded, err := s.IncrementRetry(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, exceeded)
}

func TestStore_Finish(t *testing.T) {
	s, mock := newTestStore(t, nil)
	mock.ExpectExec("UPDATE transcription_jobs").
		WithArgs("job-1", string(models.JobComplete), 42, 12.5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Finish(context.Background(), "job-1", 42, 12.5)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateProgressFlushesOnClose(t *testing.T) {
	s, mock := newTestStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE transcription_jobs").
		WithArgs("job-1", string(models.StageTranscribing), 0.4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.UpdateProgress(context.Background(), "job-1", models.StageTranscribing, 0.4)
	s.Close()

	require.NoError(t, mock.ExpectationsWereMet())
}
