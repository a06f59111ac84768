package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediascribe/coreplane/internal/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, zaptest.NewLogger(t)), mock
}

func TestStore_SaveUpsertsCheckpoint(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs("job-1", string(models.StageValidating), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Save(context.Background(), "job-1", models.StageValidating, map[string]int{"duration_s": 120})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadReturnsDecodedState(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows([]string{"state_json"}).AddRow(`{"duration_s":120}`)
	mock.ExpectQuery("SELECT state_json FROM checkpoints").
		WithArgs("job-1", string(models.StageValidating)).
		WillReturnRows(rows)

	raw, ok, err := s.Load(context.Background(), "job-1", models.StageValidating)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"duration_s":120}`, string(raw))
}

func TestStore_LoadMissingReturnsFalse(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT state_json FROM checkpoints").
		WithArgs("job-2", string(models.StageSegmenting)).
		WillReturnError(sql.ErrNoRows)

	_, ok, err := s.Load(context.Background(), "job-2", models.StageSegmenting)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteForJob(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("DELETE FROM checkpoints").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, s.DeleteForJob(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveAndLoadTranscribingRoundtrips(t *testing.T) {
	s, mock := newTestStore(t)

	segments := map[int]TranscriptSegment{
		0: {Idx: 0, Words: []models.Word{{Text: "hi", StartMs: 0, EndMs: 200, Confidence: 0.9}}},
		1: {Idx: 1, Words: []models.Word{{Text: "there", StartMs: 200, EndMs: 400, Confidence: 0.9}}},
	}

	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs("job-3", string(models.StageTranscribing), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveTranscribing(context.Background(), "job-3", segments))

	encoded, err := json.Marshal(segments)
	require.NoError(t, err)
	rows := sqlmock.NewRows([]string{"state_json"}).AddRow(encoded)
	mock.ExpectQuery("SELECT state_json FROM checkpoints").
		WithArgs("job-3", string(models.StageTranscribing)).
		WillReturnRows(rows)

	loaded, ok, err := s.LoadTranscribing(context.Background(), "job-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, loaded, 2)
	assert.Equal(t, "hi", loaded[0].Words[0].Text)
}
