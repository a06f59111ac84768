package chunkstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediascribe/coreplane/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, zaptest.NewLogger(t), time.Hour), mr
}

func TestStore_SaveAndLoadChunkRecordsOrdered(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveChunkRecord(ctx, "sess-1", models.ChunkRecord{Idx: 2, BlobRef: "c2"}))
	require.NoError(t, s.SaveChunkRecord(ctx, "sess-1", models.ChunkRecord{Idx: 0, BlobRef: "c0"}))
	require.NoError(t, s.SaveChunkRecord(ctx, "sess-1", models.ChunkRecord{Idx: 1, BlobRef: "c1"}))

	records, err := s.ChunkRecords(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 0, records[0].Idx)
	assert.Equal(t, 1, records[1].Idx)
	assert.Equal(t, 2, records[2].Idx)
}

func TestStore_LoadRollingStateDefaultsWhenAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	state, err := s.LoadRollingState(context.Background(), "sess-missing")
	require.NoError(t, err)
	assert.Equal(t, "sess-missing", state.SessionID)
	assert.NotNil(t, state.ReceivedIdx)
	assert.Equal(t, 0, state.ReceivedIdx.Count())
}

func TestStore_SaveThenLoadRollingStateRoundtrips(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	state := &models.RollingState{
		SessionID:       "sess-2",
		LastCommittedMs: 5000,
		CommittedWords:  []models.Word{{Text: "hi", StartMs: 0, EndMs: 200, Confidence: 0.9}},
		ReceivedIdx:     models.NewBitset(),
	}
	state.ReceivedIdx.Set(0)
	state.ReceivedIdx.Set(1)

	require.NoError(t, s.SaveRollingState(ctx, state))

	loaded, err := s.LoadRollingState(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), loaded.LastCommittedMs)
	assert.Len(t, loaded.CommittedWords, 1)
	assert.True(t, loaded.ReceivedIdx.Has(0))
	assert.True(t, loaded.ReceivedIdx.Has(1))
	assert.False(t, loaded.ReceivedIdx.Has(2))
}

func TestStore_IsIdle(t *testing.T) {
	fresh := &models.RollingState{UpdatedAt: time.Now()}
	assert.False(t, IsIdle(fresh, 90*time.Second))

	stale := &models.RollingState{UpdatedAt: time.Now().Add(-2 * time.Minute)}
	assert.True(t, IsIdle(stale, 90*time.Second))
}
