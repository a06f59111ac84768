package streamapi

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediascribe/coreplane/internal/chunkstore"
	"github.com/mediascribe/coreplane/internal/eventbus"
	"github.com/mediascribe/coreplane/internal/models"
	"github.com/mediascribe/coreplane/internal/sttprovider"
	"github.com/mediascribe/coreplane/internal/storage"
)

type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobStore() *memBlobStore { return &memBlobStore{blobs: map[string][]byte{}} }

func (m *memBlobStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[key] = cp
	return nil
}
func (m *memBlobStore) PutStream(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return m.Put(ctx, key, data, metadata)
}
func (m *memBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[key], nil
}
func (m *memBlobStore) GetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", nil
}
func (m *memBlobStore) Delete(ctx context.Context, key string) error { return nil }
func (m *memBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[key]
	return ok, nil
}
func (m *memBlobStore) Stat(ctx context.Context, key string) (storage.Metadata, error) {
	return storage.Metadata{}, nil
}

var _ storage.Interface = (*memBlobStore)(nil)

type fixedTranscriber struct {
	words []models.Word
}

func (f fixedTranscriber) Transcribe(ctx context.Context, audio []byte, opts sttprovider.TranscribeOpts) (sttprovider.Result, error) {
	return sttprovider.Result{Words: f.words, Confidence: 0.9}, nil
}

func newTestDeps(t *testing.T) (*chunkstore.Store, *eventbus.Bus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := zaptest.NewLogger(t)
	return chunkstore.New(client, logger, time.Hour), eventbus.NewBus(client, logger)
}

func waitForInFlight(d *Dispatcher, sessionID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for d.tracker.count(sessionID) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_IngestChunkMergesIntoRollingState(t *testing.T) {
	chunks, bus := newTestDeps(t)
	blobs := newMemBlobStore()
	stt := fixedTranscriber{words: []models.Word{
		{Text: "hello", StartMs: 0, EndMs: 400, Confidence: 0.9},
	}}
	owners := ChunkRecordOwnerLookup{Chunks: chunks}
	d := NewDispatcher(blobs, chunks, stt, bus, owners, zaptest.NewLogger(t))

	ctx := context.Background()
	res, err := d.IngestChunk(ctx, "sess-1", 0, []byte("audio"), "owner-1", 16000, "pcm16", DefaultChunkMs, DefaultOverlapMs)
	require.NoError(t, err)
	assert.True(t, res.ProcessingStarted)

	waitForInFlight(d, "sess-1", 2*time.Second)

	state, err := chunks.LoadRollingState(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, state.ReceivedIdx.Has(0))
}

func TestDispatcher_FinalizeRejectsWrongOwner(t *testing.T) {
	chunks, bus := newTestDeps(t)
	blobs := newMemBlobStore()
	stt := fixedTranscriber{}
	owners := ChunkRecordOwnerLookup{Chunks: chunks}
	d := NewDispatcher(blobs, chunks, stt, bus, owners, zaptest.NewLogger(t))

	ctx := context.Background()
	_, err := d.IngestChunk(ctx, "sess-2", 0, []byte("audio"), "owner-1", 16000, "pcm16", DefaultChunkMs, DefaultOverlapMs)
	require.NoError(t, err)
	waitForInFlight(d, "sess-2", 2*time.Second)

	_, err = d.Finalize(ctx, "sess-2", "someone-else")
	require.Error(t, err)
}

func TestDispatcher_FinalizeGeneratesFourArtifacts(t *testing.T) {
	chunks, bus := newTestDeps(t)
	blobs := newMemBlobStore()
	stt := fixedTranscriber{words: []models.Word{
		{Text: "hello", StartMs: 0, EndMs: 300, Confidence: 0.9},
		{Text: "world", StartMs: 300, EndMs: 600, Confidence: 0.9},
	}}
	owners := ChunkRecordOwnerLookup{Chunks: chunks}
	d := NewDispatcher(blobs, chunks, stt, bus, owners, zaptest.NewLogger(t))

	ctx := context.Background()
	_, err := d.IngestChunk(ctx, "sess-3", 0, []byte("audio"), "owner-1", 16000, "pcm16", DefaultChunkMs, DefaultOverlapMs)
	require.NoError(t, err)
	waitForInFlight(d, "sess-3", 2*time.Second)

	result, err := d.Finalize(ctx, "sess-3", "owner-1")
	require.NoError(t, err)
	assert.Len(t, result.Artifacts, 4)
	assert.Contains(t, result.Artifacts, models.ArtifactTxt)
	assert.Contains(t, result.Artifacts, models.ArtifactJSON)
	assert.Contains(t, result.Artifacts, models.ArtifactSRT)
	assert.Contains(t, result.Artifacts, models.ArtifactVTT)
}

func TestDispatcher_LiveTranscriptReflectsTailBuffer(t *testing.T) {
	chunks, bus := newTestDeps(t)
	blobs := newMemBlobStore()
	stt := fixedTranscriber{words: []models.Word{
		{Text: "hi", StartMs: 0, EndMs: 200, Confidence: 0.9},
	}}
	owners := ChunkRecordOwnerLookup{Chunks: chunks}
	d := NewDispatcher(blobs, chunks, stt, bus, owners, zaptest.NewLogger(t))

	ctx := context.Background()
	_, err := d.IngestChunk(ctx, "sess-4", 0, []byte("audio"), "owner-1", 16000, "pcm16", DefaultChunkMs, DefaultOverlapMs)
	require.NoError(t, err)
	waitForInFlight(d, "sess-4", 2*time.Second)

	transcript, err := d.LiveTranscript(ctx, "sess-4")
	require.NoError(t, err)
	assert.Equal(t, "hi", transcript)
}

func TestReaper_ForceFinalizesIdleSessions(t *testing.T) {
	chunks, bus := newTestDeps(t)
	blobs := newMemBlobStore()
	stt := fixedTranscriber{words: []models.Word{{Text: "hi", StartMs: 0, EndMs: 200, Confidence: 0.9}}}
	owners := ChunkRecordOwnerLookup{Chunks: chunks}
	d := NewDispatcher(blobs, chunks, stt, bus, owners, zaptest.NewLogger(t))

	ctx := context.Background()
	_, err := d.IngestChunk(ctx, "sess-5", 0, []byte("audio"), "owner-1", 16000, "pcm16", DefaultChunkMs, DefaultOverlapMs)
	require.NoError(t, err)
	waitForInFlight(d, "sess-5", 2*time.Second)

	reaper := NewReaper(chunks, d, 0, time.Hour, zaptest.NewLogger(t))
	reaper.Track("sess-5", "owner-1")
	reaper.sweep(ctx)

	reaper.mu.Lock()
	_, stillTracked := reaper.tracked["sess-5"]
	reaper.mu.Unlock()
	assert.False(t, stillTracked)
}
