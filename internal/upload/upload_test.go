package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/models"
	"github.com/mediascribe/coreplane/internal/storage"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.UploadSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*models.UploadSession)}
}

func (m *memSessionStore) Save(ctx context.Context, session *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *session
	cp.ChunksUploaded = make(map[int]bool, len(session.ChunksUploaded))
	for k, v := range session.ChunksUploaded {
		cp.ChunksUploaded[k] = v
	}
	m.sessions[session.UploadID] = &cp
	return nil
}

func (m *memSessionStore) Load(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uploadID]
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "not found")
	}
	cp := *s
	cp.ChunksUploaded = make(map[int]bool, len(s.ChunksUploaded))
	for k, v := range s.ChunksUploaded {
		cp.ChunksUploaded[k] = v
	}
	return &cp, nil
}

type fakeJobEnqueuer struct {
	mu    sync.Mutex
	calls int
	key   string
}

func (f *fakeJobEnqueuer) CreateAndEnqueue(ctx context.Context, ownerID, sourceBlobKey, filename, mimeType string, totalSize int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.key = sourceBlobKey
	return "job-1", nil
}

func newTestService(t *testing.T) (*Service, *fakeJobEnqueuer) {
	t.Helper()
	blobs, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	jobs := &fakeJobEnqueuer{}
	svc := NewService(newMemSessionStore(), blobs, jobs, zaptest.NewLogger(t))
	return svc, jobs
}

func TestUpload_IdempotentChunkPut(t *testing.T) {
	svc, jobs := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "a.wav", "audio/wav", 10*1024*1024)
	require.NoError(t, err)

	chunk0 := bytes.Repeat([]byte{0}, 5*1024*1024)
	require.NoError(t, svc.PutChunk(ctx, session.UploadID, "owner-1", 0, chunk0))
	require.NoError(t, svc.PutChunk(ctx, session.UploadID, "owner-1", 0, chunk0))
	require.NoError(t, svc.PutChunk(ctx, session.UploadID, "owner-1", 1, chunk0))

	status, err := svc.Status(ctx, session.UploadID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, status.ChunksUploaded)

	res, err := svc.Finalize(ctx, session.UploadID, "owner-1", "")
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, 1, jobs.calls)
}

func TestUpload_OutOfOrderChunksFinalizeOrdersCorrectly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "a.wav", "audio/wav", 15*1024*1024)
	require.NoError(t, err)

	c0 := bytes.Repeat([]byte{1}, 5*1024*1024)
	c1 := bytes.Repeat([]byte{2}, 5*1024*1024)
	c2 := bytes.Repeat([]byte{3}, 5*1024*1024)

	require.NoError(t, svc.PutChunk(ctx, session.UploadID, "owner-1", 2, c2))
	require.NoError(t, svc.PutChunk(ctx, session.UploadID, "owner-1", 0, c0))
	require.NoError(t, svc.PutChunk(ctx, session.UploadID, "owner-1", 1, c1))

	res, err := svc.Finalize(ctx, session.UploadID, "owner-1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)

	blobs := svc.blobs
	combined, err := blobs.Get(ctx, "sessions/"+session.UploadID+"/final")
	require.NoError(t, err)
	want := append(append(append([]byte{}, c0...), c1...), c2...)
	assert.Equal(t, want, combined)
}

func TestUpload_MissingChunkRejectsFinalize(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "a.wav", "audio/wav", 10*1024*1024)
	require.NoError(t, err)
	chunk0 := bytes.Repeat([]byte{0}, 5*1024*1024)
	require.NoError(t, svc.PutChunk(ctx, session.UploadID, "owner-1", 0, chunk0))

	_, err = svc.Finalize(ctx, session.UploadID, "owner-1", "")
	require.Error(t, err)
	assert.Equal(t, coreerr.InvalidInput, coreerr.KindOf(err))

	status, err := svc.Status(ctx, session.UploadID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadActive, status.Status)
}

func TestUpload_ShaMismatchFailsAndDoesNotRetainBlob(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "a.wav", "audio/wav", 5*1024*1024)
	require.NoError(t, err)
	chunk0 := bytes.Repeat([]byte{9}, 5*1024*1024)
	require.NoError(t, svc.PutChunk(ctx, session.UploadID, "owner-1", 0, chunk0))

	_, err = svc.Finalize(ctx, session.UploadID, "owner-1", "deadbeef")
	require.Error(t, err)
	assert.Equal(t, coreerr.IntegrityMismatch, coreerr.KindOf(err))

	exists, err := svc.blobs.Exists(ctx, "sessions/"+session.UploadID+"/final")
	require.NoError(t, err)
	assert.False(t, exists)

	status, err := svc.Status(ctx, session.UploadID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadActive, status.Status)
}

func TestUpload_ShaMatchSucceeds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "a.wav", "audio/wav", 5*1024*1024)
	require.NoError(t, err)
	chunk0 := bytes.Repeat([]byte{9}, 5*1024*1024)
	require.NoError(t, svc.PutChunk(ctx, session.UploadID, "owner-1", 0, chunk0))

	sum := sha256.Sum256(chunk0)
	_, err = svc.Finalize(ctx, session.UploadID, "owner-1", hex.EncodeToString(sum[:]))
	require.NoError(t, err)
}

func TestUpload_WrongChunkSizeRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "a.wav", "audio/wav", 10*1024*1024)
	require.NoError(t, err)

	err = svc.PutChunk(ctx, session.UploadID, "owner-1", 0, []byte("too small"))
	require.Error(t, err)
	assert.Equal(t, coreerr.InvalidInput, coreerr.KindOf(err))
}

func TestUpload_ChunkIndexOutOfRangeRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "a.wav", "audio/wav", 5*1024*1024)
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte{0}, 5*1024*1024)
	err = svc.PutChunk(ctx, session.UploadID, "owner-1", 1, chunk)
	require.Error(t, err)
	assert.Equal(t, coreerr.InvalidInput, coreerr.KindOf(err))
}

func TestUpload_OwnerMismatchForbidden(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "a.wav", "audio/wav", 5*1024*1024)
	require.NoError(t, err)

	_, err = svc.Status(ctx, session.UploadID, "owner-2")
	require.Error(t, err)
	assert.Equal(t, coreerr.Forbidden, coreerr.KindOf(err))
}

func TestUpload_CancelStopsFurtherChunkPuts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "owner-1", "a.wav", "audio/wav", 5*1024*1024)
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, session.UploadID, "owner-1"))

	chunk := bytes.Repeat([]byte{0}, 5*1024*1024)
	err = svc.PutChunk(ctx, session.UploadID, "owner-1", 0, chunk)
	require.Error(t, err)
	assert.Equal(t, coreerr.InvalidInput, coreerr.KindOf(err))
}
