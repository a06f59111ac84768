// Package streamapi implements the Streaming Live Transcription surface
// (§4.6): per-session chunk ingest, asynchronous STT dispatch into the
// Rolling-State Merger, event publication, and finalization.
package streamapi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/artifact"
	"github.com/mediascribe/coreplane/internal/chunkstore"
	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/eventbus"
	"github.com/mediascribe/coreplane/internal/merger"
	"github.com/mediascribe/coreplane/internal/metrics"
	"github.com/mediascribe/coreplane/internal/models"
	"github.com/mediascribe/coreplane/internal/sttprovider"
	"github.com/mediascribe/coreplane/internal/storage"
)

// DefaultChunkMs/DefaultOverlapMs/DefaultCommitWindowMs are the §4.6 default
// time constants. Chunk and overlap lengths arrive with each chunk from the
// caller; every session uses DefaultCommitWindowMs as its commit window.
const (
	DefaultChunkMs        = 5000
	DefaultOverlapMs      = 750
	DefaultCommitWindowMs = 2500
)

// FinalizeWait bounds how long finalize waits for in-flight chunks.
const FinalizeWait = 5 * time.Second

// ChunkStore is the subset of chunkstore.Store the dispatcher depends on.
type ChunkStore interface {
	SaveChunkRecord(ctx context.Context, sessionID string, rec models.ChunkRecord) error
	ChunkRecords(ctx context.Context, sessionID string) ([]models.ChunkRecord, error)
	LoadRollingState(ctx context.Context, sessionID string) (*models.RollingState, error)
	SaveRollingState(ctx context.Context, state *models.RollingState) error
}

// Transcriber is the STT façade's interface, minimal enough to fake in
// tests without a network-capable backend.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts sttprovider.TranscribeOpts) (sttprovider.Result, error)
}

// OwnerLookup resolves the owner of a session for finalize's ownership
// check.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, sessionID string) (string, error)
}

// ChunkRecordOwnerLookup resolves a session's owner from its first chunk
// record, since streaming sessions have no separate session record of
// their own beyond the chunks the caller has uploaded.
type ChunkRecordOwnerLookup struct {
	Chunks ChunkStore
}

// OwnerOf implements OwnerLookup.
func (l ChunkRecordOwnerLookup) OwnerOf(ctx context.Context, sessionID string) (string, error) {
	records, err := l.Chunks.ChunkRecords(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", coreerr.New(coreerr.NotFound, fmt.Sprintf("session %q has no chunks", sessionID))
	}
	return records[0].OwnerID, nil
}

// ChunkUploadResult is returned immediately on chunk upload, before STT
// processing has started, per the "accepted, processing started"
// contract.
type ChunkUploadResult struct {
	ChunkIndex        int  `json:"chunk_index"`
	ProcessingStarted bool `json:"processing_started"`
}

// FinalizeResult carries the final transcript and artifact locations.
type FinalizeResult struct {
	Transcript string
	Artifacts  map[models.ArtifactKind]string
	DurationS  float64
	OwnerID    string
}

// sessionTracker counts in-flight chunk transcriptions per session, so
// finalize can wait for them within a bounded delay.
type sessionTracker struct {
	mu       sync.Mutex
	inFlight map[string]int
	lock     map[string]*sync.Mutex
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{inFlight: map[string]int{}, lock: map[string]*sync.Mutex{}}
}

func (t *sessionTracker) begin(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[sessionID]++
}

func (t *sessionTracker) end(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[sessionID]--
	if t.inFlight[sessionID] <= 0 {
		delete(t.inFlight, sessionID)
	}
}

func (t *sessionTracker) count(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight[sessionID]
}

// sessionLock returns the per-session lock, creating it on first use, so
// rolling-state mutations for one session_id stay single-writer.
func (t *sessionTracker) sessionLock(sessionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.lock[sessionID]
	if !ok {
		l = &sync.Mutex{}
		t.lock[sessionID] = l
	}
	return l
}

// Dispatcher ingests streaming chunks, transcribes them asynchronously,
// and folds results into each session's rolling state.
type Dispatcher struct {
	blobs   storage.Interface
	chunks  ChunkStore
	stt     Transcriber
	bus     *eventbus.Bus
	owners  OwnerLookup
	logger  *zap.Logger
	tracker *sessionTracker
}

// NewDispatcher wires a Dispatcher from its collaborators.
func NewDispatcher(blobs storage.Interface, chunks ChunkStore, stt Transcriber, bus *eventbus.Bus, owners OwnerLookup, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		blobs:   blobs,
		chunks:  chunks,
		stt:     stt,
		bus:     bus,
		owners:  owners,
		logger:  logger,
		tracker: newSessionTracker(),
	}
}

func blobKey(sessionID string, idx int) string {
	return fmt.Sprintf("sessions/%s/live/%04d", sessionID, idx)
}

// IngestChunk persists the chunk and hands it to an asynchronous goroutine
// for STT + merge, returning immediately per the accepted-processing
// contract.
func (d *Dispatcher) IngestChunk(ctx context.Context, sessionID string, idx int, audio []byte, ownerID string, sampleRate int, codec string, chunkMs, overlapMs int64) (ChunkUploadResult, error) {
	key := blobKey(sessionID, idx)
	if err := d.blobs.Put(ctx, key, audio, map[string]string{"owner_id": ownerID}); err != nil {
		return ChunkUploadResult{}, err
	}

	rec := models.ChunkRecord{
		Idx:        idx,
		BlobRef:    key,
		Size:       int64(len(audio)),
		SampleRate: sampleRate,
		Codec:      codec,
		ChunkMs:    chunkMs,
		OverlapMs:  overlapMs,
		UploadedAt: time.Now().UTC(),
		OwnerID:    ownerID,
	}
	if err := d.chunks.SaveChunkRecord(ctx, sessionID, rec); err != nil {
		return ChunkUploadResult{}, err
	}

	metrics.ChunksIngested.WithLabelValues("live").Inc()
	d.tracker.begin(sessionID)
	go d.process(context.Background(), sessionID, idx, audio, chunkMs, overlapMs)

	return ChunkUploadResult{ChunkIndex: idx, ProcessingStarted: true}, nil
}

// process runs STT and the rolling-state merge for one chunk, serialized
// per session_id via the tracker's session lock.
func (d *Dispatcher) process(ctx context.Context, sessionID string, idx int, audio []byte, chunkMs, overlapMs int64) {
	defer d.tracker.end(sessionID)

	lock := d.tracker.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	result, err := d.stt.Transcribe(ctx, audio, sttprovider.TranscribeOpts{SessionID: sessionID, ChunkIdx: &idx})
	if err != nil {
		d.logger.Error("streamapi: transcribe chunk failed", zap.String("session_id", sessionID), zap.Int("idx", idx), zap.Error(err))
		return
	}

	state, err := d.chunks.LoadRollingState(ctx, sessionID)
	if err != nil {
		d.logger.Error("streamapi: load rolling state failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	chunkStartMs := int64(idx) * chunkMs
	chunkEndMs := chunkStartMs + chunkMs

	events := merger.Upsert(state, idx, result.Words, result.Confidence, chunkStartMs, chunkEndMs, chunkMs, overlapMs, DefaultCommitWindowMs)

	if err := d.chunks.SaveRollingState(ctx, state); err != nil {
		d.logger.Error("streamapi: save rolling state failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	for _, ev := range events {
		if err := d.bus.Publish(ctx, sessionID, string(ev.Type), ev); err != nil {
			d.logger.Warn("streamapi: publish event failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// LiveTranscript returns the current rolling transcript: committed words
// plus whatever is in the tail buffer.
func (d *Dispatcher) LiveTranscript(ctx context.Context, sessionID string) (string, error) {
	state, err := d.chunks.LoadRollingState(ctx, sessionID)
	if err != nil {
		return "", err
	}
	words := append(append([]models.Word{}, state.CommittedWords...), state.TailBuffer...)
	sort.SliceStable(words, func(i, j int) bool { return words[i].StartMs < words[j].StartMs })
	return artifact.TXT(words), nil
}

// Events returns the recent events published for a session, optionally
// filtered to one event type ("partial", "commit", "final").
func (d *Dispatcher) Events(ctx context.Context, sessionID, eventType string) ([]eventbus.Record, error) {
	if eventType != "" {
		record, ok, err := d.bus.Get(ctx, sessionID, eventType)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []eventbus.Record{record}, nil
	}
	return d.bus.GetAll(ctx, sessionID)
}

// Finalize verifies ownership, waits a bounded time for in-flight chunk
// transcriptions, collapses the tail buffer, emits a final event, and
// generates the four artifacts from the complete word list.
func (d *Dispatcher) Finalize(ctx context.Context, sessionID, callerID string) (FinalizeResult, error) {
	owner, err := d.owners.OwnerOf(ctx, sessionID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if owner != callerID {
		return FinalizeResult{}, coreerr.New(coreerr.Forbidden, "caller does not own this session")
	}

	deadline := time.Now().Add(FinalizeWait)
	for d.tracker.count(sessionID) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	lock := d.tracker.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state, err := d.chunks.LoadRollingState(ctx, sessionID)
	if err != nil {
		return FinalizeResult{}, err
	}

	final := merger.Finalize(state)
	if err := d.chunks.SaveRollingState(ctx, state); err != nil {
		return FinalizeResult{}, err
	}
	if err := d.bus.Publish(ctx, sessionID, "final", final); err != nil {
		d.logger.Warn("streamapi: publish final event failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	words := final.Words
	createdAt := time.Now().UTC()
	artifacts := make(map[models.ArtifactKind]string, 4)

	renderers := []struct {
		kind models.ArtifactKind
		data []byte
	}{
		{models.ArtifactTxt, []byte(artifact.TXT(words))},
		{models.ArtifactSRT, []byte(artifact.SRT(words))},
		{models.ArtifactVTT, []byte(artifact.VTT(words))},
	}
	for _, r := range renderers {
		key := fmt.Sprintf("sessions/%s/artifacts/%s", sessionID, r.kind)
		if err := d.blobs.Put(ctx, key, r.data, map[string]string{"owner_id": owner}); err != nil {
			return FinalizeResult{}, err
		}
		artifacts[r.kind] = key
	}

	jsonBytes, err := artifact.JSON(sessionID, words, createdAt)
	if err != nil {
		return FinalizeResult{}, coreerr.Wrap(coreerr.Internal, "render json artifact", err)
	}
	jsonKey := fmt.Sprintf("sessions/%s/artifacts/%s", sessionID, models.ArtifactJSON)
	if err := d.blobs.Put(ctx, jsonKey, jsonBytes, map[string]string{"owner_id": owner}); err != nil {
		return FinalizeResult{}, err
	}
	artifacts[models.ArtifactJSON] = jsonKey

	var durationS float64
	if len(words) > 0 {
		durationS = float64(words[len(words)-1].EndMs) / 1000
	}

	return FinalizeResult{Transcript: final.Text, Artifacts: artifacts, DurationS: durationS, OwnerID: owner}, nil
}

// Reaper periodically force-finalizes sessions that have gone idle past
// the idle-TTL without a finalize call, per the idle-TTL timeout rule.
type Reaper struct {
	chunks     ChunkStore
	dispatcher *Dispatcher
	idleTTL    time.Duration
	interval   time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	tracked  map[string]string // session_id -> owner_id
}

// NewReaper builds a Reaper polling at the given interval.
func NewReaper(chunks ChunkStore, dispatcher *Dispatcher, idleTTL, interval time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{chunks: chunks, dispatcher: dispatcher, idleTTL: idleTTL, interval: interval, logger: logger, tracked: map[string]string{}}
}

// Track registers a session for idle monitoring.
func (r *Reaper) Track(sessionID, ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[sessionID] = ownerID
	metrics.LiveSessionsActive.Set(float64(len(r.tracked)))
}

// Untrack removes a session once it has been finalized normally.
func (r *Reaper) Untrack(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, sessionID)
	metrics.LiveSessionsActive.Set(float64(len(r.tracked)))
}

// Run polls tracked sessions until ctx is cancelled, force-finalizing any
// that have gone idle.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	r.mu.Lock()
	sessions := make(map[string]string, len(r.tracked))
	for k, v := range r.tracked {
		sessions[k] = v
	}
	r.mu.Unlock()

	for sessionID, ownerID := range sessions {
		state, err := r.chunks.LoadRollingState(ctx, sessionID)
		if err != nil {
			continue
		}
		if !chunkstore.IsIdle(state, r.idleTTL) {
			continue
		}
		r.logger.Info("streamapi: force-finalizing idle session", zap.String("session_id", sessionID))
		if _, err := r.dispatcher.Finalize(ctx, sessionID, ownerID); err != nil {
			r.logger.Error("streamapi: idle force-finalize failed", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		metrics.LiveSessionsFinalized.WithLabelValues("idle_reap").Inc()
		r.Untrack(sessionID)
	}
}
