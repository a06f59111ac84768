package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/artifact"
	"github.com/mediascribe/coreplane/internal/checkpoint"
	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/merger"
	"github.com/mediascribe/coreplane/internal/metrics"
	"github.com/mediascribe/coreplane/internal/models"
	"github.com/mediascribe/coreplane/internal/sttprovider"
)

// allowedMimePrefixes is the validating stage's allow list.
var allowedMimePrefixes = []string{"audio/", "video/"}

type validatingState struct {
	DurationS float64 `json:"duration_s"`
	Container string  `json:"container"`
	Streams   int     `json:"streams"`
}

type transcodingState struct {
	NormalizedBlobKey string `json:"normalized_blob_key"`
}

type segmentMeta struct {
	Idx      int    `json:"idx"`
	BlobKey  string `json:"blob_key"`
	StartMs  int64  `json:"start_ms"`
	EndMs    int64  `json:"end_ms"`
}

type segmentingState struct {
	Segments []segmentMeta `json:"segments"`
}

type languageState struct {
	DetectedLanguage string  `json:"detected_language"`
	Confidence       float64 `json:"confidence"`
}

type mergingState struct {
	MergedWords []models.Word `json:"merged_words"`
}

type diarizingState struct {
	WordsWithSpeaker []models.Word `json:"words_with_speaker"`
}

type outputsState struct {
	ArtifactKeys map[models.ArtifactKind]string `json:"artifact_keys"`
}

// runStages executes every pipeline stage in order, resuming at the
// earliest stage whose checkpoint is absent, and returns the first stage
// error encountered.
func (p *Pool) runStages(ctx context.Context, job *models.TranscriptionJob) error {
	if job.Status == models.JobCreated {
		if err := p.jobs.SetStatus(ctx, job.JobID, models.JobProcessing, "", ""); err != nil {
			return err
		}
	}

	startIdx, err := p.resumeIndex(ctx, job.JobID)
	if err != nil {
		return err
	}

	for idx := startIdx; idx < len(models.Stages); idx++ {
		if p.cancelled(ctx, job.JobID) {
			metrics.JobsCompleted.WithLabelValues("cancelled").Inc()
			return coreerr.New(coreerr.Internal, "job cancelled")
		}

		stage := models.Stages[idx]
		started := time.Now()

		err := p.runStage(ctx, job, stage)
		metrics.RecordStageExecution(string(stage), err, time.Since(started).Seconds())
		if err != nil {
			return err
		}

		if err := p.jobs.AdvanceStage(ctx, job.JobID, stage, 100, time.Since(started).Seconds()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) cancelled(ctx context.Context, jobID string) bool {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status == models.JobCancelled
}

// resumeIndex returns the index of the earliest stage whose checkpoint is
// absent, per the retry contract.
func (p *Pool) resumeIndex(ctx context.Context, jobID string) (int, error) {
	for idx, stage := range models.Stages {
		_, ok, err := p.cps.Load(ctx, jobID, stage)
		if err != nil {
			return 0, err
		}
		if !ok {
			return idx, nil
		}
	}
	return len(models.Stages), nil
}

// RetryFrom resumes a job at fromStage, which must be at or before the
// earliest stage currently missing a checkpoint (i.e. no later than the
// last completed stage). Checkpoints from fromStage onward are discarded
// so resumeIndex naturally restarts there.
func (p *Pool) RetryFrom(ctx context.Context, jobID string, fromStage models.Stage) error {
	resumeAt, err := p.resumeIndex(ctx, jobID)
	if err != nil {
		return err
	}
	fromIdx := models.StageIndex(fromStage)
	if fromIdx < 0 || fromIdx > resumeAt {
		return coreerr.New(coreerr.InvalidInput, "from_stage must be at or before the last completed stage")
	}

	exceeded, err := p.jobs.IncrementRetry(ctx, jobID)
	if err != nil {
		return err
	}
	if exceeded {
		return p.jobs.SetStatus(ctx, jobID, models.JobFailed, "max_retries_exceeded", "retry_count reached max_retries")
	}

	for i := fromIdx; i < len(models.Stages); i++ {
		if err := p.cps.DeleteStage(ctx, jobID, models.Stages[i]); err != nil {
			return err
		}
	}
	if err := p.jobs.SetStatus(ctx, jobID, models.JobProcessing, "", ""); err != nil {
		return err
	}
	metrics.JobRetries.Inc()
	if !p.Enqueue(jobID) {
		return coreerr.New(coreerr.Internal, "retry queue is full")
	}
	return nil
}

func (p *Pool) runStage(ctx context.Context, job *models.TranscriptionJob, stage models.Stage) error {
	switch stage {
	case models.StageValidating:
		return p.stageValidating(ctx, job)
	case models.StageTranscoding:
		return p.stageTranscoding(ctx, job)
	case models.StageSegmenting:
		return p.stageSegmenting(ctx, job)
	case models.StageDetectingLanguage:
		return p.stageDetectingLanguage(ctx, job)
	case models.StageTranscribing:
		return p.stageTranscribing(ctx, job)
	case models.StageMerging:
		return p.stageMerging(ctx, job)
	case models.StageDiarizing:
		return p.stageDiarizing(ctx, job)
	case models.StageGeneratingOutputs:
		return p.stageGeneratingOutputs(ctx, job)
	default:
		return coreerr.New(coreerr.Internal, fmt.Sprintf("unknown stage %q", stage))
	}
}

func (p *Pool) handleFailure(ctx context.Context, job *models.TranscriptionJob, cause error) {
	exceeded, err := p.jobs.IncrementRetry(ctx, job.JobID)
	if err != nil {
		p.logger.Error("pipeline: increment retry failed", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	p.failed.Add(1)
	if exceeded || !coreerr.IsRetryable(cause) {
		metrics.JobsCompleted.WithLabelValues("failed").Inc()
		_ = p.jobs.SetStatus(ctx, job.JobID, models.JobFailed, string(coreerr.KindOf(cause)), cause.Error())
		return
	}
	// Below max_retries and transient: requeue from the earliest stage whose
	// checkpoint is absent, after a backoff so a fast-failing provider
	// doesn't spin the worker.
	p.requeueAfter(ctx, job.JobID, transientRetryBackoff)
}

const bitrateBps = 128_000 // assumed constant bitrate used to estimate duration from byte size

func (p *Pool) stageValidating(ctx context.Context, job *models.TranscriptionJob) error {
	allowed := false
	for _, prefix := range allowedMimePrefixes {
		if strings.HasPrefix(job.MimeType, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return coreerr.New(coreerr.InvalidInput, fmt.Sprintf("mime type %q not in allow list", job.MimeType))
	}

	durationS := float64(job.TotalSize*8) / float64(bitrateBps)
	state := validatingState{DurationS: durationS, Container: job.MimeType, Streams: 1}
	return p.cps.Save(ctx, job.JobID, models.StageValidating, state)
}

func (p *Pool) stageTranscoding(ctx context.Context, job *models.TranscriptionJob) error {
	data, err := p.blobs.Get(ctx, job.SourceBlobKey)
	if err != nil {
		return err
	}
	normalizedKey := fmt.Sprintf("jobs/%s/normalized.pcm", job.JobID)
	if err := p.blobs.Put(ctx, normalizedKey, data, map[string]string{"owner_id": job.OwnerID}); err != nil {
		return err
	}
	return p.cps.Save(ctx, job.JobID, models.StageTranscoding, transcodingState{NormalizedBlobKey: normalizedKey})
}

func (p *Pool) loadValidating(ctx context.Context, jobID string) (validatingState, error) {
	raw, ok, err := p.cps.Load(ctx, jobID, models.StageValidating)
	if err != nil {
		return validatingState{}, err
	}
	if !ok {
		return validatingState{}, coreerr.New(coreerr.Internal, "validating checkpoint missing")
	}
	var state validatingState
	if err := unmarshalCheckpoint(raw, &state); err != nil {
		return validatingState{}, err
	}
	return state, nil
}

func (p *Pool) loadTranscoding(ctx context.Context, jobID string) (transcodingState, error) {
	raw, ok, err := p.cps.Load(ctx, jobID, models.StageTranscoding)
	if err != nil {
		return transcodingState{}, err
	}
	if !ok {
		return transcodingState{}, coreerr.New(coreerr.Internal, "transcoding checkpoint missing")
	}
	var state transcodingState
	if err := unmarshalCheckpoint(raw, &state); err != nil {
		return transcodingState{}, err
	}
	return state, nil
}

func (p *Pool) stageSegmenting(ctx context.Context, job *models.TranscriptionJob) error {
	transcoding, err := p.loadTranscoding(ctx, job.JobID)
	if err != nil {
		return err
	}
	validating, err := p.loadValidating(ctx, job.JobID)
	if err != nil {
		return err
	}

	data, err := p.blobs.Get(ctx, transcoding.NormalizedBlobKey)
	if err != nil {
		return err
	}

	maxBytes := p.cfg.MaxSegmentBytes
	if maxBytes <= 0 {
		maxBytes = 24 * 1024 * 1024
	}
	total := int64(len(data))
	if total == 0 {
		total = 1
	}

	var segments []segmentMeta
	for offset, idx := int64(0), 0; offset < int64(len(data)); idx++ {
		end := offset + maxBytes
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunk := data[offset:end]
		key := fmt.Sprintf("jobs/%s/segments/%04d", job.JobID, idx)
		if err := p.blobs.Put(ctx, key, chunk, map[string]string{"owner_id": job.OwnerID}); err != nil {
			return err
		}

		startMs := int64(float64(offset) / float64(total) * validating.DurationS * 1000)
		endMs := int64(float64(end) / float64(total) * validating.DurationS * 1000)
		segments = append(segments, segmentMeta{Idx: idx, BlobKey: key, StartMs: startMs, EndMs: endMs})
		offset = end
	}

	return p.cps.Save(ctx, job.JobID, models.StageSegmenting, segmentingState{Segments: segments})
}

func (p *Pool) loadSegmenting(ctx context.Context, jobID string) (segmentingState, error) {
	raw, ok, err := p.cps.Load(ctx, jobID, models.StageSegmenting)
	if err != nil {
		return segmentingState{}, err
	}
	if !ok {
		return segmentingState{}, coreerr.New(coreerr.Internal, "segmenting checkpoint missing")
	}
	var state segmentingState
	if err := unmarshalCheckpoint(raw, &state); err != nil {
		return segmentingState{}, err
	}
	return state, nil
}

func (p *Pool) stageDetectingLanguage(ctx context.Context, job *models.TranscriptionJob) error {
	segments, err := p.loadSegmenting(ctx, job.JobID)
	if err != nil {
		return err
	}
	if len(segments.Segments) == 0 {
		return p.cps.Save(ctx, job.JobID, models.StageDetectingLanguage, languageState{})
	}

	first := segments.Segments[0]
	data, err := p.blobs.Get(ctx, first.BlobKey)
	if err != nil {
		return err
	}

	result, err := p.stt.Transcribe(ctx, data, sttprovider.TranscribeOpts{SessionID: job.JobID})
	if err != nil {
		return err
	}

	return p.cps.Save(ctx, job.JobID, models.StageDetectingLanguage, languageState{
		DetectedLanguage: result.Language,
		Confidence:       result.Confidence,
	})
}

func (p *Pool) loadLanguage(ctx context.Context, jobID string) (languageState, error) {
	raw, ok, err := p.cps.Load(ctx, jobID, models.StageDetectingLanguage)
	if err != nil || !ok {
		return languageState{}, err
	}
	var state languageState
	if err := unmarshalCheckpoint(raw, &state); err != nil {
		return languageState{}, err
	}
	return state, nil
}

func (p *Pool) stageTranscribing(ctx context.Context, job *models.TranscriptionJob) error {
	segments, err := p.loadSegmenting(ctx, job.JobID)
	if err != nil {
		return err
	}
	language, err := p.loadLanguage(ctx, job.JobID)
	if err != nil {
		return err
	}

	concurrency := p.cfg.TranscribeConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var mu sync.Mutex
	results := make(map[int]checkpoint.TranscriptSegment, len(segments.Segments))
	var wg sync.WaitGroup
	var firstErr error

	for _, seg := range segments.Segments {
		seg := seg
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			data, getErr := p.blobs.Get(ctx, seg.BlobKey)
			if getErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = getErr
				}
				mu.Unlock()
				return
			}

			result, transcribeErr := p.stt.Transcribe(ctx, data, sttprovider.TranscribeOpts{
				SessionID: job.JobID,
				ChunkIdx:  &seg.Idx,
				Language:  language.DetectedLanguage,
			})
			if transcribeErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = transcribeErr
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			results[seg.Idx] = checkpoint.TranscriptSegment{Idx: seg.Idx, Words: result.Words}
			snapshot := make(map[int]checkpoint.TranscriptSegment, len(results))
			for k, v := range results {
				snapshot[k] = v
			}
			mu.Unlock()

			if saveErr := p.cps.SaveTranscribing(ctx, job.JobID, snapshot); saveErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = saveErr
				}
				mu.Unlock()
			}
			p.jobs.UpdateProgress(ctx, job.JobID, models.StageTranscribing, float64(len(snapshot))/float64(len(segments.Segments))*100)
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return nil
}

func (p *Pool) stageMerging(ctx context.Context, job *models.TranscriptionJob) error {
	results, ok, err := p.cps.LoadTranscribing(ctx, job.JobID)
	if err != nil {
		return err
	}
	if !ok {
		return coreerr.New(coreerr.Internal, "transcribing checkpoint missing")
	}
	segments, err := p.loadSegmenting(ctx, job.JobID)
	if err != nil {
		return err
	}

	byIdx := make(map[int]segmentMeta, len(segments.Segments))
	for _, s := range segments.Segments {
		byIdx[s.Idx] = s
	}

	indices := make([]int, 0, len(results))
	for idx := range results {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	state := &models.RollingState{SessionID: job.JobID, ReceivedIdx: models.NewBitset()}
	for _, idx := range indices {
		seg := byIdx[idx]
		words := results[idx].Words
		conf := meanConfidence(words)
		merger.Upsert(state, idx, words, conf, seg.StartMs, seg.EndMs, p.cfg.NominalSegmentMs, p.cfg.SegmentOverlapMs, 0)
	}
	final := merger.Finalize(state)

	return p.cps.Save(ctx, job.JobID, models.StageMerging, mergingState{MergedWords: final.Words})
}

func meanConfidence(words []models.Word) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}

func (p *Pool) loadMerging(ctx context.Context, jobID string) (mergingState, error) {
	raw, ok, err := p.cps.Load(ctx, jobID, models.StageMerging)
	if err != nil {
		return mergingState{}, err
	}
	if !ok {
		return mergingState{}, coreerr.New(coreerr.Internal, "merging checkpoint missing")
	}
	var state mergingState
	if err := unmarshalCheckpoint(raw, &state); err != nil {
		return mergingState{}, err
	}
	return state, nil
}

// diarizationGapMs is the silence gap past which the heuristic diarizer
// assumes the floor changed speakers. There is no diarization model in
// scope; this is a deliberately simple two-speaker alternation.
const diarizationGapMs = 2000

func (p *Pool) stageDiarizing(ctx context.Context, job *models.TranscriptionJob) error {
	merged, err := p.loadMerging(ctx, job.JobID)
	if err != nil {
		return err
	}
	if !job.EnableDiarization {
		return p.cps.Save(ctx, job.JobID, models.StageDiarizing, diarizingState{WordsWithSpeaker: merged.MergedWords})
	}

	words := make([]models.Word, len(merged.MergedWords))
	copy(words, merged.MergedWords)
	speaker := 0
	var prevEnd int64
	for i := range words {
		if i > 0 && words[i].StartMs-prevEnd > diarizationGapMs {
			speaker = (speaker + 1) % 2
		}
		words[i].SpeakerID = fmt.Sprintf("speaker_%d", speaker)
		prevEnd = words[i].EndMs
	}

	return p.cps.Save(ctx, job.JobID, models.StageDiarizing, diarizingState{WordsWithSpeaker: words})
}

func (p *Pool) stageGeneratingOutputs(ctx context.Context, job *models.TranscriptionJob) error {
	raw, ok, err := p.cps.Load(ctx, job.JobID, models.StageDiarizing)
	if err != nil {
		return err
	}
	if !ok {
		return coreerr.New(coreerr.Internal, "diarizing checkpoint missing")
	}
	var diarized diarizingState
	if err := unmarshalCheckpoint(raw, &diarized); err != nil {
		return err
	}
	words := diarized.WordsWithSpeaker

	createdAt := time.Now().UTC()
	keys := make(map[models.ArtifactKind]string, 4)
	var artifactBytes int64

	txtData := []byte(artifact.TXT(words))
	txtKey, err := p.writeArtifact(ctx, job, models.ArtifactTxt, txtData)
	if err != nil {
		return err
	}
	keys[models.ArtifactTxt] = txtKey
	artifactBytes += int64(len(txtData))

	jsonBytes, err := artifact.JSON(job.JobID, words, createdAt)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "render json artifact", err)
	}
	jsonKey, err := p.writeArtifact(ctx, job, models.ArtifactJSON, jsonBytes)
	if err != nil {
		return err
	}
	keys[models.ArtifactJSON] = jsonKey
	artifactBytes += int64(len(jsonBytes))

	srtData := []byte(artifact.SRT(words))
	srtKey, err := p.writeArtifact(ctx, job, models.ArtifactSRT, srtData)
	if err != nil {
		return err
	}
	keys[models.ArtifactSRT] = srtKey
	artifactBytes += int64(len(srtData))

	vttData := []byte(artifact.VTT(words))
	vttKey, err := p.writeArtifact(ctx, job, models.ArtifactVTT, vttData)
	if err != nil {
		return err
	}
	keys[models.ArtifactVTT] = vttKey
	artifactBytes += int64(len(vttData))

	for kind, key := range keys {
		if err := p.jobs.RecordArtifact(ctx, job.JobID, kind, key); err != nil {
			return err
		}
	}

	var durationS float64
	if len(words) > 0 {
		durationS = float64(words[len(words)-1].EndMs) / 1000
	}
	if err := p.jobs.Finish(ctx, job.JobID, len(words), durationS); err != nil {
		return err
	}

	const bytesPerGB = 1 << 30
	if err := p.quota.RecordUsage(ctx, job.OwnerID, durationS/60, float64(artifactBytes)/bytesPerGB); err != nil {
		p.logger.Warn("pipeline: record quota usage failed", zap.String("job_id", job.JobID), zap.Error(err))
	}

	return p.cps.Save(ctx, job.JobID, models.StageGeneratingOutputs, outputsState{ArtifactKeys: keys})
}

func (p *Pool) writeArtifact(ctx context.Context, job *models.TranscriptionJob, kind models.ArtifactKind, data []byte) (string, error) {
	key := fmt.Sprintf("jobs/%s/artifacts/%s", job.JobID, kind)
	if err := p.blobs.Put(ctx, key, data, map[string]string{"owner_id": job.OwnerID, "content_type": contentTypeFor(kind)}); err != nil {
		return "", err
	}
	return key, nil
}

func contentTypeFor(kind models.ArtifactKind) string {
	switch kind {
	case models.ArtifactJSON:
		return "application/json"
	case models.ArtifactSRT:
		return "application/x-subrip"
	case models.ArtifactVTT:
		return "text/vtt"
	default:
		return "text/plain"
	}
}

func unmarshalCheckpoint(raw []byte, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return coreerr.Wrap(coreerr.Internal, "decode checkpoint state", err)
	}
	return nil
}
