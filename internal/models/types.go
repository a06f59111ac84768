// Package models defines the shared data types of the transcription core:
// upload sessions, streaming rolling state, transcription jobs, artifacts,
// and quota usage, per the data model.
package models

import "time"

// UploadStatus is the lifecycle state of a resumable chunked upload.
type UploadStatus string

const (
	UploadActive    UploadStatus = "active"
	UploadCompleted UploadStatus = "completed"
	UploadCancelled UploadStatus = "cancelled"
	UploadExpired   UploadStatus = "expired"
)

// UploadSession tracks the chunk inventory of one resumable upload.
type UploadSession struct {
	UploadID       string          `json:"upload_id"`
	Filename       string          `json:"filename"`
	TotalSize      int64           `json:"total_size"`
	MimeType       string          `json:"mime_type"`
	ChunkSize      int64           `json:"chunk_size"`
	OwnerID        string          `json:"owner_id"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Status         UploadStatus    `json:"status"`
	ChunksUploaded map[int]bool    `json:"chunks_uploaded"`
	FinalBlobKey   string          `json:"final_blob_key,omitempty"`
	SHA256         string          `json:"sha256,omitempty"`
}

// TotalChunks returns the number of chunks the upload is divided into.
func (u *UploadSession) TotalChunks() int {
	if u.ChunkSize <= 0 {
		return 0
	}
	n := u.TotalSize / u.ChunkSize
	if u.TotalSize%u.ChunkSize != 0 {
		n++
	}
	return int(n)
}

// ChunkSizeFor returns the expected byte size of a given chunk index,
// accounting for a shorter final chunk.
func (u *UploadSession) ChunkSizeFor(idx int) int64 {
	total := u.TotalChunks()
	if idx < 0 || idx >= total {
		return 0
	}
	if idx == total-1 {
		last := u.TotalSize % u.ChunkSize
		if last == 0 {
			return u.ChunkSize
		}
		return last
	}
	return u.ChunkSize
}

// IsComplete reports whether every chunk index has been received.
func (u *UploadSession) IsComplete() bool {
	total := u.TotalChunks()
	if total == 0 {
		return false
	}
	for i := 0; i < total; i++ {
		if !u.ChunksUploaded[i] {
			return false
		}
	}
	return true
}

// MissingChunks returns the sorted list of chunk indices not yet uploaded.
func (u *UploadSession) MissingChunks() []int {
	total := u.TotalChunks()
	missing := make([]int, 0)
	for i := 0; i < total; i++ {
		if !u.ChunksUploaded[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Word is a single time-aligned transcript token.
type Word struct {
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
	SpeakerID  string  `json:"speaker_id,omitempty"`
}

// ChunkRecord is the per-chunk metadata stored for a streaming session.
type ChunkRecord struct {
	Idx        int       `json:"idx"`
	BlobRef    string    `json:"blob_ref"`
	Size       int64     `json:"size"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Codec      string    `json:"codec,omitempty"`
	ChunkMs    int64     `json:"chunk_ms"`
	OverlapMs  int64     `json:"overlap_ms"`
	UploadedAt time.Time `json:"uploaded_at"`
	OwnerID    string    `json:"owner_id"`
}

// RollingState is the per-session rolling transcript state manipulated by
// the merger.
type RollingState struct {
	SessionID        string    `json:"session_id"`
	LastCommittedMs  int64     `json:"last_committed_ms"`
	TailBuffer       []Word    `json:"tail_buffer"`
	CommittedWords   []Word    `json:"committed_words"`
	ReceivedIdx      *Bitset   `json:"received_idx"`
	LastSeq          int       `json:"last_seq"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// JobStatus is the lifecycle state of a batch transcription job.
type JobStatus string

const (
	JobCreated    JobStatus = "created"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Stage is one step of the batch pipeline, in execution order.
type Stage string

const (
	StageValidating        Stage = "validating"
	StageTranscoding        Stage = "transcoding"
	StageSegmenting         Stage = "segmenting"
	StageDetectingLanguage  Stage = "detecting_language"
	StageTranscribing       Stage = "transcribing"
	StageMerging            Stage = "merging"
	StageDiarizing          Stage = "diarizing"
	StageGeneratingOutputs  Stage = "generating_outputs"
)

// Stages is the fixed pipeline order.
var Stages = []Stage{
	StageValidating,
	StageTranscoding,
	StageSegmenting,
	StageDetectingLanguage,
	StageTranscribing,
	StageMerging,
	StageDiarizing,
	StageGeneratingOutputs,
}

// StageIndex returns the position of a stage in the fixed pipeline order,
// or -1 if unknown.
func StageIndex(s Stage) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// TranscriptionJob is the durable record of one batch transcription run.
type TranscriptionJob struct {
	JobID              string             `json:"job_id"`
	OwnerID            string             `json:"owner_id"`
	SourceBlobKey      string             `json:"source_blob_key"`
	Filename           string             `json:"filename"`
	MimeType           string             `json:"mime_type"`
	TotalSize          int64              `json:"total_size"`
	Language           string             `json:"language,omitempty"`
	EnableDiarization  bool               `json:"enable_diarization"`
	Status             JobStatus          `json:"status"`
	CurrentStage       Stage              `json:"current_stage"`
	StageProgress      map[Stage]float64  `json:"stage_progress"`
	StageDurations     map[Stage]float64  `json:"stage_durations"`
	RetryCount         int                `json:"retry_count"`
	MaxRetries         int                `json:"max_retries"`
	ErrorCode          string             `json:"error_code,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	DetectedLanguage   string             `json:"detected_language,omitempty"`
	TotalDurationS     float64            `json:"total_duration_s,omitempty"`
	WordCount          int                `json:"word_count,omitempty"`
	ArtifactKeys       map[ArtifactKind]string `json:"artifact_keys,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// NewTranscriptionJob builds a fresh job record in the created state.
func NewTranscriptionJob(jobID, ownerID, sourceBlobKey, filename, mimeType string, totalSize int64) *TranscriptionJob {
	now := time.Now().UTC()
	return &TranscriptionJob{
		JobID:          jobID,
		OwnerID:        ownerID,
		SourceBlobKey:  sourceBlobKey,
		Filename:       filename,
		MimeType:       mimeType,
		TotalSize:      totalSize,
		Status:         JobCreated,
		StageProgress:  make(map[Stage]float64),
		StageDurations: make(map[Stage]float64),
		ArtifactKeys:   make(map[ArtifactKind]string),
		MaxRetries:     3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ArtifactKind enumerates the four output formats.
type ArtifactKind string

const (
	ArtifactTxt  ArtifactKind = "txt"
	ArtifactJSON ArtifactKind = "json"
	ArtifactSRT  ArtifactKind = "srt"
	ArtifactVTT  ArtifactKind = "vtt"
)

// Artifact is a single persisted output of a job run.
type Artifact struct {
	JobID       string       `json:"job_id"`
	Kind        ArtifactKind `json:"kind"`
	BlobKey     string       `json:"blob_key"`
	Size        int64        `json:"size"`
	SHA256      string       `json:"sha256"`
	CreatedAt   time.Time    `json:"created_at"`
	ContentType string       `json:"content_type"`
}

// QuotaUsage tracks per-user rolling resource consumption.
type QuotaUsage struct {
	UserID            string `json:"user_id"`
	MinutesUsedToday  float64 `json:"minutes_used_today"`
	MinutesUsedMonth  float64 `json:"minutes_used_month"`
	StorageUsedGB     float64 `json:"storage_used_gb"`
	APICallsThisHour  int     `json:"api_calls_this_hour"`
	ActiveJobs        int     `json:"active_jobs"`
	LastResetDay      int     `json:"last_reset_day"`
	LastResetHour     int     `json:"last_reset_hour"`
}

// Tier is a subscription tier governing quota limits.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)
