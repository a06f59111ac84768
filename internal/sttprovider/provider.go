// Package sttprovider implements the STT Provider Façade (§4.4): a single
// transcribe call with retry, fallback, and uniform-interval timestamp
// synthesis, shielding the rest of the system from provider-specific
// error shapes.
package sttprovider

import (
	"context"
	"time"

	"github.com/mediascribe/coreplane/internal/models"
)

// TranscribeOpts carries the optional hints a caller may supply.
type TranscribeOpts struct {
	SessionID string
	ChunkIdx  *int
	Language  string
}

// Result is the façade's uniform response shape, regardless of which
// provider ultimately served the request.
type Result struct {
	Text       string
	Words      []models.Word
	Confidence float64
	Language   string
	DurationS  float64
}

// Backend is a single provider's raw transcription call, implemented by
// whatever HTTP client sits behind the façade. Kept deliberately minimal;
// the real third-party STT API is a non-goal.
type Backend interface {
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOpts) (Result, error)
	Name() string
}

// backoffSchedule is the fixed 2s/4s/8s exponential backoff on the primary
// provider before falling back.
var backoffSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// SynthesizeTimestamps fills in uniform-interval word timestamps and a
// confidence of 0.0 when a provider response omits per-word timing, so the
// rolling-state merger always prefers overlapping high-confidence words
// over synthesized ones.
func SynthesizeTimestamps(words []string, chunkStartMs, chunkEndMs int64) []models.Word {
	n := len(words)
	if n == 0 {
		return nil
	}
	span := chunkEndMs - chunkStartMs
	if span <= 0 {
		span = int64(n) * 200
	}
	step := span / int64(n)
	out := make([]models.Word, n)
	for i, w := range words {
		start := chunkStartMs + int64(i)*step
		end := start + step
		if i == n-1 {
			end = chunkEndMs
		}
		out[i] = models.Word{Text: w, StartMs: start, EndMs: end, Confidence: 0.0}
	}
	return out
}
