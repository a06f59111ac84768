// Package artifact implements the Artifact Writer (§4.9): deterministic
// txt/json/srt/vtt rendering from a final, sorted word list. All four
// formats derive from the same input, so regenerating them is expected
// to be byte-identical modulo the JSON artifact's created_at timestamp.
package artifact

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mediascribe/coreplane/internal/models"
)

// cueWordLimit and cueSpanLimitMs are the SRT/VTT cue-grouping thresholds:
// a cue closes when either is reached.
const (
	cueWordLimit   = 10
	cueSpanLimitMs = 5000
)

// Metadata describes the JSON artifact's derived summary fields.
type Metadata struct {
	TotalWords   int    `json:"total_words"`
	DurationMs   int64  `json:"duration_ms"`
	CreatedAtISO string `json:"created_at_iso"`
}

// Document is the JSON artifact's top-level shape.
type Document struct {
	SessionOrJobID string        `json:"session_or_job_id"`
	Transcript     string        `json:"transcript"`
	Words          []models.Word `json:"words"`
	Metadata       Metadata      `json:"metadata"`
}

// TXT renders the plain-text artifact: word texts joined by single
// spaces, no trailing newline.
func TXT(words []models.Word) string {
	texts := make([]string, len(words))
	for i, w := range words {
		texts[i] = w.Text
	}
	return strings.Join(texts, " ")
}

// JSON renders the JSON artifact.
func JSON(sessionOrJobID string, words []models.Word, createdAt time.Time) ([]byte, error) {
	var duration int64
	if len(words) > 0 {
		duration = words[len(words)-1].EndMs
	}

	doc := Document{
		SessionOrJobID: sessionOrJobID,
		Transcript:     TXT(words),
		Words:          words,
		Metadata: Metadata{
			TotalWords:   len(words),
			DurationMs:   duration,
			CreatedAtISO: createdAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

type cue struct {
	words   []models.Word
	startMs int64
	endMs   int64
}

func groupCues(words []models.Word) []cue {
	var cues []cue
	var current []models.Word
	var spanStart int64

	flush := func() {
		if len(current) == 0 {
			return
		}
		cues = append(cues, cue{
			words:   current,
			startMs: current[0].StartMs,
			endMs:   current[len(current)-1].EndMs,
		})
		current = nil
	}

	for _, w := range words {
		if len(current) == 0 {
			spanStart = w.StartMs
		}
		current = append(current, w)
		if len(current) >= cueWordLimit || w.EndMs-spanStart >= cueSpanLimitMs {
			flush()
		}
	}
	flush()
	return cues
}

// SRT renders the SRT subtitle artifact.
func SRT(words []models.Word) string {
	var b strings.Builder
	for i, c := range groupCues(words) {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, formatSRTTimestamp(c.startMs), formatSRTTimestamp(c.endMs), joinCueWords(c.words))
	}
	return strings.TrimRight(b.String(), "\n")
}

// VTT renders the WebVTT subtitle artifact.
func VTT(words []models.Word) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for i, c := range groupCues(words) {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, formatVTTTimestamp(c.startMs), formatVTTTimestamp(c.endMs), joinCueWords(c.words))
	}
	return strings.TrimRight(b.String(), "\n")
}

func joinCueWords(words []models.Word) string {
	texts := make([]string, len(words))
	for i, w := range words {
		texts[i] = w.Text
	}
	return strings.Join(texts, " ")
}

func formatSRTTimestamp(ms int64) string {
	return formatTimestamp(ms, ",")
}

func formatVTTTimestamp(ms int64) string {
	return formatTimestamp(ms, ".")
}

func formatTimestamp(ms int64, sep string) string {
	if ms < 0 {
		ms = 0
	}
	hours := ms / 3600000
	ms %= 3600000
	minutes := ms / 60000
	ms %= 60000
	seconds := ms / 1000
	millis := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", hours, minutes, seconds, sep, millis)
}
