package artifact

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediascribe/coreplane/internal/models"
)

func sampleWords() []models.Word {
	words := make([]models.Word, 0, 12)
	for i := 0; i < 12; i++ {
		start := int64(i * 400)
		words = append(words, models.Word{Text: "w" + string(rune('a'+i)), StartMs: start, EndMs: start + 300, Confidence: 0.9})
	}
	return words
}

func TestTXT_SpaceJoinedNoTrailingNewline(t *testing.T) {
	words := []models.Word{{Text: "hello"}, {Text: "world"}}
	got := TXT(words)
	assert.Equal(t, "hello world", got)
	assert.False(t, len(got) > 0 && got[len(got)-1] == '\n')
}

func TestTXT_EmptyWords(t *testing.T) {
	assert.Equal(t, "", TXT(nil))
}

func TestJSON_Shape(t *testing.T) {
	words := []models.Word{
		{Text: "hi", StartMs: 0, EndMs: 200, Confidence: 0.9},
		{Text: "there", StartMs: 200, EndMs: 500, Confidence: 0.8},
	}
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	raw, err := JSON("job-1", words, createdAt)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "job-1", doc.SessionOrJobID)
	assert.Equal(t, "hi there", doc.Transcript)
	assert.Equal(t, 2, doc.Metadata.TotalWords)
	assert.Equal(t, int64(500), doc.Metadata.DurationMs)
	assert.Equal(t, "2026-01-02T03:04:05.000Z", doc.Metadata.CreatedAtISO)
}

func TestJSON_DeterministicModuloCreatedAt(t *testing.T) {
	words := sampleWords()
	a, err := JSON("job-1", words, time.Unix(0, 0))
	require.NoError(t, err)
	b, err := JSON("job-1", words, time.Unix(1000, 0))
	require.NoError(t, err)

	var docA, docB map[string]interface{}
	require.NoError(t, json.Unmarshal(a, &docA))
	require.NoError(t, json.Unmarshal(b, &docB))
	delete(docA["metadata"].(map[string]interface{}), "created_at_iso")
	delete(docB["metadata"].(map[string]interface{}), "created_at_iso")
	assert.Equal(t, docA, docB)
}

func TestSRT_CueBreaksAtTenWords(t *testing.T) {
	words := sampleWords()
	out := SRT(words)
	assert.Contains(t, out, "1\n00:00:00,000 --> ")
	assert.Contains(t, out, "2\n")
	assert.NotContains(t, out, "\n\n\n")
}

func TestSRT_CueBreaksAtSpanLimit(t *testing.T) {
	words := []models.Word{
		{Text: "a", StartMs: 0, EndMs: 100},
		{Text: "b", StartMs: 5200, EndMs: 5300},
		{Text: "c", StartMs: 5400, EndMs: 5500},
	}
	out := SRT(words)
	assert.Contains(t, out, "1\n00:00:00,000 --> 00:00:05,300\na b\n")
	assert.Contains(t, out, "2\n00:00:05,400 --> 00:00:05,500\nc")
}

func TestVTT_HeaderAndTimestampFormat(t *testing.T) {
	words := []models.Word{{Text: "hi", StartMs: 61005, EndMs: 61500}}
	out := VTT(words)
	assert.True(t, len(out) > 6 && out[:6] == "WEBVTT")
	assert.Contains(t, out, "00:01:01.005 --> 00:01:01.500")
}

func TestSRT_EmptyWordsProducesEmptyOutput(t *testing.T) {
	assert.Equal(t, "", SRT(nil))
}
