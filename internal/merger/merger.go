// Package merger implements the Rolling-State Merger (§4.6.1): the core
// algorithm that folds a newly transcribed chunk into a streaming
// session's tail buffer, resolving overlaps by a confidence margin and
// promoting stable words across the commit boundary.
package merger

import (
	"sort"
	"strings"

	"github.com/mediascribe/coreplane/internal/models"
)

// EventType is one of the three events the merger can emit.
type EventType string

const (
	EventPartial EventType = "partial"
	EventCommit  EventType = "commit"
)

// Event is a merger output destined for the Event Bus.
type Event struct {
	Type      EventType
	Text      string
	StartMs   int64
	EndMs     int64
	WordCount int
	Words     []models.Word
}

// confidenceMargin is the strict 10% confidence margin new words must
// exceed to displace existing overlapping words.
const confidenceMargin = 0.1

// Upsert merges one newly transcribed chunk into state and returns the
// events produced, per the seven-step algorithm in §4.6.1. Returns nil
// events without mutating state when chunkIdx was already received.
func Upsert(state *models.RollingState, chunkIdx int, words []models.Word, avgConfidence float64, chunkStartMs, chunkEndMs, chunkMs, overlapMs, commitWindowMs int64) []Event {
	if state.ReceivedIdx == nil {
		state.ReceivedIdx = models.NewBitset()
	}

	// 1. Idempotence.
	if state.ReceivedIdx.Has(chunkIdx) {
		return nil
	}

	// 2. Mark received.
	state.ReceivedIdx.Set(chunkIdx)
	if chunkIdx > state.LastSeq {
		state.LastSeq = chunkIdx
	}

	if len(words) == 0 {
		// STT returned empty words: no-op, no events, but the chunk is
		// still marked received so a later idempotent retry short-circuits.
		return nil
	}

	// 3. Overlap resolution.
	overlapStart := chunkStartMs - overlapMs
	overlapEnd := chunkStartMs + overlapMs

	existingOverlap, nonOverlapTail := splitByInterval(state.TailBuffer, overlapStart, overlapEnd)
	newOverlap, nonOverlapNew := splitByInterval(words, overlapStart, overlapEnd)

	selected := selectOverlap(existingOverlap, newOverlap, avgConfidence)

	combined := make([]models.Word, 0, len(selected)+len(nonOverlapTail)+len(nonOverlapNew))
	combined = append(combined, selected...)
	combined = append(combined, nonOverlapTail...)
	combined = append(combined, nonOverlapNew...)

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].StartMs < combined[j].StartMs
	})
	combined = dedupeByStart(combined)

	state.TailBuffer = combined

	// 4. Commit boundary.
	commitBoundaryMs := chunkStartMs + chunkIdx*chunkMs - commitWindowMs

	var toCommit, remaining []models.Word
	for _, w := range state.TailBuffer {
		if w.EndMs <= commitBoundaryMs {
			toCommit = append(toCommit, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	state.TailBuffer = remaining

	var events []Event

	if len(toCommit) > 0 {
		state.CommittedWords = append(state.CommittedWords, toCommit...)
		sort.SliceStable(state.CommittedWords, func(i, j int) bool {
			return state.CommittedWords[i].StartMs < state.CommittedWords[j].StartMs
		})

		// 5. Advance last_committed_ms, never backward.
		for _, w := range toCommit {
			if w.EndMs > state.LastCommittedMs {
				state.LastCommittedMs = w.EndMs
			}
		}

		events = append(events, Event{
			Type:      EventCommit,
			Text:      joinWords(toCommit),
			StartMs:   toCommit[0].StartMs,
			EndMs:     toCommit[len(toCommit)-1].EndMs,
			WordCount: len(toCommit),
			Words:     toCommit,
		})
	}

	if len(state.TailBuffer) > 0 {
		events = append(events, Event{
			Type:    EventPartial,
			Text:    joinWords(state.TailBuffer),
			StartMs: state.TailBuffer[0].StartMs,
			EndMs:   state.TailBuffer[len(state.TailBuffer)-1].EndMs,
			Words:   state.TailBuffer,
		})
	}

	return events
}

// Finalize collapses any remaining tail buffer into committed_words even
// though it hasn't crossed the commit boundary, per §4.6.3 step 3, and
// returns a final event carrying the complete word list.
func Finalize(state *models.RollingState) Event {
	if len(state.TailBuffer) > 0 {
		state.CommittedWords = append(state.CommittedWords, state.TailBuffer...)
		sort.SliceStable(state.CommittedWords, func(i, j int) bool {
			return state.CommittedWords[i].StartMs < state.CommittedWords[j].StartMs
		})
		for _, w := range state.TailBuffer {
			if w.EndMs > state.LastCommittedMs {
				state.LastCommittedMs = w.EndMs
			}
		}
		state.TailBuffer = nil
	}

	event := Event{Type: "final", Text: joinWords(state.CommittedWords), Words: state.CommittedWords}
	if len(state.CommittedWords) > 0 {
		event.StartMs = state.CommittedWords[0].StartMs
		event.EndMs = state.CommittedWords[len(state.CommittedWords)-1].EndMs
		event.WordCount = len(state.CommittedWords)
	}
	return event
}

// splitByInterval partitions words into those touching [start, end] and
// those that don't.
func splitByInterval(words []models.Word, start, end int64) (touching, rest []models.Word) {
	for _, w := range words {
		if w.EndMs >= start && w.StartMs <= end {
			touching = append(touching, w)
		} else {
			rest = append(rest, w)
		}
	}
	return touching, rest
}

// selectOverlap picks between the existing and newly transcribed overlap
// sets. New words must exceed the existing mean confidence by a strict
// 10% margin to win; ties and near-ties favor the existing words.
func selectOverlap(existingOverlap, newOverlap []models.Word, avgConfidence float64) []models.Word {
	switch {
	case len(existingOverlap) == 0 && len(newOverlap) == 0:
		return nil
	case len(existingOverlap) == 0:
		return newOverlap
	case len(newOverlap) == 0:
		return existingOverlap
	}

	existingConf := meanConfidence(existingOverlap)
	if avgConfidence > existingConf+confidenceMargin {
		return newOverlap
	}
	return existingOverlap
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

// dedupeByStart keeps the first word at each distinct start_ms, assuming
// combined is already sorted by start_ms.
func dedupeByStart(combined []models.Word) []models.Word {
	if len(combined) == 0 {
		return combined
	}
	out := make([]models.Word, 0, len(combined))
	var lastStart int64
	first := true
	for _, w := range combined {
		if !first && w.StartMs == lastStart {
			continue
		}
		out = append(out, w)
		lastStart = w.StartMs
		first = false
	}
	return out
}

func joinWords(words []models.Word) string {
	texts := make([]string, len(words))
	for i, w := range words {
		texts[i] = w.Text
	}
	return strings.Join(texts, " ")
}
