package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func mkStream(ts string, track, artist string, msPlayed, durationMs int64) Stream {
	t, _ := time.Parse(time.RFC3339, ts)
	s := Stream{
		Timestamp:       t,
		Track:           track,
		Artist:          artist,
		MsPlayed:        msPlayed,
		TrackDurationMs: durationMs,
	}
	s.EnrichCompletion()
	return s
}

func TestEnrichCompletionClassifiesPlayType(t *testing.T) {
	full := mkStream("2026-01-01T00:00:00Z", "A", "Artist", 190000, 200000)
	assert.Equal(t, PlayTypeFull, full.PlayType)
	assert.InDelta(t, 0.95, full.CompletionRatio, 0.001)

	partial := mkStream("2026-01-01T00:00:00Z", "A", "Artist", 100000, 200000)
	assert.Equal(t, PlayTypePartial, partial.PlayType)

	skip := mkStream("2026-01-01T00:00:00Z", "A", "Artist", 10000, 200000)
	assert.Equal(t, PlayTypeSkip, skip.PlayType)

	noDuration := mkStream("2026-01-01T00:00:00Z", "A", "Artist", 5000, 0)
	assert.Equal(t, PlayTypeFull, noDuration.PlayType)
	assert.Equal(t, float64(1), noDuration.CompletionRatio)

	silent := mkStream("2026-01-01T00:00:00Z", "A", "Artist", 0, 0)
	assert.Equal(t, PlayTypeSkip, silent.PlayType)
	assert.Equal(t, float64(0), silent.CompletionRatio)
}

func TestEnrichCompletionClampsOverrun(t *testing.T) {
	s := mkStream("2026-01-01T00:00:00Z", "A", "Artist", 500000, 200000)
	assert.Equal(t, float64(1), s.CompletionRatio)
	assert.Equal(t, PlayTypeFull, s.PlayType)
}

func TestSortMergeDedupOrdersAndCollapses(t *testing.T) {
	s1 := mkStream("2026-01-02T00:00:00Z", "B", "Artist", 200000, 200000)
	s2 := mkStream("2026-01-01T00:00:00Z", "A", "Artist", 200000, 200000)
	dup := mkStream("2026-01-01T00:00:00Z", "A", "Artist", 200000, 200000)

	deduped, dupCount := SortMergeDedup([]Stream{s1, s2, dup})
	assert.Equal(t, 1, dupCount)
	assert.Len(t, deduped, 2)
	assert.Equal(t, "A", deduped[0].Track)
	assert.Equal(t, "B", deduped[1].Track)
}

func TestUniqueCounts(t *testing.T) {
	streams := []Stream{
		mkStream("2026-01-01T00:00:00Z", "A", "Artist1", 1, 1),
		mkStream("2026-01-01T00:01:00Z", "A", "Artist1", 1, 1),
		mkStream("2026-01-01T00:02:00Z", "B", "Artist1", 1, 1),
		mkStream("2026-01-01T00:03:00Z", "C", "Artist2", 1, 1),
	}
	assert.Equal(t, 2, UniqueArtistCount(streams))
	assert.Equal(t, 3, UniqueTrackCount(streams))
}

// TestDetectOverlapScenarioS1 covers spec.md §8 scenario S1: a second upload
// whose range is fully contained within an already-ingested range.
func TestDetectOverlapScenarioS1(t *testing.T) {
	existing := []Stream{
		mkStream("2026-01-01T00:00:00Z", "A", "Artist", 200000, 200000),
		mkStream("2026-01-10T00:00:00Z", "B", "Artist", 200000, 200000),
	}
	incoming := []Stream{
		mkStream("2026-01-01T00:00:00Z", "A", "Artist", 200000, 200000), // exact dup
		mkStream("2026-01-05T00:00:00Z", "C", "Artist", 200000, 200000), // new, inside range
	}

	stats := DetectOverlap(existing, incoming)
	assert.Equal(t, 1, stats.ExactDuplicate)
	assert.Equal(t, 1, stats.UniqueNew)
	assert.True(t, stats.OverlapDays >= 0)
}

// TestDetectOverlapScenarioS2 covers spec.md §8 scenario S2: no temporal
// overlap at all between existing and incoming ranges.
func TestDetectOverlapScenarioS2(t *testing.T) {
	existing := []Stream{
		mkStream("2026-01-01T00:00:00Z", "A", "Artist", 200000, 200000),
	}
	incoming := []Stream{
		mkStream("2027-01-01T00:00:00Z", "Z", "Artist", 200000, 200000),
	}

	stats := DetectOverlap(existing, incoming)
	assert.Equal(t, 0, stats.ExactDuplicate)
	assert.Equal(t, 1, stats.UniqueNew)
	assert.True(t, stats.OverlapStart.IsZero())
	assert.True(t, stats.OverlapEnd.IsZero())
}

func TestDetectOverlapEmptyExisting(t *testing.T) {
	incoming := []Stream{mkStream("2026-01-01T00:00:00Z", "A", "Artist", 1, 1)}
	stats := DetectOverlap(nil, incoming)
	assert.Equal(t, 1, stats.UniqueNew)
	assert.Equal(t, 0, stats.ExactDuplicate)
}
