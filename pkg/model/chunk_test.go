package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkifyWeeklyPartitionsExactly(t *testing.T) {
	streams := []Stream{
		mkStream("2026-01-05T00:00:00Z", "A", "Artist1", 1, 1), // Monday
		mkStream("2026-01-06T00:00:00Z", "B", "Artist1", 1, 1), // Tuesday, same week
		mkStream("2026-01-12T00:00:00Z", "C", "Artist2", 1, 1), // next week
	}

	chunks := Chunkify(streams, BucketWeekly)
	total := 0
	for _, c := range chunks {
		total += c.StreamCount
	}
	assert.Equal(t, len(streams), total)
	assert.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[0].StreamCount)
	assert.Equal(t, 1, chunks[1].StreamCount)
}

func TestChunkifyMonthlyGroupsByCalendarMonth(t *testing.T) {
	streams := []Stream{
		mkStream("2026-01-01T00:00:00Z", "A", "Artist1", 1, 1),
		mkStream("2026-01-31T23:00:00Z", "B", "Artist1", 1, 1),
		mkStream("2026-02-01T00:00:00Z", "C", "Artist2", 1, 1),
	}

	chunks := Chunkify(streams, BucketMonthly)
	assert.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[0].StreamCount)
	assert.Equal(t, 1, chunks[1].StreamCount)
	assert.Equal(t, 1, chunks[0].UniqueArtists)
}

func TestChunkifyEmptyBucketsOmitted(t *testing.T) {
	chunks := Chunkify(nil, BucketWeekly)
	assert.Empty(t, chunks)
}

func TestChunkifyOrderIsFirstSeen(t *testing.T) {
	streams := []Stream{
		mkStream("2026-02-01T00:00:00Z", "A", "Artist1", 1, 1),
		mkStream("2026-01-01T00:00:00Z", "B", "Artist2", 1, 1),
	}
	chunks := Chunkify(streams, BucketMonthly)
	assert.Len(t, chunks, 2)
	assert.True(t, chunks[0].Start.Month() == 2)
	assert.True(t, chunks[1].Start.Month() == 1)
}
