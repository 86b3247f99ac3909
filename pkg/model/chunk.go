package model

import "time"

// BucketType identifies the time-bucketing granularity used to chunkify a
// stream timeline, per spec.md §3 "Chunk".
type BucketType string

const (
	BucketWeekly  BucketType = "weekly"
	BucketMonthly BucketType = "monthly"
)

// Chunk is a time-bucketed aggregate of streams.
type Chunk struct {
	BucketID      string     `json:"bucket_id"`
	BucketType    BucketType `json:"bucket_type"`
	Start         time.Time  `json:"start"`
	StreamCount   int        `json:"stream_count"`
	UniqueArtists int        `json:"unique_artists"`
	UniqueTracks  int        `json:"unique_tracks"`
}

// Chunkify partitions streams into non-overlapping time buckets of the
// given type. Empty buckets are omitted, and chunks partition the stream
// timeline exactly: every stream falls into exactly one chunk.
func Chunkify(streams []Stream, bucket BucketType) []Chunk {
	buckets := make(map[string][]Stream)
	order := make([]string, 0)

	for _, s := range streams {
		start := bucketStart(s.Timestamp, bucket)
		key := start.Format(time.RFC3339)
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], s)
	}

	chunks := make([]Chunk, 0, len(order))
	for _, key := range order {
		group := buckets[key]
		if len(group) == 0 {
			continue
		}
		start, _ := time.Parse(time.RFC3339, key)
		chunks = append(chunks, Chunk{
			BucketID:      string(bucket) + ":" + key,
			BucketType:    bucket,
			Start:         start,
			StreamCount:   len(group),
			UniqueArtists: UniqueArtistCount(group),
			UniqueTracks:  UniqueTrackCount(group),
		})
	}
	return chunks
}

func bucketStart(t time.Time, bucket BucketType) time.Time {
	t = t.UTC()
	switch bucket {
	case BucketMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // weekly
		weekday := int(t.Weekday())
		days := t.AddDate(0, 0, -weekday)
		return time.Date(days.Year(), days.Month(), days.Day(), 0, 0, 0, 0, time.UTC)
	}
}
