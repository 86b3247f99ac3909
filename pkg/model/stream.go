// Package model holds the core data types derived from a user's exported
// streaming history, per spec.md §3.
package model

import (
	"sort"
	"time"
)

// PlayType classifies how much of a track was actually heard.
type PlayType string

const (
	PlayTypeFull    PlayType = "full"
	PlayTypePartial PlayType = "partial"
	PlayTypeSkip    PlayType = "skip"
)

// Stream is a single enriched play record, per spec.md §3.
type Stream struct {
	Timestamp        time.Time `json:"timestamp"`
	Track            string    `json:"track"`
	Artist           string    `json:"artist"`
	Album            string    `json:"album,omitempty"`
	MsPlayed         int64     `json:"ms_played"`
	CompletionRatio  float64   `json:"completion_ratio"`
	PlayType         PlayType  `json:"play_type"`
	SourcePlatform   string    `json:"source_platform,omitempty"`
	Shuffle          bool      `json:"shuffle,omitempty"`
	Skipped          bool      `json:"skipped,omitempty"`
	Offline          bool      `json:"offline,omitempty"`
	StartReason      string    `json:"start_reason,omitempty"`
	EndReason        string    `json:"end_reason,omitempty"`
	TrackDurationMs  int64     `json:"track_duration_ms,omitempty"`
}

// DedupKey returns the (timestamp, track, artist) tuple used to collapse
// duplicate records during normalization.
func (s Stream) DedupKey() string {
	return s.Timestamp.UTC().Format(time.RFC3339Nano) + "\x00" + s.Track + "\x00" + s.Artist
}

// HasArtist reports whether the artist field is non-blank, used to exclude
// null/blank artists from unique-artist counts while still tolerating them
// in the stream list itself.
func (s Stream) HasArtist() bool {
	return s.Artist != ""
}

// EnrichCompletion derives CompletionRatio and PlayType from MsPlayed and
// TrackDurationMs. When duration is unknown (<=0), a play with any playback
// gets ratio 1 and is treated as "full" (to avoid over-counting skips for
// data the source never reported a duration for); a play with no playback
// gets ratio 0 and is a "skip".
func (s *Stream) EnrichCompletion() {
	switch {
	case s.TrackDurationMs > 0:
		ratio := float64(s.MsPlayed) / float64(s.TrackDurationMs)
		if ratio > 1 {
			ratio = 1
		}
		if ratio < 0 {
			ratio = 0
		}
		s.CompletionRatio = ratio
		switch {
		case s.Skipped || ratio < 0.25:
			s.PlayType = PlayTypeSkip
		case ratio < 0.9:
			s.PlayType = PlayTypePartial
		default:
			s.PlayType = PlayTypeFull
		}
	case s.MsPlayed > 0:
		s.CompletionRatio = 1
		s.PlayType = PlayTypeFull
	default:
		s.CompletionRatio = 0
		s.PlayType = PlayTypeSkip
	}
}

// SortMergeDedup sorts streams by timestamp and removes duplicate
// (timestamp, track, artist) tuples, keeping the first occurrence. It
// returns the deduplicated, sorted slice along with the number of exact
// duplicates that were collapsed.
func SortMergeDedup(streams []Stream) (deduped []Stream, duplicateCount int) {
	sorted := make([]Stream, len(streams))
	copy(sorted, streams)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	seen := make(map[string]bool, len(sorted))
	deduped = make([]Stream, 0, len(sorted))
	for _, s := range sorted {
		key := s.DedupKey()
		if seen[key] {
			duplicateCount++
			continue
		}
		seen[key] = true
		deduped = append(deduped, s)
	}
	return deduped, duplicateCount
}

// UniqueArtistCount returns the number of distinct non-blank artist names.
func UniqueArtistCount(streams []Stream) int {
	set := make(map[string]bool)
	for _, s := range streams {
		if s.HasArtist() {
			set[s.Artist] = true
		}
	}
	return len(set)
}

// UniqueTrackCount returns the number of distinct (artist, track) pairs.
func UniqueTrackCount(streams []Stream) int {
	set := make(map[string]bool)
	for _, s := range streams {
		set[s.Artist+"\x00"+s.Track] = true
	}
	return len(set)
}

// OverlapStats describes the temporal overlap between a newly parsed batch
// of streams and streams already present in storage, per spec.md §4.4
// "Overlap detection".
type OverlapStats struct {
	OverlapStart   time.Time
	OverlapEnd     time.Time
	OverlapDays    int
	ExactDuplicate int
	UniqueNew      int
}

// DetectOverlap compares incoming streams against existing ones and reports
// the temporal overlap window, exact-duplicate count, and unique-new count.
func DetectOverlap(existing, incoming []Stream) OverlapStats {
	if len(existing) == 0 || len(incoming) == 0 {
		return OverlapStats{UniqueNew: len(incoming)}
	}

	existingKeys := make(map[string]bool, len(existing))
	minExisting, maxExisting := existing[0].Timestamp, existing[0].Timestamp
	for _, s := range existing {
		existingKeys[s.DedupKey()] = true
		if s.Timestamp.Before(minExisting) {
			minExisting = s.Timestamp
		}
		if s.Timestamp.After(maxExisting) {
			maxExisting = s.Timestamp
		}
	}

	minIncoming, maxIncoming := incoming[0].Timestamp, incoming[0].Timestamp
	exact := 0
	for _, s := range incoming {
		if existingKeys[s.DedupKey()] {
			exact++
		}
		if s.Timestamp.Before(minIncoming) {
			minIncoming = s.Timestamp
		}
		if s.Timestamp.After(maxIncoming) {
			maxIncoming = s.Timestamp
		}
	}

	overlapStart := maxTime(minExisting, minIncoming)
	overlapEnd := minTime(maxExisting, maxIncoming)

	stats := OverlapStats{
		ExactDuplicate: exact,
		UniqueNew:      len(incoming) - exact,
	}
	if overlapEnd.After(overlapStart) {
		stats.OverlapStart = overlapStart
		stats.OverlapEnd = overlapEnd
		stats.OverlapDays = int(overlapEnd.Sub(overlapStart).Hours() / 24)
	}
	return stats
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
