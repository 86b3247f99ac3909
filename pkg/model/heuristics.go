package model

import "sort"

// HeuristicDetector is a minimal, concrete PatternDetector. spec.md §1
// declares the specific classifier heuristics peripheral to the core — only
// the PatternDetector/PersonalityClassifier interfaces are in scope — but
// main.go still needs something concrete to hand the IngestionController, so
// this derives a handful of uncontroversial aggregate patterns directly from
// the enriched stream/chunk data already produced upstream.
type HeuristicDetector struct{}

// NewHeuristicDetector returns a HeuristicDetector.
func NewHeuristicDetector() *HeuristicDetector { return &HeuristicDetector{} }

// DetectPatterns computes top artist, top track, peak listening hour,
// skip rate, and night-listening share from the given streams.
func (HeuristicDetector) DetectPatterns(streams []Stream, chunks []Chunk) (*PatternSet, error) {
	patterns := NewPatternSet()

	artistCounts := make(map[string]int)
	trackCounts := make(map[string]int)
	var hours [24]int
	var skips, nightPlays int

	for _, s := range streams {
		if s.HasArtist() {
			artistCounts[s.Artist]++
		}
		if s.Track != "" {
			trackCounts[s.Artist+" — "+s.Track]++
		}
		hours[s.Timestamp.UTC().Hour()]++
		if s.PlayType == PlayTypeSkip {
			skips++
		}
		if h := s.Timestamp.UTC().Hour(); h >= 0 && h < 5 {
			nightPlays++
		}
	}

	if artist, count := topKey(artistCounts); artist != "" {
		patterns.Set("topArtist", PatternResult{
			Value:   map[string]any{"artist": artist, "plays": count},
			Summary: artist + " is the most-played artist.",
		})
	}
	if track, count := topKey(trackCounts); track != "" {
		patterns.Set("topTrack", PatternResult{
			Value:   map[string]any{"track": track, "plays": count},
			Summary: track + " is the most-played track.",
		})
	}

	peakHour, peakCount := 0, -1
	for h, c := range hours {
		if c > peakCount {
			peakHour, peakCount = h, c
		}
	}
	patterns.Set("peakListeningHour", PatternResult{
		Value:   peakHour,
		Summary: "Listening peaks around the " + hourLabel(peakHour) + " hour.",
	})

	if len(streams) > 0 {
		skipRate := float64(skips) / float64(len(streams))
		patterns.Set("skipRate", PatternResult{
			Value:   skipRate,
			Summary: "A fraction of plays end in a skip.",
		})

		nightShare := float64(nightPlays) / float64(len(streams))
		patterns.Set("nightListeningShare", PatternResult{
			Value:   nightShare,
			Summary: "Share of plays between midnight and 5am.",
		})
	}

	patterns.Set("chunkCount", PatternResult{
		Value: len(chunks),
	})

	return patterns, nil
}

func topKey(counts map[string]int) (string, int) {
	best, bestCount := "", 0
	for k, c := range counts {
		if c > bestCount {
			best, bestCount = k, c
		}
	}
	return best, bestCount
}

func hourLabel(h int) string {
	switch {
	case h < 5:
		return "late night"
	case h < 12:
		return "morning"
	case h < 17:
		return "afternoon"
	case h < 21:
		return "evening"
	default:
		return "night"
	}
}

// HeuristicClassifier is a minimal, concrete PersonalityClassifier that maps
// the patterns HeuristicDetector produces onto a small fixed set of personas.
// Like HeuristicDetector, it exists so the ingestion pipeline has a working
// default; the labels and thresholds are illustrative, not a core deliverable.
type HeuristicClassifier struct{}

// NewHeuristicClassifier returns a HeuristicClassifier.
func NewHeuristicClassifier() *HeuristicClassifier { return &HeuristicClassifier{} }

// Classify derives a Personality from a PatternSet using simple thresholds
// on the night-listening share and skip rate, falling back to a neutral
// "Eclectic Listener" persona when no pattern clears a threshold.
func (HeuristicClassifier) Classify(patterns *PatternSet) (*Personality, error) {
	evidence := make([]string, 0, 4)
	for name := range patterns.Patterns {
		evidence = append(evidence, name)
	}
	sort.Strings(evidence)

	nightShare, _ := floatValue(patterns, "nightListeningShare")
	skipRate, _ := floatValue(patterns, "skipRate")

	var p Personality
	switch {
	case nightShare >= 0.3:
		p = Personality{
			Label:       "The Night Owl",
			Emoji:       "\U0001F989",
			Tagline:     "Still listening long after the sun's gone down.",
			Description: "A meaningful share of your plays land between midnight and 5am.",
		}
	case skipRate >= 0.4:
		p = Personality{
			Label:       "The Restless Skipper",
			Emoji:       "⏭️",
			Tagline:     "Always one tap from the next track.",
			Description: "You skip through a large share of what plays, hunting for the right song.",
		}
	default:
		p = Personality{
			Label:       "The Eclectic Listener",
			Emoji:       "\U0001F3A7",
			Tagline:     "A little of everything, all the time.",
			Description: "No single pattern dominates your listening — you spread it around.",
		}
	}

	p.Evidence = evidence
	if r, ok := patterns.Get("topArtist"); ok {
		p.Summary = r.Summary
	}
	p.IsDemoData = patterns.IsDemoData

	return &p, nil
}

func floatValue(patterns *PatternSet, name string) (float64, bool) {
	r, ok := patterns.Get(name)
	if !ok {
		return 0, false
	}
	v, ok := r.Value.(float64)
	return v, ok
}
