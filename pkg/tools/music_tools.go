package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"rhythmchamber/pkg/model"
)

// NewMusicRegistry builds the Registry with the five music-domain tools the
// chat orchestrator exposes to the model, replacing teacher's OS-automation
// tool set (pkg/tools/os_tool.go) with the domain this module actually
// analyzes, per spec.md §1's "function-calling dispatch layer".
func NewMusicRegistry() *Registry {
	r := NewRegistry()

	r.Register(&Schema{
		Name:        "getTopArtists",
		Description: "Ranks the listener's artists by play count or total minutes played.",
		Category:    CategoryDataQuery,
		Document: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
				"by":    map[string]any{"type": "string", "enum": []any{"plays", "minutes"}},
			},
		},
	}, ExecutorFunc(getTopArtists))

	r.Register(&Schema{
		Name:        "getListeningStats",
		Description: "Aggregates total streams, minutes played, and unique artist/track counts, optionally bounded by a date range.",
		Category:    CategoryDataQuery,
		Document: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start_date": map[string]any{"type": "string", "format": "date-time"},
				"end_date":   map[string]any{"type": "string", "format": "date-time"},
			},
		},
	}, ExecutorFunc(getListeningStats))

	r.Register(&Schema{
		Name:        "searchTracks",
		Description: "Searches the listener's play history for tracks matching a text query.",
		Category:    CategoryDataQuery,
		Document: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "minLength": 1},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
			},
			"required": []any{"query"},
		},
	}, ExecutorFunc(searchTracks))

	r.Register(&Schema{
		Name:        "getPersonality",
		Description: "Returns the listener's current derived personality label and supporting evidence.",
		Category:    CategoryAnalytics,
		Document: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, ExecutorFunc(getPersonality))

	r.Register(&Schema{
		Name:        "generateShareCardData",
		Description: "Assembles the display copy for a shareable personality card from already-derived results.",
		Category:    CategoryTemplate,
		Document: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, ExecutorFunc(generateShareCardData))

	return r
}

func getTopArtists(ctx context.Context, args map[string]any, backend DataBackend) (any, error) {
	limit := 10
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}
	by := "plays"
	if v, ok := args["by"].(string); ok {
		by = v
	}

	type tally struct {
		plays   int
		msTotal int64
	}
	totals := make(map[string]*tally)
	for _, s := range backend.Streams() {
		if !s.HasArtist() {
			continue
		}
		t, ok := totals[s.Artist]
		if !ok {
			t = &tally{}
			totals[s.Artist] = t
		}
		t.plays++
		t.msTotal += s.MsPlayed
	}

	type ranked struct {
		Artist  string `json:"artist"`
		Plays   int    `json:"plays"`
		Minutes int    `json:"minutes"`
	}
	out := make([]ranked, 0, len(totals))
	for artist, t := range totals {
		out = append(out, ranked{Artist: artist, Plays: t.plays, Minutes: int(t.msTotal / 60000)})
	}

	sort.Slice(out, func(i, j int) bool {
		if by == "minutes" {
			return out[i].Minutes > out[j].Minutes
		}
		return out[i].Plays > out[j].Plays
	})
	if len(out) > limit {
		out = out[:limit]
	}

	return map[string]any{"artists": out}, nil
}

func getListeningStats(ctx context.Context, args map[string]any, backend DataBackend) (any, error) {
	start, hasStart := parseDateArg(args["start_date"])
	end, hasEnd := parseDateArg(args["end_date"])

	var filtered []model.Stream
	for _, s := range backend.Streams() {
		if hasStart && s.Timestamp.Before(start) {
			continue
		}
		if hasEnd && s.Timestamp.After(end) {
			continue
		}
		filtered = append(filtered, s)
	}

	var totalMs int64
	for _, s := range filtered {
		totalMs += s.MsPlayed
	}

	return map[string]any{
		"stream_count":   len(filtered),
		"minutes_played": int(totalMs / 60000),
		"unique_artists": model.UniqueArtistCount(filtered),
		"unique_tracks":  model.UniqueTrackCount(filtered),
	}, nil
}

func searchTracks(ctx context.Context, args map[string]any, backend DataBackend) (any, error) {
	query, _ := args["query"].(string)
	limit := 20
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}
	needle := strings.ToLower(query)

	type hit struct {
		Track  string `json:"track"`
		Artist string `json:"artist"`
		Plays  int    `json:"plays"`
	}
	counts := make(map[string]*hit)
	var order []string
	for _, s := range backend.Streams() {
		if !strings.Contains(strings.ToLower(s.Track), needle) {
			continue
		}
		key := s.Artist + "\x00" + s.Track
		h, ok := counts[key]
		if !ok {
			h = &hit{Track: s.Track, Artist: s.Artist}
			counts[key] = h
			order = append(order, key)
		}
		h.Plays++
	}

	out := make([]*hit, 0, len(order))
	for _, key := range order {
		out = append(out, counts[key])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plays > out[j].Plays })
	if len(out) > limit {
		out = out[:limit]
	}

	return map[string]any{"tracks": out}, nil
}

func getPersonality(ctx context.Context, args map[string]any, backend DataBackend) (any, error) {
	p := backend.Personality()
	if p == nil {
		return nil, &Error{Kind: KindExecutionFailed, Function: "getPersonality", Transient: false,
			msg: "execution_failed: no personality has been derived yet"}
	}
	return map[string]any{
		"label":       p.Label,
		"emoji":       p.Emoji,
		"tagline":     p.Tagline,
		"description": p.Description,
		"evidence":    p.Evidence,
		"is_demo":     p.IsDemoData,
	}, nil
}

func generateShareCardData(ctx context.Context, args map[string]any, backend DataBackend) (any, error) {
	if backend == nil {
		return map[string]any{
			"headline": "Start listening to build your profile.",
			"tagline":  "",
		}, nil
	}
	p := backend.Personality()
	if p == nil {
		return map[string]any{
			"headline": "Start listening to build your profile.",
			"tagline":  "",
		}, nil
	}
	return map[string]any{
		"headline": fmt.Sprintf("%s %s", p.Emoji, p.Label),
		"tagline":  p.Tagline,
		"summary":  p.Summary,
	}, nil
}

func parseDateArg(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
