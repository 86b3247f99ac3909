package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhythmchamber/pkg/model"
)

type fakeBackend struct {
	streams     []model.Stream
	personality *model.Personality
}

func (f *fakeBackend) Streams() []model.Stream          { return f.streams }
func (f *fakeBackend) Chunks() []model.Chunk             { return nil }
func (f *fakeBackend) Patterns() *model.PatternSet       { return nil }
func (f *fakeBackend) Personality() *model.Personality   { return f.personality }

func sampleBackend() *fakeBackend {
	return &fakeBackend{
		streams: []model.Stream{
			{Track: "Midnight City", Artist: "M83", MsPlayed: 240000},
			{Track: "Midnight City", Artist: "M83", MsPlayed: 240000},
			{Track: "Strobe", Artist: "Deadmau5", MsPlayed: 300000},
		},
	}
}

func TestExecuteUnknownFunction(t *testing.T) {
	r := NewMusicRegistry()
	_, err := r.Execute(context.Background(), "doesNotExist", nil, sampleBackend())
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindUnknownFunction, te.Kind)
}

func TestExecuteMissingRequiredParameter(t *testing.T) {
	r := NewMusicRegistry()
	_, err := r.Execute(context.Background(), "searchTracks", map[string]any{}, sampleBackend())
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindMissingParam, te.Kind)
	assert.Contains(t, te.Params, "query")
}

func TestExecuteNumericStringCoercionAccepted(t *testing.T) {
	r := NewMusicRegistry()
	result, err := r.Execute(context.Background(), "getTopArtists", map[string]any{"limit": "2"}, sampleBackend())
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, m, "artists")
}

func TestExecuteNumericStringCoercionRejectsNonNumeric(t *testing.T) {
	r := NewMusicRegistry()
	_, err := r.Execute(context.Background(), "getTopArtists", map[string]any{"limit": "five"}, sampleBackend())
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTypeMismatch, te.Kind)
}

func TestExecuteEnumViolation(t *testing.T) {
	r := NewMusicRegistry()
	_, err := r.Execute(context.Background(), "getTopArtists", map[string]any{"by": "plays_per_day"}, sampleBackend())
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindEnumViolation, te.Kind)
	assert.Contains(t, te.Allowed, "plays")
}

func TestExecuteTemplateToolDoesNotRequireStreams(t *testing.T) {
	r := NewMusicRegistry()
	backend := &fakeBackend{personality: &model.Personality{Label: "Night Owl", Emoji: "\U0001F989"}}
	result, err := r.Execute(context.Background(), "generateShareCardData", nil, backend)
	require.NoError(t, err)
	m := result.(map[string]any)
	assert.Contains(t, m["headline"], "Night Owl")
}

func TestExecuteDataQueryToolRequiresBackend(t *testing.T) {
	r := NewMusicRegistry()
	_, err := r.Execute(context.Background(), "getTopArtists", nil, &fakeBackend{})
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindMissingBackend, te.Kind)
}

func TestGetEnabledSchemasUnconstrainedReturnsAll(t *testing.T) {
	r := NewMusicRegistry()
	all := r.GetEnabledSchemas(nil)
	assert.Len(t, all, 5)
}

func TestGetEnabledSchemasIntersectsEnablement(t *testing.T) {
	r := NewMusicRegistry()
	enabled := r.GetEnabledSchemas([]string{"getTopArtists"})
	require.Len(t, enabled, 1)
	assert.Equal(t, "getTopArtists", enabled[0].Name)
}

func TestSearchTracksRanksByPlayCount(t *testing.T) {
	r := NewMusicRegistry()
	result, err := r.Execute(context.Background(), "searchTracks", map[string]any{"query": "midnight"}, sampleBackend())
	require.NoError(t, err)
	m := result.(map[string]any)
	require.Contains(t, m, "tracks")
	assert.NotEmpty(t, m["tracks"])
}
