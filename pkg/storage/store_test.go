package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhythmchamber/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func sampleStreams() []model.Stream {
	base := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	return []model.Stream{
		{Timestamp: base, Track: "Strobe", Artist: "Deadmau5", MsPlayed: 300000, CompletionRatio: 1, PlayType: model.PlayTypeFull},
		{Timestamp: base.Add(time.Hour), Track: "Ghosts 'n' Stuff", Artist: "Deadmau5", MsPlayed: 120000, CompletionRatio: 0.5, PlayType: model.PlayTypePartial},
	}
}

func TestStoreAppendAndLoadStreamsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AppendStreams(sampleStreams()))

	loaded := s.Streams()
	require.Len(t, loaded, 2)
	assert.Equal(t, "Deadmau5", loaded[0].Artist)
}

func TestStoreAppendIgnoresExactDuplicates(t *testing.T) {
	s := openTestStore(t)
	streams := sampleStreams()
	require.NoError(t, s.AppendStreams(streams))
	require.NoError(t, s.AppendStreams(streams))

	assert.Len(t, s.Streams(), 2)
}

func TestStoreReplaceChunks(t *testing.T) {
	s := openTestStore(t)
	chunks := model.Chunkify(sampleStreams(), model.BucketWeekly)
	require.NoError(t, s.ReplaceChunks(chunks))
	assert.Equal(t, chunks, s.Chunks())
}

func TestStorePersonalityRoundTrip(t *testing.T) {
	s := openTestStore(t)
	p := &model.Personality{Label: "Night Owl", Emoji: "🦉", Evidence: []string{"late_night_listening"}}
	require.NoError(t, s.SavePersonality(p))

	loaded := s.Personality()
	require.NotNil(t, loaded)
	assert.Equal(t, "Night Owl", loaded.Label)
	assert.Equal(t, []string{"late_night_listening"}, loaded.Evidence)
}

func TestStoreResetClearsAllProductionTables(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AppendStreams(sampleStreams()))
	require.NoError(t, s.SavePersonality(&model.Personality{Label: "Night Owl"}))

	require.NoError(t, s.Reset())
	assert.Empty(t, s.Streams())
	assert.Nil(t, s.Personality())
}

func TestStoreConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetConfig("theme")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetConfig("theme", "dark"))
	value, ok, err := s.GetConfig("theme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dark", value)
}

func TestLivenessHeartbeatAndList(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	require.NoError(t, s.Heartbeat("tab-b", "https://example.com", now))
	require.NoError(t, s.Heartbeat("tab-a", "https://example.com", now))

	live, err := s.ListLive("https://example.com", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "tab-a", live[0].TabID) // lexicographically smallest first
}

func TestLivenessRemoveTab(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	require.NoError(t, s.Heartbeat("tab-a", "https://example.com", now))
	require.NoError(t, s.RemoveTab("tab-a"))

	live, err := s.ListLive("https://example.com", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, live)
}
