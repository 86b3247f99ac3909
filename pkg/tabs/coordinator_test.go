package tabs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhythmchamber/pkg/storage"
)

func newTestLivenessStore(t *testing.T) storage.LivenessStore {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.New(db)
}

func TestCoordinatorElectsLexicographicallySmallestTab(t *testing.T) {
	store := newTestLivenessStore(t)
	c := New("https://example.com", store, Config{HeartbeatInterval: time.Minute})

	isPrimary, err := c.Init("tab-b")
	require.NoError(t, err)
	assert.True(t, isPrimary) // sole tab is primary

	isPrimary, err = c.Init("tab-a")
	require.NoError(t, err)
	assert.True(t, isPrimary) // tab-a sorts before tab-b

	assert.False(t, c.IsPrimary("tab-b"))
	assert.True(t, c.IsPrimary("tab-a"))
}

func TestCoordinatorPromotesNextOnRemoval(t *testing.T) {
	store := newTestLivenessStore(t)
	c := New("https://example.com", store, Config{HeartbeatInterval: time.Minute})

	_, err := c.Init("tab-a")
	require.NoError(t, err)
	_, err = c.Init("tab-b")
	require.NoError(t, err)
	require.True(t, c.IsPrimary("tab-a"))

	require.NoError(t, c.Remove("tab-a"))
	assert.True(t, c.IsPrimary("tab-b"))
}

func TestCoordinatorBroadcastsAuthorityChanges(t *testing.T) {
	store := newTestLivenessStore(t)
	c := New("https://example.com", store, Config{HeartbeatInterval: time.Minute})

	var changes []AuthorityChange
	c.OnAuthorityChange(func(change AuthorityChange) {
		changes = append(changes, change)
	})

	_, err := c.Init("tab-a")
	require.NoError(t, err)
	_, err = c.Init("tab-b")
	require.NoError(t, err)

	require.NotEmpty(t, changes)
	assert.Equal(t, "tab-a", changes[0].TabID)
	assert.Equal(t, LevelPrimary, changes[0].Level)
}

func TestCoordinatorIgnoresStaleRecordsBeyondFreshnessWindow(t *testing.T) {
	store := newTestLivenessStore(t)
	require.NoError(t, store.Heartbeat("tab-a", "https://example.com", time.Now().Add(-time.Hour)))

	c := New("https://example.com", store, Config{HeartbeatInterval: time.Second, StaleMultiplier: 3})
	isPrimary, err := c.Init("tab-z")
	require.NoError(t, err)

	// tab-a's record is stale (1h old, window is 3s) so tab-z — despite
	// sorting after tab-a lexicographically — is the only live tab.
	assert.True(t, isPrimary)
}

func TestNewTabIDIsUnique(t *testing.T) {
	a := NewTabID()
	b := NewTabID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
