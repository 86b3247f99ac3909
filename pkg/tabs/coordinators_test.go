package tabs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorRegistryCachesByOrigin(t *testing.T) {
	store := newTestLivenessStore(t)
	r := NewCoordinatorRegistry(store, Config{HeartbeatInterval: time.Minute})

	a1, err := r.Get("https://a.example.com")
	require.NoError(t, err)
	a2, err := r.Get("https://a.example.com")
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	b, err := r.Get("https://b.example.com")
	require.NoError(t, err)
	assert.NotSame(t, a1, b)
}

func TestCoordinatorRegistryIsolatesElectionPerOrigin(t *testing.T) {
	store := newTestLivenessStore(t)
	r := NewCoordinatorRegistry(store, Config{HeartbeatInterval: time.Minute})

	a, err := r.Get("https://a.example.com")
	require.NoError(t, err)
	b, err := r.Get("https://b.example.com")
	require.NoError(t, err)

	isPrimary, err := a.Init("tab-z")
	require.NoError(t, err)
	assert.True(t, isPrimary) // sole tab within its own origin

	isPrimary, err = b.Init("tab-a")
	require.NoError(t, err)
	assert.True(t, isPrimary) // a different origin's election is independent
}

func TestCoordinatorRegistryConcurrentGetSharesOneConstruction(t *testing.T) {
	store := newTestLivenessStore(t)
	r := NewCoordinatorRegistry(store, Config{HeartbeatInterval: time.Minute})

	const n = 16
	results := make([]*Coordinator, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			c, err := r.Get("https://shared.example.com")
			require.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestCoordinatorRegistryStopHaltsConstructedCoordinators(t *testing.T) {
	store := newTestLivenessStore(t)
	r := NewCoordinatorRegistry(store, Config{HeartbeatInterval: time.Millisecond})

	c, err := r.Get("https://a.example.com")
	require.NoError(t, err)
	c.RunHeartbeatLoop("tab-a")

	r.Stop() // must not hang or panic
}
