package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := New()
	token, err := l.Acquire("file_processing", Options{Conflicts: MusicConflictSet("file_processing")})
	require.NoError(t, err)
	assert.True(t, l.IsLocked("file_processing"))

	require.NoError(t, l.Release("file_processing", token))
	assert.False(t, l.IsLocked("file_processing"))
}

func TestAcquireConflictFailsFast(t *testing.T) {
	l := New()
	_, err := l.Acquire("demo_load", Options{Conflicts: MusicConflictSet("demo_load")})
	require.NoError(t, err)

	_, err = l.Acquire("reset", Options{Conflicts: MusicConflictSet("reset")})
	require.Error(t, err)

	lerr, ok := AsLockError(err)
	require.True(t, ok)
	assert.Equal(t, KindAcquisition, lerr.Kind)
	assert.False(t, lerr.Recoverable == false && lerr.Kind != KindAcquisition)
	assert.True(t, lerr.Recoverable)
	assert.Contains(t, lerr.Conflicts, "demo_load")
}

func TestAcquireTimeout(t *testing.T) {
	l := New()
	_, err := l.Acquire("file_processing", Options{Conflicts: MusicConflictSet("file_processing")})
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire("reset", Options{WaitMs: 30, Conflicts: MusicConflictSet("reset")})
	elapsed := time.Since(start)

	require.Error(t, err)
	lerr, ok := AsLockError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, lerr.Kind)
	assert.GreaterOrEqual(t, elapsed.Milliseconds(), int64(25))
}

func TestReleaseWithWrongTokenIsNonRecoverable(t *testing.T) {
	l := New()
	_, err := l.Acquire("reset", Options{Conflicts: MusicConflictSet("reset")})
	require.NoError(t, err)

	err = l.Release("reset", "not-the-real-token")
	require.Error(t, err)
	lerr, ok := AsLockError(err)
	require.True(t, ok)
	assert.Equal(t, KindRelease, lerr.Kind)
	assert.False(t, lerr.Recoverable)
}

func TestReleaseUnknownOperation(t *testing.T) {
	l := New()
	err := l.Release("file_processing", "whatever")
	require.Error(t, err)
	lerr, ok := AsLockError(err)
	require.True(t, ok)
	assert.Equal(t, KindRelease, lerr.Kind)
}

func TestForceReleaseAllDrainsEverything(t *testing.T) {
	l := New()
	_, err := l.Acquire("file_processing", Options{})
	require.NoError(t, err)
	_, err = l.Acquire("telegram_poll", Options{})
	require.NoError(t, err)

	err = l.ForceReleaseAll("shutdown")
	require.Error(t, err)
	lerr, ok := AsLockError(err)
	require.True(t, ok)
	assert.Equal(t, KindForceReleas, lerr.Kind)
	assert.ElementsMatch(t, []string{"file_processing", "telegram_poll"}, lerr.Conflicts)
	assert.False(t, l.IsLocked("file_processing"))
	assert.False(t, l.IsLocked("telegram_poll"))
}

// TestMutualExclusionNoOverlap exercises testable property 4: for every pair
// of operations declared mutually conflicting, no two acquired-but-unreleased
// intervals overlap.
func TestMutualExclusionNoOverlap(t *testing.T) {
	l := New()
	var mu sync.Mutex
	activeFileProcessing := 0
	violations := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := l.Acquire("file_processing", Options{WaitMs: 500, Conflicts: MusicConflictSet("file_processing")})
			if err != nil {
				return
			}
			mu.Lock()
			activeFileProcessing++
			if activeFileProcessing > 1 {
				violations++
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			activeFileProcessing--
			mu.Unlock()
			_ = l.Release("file_processing", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, violations)
}
