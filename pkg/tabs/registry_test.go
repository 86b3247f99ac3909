package tabs

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleRegistryGetModuleCachesValue(t *testing.T) {
	r := NewModuleRegistry()
	var calls int32
	r.Register("db", func() (any, error) {
		atomic.AddInt32(&calls, 1)
		return "connection", nil
	})

	v1, err := r.GetModule("db")
	require.NoError(t, err)
	v2, err := r.GetModule("db")
	require.NoError(t, err)

	assert.Equal(t, "connection", v1)
	assert.Equal(t, "connection", v2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestModuleRegistrySingleFlightsConcurrentLoads(t *testing.T) {
	r := NewModuleRegistry()
	var calls int32
	start := make(chan struct{})
	r.Register("slow", func() (any, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return 42, nil
	})

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.GetModule("slow")
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestModuleRegistryUnregisteredNameErrors(t *testing.T) {
	r := NewModuleRegistry()
	_, err := r.GetModule("missing")
	require.Error(t, err)
	var regErr *Error
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, KindUnregistered, regErr.Kind)
}

func TestModuleRegistryEvictsPendingEntryOnFailure(t *testing.T) {
	r := NewModuleRegistry()
	attempt := 0
	r.Register("flaky", func() (any, error) {
		attempt++
		if attempt == 1 {
			return nil, errors.New("boom")
		}
		return "ok", nil
	})

	_, err := r.GetModule("flaky")
	require.Error(t, err)
	assert.False(t, r.IsLoaded("flaky"))

	v, err := r.GetModule("flaky")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.True(t, r.IsLoaded("flaky"))
}

func TestModuleRegistryIsLoadedProbe(t *testing.T) {
	r := NewModuleRegistry()
	r.Register("mod", func() (any, error) { return 1, nil })

	assert.False(t, r.IsLoaded("mod"))
	_, err := r.GetModule("mod")
	require.NoError(t, err)
	assert.True(t, r.IsLoaded("mod"))
}

func TestModuleRegistryPreloadModulesIsBestEffort(t *testing.T) {
	r := NewModuleRegistry()
	r.Register("good", func() (any, error) { return "ok", nil })
	r.Register("bad", func() (any, error) { return nil, errors.New("fails") })

	errs := r.PreloadModules([]string{"good", "bad"})
	assert.Len(t, errs, 1)
	assert.Contains(t, errs, "bad")
	assert.True(t, r.IsLoaded("good"))
	assert.False(t, r.IsLoaded("bad"))
}
