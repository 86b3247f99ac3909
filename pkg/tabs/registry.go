package tabs

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader is a zero-argument constructor for a lazily-loaded module value,
// per spec.md §4.3 "register(name, loader) records a zero-argument loader
// returning a module value."
type Loader func() (any, error)

// ModuleRegistry is a lazy, single-flight async module loader with a
// synchronous existence probe, per spec.md §4.3. Concurrent GetModule
// calls for the same name share one in-flight load.
type ModuleRegistry struct {
	group singleflight.Group

	mu       sync.RWMutex
	loaders  map[string]Loader
	loaded   sync.Map // name -> any (cached value, probed by IsLoaded)
}

// NewModuleRegistry returns an empty registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{loaders: make(map[string]Loader)}
}

// Register records loader under name, overwriting any prior registration.
// It does not evict an already-cached value for name.
func (r *ModuleRegistry) Register(name string, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = loader
}

// GetModule returns the cached value if present, joins an in-flight load
// if one is pending, or invokes the loader — caching on success and
// evicting the pending single-flight entry on failure so the next caller
// retries instead of replaying the error forever.
func (r *ModuleRegistry) GetModule(name string) (any, error) {
	if v, ok := r.loaded.Load(name); ok {
		return v, nil
	}

	r.mu.RLock()
	loader, ok := r.loaders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindUnregistered, Name: name}
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		val, loadErr := loader()
		if loadErr != nil {
			return nil, loadErr
		}
		r.loaded.Store(name, val)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// IsLoaded is a synchronous probe for whether name's value is already
// cached — it never triggers or waits on a load.
func (r *ModuleRegistry) IsLoaded(name string) bool {
	_, ok := r.loaded.Load(name)
	return ok
}

// PreloadModules bulk-loads names in parallel, best-effort: one failure
// does not short-circuit the others, per spec.md §4.3. The returned map
// holds an error per name that failed; names absent from it succeeded.
func (r *ModuleRegistry) PreloadModules(names []string) map[string]error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make(map[string]error)

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := r.GetModule(name); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	return errs
}

// Kind identifies a ModuleRegistry error category.
type Kind string

const (
	KindUnregistered Kind = "ModuleUnregistered"
)

// Error is returned when GetModule is called for a name with no
// registered loader.
type Error struct {
	Kind Kind
	Name string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Name
}
