package tabs

import "rhythmchamber/pkg/storage"

// CoordinatorRegistry lazily builds one Coordinator per origin on top of
// ModuleRegistry, generalizing spec.md §4.2's "shared origin-scoped store"
// election from a single hardcoded origin to however many origins actually
// connect — concurrent first-heartbeats for a never-seen origin share one
// construction via ModuleRegistry's single-flight rather than racing to
// build two Coordinators for the same origin.
type CoordinatorRegistry struct {
	modules *ModuleRegistry
	store   storage.LivenessStore
	cfg     Config
}

// NewCoordinatorRegistry returns a registry that lazily constructs
// Coordinators backed by store, using cfg for every origin.
func NewCoordinatorRegistry(store storage.LivenessStore, cfg Config) *CoordinatorRegistry {
	return &CoordinatorRegistry{modules: NewModuleRegistry(), store: store, cfg: cfg}
}

// Get returns the Coordinator for origin, constructing and caching it on
// first use.
func (r *CoordinatorRegistry) Get(origin string) (*Coordinator, error) {
	if !r.modules.IsLoaded(origin) {
		r.modules.Register(origin, func() (any, error) {
			return New(origin, r.store, r.cfg), nil
		})
	}
	v, err := r.modules.GetModule(origin)
	if err != nil {
		return nil, err
	}
	return v.(*Coordinator), nil
}

// Stop halts every constructed Coordinator's heartbeat loops.
func (r *CoordinatorRegistry) Stop() {
	r.modules.loaded.Range(func(_, v any) bool {
		v.(*Coordinator).Stop()
		return true
	})
}
