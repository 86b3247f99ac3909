package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"rhythmchamber/pkg/lock"
	"rhythmchamber/pkg/model"
)

// DemoPackage is the bundle a demo-mode activation assembles: synthetic
// streams plus the patterns/personality recomputed from them, per spec.md
// §4.11 step 1's "dynamically recompute patterns ... source of truth
// consistency" requirement.
type DemoPackage struct {
	Streams     []model.Stream
	Chunks      []model.Chunk
	Patterns    *model.PatternSet
	Personality *model.Personality
}

// DemoStore is the isolated namespaced persistence for demo data, disjoint
// from Store's production tables, per spec.md §4.11. A write-through cache
// mirrors the backing tables but is only populated after a successful
// write — it is never authoritative over a failed one.
type DemoStore struct {
	db   *sql.DB
	lock *lock.OperationLock

	mu     sync.RWMutex
	cached *DemoPackage
	active bool
}

// NewDemoStore wraps an opened *sql.DB (see Open) and the shared
// OperationLock demo activation serializes under.
func NewDemoStore(db *sql.DB, locks *lock.OperationLock) *DemoStore {
	return &DemoStore{db: db, lock: locks}
}

// IsActive reports whether demo mode's in-memory application-state flag is
// set — the single source of truth for reads during demo mode, per
// spec.md §4.11 "Reads during demo mode go through application state".
func (d *DemoStore) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// Streams implements pkg/tools.DataBackend for demo-mode chat sessions.
func (d *DemoStore) Streams() []model.Stream {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cached == nil {
		return nil
	}
	return d.cached.Streams
}

// Chunks implements pkg/tools.DataBackend.
func (d *DemoStore) Chunks() []model.Chunk {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cached == nil {
		return nil
	}
	return d.cached.Chunks
}

// Patterns implements pkg/tools.DataBackend.
func (d *DemoStore) Patterns() *model.PatternSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cached == nil {
		return nil
	}
	return d.cached.Patterns
}

// Personality implements pkg/tools.DataBackend.
func (d *DemoStore) Personality() *model.Personality {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cached == nil {
		return nil
	}
	return d.cached.Personality
}

// validate inspects a package the way spec.md §4.11 describes: streams must
// be a non-empty slice; patterns and personality must be present.
func validate(pkg *DemoPackage) (bool, string) {
	if pkg == nil || len(pkg.Streams) == 0 {
		return false, "demo package has no streams"
	}
	if pkg.Patterns == nil {
		return false, "demo package is missing patterns"
	}
	if pkg.Personality == nil {
		return false, "demo package is missing personality"
	}
	return true, ""
}

// Activate runs the atomic three-phase demo transition from spec.md
// §4.11 under the `demo_load` operation lock:
//  1. the caller has already assembled pkg and recomputed its patterns;
//  2. persist streams/patterns/personality to the demo tables;
//  3. validate; on failure, clear and abort;
//  4. only then flip the in-memory isDemoMode flag.
func (d *DemoStore) Activate(pkg *DemoPackage) error {
	token, err := d.lock.Acquire("demo_load", lock.Options{WaitMs: 5000, Conflicts: lock.MusicConflictSet("demo_load")})
	if err != nil {
		return fmt.Errorf("storage: acquire demo_load lock: %w", err)
	}
	defer d.lock.Release("demo_load", token)

	if err := d.persist(pkg); err != nil {
		d.clearTables()
		return fmt.Errorf("storage: persist demo package: %w", err)
	}

	if ok, reason := validate(pkg); !ok {
		d.clearTables()
		return fmt.Errorf("storage: demo package failed validation: %s", reason)
	}

	d.mu.Lock()
	d.cached = pkg
	d.active = true
	d.mu.Unlock()
	return nil
}

// Deactivate exits demo mode: DemoStorage is cleared first, then the
// in-memory state flag, per spec.md §4.11 "Exit demo mode clears
// DemoStorage first, then state."
func (d *DemoStore) Deactivate() error {
	if err := d.clearTables(); err != nil {
		return fmt.Errorf("storage: clear demo tables: %w", err)
	}
	d.mu.Lock()
	d.cached = nil
	d.active = false
	d.mu.Unlock()
	return nil
}

func (d *DemoStore) persist(pkg *DemoPackage) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM demo_streams`); err != nil {
		return err
	}
	streamStmt, err := tx.Prepare(`INSERT OR IGNORE INTO demo_streams
		(timestamp, track, artist, album, ms_played, completion_ratio, play_type,
		 source_platform, shuffle, skipped, offline, start_reason, end_reason, track_duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer streamStmt.Close()
	for _, st := range pkg.Streams {
		if _, err := streamStmt.Exec(st.Timestamp.UTC().Format(time.RFC3339Nano), st.Track, st.Artist, st.Album,
			st.MsPlayed, st.CompletionRatio, st.PlayType, st.SourcePlatform, st.Shuffle, st.Skipped,
			st.Offline, st.StartReason, st.EndReason, st.TrackDurationMs); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM demo_patterns`); err != nil {
		return err
	}
	if pkg.Patterns != nil {
		patternStmt, err := tx.Prepare(`INSERT INTO demo_patterns (name, value, summary) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer patternStmt.Close()
		for name, result := range pkg.Patterns.Patterns {
			valueJSON, err := json.Marshal(result.Value)
			if err != nil {
				return err
			}
			if _, err := patternStmt.Exec(name, string(valueJSON), result.Summary); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(`DELETE FROM demo_personality`); err != nil {
		return err
	}
	if pkg.Personality != nil {
		evidenceJSON, err := json.Marshal(pkg.Personality.Evidence)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO demo_personality (id, label, emoji, tagline, description, evidence, summary)
			VALUES (1, ?, ?, ?, ?, ?, ?)`,
			pkg.Personality.Label, pkg.Personality.Emoji, pkg.Personality.Tagline,
			pkg.Personality.Description, string(evidenceJSON), pkg.Personality.Summary); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *DemoStore) clearTables() error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{"DELETE FROM demo_streams", "DELETE FROM demo_patterns", "DELETE FROM demo_personality"} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}
