// Package storage implements the production and demo persistence layer
// described in spec.md §4.11/§6: streams, chunks, personality, and
// configuration in a single SQLite file, with a disjoint demo-mode table
// set and a write-through cache.
//
// Grounded on the general "embedded, disjoint object stores" shape the
// spec calls for, realized with modernc.org/sqlite (pure Go, no cgo — the
// same driver haasonsaas-nexus's sqlitevec backend and teradata-labs-loom
// use), which fits a single-binary deployment the way IndexedDB ships
// bundled with a browser.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp       TEXT NOT NULL,
	track           TEXT NOT NULL,
	artist          TEXT NOT NULL,
	album           TEXT,
	ms_played       INTEGER NOT NULL,
	completion_ratio REAL NOT NULL,
	play_type       TEXT NOT NULL,
	source_platform TEXT,
	shuffle         INTEGER NOT NULL DEFAULT 0,
	skipped         INTEGER NOT NULL DEFAULT 0,
	offline         INTEGER NOT NULL DEFAULT 0,
	start_reason    TEXT,
	end_reason      TEXT,
	track_duration_ms INTEGER,
	UNIQUE(timestamp, track, artist)
);
CREATE INDEX IF NOT EXISTS idx_streams_timestamp ON streams(timestamp);

CREATE TABLE IF NOT EXISTS chunks (
	bucket_id      TEXT PRIMARY KEY,
	bucket_type    TEXT NOT NULL,
	start          TEXT NOT NULL,
	stream_count   INTEGER NOT NULL,
	unique_artists INTEGER NOT NULL,
	unique_tracks  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS personality (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	label       TEXT NOT NULL,
	emoji       TEXT,
	tagline     TEXT,
	description TEXT,
	evidence    TEXT,
	summary     TEXT,
	is_demo     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS configuration (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS demo_streams (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp       TEXT NOT NULL,
	track           TEXT NOT NULL,
	artist          TEXT NOT NULL,
	album           TEXT,
	ms_played       INTEGER NOT NULL,
	completion_ratio REAL NOT NULL,
	play_type       TEXT NOT NULL,
	source_platform TEXT,
	shuffle         INTEGER NOT NULL DEFAULT 0,
	skipped         INTEGER NOT NULL DEFAULT 0,
	offline         INTEGER NOT NULL DEFAULT 0,
	start_reason    TEXT,
	end_reason      TEXT,
	track_duration_ms INTEGER,
	UNIQUE(timestamp, track, artist)
);

CREATE TABLE IF NOT EXISTS demo_patterns (
	name    TEXT PRIMARY KEY,
	value   TEXT NOT NULL,
	summary TEXT
);

CREATE TABLE IF NOT EXISTS demo_personality (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	label       TEXT NOT NULL,
	emoji       TEXT,
	tagline     TEXT,
	description TEXT,
	evidence    TEXT,
	summary     TEXT
);

CREATE TABLE IF NOT EXISTS event_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        TEXT NOT NULL,
	operation TEXT NOT NULL,
	detail    TEXT
);

CREATE TABLE IF NOT EXISTS tab_liveness (
	tab_id     TEXT PRIMARY KEY,
	origin     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tab_liveness_origin ON tab_liveness(origin);
`

// Open opens (creating if necessary) the SQLite database at path and
// applies the full schema idempotently. path may be ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time avoids SQLITE_BUSY

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return db, nil
}
