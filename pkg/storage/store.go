package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"rhythmchamber/pkg/model"
)

// Store is the production persistence handle: streams, chunks, personality,
// and configuration, per spec.md §3/§6. Reads are served from an in-memory
// write-through cache populated lazily on first access and kept current by
// every write, so repeated chat-tool queries never round-trip to SQLite.
//
// Store also implements pkg/tools.DataBackend directly, letting the chat
// orchestrator hand it straight to the FunctionRegistry as the data-query
// backend for non-demo sessions.
type Store struct {
	db *sql.DB

	mu          sync.RWMutex
	streams     []model.Stream
	streamsHot  bool
	chunks      []model.Chunk
	chunksHot   bool
	patterns    *model.PatternSet
	patternsHot bool
	personality *model.Personality
	personaHot  bool
}

// New wraps an opened *sql.DB (see Open) in a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Streams implements pkg/tools.DataBackend.
func (s *Store) Streams() []model.Stream {
	streams, _, _, err := s.loadStreamsAndChunks()
	if err != nil {
		return nil
	}
	return streams
}

// Chunks implements pkg/tools.DataBackend.
func (s *Store) Chunks() []model.Chunk {
	_, chunks, _, err := s.loadStreamsAndChunks()
	if err != nil {
		return nil
	}
	return chunks
}

func (s *Store) loadStreamsAndChunks() ([]model.Stream, []model.Chunk, bool, error) {
	s.mu.RLock()
	if s.streamsHot && s.chunksHot {
		defer s.mu.RUnlock()
		return s.streams, s.chunks, true, nil
	}
	s.mu.RUnlock()

	streams, err := s.loadStreams()
	if err != nil {
		return nil, nil, false, err
	}
	chunks, err := s.loadChunks()
	if err != nil {
		return nil, nil, false, err
	}

	s.mu.Lock()
	s.streams, s.streamsHot = streams, true
	s.chunks, s.chunksHot = chunks, true
	s.mu.Unlock()

	return streams, chunks, false, nil
}

// Patterns implements pkg/tools.DataBackend.
func (s *Store) Patterns() *model.PatternSet {
	s.mu.RLock()
	if s.patternsHot {
		defer s.mu.RUnlock()
		return s.patterns
	}
	s.mu.RUnlock()
	return nil
}

// Personality implements pkg/tools.DataBackend.
func (s *Store) Personality() *model.Personality {
	s.mu.RLock()
	if s.personaHot {
		defer s.mu.RUnlock()
		return s.personality
	}
	s.mu.RUnlock()

	p, err := s.loadPersonality()
	if err != nil || p == nil {
		return nil
	}
	s.mu.Lock()
	s.personality, s.personaHot = p, true
	s.mu.Unlock()
	return p
}

func (s *Store) loadStreams() ([]model.Stream, error) {
	rows, err := s.db.Query(`SELECT timestamp, track, artist, album, ms_played, completion_ratio,
		play_type, source_platform, shuffle, skipped, offline, start_reason, end_reason, track_duration_ms
		FROM streams ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: load streams: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		var st model.Stream
		var ts string
		var album, sourcePlatform, startReason, endReason sql.NullString
		var trackDuration sql.NullInt64
		if err := rows.Scan(&ts, &st.Track, &st.Artist, &album, &st.MsPlayed, &st.CompletionRatio,
			&st.PlayType, &sourcePlatform, &st.Shuffle, &st.Skipped, &st.Offline, &startReason, &endReason, &trackDuration); err != nil {
			return nil, fmt.Errorf("storage: scan stream: %w", err)
		}
		st.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("storage: parse stream timestamp %q: %w", ts, err)
		}
		st.Album = album.String
		st.SourcePlatform = sourcePlatform.String
		st.StartReason = startReason.String
		st.EndReason = endReason.String
		st.TrackDurationMs = trackDuration.Int64
		out = append(out, st)
	}
	return out, rows.Err()
}

// AppendStreams inserts new streams (ignoring exact duplicates already
// present, per the unique index) and invalidates the streams/chunks cache.
func (s *Store) AppendStreams(streams []model.Stream) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin append streams: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO streams
		(timestamp, track, artist, album, ms_played, completion_ratio, play_type,
		 source_platform, shuffle, skipped, offline, start_reason, end_reason, track_duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare append streams: %w", err)
	}
	defer stmt.Close()

	for _, st := range streams {
		if _, err := stmt.Exec(st.Timestamp.UTC().Format(time.RFC3339Nano), st.Track, st.Artist, st.Album,
			st.MsPlayed, st.CompletionRatio, st.PlayType, st.SourcePlatform, st.Shuffle, st.Skipped,
			st.Offline, st.StartReason, st.EndReason, st.TrackDurationMs); err != nil {
			return fmt.Errorf("storage: insert stream: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit append streams: %w", err)
	}

	s.mu.Lock()
	s.streamsHot, s.chunksHot = false, false
	s.mu.Unlock()
	return nil
}

func (s *Store) loadChunks() ([]model.Chunk, error) {
	rows, err := s.db.Query(`SELECT bucket_id, bucket_type, start, stream_count, unique_artists, unique_tracks
		FROM chunks ORDER BY start ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: load chunks: %w", err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var start string
		if err := rows.Scan(&c.BucketID, &c.BucketType, &start, &c.StreamCount, &c.UniqueArtists, &c.UniqueTracks); err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		c.Start, err = time.Parse(time.RFC3339, start)
		if err != nil {
			return nil, fmt.Errorf("storage: parse chunk start %q: %w", start, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceChunks overwrites the chunk table with a freshly-computed
// partition of the full stream timeline.
func (s *Store) ReplaceChunks(chunks []model.Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin replace chunks: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks`); err != nil {
		return fmt.Errorf("storage: clear chunks: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO chunks (bucket_id, bucket_type, start, stream_count, unique_artists, unique_tracks)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare insert chunk: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.Exec(c.BucketID, c.BucketType, c.Start.UTC().Format(time.RFC3339), c.StreamCount, c.UniqueArtists, c.UniqueTracks); err != nil {
			return fmt.Errorf("storage: insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit replace chunks: %w", err)
	}

	s.mu.Lock()
	s.chunks, s.chunksHot = chunks, true
	s.mu.Unlock()
	return nil
}

func (s *Store) loadPersonality() (*model.Personality, error) {
	var p model.Personality
	var evidenceJSON string
	err := s.db.QueryRow(`SELECT label, emoji, tagline, description, evidence, summary, is_demo FROM personality WHERE id = 1`).
		Scan(&p.Label, &p.Emoji, &p.Tagline, &p.Description, &evidenceJSON, &p.Summary, &p.IsDemoData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load personality: %w", err)
	}
	if evidenceJSON != "" {
		if err := json.Unmarshal([]byte(evidenceJSON), &p.Evidence); err != nil {
			return nil, fmt.Errorf("storage: decode personality evidence: %w", err)
		}
	}
	return &p, nil
}

// SavePersonality persists a freshly-classified Personality, replacing any
// prior one. Per spec.md §3, this happens once per successful ingestion or
// reset.
func (s *Store) SavePersonality(p *model.Personality) error {
	evidenceJSON, err := json.Marshal(p.Evidence)
	if err != nil {
		return fmt.Errorf("storage: encode personality evidence: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO personality (id, label, emoji, tagline, description, evidence, summary, is_demo)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET label=excluded.label, emoji=excluded.emoji, tagline=excluded.tagline,
			description=excluded.description, evidence=excluded.evidence, summary=excluded.summary, is_demo=excluded.is_demo`,
		p.Label, p.Emoji, p.Tagline, p.Description, string(evidenceJSON), p.Summary, p.IsDemoData)
	if err != nil {
		return fmt.Errorf("storage: save personality: %w", err)
	}

	s.mu.Lock()
	s.personality, s.personaHot = p, true
	s.mu.Unlock()
	return nil
}

// SetPatterns caches the most recently derived PatternSet in memory. Unlike
// streams/chunks/personality, pattern results are not persisted — they are
// cheap to re-derive from streams+chunks and spec.md never lists a
// "patterns" table, only `PatternSet.isDemoData`.
func (s *Store) SetPatterns(p *model.PatternSet) {
	s.mu.Lock()
	s.patterns, s.patternsHot = p, true
	s.mu.Unlock()
}

// Reset clears all production data (streams, chunks, personality) — the
// "reset" operation from spec.md §9's conflict set.
func (s *Store) Reset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM streams", "DELETE FROM chunks", "DELETE FROM personality"} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("storage: reset %q: %w", stmt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit reset: %w", err)
	}

	s.mu.Lock()
	s.streams, s.streamsHot = nil, true
	s.chunks, s.chunksHot = nil, true
	s.patterns, s.patternsHot = nil, false
	s.personality, s.personaHot = nil, true
	s.mu.Unlock()
	return nil
}

// GetConfig reads a configuration value, per spec.md §6.
func (s *Store) GetConfig(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM configuration WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get config %q: %w", key, err)
	}
	return value, true, nil
}

// SetConfig writes a configuration value, per spec.md §6.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO configuration (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set config %q: %w", key, err)
	}
	return nil
}

// AppendEventLog records an operational event, per spec.md §6's event_log.
func (s *Store) AppendEventLog(operation, detail string) error {
	_, err := s.db.Exec(`INSERT INTO event_log (ts, operation, detail) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), operation, detail)
	if err != nil {
		return fmt.Errorf("storage: append event log: %w", err)
	}
	return nil
}
