package storage

import (
	"fmt"
	"time"
)

// LivenessRecord mirrors one row of tab_liveness: the persisted tie-break
// pkg/tabs.Coordinator consults alongside its in-memory broadcast, per
// spec.md §4.2.
type LivenessRecord struct {
	TabID     string
	Origin    string
	UpdatedAt time.Time
}

// LivenessStore is the persistence seam pkg/tabs.Coordinator depends on,
// satisfied by *Store below.
type LivenessStore interface {
	Heartbeat(tabID, origin string, at time.Time) error
	ListLive(origin string, since time.Time) ([]LivenessRecord, error)
	RemoveTab(tabID string) error
}

// Heartbeat upserts a tab's liveness record, per spec.md §4.2 "a tab
// heartbeats on a fixed interval."
func (s *Store) Heartbeat(tabID, origin string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO tab_liveness (tab_id, origin, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tab_id) DO UPDATE SET updated_at=excluded.updated_at`,
		tabID, origin, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: heartbeat tab %s: %w", tabID, err)
	}
	return nil
}

// ListLive returns every liveness record for origin updated at or after
// since (the freshness window), ordered by tab id so the smallest-id
// election rule can just take the first row.
func (s *Store) ListLive(origin string, since time.Time) ([]LivenessRecord, error) {
	rows, err := s.db.Query(`SELECT tab_id, origin, updated_at FROM tab_liveness
		WHERE origin = ? AND updated_at >= ? ORDER BY tab_id ASC`,
		origin, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("storage: list live tabs: %w", err)
	}
	defer rows.Close()

	var out []LivenessRecord
	for rows.Next() {
		var rec LivenessRecord
		var updatedAt string
		if err := rows.Scan(&rec.TabID, &rec.Origin, &updatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan liveness row: %w", err)
		}
		rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("storage: parse liveness timestamp: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RemoveTab deletes a tab's liveness record on clean shutdown or missed
// heartbeat eviction.
func (s *Store) RemoveTab(tabID string) error {
	_, err := s.db.Exec(`DELETE FROM tab_liveness WHERE tab_id = ?`, tabID)
	if err != nil {
		return fmt.Errorf("storage: remove tab %s: %w", tabID, err)
	}
	return nil
}
