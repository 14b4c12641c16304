package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
)

// GetStats returns row counts per table plus the database file size,
// for the status CLI and health surface.
func (s *Store) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{
		"memories", "nudges", "reflections", "water_logs",
		"scheduled_tasks", "ticks", "memory_embeddings",
	} {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = n
	}

	if fi, err := os.Stat(s.dbPath); err == nil {
		stats["db_size_bytes"] = fi.Size()
	}
	return stats, nil
}

// GrantConsent records explicit consent for a memory to be surfaced by
// retrieval. The consent gate reads these rows.
func (s *Store) GrantConsent(memoryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO memory_consent(memory_id, granted_at) VALUES(?,?)",
		memoryID, UTCNowISO(),
	)
	if err != nil {
		return fmt.Errorf("failed to grant consent for memory %d: %w", memoryID, err)
	}
	return nil
}

// HasConsent reports whether a memory carries an explicit consent row.
func (s *Store) HasConsent(memoryID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM memory_consent WHERE memory_id = ?", memoryID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check consent for memory %d: %w", memoryID, err)
	}
	return true, nil
}
