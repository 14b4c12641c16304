package store

import (
	"database/sql"
	"errors"
	"fmt"

	"bartholomew/internal/logging"
)

// UpsertMemory inserts or replaces the memory identified by (kind, key)
// and returns its row id. Updates keep the id stable, which the FTS
// triggers rely on.
func (s *Store) UpsertMemory(kind, key, value, summary, ts string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts == "" {
		ts = UTCNowISO()
	}
	_, err := s.db.Exec(
		`INSERT INTO memories(kind, key, value, summary, ts) VALUES(?,?,?,?,?)
		 ON CONFLICT(kind, key) DO UPDATE SET
		   value = excluded.value, summary = excluded.summary, ts = excluded.ts`,
		kind, key, value, nullableString(summary), ts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert memory %s/%s: %w", kind, key, err)
	}

	var id int64
	if err := s.db.QueryRow(
		"SELECT id FROM memories WHERE kind = ? AND key = ?", kind, key,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to resolve memory id %s/%s: %w", kind, key, err)
	}
	logging.StoreDebug("Upserted memory %s/%s id=%d", kind, key, id)
	return id, nil
}

// GetMemory looks a memory up by its natural key.
func (s *Store) GetMemory(kind, key string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT id, kind, key, value, summary, ts FROM memories WHERE kind = ? AND key = ?",
		kind, key,
	)
	return scanMemory(row)
}

// MemoryByID looks a memory up by row id.
func (s *Store) MemoryByID(id int64) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT id, kind, key, value, summary, ts FROM memories WHERE id = ?", id,
	)
	return scanMemory(row)
}

// DeleteMemory removes a memory; the FTS delete trigger and the
// embedding cascade clean up the derived rows.
func (s *Store) DeleteMemory(kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM memories WHERE kind = ? AND key = ?", kind, key)
	if err != nil {
		return fmt.Errorf("failed to delete memory %s/%s: %w", kind, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoryCount returns the total number of memories.
func (s *Store) MemoryCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

func scanMemory(row *sql.Row) (*Memory, error) {
	var m Memory
	var summary sql.NullString
	err := row.Scan(&m.ID, &m.Kind, &m.Key, &m.Value, &summary, &m.TS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan memory: %w", err)
	}
	m.Summary = summary.String
	return &m, nil
}

// nullableString maps "" onto NULL so optional text columns stay NULL
// instead of empty.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
