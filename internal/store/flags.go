package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetFlag upserts a system flag. Value is expected to be a JSON string;
// the store does not interpret it.
func (s *Store) SetFlag(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO system_flags(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, UTCNowISO(),
	)
	if err != nil {
		return fmt.Errorf("failed to set flag %s: %w", key, err)
	}
	return nil
}

// GetFlag reads a system flag, ErrNotFound when the row is absent.
func (s *Store) GetFlag(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM system_flags WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read flag %s: %w", key, err)
	}
	return value, nil
}
