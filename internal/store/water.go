package store

import (
	"database/sql"
	"errors"
	"fmt"

	"bartholomew/internal/logging"
)

// LogWater appends one hydration entry and returns its id.
func (s *Store) LogWater(ml int, ts string) (int64, error) {
	if ml <= 0 {
		return 0, fmt.Errorf("water amount must be positive, got %d", ml)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts == "" {
		ts = UTCNowISO()
	}
	res, err := s.db.Exec("INSERT INTO water_logs(ts, ml) VALUES(?,?)", ts, ml)
	if err != nil {
		return 0, fmt.Errorf("failed to log water: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read water log id: %w", err)
	}
	logging.StoreDebug("Logged %d ml water id=%d", ml, id)
	return id, nil
}

// WaterTotalBetween sums ml logged in [startISO, endISO]. Callers pass
// local-day boundaries converted to UTC RFC3339.
func (s *Store) WaterTotalBetween(startISO, endISO string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	if err := s.db.QueryRow(
		"SELECT SUM(ml) FROM water_logs WHERE ts BETWEEN ? AND ?",
		startISO, endISO,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum water: %w", err)
	}
	return int(total.Int64), nil
}

// LastWaterTS returns the newest water log timestamp, ErrNotFound when
// nothing has been logged.
func (s *Store) LastWaterTS() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ts string
	err := s.db.QueryRow("SELECT ts FROM water_logs ORDER BY ts DESC, id DESC LIMIT 1").Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last water ts: %w", err)
	}
	return ts, nil
}
