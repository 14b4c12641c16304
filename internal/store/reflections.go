package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bartholomew/internal/logging"
)

// InsertReflection appends a reflection and returns its id.
func (s *Store) InsertReflection(kind, content string, meta map[string]interface{}, ts string, pinned bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts == "" {
		ts = UTCNowISO()
	}
	var metaJSON interface{}
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return 0, fmt.Errorf("failed to encode reflection meta: %w", err)
		}
		metaJSON = string(b)
	}
	pinnedInt := 0
	if pinned {
		pinnedInt = 1
	}

	res, err := s.db.Exec(
		`INSERT INTO reflections(kind, content, meta, ts, ts_s, pinned) VALUES(?,?,?,?,?,?)`,
		kind, content, metaJSON, ts, epochFromISO(ts), pinnedInt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reflection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read reflection id: %w", err)
	}
	logging.StoreDebug("Inserted reflection id=%d kind=%s", id, kind)
	return id, nil
}

// LatestReflection returns the newest reflection of a kind, or
// ErrNotFound when none exists yet.
func (s *Store) LatestReflection(kind string) (*Reflection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, kind, content, meta, ts, pinned FROM reflections
		 WHERE kind = ? ORDER BY ts DESC, id DESC LIMIT 1`, kind,
	)
	return scanReflection(row)
}

// ListRecentReflections returns reflections newest-first, optionally
// filtered by kind ("" matches all).
func (s *Store) ListRecentReflections(kind string, limit int) ([]Reflection, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		rows, err = s.db.Query(
			`SELECT id, kind, content, meta, ts, pinned FROM reflections
			 ORDER BY ts DESC, id DESC LIMIT ?`, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, kind, content, meta, ts, pinned FROM reflections
			 WHERE kind = ? ORDER BY ts DESC, id DESC LIMIT ?`, kind, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list reflections: %w", err)
	}
	defer rows.Close()

	var out []Reflection
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ReflectionExistsOnDate reports whether a reflection of the kind was
// written on the given local date. The date prefix compares against the
// stored RFC3339 string, which is enough for the once-per-day guard.
func (s *Store) ReflectionExistsOnDate(kind, dateISO string) (bool, error) {
	var n int64
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM reflections WHERE kind = ? AND ts LIKE ?",
		kind, dateISO+"%",
	).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check reflection date: %w", err)
	}
	return n > 0, nil
}

func scanReflection(r rowScanner) (*Reflection, error) {
	var ref Reflection
	var metaJSON sql.NullString
	var pinned int
	err := r.Scan(&ref.ID, &ref.Kind, &ref.Content, &metaJSON, &ref.TS, &pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reflection: %w", err)
	}
	ref.Pinned = pinned != 0
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &ref.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode reflection meta: %w", err)
		}
	}
	return &ref, nil
}
