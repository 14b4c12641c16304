package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bartholomew/internal/logging"
)

// ErrNotPending reports a status transition on a nudge that already
// left the pending state. A nudge is acted on exactly once.
var ErrNotPending = errors.New("nudge not pending")

// CreateNudge inserts a pending nudge and returns its id.
func (s *Store) CreateNudge(kind, message string, actions []NudgeAction, reason, createdTS string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if createdTS == "" {
		createdTS = UTCNowISO()
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return 0, fmt.Errorf("failed to encode nudge actions: %w", err)
	}
	epoch := epochFromISO(createdTS)

	res, err := s.db.Exec(
		`INSERT INTO nudges(kind, message, actions, reason, created_ts, created_ts_s, status)
		 VALUES(?,?,?,?,?,?,'pending')`,
		kind, message, string(actionsJSON), reason, createdTS, epoch,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create nudge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read nudge id: %w", err)
	}
	logging.StoreDebug("Created nudge id=%d kind=%s", id, kind)
	return id, nil
}

// GetNudge fetches one nudge by id.
func (s *Store) GetNudge(id int64) (*Nudge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, kind, message, actions, reason, status, created_ts, acted_ts
		 FROM nudges WHERE id = ?`, id,
	)
	n, err := scanNudge(row)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// SetNudgeStatus transitions a pending nudge to acked or dismissed and
// records when. Non-pending rows refuse the transition.
func (s *Store) SetNudgeStatus(id int64, status, actedTS string) error {
	if status != NudgeStatusAcked && status != NudgeStatusDismissed {
		return fmt.Errorf("invalid nudge status %q", status)
	}
	if actedTS == "" {
		actedTS = UTCNowISO()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE nudges SET status = ?, acted_ts = ?, acted_ts_s = ? WHERE id = ? AND status = 'pending'",
		status, actedTS, epochFromISO(actedTS), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update nudge %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRow("SELECT 1 FROM nudges WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check nudge %d: %w", id, err)
		}
		return ErrNotPending
	}
	logging.StoreDebug("Nudge %d -> %s", id, status)
	return nil
}

// ListPendingNudges returns pending nudges newest-first.
func (s *Store) ListPendingNudges(limit int) ([]Nudge, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, kind, message, actions, reason, status, created_ts, acted_ts
		 FROM nudges WHERE status = 'pending'
		 ORDER BY created_ts DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending nudges: %w", err)
	}
	defer rows.Close()

	var out []Nudge
	for rows.Next() {
		n, err := scanNudge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// PendingNudgeCount returns how many nudges await action.
func (s *Store) PendingNudgeCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM nudges WHERE status = 'pending'").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending nudges: %w", err)
	}
	return n, nil
}

// NudgeCountBetween counts nudges created in [startISO, endISO].
// RFC3339 UTC strings compare lexicographically.
func (s *Store) NudgeCountBetween(startISO, endISO string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM nudges WHERE created_ts BETWEEN ? AND ?",
		startISO, endISO,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count nudges: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNudge(r rowScanner) (*Nudge, error) {
	var n Nudge
	var actionsJSON, reason, actedTS sql.NullString
	err := r.Scan(&n.ID, &n.Kind, &n.Message, &actionsJSON, &reason, &n.Status, &n.CreatedTS, &actedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan nudge: %w", err)
	}
	n.Reason = reason.String
	if actedTS.Valid {
		v := actedTS.String
		n.ActedTS = &v
	}
	if actionsJSON.Valid && actionsJSON.String != "" {
		if err := json.Unmarshal([]byte(actionsJSON.String), &n.Actions); err != nil {
			return nil, fmt.Errorf("failed to decode nudge actions: %w", err)
		}
	}
	return &n, nil
}

// epochFromISO converts an RFC3339 string to epoch seconds, 0 when
// unparseable. The epoch twin columns serve scheduler-side ordering.
func epochFromISO(iso string) int64 {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return 0
	}
	return t.Unix()
}
