package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bartholomew/internal/logging"
)

// ErrDuplicateTick reports an idempotency-key collision on tick insert.
// The scheduler treats it as "this occurrence already ran".
var ErrDuplicateTick = errors.New("duplicate tick")

// IsDuplicateKey classifies unique-constraint violations from either
// driver.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateTick) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE")
}

// UpsertScheduledTask registers a drive's bookkeeping row. A new task
// starts due immediately (next_run_ts = nextRunTS, typically now); an
// existing row only has its cadence refreshed so overrides from config
// or environment take effect without disturbing the schedule.
func (s *Store) UpsertScheduledTask(id, cadence string, nextRunTS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO scheduled_tasks(id, cadence, next_run_ts) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET cadence = excluded.cadence`,
		id, cadence, nextRunTS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scheduled task %s: %w", id, err)
	}
	return nil
}

// DueTask returns the earliest task with next_run_ts <= now, ties broken
// by id, or ErrNotFound when nothing is due.
func (s *Store) DueTask(nowTS int64) (*ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, cadence, next_run_ts, last_run_ts, window_state FROM scheduled_tasks
		 WHERE next_run_ts <= ? ORDER BY next_run_ts ASC, id ASC LIMIT 1`, nowTS,
	)
	return scanScheduledTask(row)
}

// ListScheduledTasks returns all tasks ordered by id.
func (s *Store) ListScheduledTasks() ([]ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, cadence, next_run_ts, last_run_ts, window_state FROM scheduled_tasks ORDER BY id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTaskSchedule persists the outcome of one scheduling decision:
// the next fire time, the run that just happened (nil to leave as-is on
// skip paths), and the window bookkeeping.
func (s *Store) UpdateTaskSchedule(id string, nextRunTS int64, lastRunTS *int64, windowState *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if lastRunTS != nil {
		_, err = s.db.Exec(
			"UPDATE scheduled_tasks SET next_run_ts = ?, last_run_ts = ?, window_state = ? WHERE id = ?",
			nextRunTS, *lastRunTS, windowState, id,
		)
	} else {
		_, err = s.db.Exec(
			"UPDATE scheduled_tasks SET next_run_ts = ?, window_state = ? WHERE id = ?",
			nextRunTS, windowState, id,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update schedule for %s: %w", id, err)
	}
	logging.SchedulerDebug("Task %s next_run_ts=%d", id, nextRunTS)
	return nil
}

// InsertTick appends one execution record. A duplicate idempotency key
// returns ErrDuplicateTick.
func (s *Store) InsertTick(t Tick) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaJSON interface{}
	if t.ResultMeta != nil {
		b, err := json.Marshal(t.ResultMeta)
		if err != nil {
			return 0, fmt.Errorf("failed to encode tick meta: %w", err)
		}
		metaJSON = string(b)
	}
	success := 0
	if t.Success {
		success = 1
	}

	res, err := s.db.Exec(
		`INSERT INTO ticks(task_id, started_ts, finished_ts, success, idempotency_key, result_meta)
		 VALUES(?,?,?,?,?,?)`,
		t.TaskID, t.StartedTS, t.FinishedTS, success, t.IdempotencyKey, metaJSON,
	)
	if err != nil {
		if IsDuplicateKey(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateTick, t.IdempotencyKey)
		}
		return 0, fmt.Errorf("failed to insert tick: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read tick id: %w", err)
	}
	return id, nil
}

// TickExists reports whether a tick with the idempotency key is already
// recorded. The scheduler consults this before running a drive so a
// restart never re-executes an occurrence.
func (s *Store) TickExists(idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM ticks WHERE idempotency_key = ?", idempotencyKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tick %s: %w", idempotencyKey, err)
	}
	return true, nil
}

// ListRecentTicks returns ticks newest-first, optionally filtered by
// task id ("" matches all).
func (s *Store) ListRecentTicks(taskID string, limit int) ([]Tick, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rows *sql.Rows
		err  error
	)
	if taskID == "" {
		rows, err = s.db.Query(
			`SELECT id, task_id, started_ts, finished_ts, success, idempotency_key, result_meta
			 FROM ticks ORDER BY started_ts DESC, id DESC LIMIT ?`, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, task_id, started_ts, finished_ts, success, idempotency_key, result_meta
			 FROM ticks WHERE task_id = ? ORDER BY started_ts DESC, id DESC LIMIT ?`, taskID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list ticks: %w", err)
	}
	defer rows.Close()

	var out []Tick
	for rows.Next() {
		t, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TickCountByDrive returns total tick counts keyed by task id, feeding
// the kernel_ticks_total metric on startup.
func (s *Store) TickCountByDrive() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT task_id, COUNT(*) FROM ticks GROUP BY task_id")
	if err != nil {
		return nil, fmt.Errorf("failed to count ticks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan tick count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func scanScheduledTask(r rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var lastRun sql.NullInt64
	var windowState sql.NullString
	err := r.Scan(&t.ID, &t.Cadence, &t.NextRunTS, &lastRun, &windowState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
	}
	if lastRun.Valid {
		v := lastRun.Int64
		t.LastRunTS = &v
	}
	if windowState.Valid {
		v := windowState.String
		t.WindowState = &v
	}
	return &t, nil
}

func scanTick(r rowScanner) (*Tick, error) {
	var t Tick
	var finished sql.NullInt64
	var success int
	var metaJSON sql.NullString
	err := r.Scan(&t.ID, &t.TaskID, &t.StartedTS, &finished, &success, &t.IdempotencyKey, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tick: %w", err)
	}
	t.Success = success != 0
	if finished.Valid {
		v := finished.Int64
		t.FinishedTS = &v
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &t.ResultMeta); err != nil {
			return nil, fmt.Errorf("failed to decode tick meta: %w", err)
		}
	}
	return &t, nil
}
