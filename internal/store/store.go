// Package store is the durable memory layer: a single embedded SQLite
// database in WAL mode holding memories, nudges, reflections, flags,
// scheduler bookkeeping, hydration logs and vector embeddings.
//
// Two access patterns are supported. A long-lived Store carries the
// daemon through steady state on one pooled connection. The package
// level WithConn helper gives short-lived callers (CLI commands, tests)
// a scoped handle whose release closes every connection and truncates
// the WAL, so no -wal/-shm sidecar files outlive the scope.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"bartholomew/internal/logging"
)

var (
	// ErrUnavailable reports that the database could not be opened or
	// pinged at all.
	ErrUnavailable = errors.New("store unavailable")

	// ErrBusy reports that the 5 s busy-wait elapsed while another
	// writer held the database.
	ErrBusy = errors.New("store busy")

	// ErrNotFound reports a lookup that matched no row.
	ErrNotFound = errors.New("not found")
)

// IsBusy classifies lock-contention errors from either driver.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// Store wraps the single SQLite handle used by the daemon.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // vec0 virtual tables available
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.StoreError("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("%w: failed to create directory: %v", ErrUnavailable, err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		logging.StoreError("Failed to ping database at %s: %v", path, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	applyPragmas(db)
	logging.StoreDebug("Opened SQLite database connection")

	s := &Store{db: db, dbPath: path}
	if err := RunMigrations(db); err != nil {
		db.Close()
		logging.StoreError("Failed to initialize schema: %v", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logging.StoreDebug("Database schema initialized")

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("vec0 extension detected and enabled")
	} else {
		logging.StoreDebug("vec0 extension not available; vector search falls back to brute force")
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// applyPragmas configures WAL mode on a handle. Failures are logged,
// not fatal; a read-only or degraded filesystem still gets a working
// store.
func applyPragmas(db *sql.DB) {
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and avoids an fsync per commit.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to set sqlite foreign_keys=ON: %v", err)
	}
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is loaded in this build.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// DB returns the underlying SQL handle. The FTS client shares it so
// trigger maintenance commits atomically with memory writes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// HasVectorExt reports whether vec0 virtual tables are available.
func (s *Store) HasVectorExt() bool {
	return s.vectorExt
}

// DBOk reports whether the database answers a trivial query.
func (s *Store) DBOk() bool {
	var one int
	err := s.db.QueryRow("SELECT 1").Scan(&one)
	return err == nil && one == 1
}

// CheckpointTruncate forces a truncating WAL checkpoint on a fresh
// connection, the only form that reliably zeroes the sidecar files
// while a pool may still hold handles elsewhere.
func (s *Store) CheckpointTruncate() error {
	return checkpointTruncate(s.dbPath)
}

// Close tears the store down: close the pooled handle, give the OS a
// moment to release file locks, then run one final truncating
// checkpoint on a fresh connection. After Close no -wal or -shm file
// remains next to the database.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	err := s.db.Close()

	// Handle-release settle. sqlite file locks can outlive Close on
	// some platforms; the original runtime shipped this exact dance
	// for Windows and it is harmless elsewhere.
	runtime.GC()
	time.Sleep(50 * time.Millisecond)

	if cerr := checkpointTruncate(s.dbPath); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// checkpointTruncate opens a short-lived connection solely to run
// PRAGMA wal_checkpoint(TRUNCATE), then closes it. Closing the last
// connection deletes the WAL and shared-memory files.
func checkpointTruncate(path string) error {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return fmt.Errorf("checkpoint open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("checkpoint close: %w", err)
	}
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	return nil
}

// WithConn runs fn against a scoped handle on path. The handle gets the
// standard WAL pragmas; on release every connection is closed and a
// truncating checkpoint runs on a fresh one, so neither auxiliary WAL
// file survives the scope. Errors from fn win over cleanup errors.
func WithConn(ctx context.Context, path string, fn func(*sql.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	applyPragmas(db)

	ferr := fn(db)

	if cerr := db.Close(); cerr != nil && ferr == nil {
		ferr = cerr
	}
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	if cerr := checkpointTruncate(path); cerr != nil && ferr == nil {
		ferr = cerr
	}
	return ferr
}

// UTCNowISO formats the current instant the way every human-readable
// timestamp column stores it.
func UTCNowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ISOFrom formats an arbitrary instant for those columns.
func ISOFrom(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
