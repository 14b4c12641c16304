package store

import (
	"database/sql"
	"fmt"
)

// Schema statements, executed in order by RunMigrations. Every
// statement is idempotent so migrations rerun safely at each start.

const schemaMemories = `
CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	summary TEXT,
	ts TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_memories_kind_key ON memories(kind, key);
`

const schemaNudges = `
CREATE TABLE IF NOT EXISTS nudges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	actions TEXT,
	status TEXT CHECK(status IN ('pending','acked','dismissed')) DEFAULT 'pending',
	reason TEXT,
	created_ts TEXT NOT NULL,
	created_ts_s INTEGER,
	acted_ts TEXT,
	acted_ts_s INTEGER
);
CREATE INDEX IF NOT EXISTS idx_nudges_status_ts ON nudges(status, created_ts);
`

const schemaReflections = `
CREATE TABLE IF NOT EXISTS reflections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	meta TEXT,
	ts TEXT NOT NULL,
	ts_s INTEGER,
	pinned INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_reflections_kind_ts ON reflections(kind, ts);
`

const schemaSystemFlags = `
CREATE TABLE IF NOT EXISTS system_flags (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const schemaWaterLogs = `
CREATE TABLE IF NOT EXISTS water_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	ml INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_water_ts ON water_logs(ts);
`

const schemaScheduledTasks = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	cadence TEXT NOT NULL,
	next_run_ts INTEGER NOT NULL,
	last_run_ts INTEGER,
	window_state TEXT
);
`

const schemaTicks = `
CREATE TABLE IF NOT EXISTS ticks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	started_ts INTEGER NOT NULL,
	finished_ts INTEGER,
	success INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT UNIQUE,
	result_meta TEXT
);
CREATE INDEX IF NOT EXISTS idx_ticks_task_started ON ticks(task_id, started_ts DESC);
`

const schemaMemoryEmbeddings = `
CREATE TABLE IF NOT EXISTS memory_embeddings (
	embedding_id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id    INTEGER NOT NULL,
	source       TEXT NOT NULL CHECK(source IN ('summary','full')),
	dim          INTEGER NOT NULL,
	vec          BLOB NOT NULL,
	norm         REAL NOT NULL,
	provider     TEXT NOT NULL,
	model        TEXT NOT NULL,
	created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY(memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_mememb_memory_id ON memory_embeddings(memory_id);
CREATE INDEX IF NOT EXISTS idx_mememb_source ON memory_embeddings(source);
CREATE INDEX IF NOT EXISTS idx_mememb_dim ON memory_embeddings(dim);
`

const schemaMemoryConsent = `
CREATE TABLE IF NOT EXISTS memory_consent (
	memory_id INTEGER PRIMARY KEY,
	granted_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY(memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
`

// RunMigrations creates every table and index the runtime needs.
// The FTS virtual table and its triggers are owned by the fts package
// because their DDL depends on the configured tokenizer.
func RunMigrations(db *sql.DB) error {
	for _, stmt := range []string{
		schemaMemories,
		schemaNudges,
		schemaReflections,
		schemaSystemFlags,
		schemaWaterLogs,
		schemaScheduledTasks,
		schemaTicks,
		schemaMemoryEmbeddings,
		schemaMemoryConsent,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}
