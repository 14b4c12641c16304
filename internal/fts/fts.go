// Package fts maintains the full-text index over memory content: an
// FTS5 virtual table in external-content mode over the memories table,
// kept in sync by triggers and healed by an idempotent migration at
// every startup.
package fts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bartholomew/internal/logging"
	"bartholomew/internal/store"
)

// ErrFeatureUnavailable reports an SQLite build without FTS5. The
// message distinguishes this from the separate vector extension.
var ErrFeatureUnavailable = errors.New(
	"SQLite FTS5 is not available in this build; use a driver compiled with FTS5 (unrelated to the vector extension vec0)")

// Result is one search hit.
type Result struct {
	ID           int64   `json:"id"`
	Kind         string  `json:"kind"`
	Key          string  `json:"key"`
	Value        string  `json:"value"`
	Summary      string  `json:"summary"`
	TS           string  `json:"ts"`
	Rank         float64 `json:"rank"` // lower is better
	Snippet      string  `json:"snippet"`
	ContextOnly  bool    `json:"context_only"`
	RecallPolicy string  `json:"recall_policy,omitempty"`
}

// ConsentGate post-filters search results. Filtering happens before
// truncation to the caller's limit; Search over-fetches to compensate.
type ConsentGate interface {
	FilterResults(ctx context.Context, results []Result) ([]Result, error)
}

// SearchOptions tune one search call.
type SearchOptions struct {
	Limit       int
	Offset      int
	OrderByRank bool // false orders by memory id descending
}

// Client maintains and queries the index. It shares the store's SQL
// handle so trigger maintenance commits atomically with memory writes.
type Client struct {
	st        *store.Store
	tokenizer string
	gate      ConsentGate // nil disables consent filtering
}

// NewClient builds a client with the configured tokenizer spec, e.g.
// "porter" or "unicode61 remove_diacritics 2 tokenchars .-@_". Empty
// means porter.
func NewClient(st *store.Store, tokenizer string) *Client {
	if strings.TrimSpace(tokenizer) == "" {
		tokenizer = "porter"
	}
	return &Client{st: st, tokenizer: tokenizer}
}

// SetConsentGate plugs the retrieval privacy gate into Search.
func (c *Client) SetConsentGate(g ConsentGate) {
	c.gate = g
}

// probeFTS5 creates a throwaway temp virtual table to verify the
// feature is compiled in.
func probeFTS5(db *sql.DB) error {
	if _, err := db.Exec("CREATE VIRTUAL TABLE temp.__fts5_probe USING fts5(x)"); err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureUnavailable, err)
	}
	_, _ = db.Exec("DROP TABLE temp.__fts5_probe")
	return nil
}

// InitSchema creates the virtual table, tracking table and the three
// mirror triggers, then runs the self-heal migration. Idempotent.
func (c *Client) InitSchema() error {
	db := c.st.DB()
	if err := probeFTS5(db); err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			value,
			summary,
			content='memories',
			content_rowid='id',
			tokenize='%s'
		)`, c.tokenizer),
		`CREATE TABLE IF NOT EXISTS memory_fts_map (
			memory_id INTEGER PRIMARY KEY,
			indexed_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(memory_id) REFERENCES memories(id) ON DELETE CASCADE
		)`,
		`CREATE TRIGGER IF NOT EXISTS memory_fts_insert AFTER INSERT ON memories
		BEGIN
			INSERT INTO memory_fts(rowid, value, summary)
			VALUES (new.id, new.value, new.summary);
			INSERT OR IGNORE INTO memory_fts_map(memory_id) VALUES (new.id);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_fts_update AFTER UPDATE ON memories
		BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, value, summary)
			VALUES ('delete', old.id, old.value, old.summary);
			INSERT INTO memory_fts(rowid, value, summary)
			VALUES (new.id, new.value, new.summary);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_fts_delete AFTER DELETE ON memories
		BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, value, summary)
			VALUES ('delete', old.id, old.value, old.summary);
			DELETE FROM memory_fts_map WHERE memory_id = old.id;
		END`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create fts schema: %w", err)
		}
	}
	logging.FTS("FTS5 schema initialized (tokenizer=%s)", c.tokenizer)

	return c.MigrateSchema()
}

// MigrateSchema is the self-heal pass: any index rowid without a
// matching memory means the index diverged, so it is purged and rebuilt
// from the memories table. Safe to run at every startup; a clean index
// is a no-op.
func (c *Client) MigrateSchema() error {
	db := c.st.DB()

	var one int
	err := db.QueryRow(
		`SELECT 1 FROM memory_fts f
		 LEFT JOIN memories m ON f.rowid = m.id
		 WHERE m.id IS NULL LIMIT 1`,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		logging.FTSDebug("FTS schema migration: no action needed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to probe fts consistency: %w", err)
	}

	logging.FTSWarn("FTS rowid mismatch detected, rebuilding index")
	if _, err := c.RebuildIndex(); err != nil {
		return err
	}
	logging.FTS("FTS index rebuilt for rowid consistency")
	return nil
}

// RebuildIndex repopulates the index and tracking table from memories,
// returning the number of rows indexed.
func (c *Client) RebuildIndex() (int, error) {
	db := c.st.DB()

	for _, stmt := range []string{
		"DELETE FROM memory_fts",
		"DELETE FROM memory_fts_map",
		"INSERT INTO memory_fts(rowid, value, summary) SELECT id, value, summary FROM memories",
		"INSERT INTO memory_fts_map(memory_id) SELECT id FROM memories",
	} {
		if _, err := db.Exec(stmt); err != nil {
			return 0, fmt.Errorf("failed to rebuild fts index: %w", err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM memory_fts_map").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count fts rows: %w", err)
	}
	return count, nil
}

// Optimize merges index segments. The fts_optimize drive calls this
// weekly.
func (c *Client) Optimize() error {
	if _, err := c.st.DB().Exec("INSERT INTO memory_fts(memory_fts) VALUES ('optimize')"); err != nil {
		return fmt.Errorf("failed to optimize fts index: %w", err)
	}
	logging.FTS("FTS index optimized")
	return nil
}

// UpsertEntry maintains the mirror for one memory by hand. The triggers
// normally do this; backfill paths use it directly.
func (c *Client) UpsertEntry(memoryID int64, value, summary string) error {
	db := c.st.DB()

	if _, err := db.Exec("INSERT OR IGNORE INTO memory_fts_map(memory_id) VALUES (?)", memoryID); err != nil {
		return fmt.Errorf("failed to track fts entry %d: %w", memoryID, err)
	}
	if _, err := db.Exec(
		`INSERT INTO memory_fts(memory_fts, rowid, value, summary)
		 SELECT 'delete', ?, value, summary FROM memory_fts WHERE rowid = ?`,
		memoryID, memoryID,
	); err != nil {
		return fmt.Errorf("failed to clear fts entry %d: %w", memoryID, err)
	}
	if _, err := db.Exec(
		"INSERT INTO memory_fts(rowid, value, summary) VALUES (?,?,?)",
		memoryID, value, nullable(summary),
	); err != nil {
		return fmt.Errorf("failed to insert fts entry %d: %w", memoryID, err)
	}
	return nil
}

// DeleteEntry removes one memory from the index and tracking table.
func (c *Client) DeleteEntry(memoryID int64) error {
	db := c.st.DB()
	if _, err := db.Exec("DELETE FROM memory_fts WHERE rowid = ?", memoryID); err != nil {
		return fmt.Errorf("failed to delete fts entry %d: %w", memoryID, err)
	}
	if _, err := db.Exec("DELETE FROM memory_fts_map WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("failed to untrack fts entry %d: %w", memoryID, err)
	}
	return nil
}

// SnippetFor renders the native snippet for one memory. Column is
// "value" or "summary".
func (c *Client) SnippetFor(memoryID int64, column, startMark, endMark, ellipsis string, tokens int) (string, error) {
	var columnIdx int
	switch column {
	case "value":
		columnIdx = 0
	case "summary":
		columnIdx = 1
	default:
		return "", fmt.Errorf("invalid snippet column %q", column)
	}

	var snippet sql.NullString
	err := c.st.DB().QueryRow(
		"SELECT snippet(memory_fts, ?, ?, ?, ?, ?) FROM memory_fts WHERE rowid = ?",
		columnIdx, startMark, endMark, ellipsis, tokens, memoryID,
	).Scan(&snippet)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to render snippet for %d: %w", memoryID, err)
	}
	return snippet.String, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
