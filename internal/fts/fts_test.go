package fts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bartholomew/internal/store"
)

func newTestClient(t *testing.T) (*store.Store, *Client) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "barth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := NewClient(st, "porter")
	require.NoError(t, c.InitSchema())
	return st, c
}

func seed(t *testing.T, st *store.Store, kind, key, value, summary string) int64 {
	t.Helper()
	id, err := st.UpsertMemory(kind, key, value, summary, "")
	require.NoError(t, err)
	return id
}

func TestInitSchemaIdempotent(t *testing.T) {
	st, c := newTestClient(t)
	// A second pass over an existing schema must be a no-op.
	require.NoError(t, c.InitSchema())

	seed(t, st, "note", "k", "the quick brown fox", "")
	results, err := c.Search(context.Background(), "fox", SearchOptions{OrderByRank: true})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestTriggersKeepIndexInSync(t *testing.T) {
	st, c := newTestClient(t)
	ctx := context.Background()

	seed(t, st, "note", "pet", "my dog is called Rex", "")
	results, err := c.Search(ctx, "dog", SearchOptions{OrderByRank: true})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Update replaces the indexed text.
	seed(t, st, "note", "pet", "my cat is called Rex", "")
	results, err = c.Search(ctx, "dog", SearchOptions{OrderByRank: true})
	require.NoError(t, err)
	assert.Empty(t, results)
	results, err = c.Search(ctx, "cat", SearchOptions{OrderByRank: true})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// Delete drops it from the index.
	require.NoError(t, st.DeleteMemory("note", "pet"))
	results, err = c.Search(ctx, "cat", SearchOptions{OrderByRank: true})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSelfHealPurgesOrphanedRows(t *testing.T) {
	st, c := newTestClient(t)
	ctx := context.Background()

	seed(t, st, "note", "a", "alpha content", "")
	seed(t, st, "note", "b", "beta content", "")

	// Corrupt the index: a rowid with no backing memory.
	_, err := st.DB().Exec(
		"INSERT INTO memory_fts(rowid, value, summary) VALUES (9999, 'ghost row', NULL)")
	require.NoError(t, err)

	ghosts, err := c.Search(ctx, "ghost", SearchOptions{OrderByRank: true})
	require.NoError(t, err)
	assert.Empty(t, ghosts, "orphan rowid joins to nothing")

	// Startup self-heal detects the divergence and rebuilds.
	require.NoError(t, c.MigrateSchema())

	var orphans int
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM memory_fts f LEFT JOIN memories m ON f.rowid = m.id WHERE m.id IS NULL`,
	).Scan(&orphans))
	assert.Equal(t, 0, orphans)

	// Real content survives the rebuild, and re-running heals nothing.
	results, err := c.Search(ctx, "alpha", SearchOptions{OrderByRank: true})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	require.NoError(t, c.MigrateSchema())
	require.NoError(t, c.MigrateSchema())
	results, err = c.Search(ctx, "beta", SearchOptions{OrderByRank: true})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRebuildIndexCounts(t *testing.T) {
	st, c := newTestClient(t)

	seed(t, st, "note", "a", "one", "")
	seed(t, st, "note", "b", "two", "")
	n, err := c.RebuildIndex()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFallbackRankerOrdering(t *testing.T) {
	t.Setenv("BARTHO_FORCE_BM25_FALLBACK", "1")
	st, c := newTestClient(t)
	ctx := context.Background()

	// Three documents with increasing density of the query term.
	idDense := seed(t, st, "note", "dense", "coffee coffee coffee every morning", "")
	seed(t, st, "note", "sparse", "coffee once", "")
	seed(t, st, "note", "none", "tea only", "")

	results, err := c.Search(ctx, "coffee", SearchOptions{OrderByRank: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, idDense, results[0].ID, "more hits rank first")
	assert.Less(t, results[0].Rank, results[1].Rank, "rank ascending, lower is better")
	assert.Negative(t, results[0].Rank, "fallback scores are negated")
}

func TestFallbackOffsetAndLimit(t *testing.T) {
	t.Setenv("BARTHO_FORCE_BM25_FALLBACK", "1")
	st, c := newTestClient(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c", "d"} {
		seed(t, st, "note", key, "shared token "+key, "")
	}

	page, err := c.Search(ctx, "shared", SearchOptions{Limit: 2, OrderByRank: true})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := c.Search(ctx, "shared", SearchOptions{Limit: 10, Offset: 2, OrderByRank: true})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	none, err := c.Search(ctx, "shared", SearchOptions{Limit: 10, Offset: 99, OrderByRank: true})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSnippetFor(t *testing.T) {
	st, c := newTestClient(t)

	id := seed(t, st, "note", "k", "the quick brown fox jumps over the lazy dog", "")
	snippet, err := c.SnippetFor(id, "value", "[", "]", "…", 6)
	require.NoError(t, err)
	assert.Contains(t, snippet, "quick")

	_, err = c.SnippetFor(id, "bogus", "[", "]", "…", 6)
	assert.Error(t, err)
}

func TestExtractTerms(t *testing.T) {
	assert.Equal(t, []string{"coffee", "morning"}, extractTerms(`coffee AND morning`))
	assert.Equal(t, []string{"habit"}, extractTerms(`habit NOT coffee`))
	assert.Equal(t, []string{"quick", "fox"}, extractTerms(`"quick fox"`))
	assert.Nil(t, extractTerms(""))
}

type rejectAllGate struct{}

func (rejectAllGate) FilterResults(_ context.Context, _ []Result) ([]Result, error) {
	return nil, nil
}

type passGate struct{ seen int }

func (g *passGate) FilterResults(_ context.Context, results []Result) ([]Result, error) {
	g.seen = len(results)
	return results, nil
}

func TestConsentGateFiltersBeforeTrim(t *testing.T) {
	st, c := newTestClient(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		seed(t, st, "note", key, "water intake "+key, "")
	}

	gate := &passGate{}
	c.SetConsentGate(gate)
	results, err := c.Search(ctx, "water", SearchOptions{Limit: 2, OrderByRank: true})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Greater(t, gate.seen, 2, "gate sees the over-fetched set, not the trimmed one")

	c.SetConsentGate(rejectAllGate{})
	results, err = c.Search(ctx, "water", SearchOptions{Limit: 2, OrderByRank: true})
	require.NoError(t, err)
	assert.Empty(t, results)
}
