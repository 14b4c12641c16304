package fts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"

	"bartholomew/internal/logging"
)

// forceFallbackEnv makes Search skip the native ranker so tests cover
// the fallback path on builds where bm25 exists.
const forceFallbackEnv = "BARTHO_FORCE_BM25_FALLBACK"

// Search runs a MATCH query in FTS5 syntax (phrase, AND/OR/NEAR,
// negation) and returns hits ordered by rank ascending, lower is
// better. The native bm25 ranker is preferred; when it is missing or
// forced off, a tf-idf-like score computed in Go takes over, negated so
// the ordering contract holds. With a consent gate plugged in, results
// are over-fetched 3x, filtered, then trimmed to the limit.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	fetchLimit := opts.Limit
	if c.gate != nil {
		// Filtering must happen before truncation to the caller's limit.
		fetchLimit = opts.Limit * 3
	}

	var (
		results []Result
		err     error
	)
	if os.Getenv(forceFallbackEnv) == "1" {
		results, err = c.searchFallback(ctx, query, opts, fetchLimit)
	} else {
		results, err = c.searchBM25(ctx, query, opts, fetchLimit)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "no such function: bm25") {
			logging.FTS("bm25 not available, using fallback ranker")
			results, err = c.searchFallback(ctx, query, opts, fetchLimit)
		}
	}
	if err != nil {
		return nil, err
	}

	if c.gate != nil && len(results) > 0 {
		results, err = c.gate.FilterResults(ctx, results)
		if err != nil {
			return nil, fmt.Errorf("consent gate: %w", err)
		}
		if len(results) > opts.Limit {
			results = results[:opts.Limit]
		}
	}

	logging.FTSDebug("Search %q returned %d results", query, len(results))
	return results, nil
}

func (c *Client) searchBM25(ctx context.Context, query string, opts SearchOptions, fetchLimit int) ([]Result, error) {
	orderClause := "ORDER BY rank ASC"
	if !opts.OrderByRank {
		orderClause = "ORDER BY m.id DESC"
	}

	rows, err := c.st.DB().QueryContext(ctx, fmt.Sprintf(
		`SELECT m.id, m.kind, m.key, m.value, m.summary, m.ts,
		        bm25(memory_fts) AS rank,
		        snippet(memory_fts, 0, '[', ']', ' … ', 8) AS snippet
		 FROM memory_fts
		 JOIN memories m ON memory_fts.rowid = m.id
		 WHERE memory_fts MATCH ?
		 %s
		 LIMIT ? OFFSET ?`, orderClause),
		query, fetchLimit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

// searchFallback fetches every match without the ranker, scores rows in
// Go, re-sorts and then applies offset and limit.
func (c *Client) searchFallback(ctx context.Context, query string, opts SearchOptions, fetchLimit int) ([]Result, error) {
	rows, err := c.st.DB().QueryContext(ctx,
		`SELECT m.id, m.kind, m.key, m.value, m.summary, m.ts,
		        0.0 AS rank,
		        snippet(memory_fts, 0, '[', ']', ' … ', 8) AS snippet
		 FROM memory_fts
		 JOIN memories m ON memory_fts.rowid = m.id
		 WHERE memory_fts MATCH ?
		 ORDER BY m.id DESC`,
		query,
	)
	if err != nil {
		return nil, fmt.Errorf("fts fallback search: %w", err)
	}
	defer rows.Close()

	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}

	terms := extractTerms(query)
	scoreResults(results, terms)

	if opts.OrderByRank {
		sort.SliceStable(results, func(i, j int) bool { return results[i].Rank < results[j].Rank })
	}

	if opts.Offset >= len(results) {
		return nil, nil
	}
	results = results[opts.Offset:]
	if len(results) > fetchLimit {
		results = results[:fetchLimit]
	}
	return results, nil
}

// scoreResults assigns each row the negated tf-idf-like score
// sum(hits_this_row / (docs_with_hits + 1)) over the query terms.
// Negation preserves the lower-rank-is-better contract the bm25 path
// establishes.
func scoreResults(results []Result, terms []string) {
	if len(terms) == 0 {
		return
	}

	docsWithHits := make([]int, len(terms))
	hits := make([][]int, len(results))
	for i, r := range results {
		text := strings.ToLower(r.Value + " " + r.Summary)
		hits[i] = make([]int, len(terms))
		for t, term := range terms {
			n := strings.Count(text, term)
			hits[i][t] = n
			if n > 0 {
				docsWithHits[t]++
			}
		}
	}

	for i := range results {
		var score float64
		for t := range terms {
			if hits[i][t] > 0 {
				score += float64(hits[i][t]) / float64(docsWithHits[t]+1)
			}
		}
		results[i].Rank = -score
	}
}

// extractTerms pulls the bare terms out of a MATCH expression, dropping
// operators, negated terms and syntax characters. Good enough for the
// fallback scorer; the MATCH itself already did the real filtering.
func extractTerms(query string) []string {
	var terms []string
	skipNext := false
	for _, raw := range strings.Fields(query) {
		word := strings.Trim(raw, `"()*`)
		switch {
		case word == "":
			continue
		case word == "AND" || word == "OR" || word == "NEAR":
			continue
		case word == "NOT":
			skipNext = true
			continue
		case strings.HasPrefix(word, "-"):
			continue
		case skipNext:
			skipNext = false
			continue
		}
		terms = append(terms, strings.ToLower(word))
	}
	return terms
}

func scanResults(rows *sql.Rows) ([]Result, error) {
	var out []Result
	for rows.Next() {
		var r Result
		var summary, snippet sql.NullString
		if err := rows.Scan(&r.ID, &r.Kind, &r.Key, &r.Value, &summary, &r.TS, &r.Rank, &snippet); err != nil {
			return nil, fmt.Errorf("failed to scan fts result: %w", err)
		}
		r.Summary = summary.String
		r.Snippet = snippet.String
		out = append(out, r)
	}
	return out, rows.Err()
}
