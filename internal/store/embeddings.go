package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"bartholomew/internal/logging"
)

// ErrVectorUnavailable reports that the vec0 extension is not loaded in
// this build, distinct from the FTS5 feature check.
var ErrVectorUnavailable = errors.New("sqlite-vec extension unavailable")

// EncodeVector packs a float32 vector as a little-endian BLOB, the
// layout vec0 reads natively.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks a little-endian float32 BLOB.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// UpsertEmbedding stores one vector for (memoryID, source), replacing
// any previous vector for that pair.
func (s *Store) UpsertEmbedding(memoryID int64, vec []float32, source, provider, model string) error {
	if source != EmbeddingSourceSummary && source != EmbeddingSourceFull {
		return fmt.Errorf("invalid embedding source %q", source)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	blob := EncodeVector(vec)
	norm := vectorNorm(vec)

	res, err := s.db.Exec(
		`UPDATE memory_embeddings SET dim = ?, vec = ?, norm = ?, provider = ?, model = ?
		 WHERE memory_id = ? AND source = ?`,
		len(vec), blob, norm, provider, model, memoryID, source,
	)
	if err != nil {
		return fmt.Errorf("failed to update embedding for memory %d: %w", memoryID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.Exec(
		`INSERT INTO memory_embeddings(memory_id, source, dim, vec, norm, provider, model)
		 VALUES(?,?,?,?,?,?,?)`,
		memoryID, source, len(vec), blob, norm, provider, model,
	)
	if err != nil {
		return fmt.Errorf("failed to insert embedding for memory %d: %w", memoryID, err)
	}
	return nil
}

// MemoriesMissingEmbedding lists memories that have no vector for the
// given source yet, oldest rows first. Backfill works through these in
// batches.
func (s *Store) MemoriesMissingEmbedding(source string, limit int) ([]Memory, error) {
	if source != EmbeddingSourceSummary && source != EmbeddingSourceFull {
		return nil, fmt.Errorf("invalid embedding source %q", source)
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT m.id, m.kind, m.key, m.value, COALESCE(m.summary, ''), m.ts
		 FROM memories m
		 LEFT JOIN memory_embeddings e ON e.memory_id = m.id AND e.source = ?
		 WHERE e.embedding_id IS NULL
		 ORDER BY m.id
		 LIMIT ?`,
		source, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.Kind, &m.Key, &m.Value, &m.Summary, &m.TS); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteEmbeddingsFor removes all vectors for a memory.
func (s *Store) DeleteEmbeddingsFor(memoryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM memory_embeddings WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("failed to delete embeddings for memory %d: %w", memoryID, err)
	}
	return nil
}

// EmbeddingStats summarizes the embedding table for the CLI.
type EmbeddingStats struct {
	Total        int64            `json:"total"`
	ByProvider   map[string]int64 `json:"by_provider"`
	BySource     map[string]int64 `json:"by_source"`
	ByDim        map[int]int64    `json:"by_dim"`
	VSSAvailable bool             `json:"vss_available"`
}

// GetEmbeddingStats reports counts grouped by provider/model, source
// and dimension, plus vec0 availability.
func (s *Store) GetEmbeddingStats() (*EmbeddingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &EmbeddingStats{
		ByProvider:   make(map[string]int64),
		BySource:     make(map[string]int64),
		ByDim:        make(map[int]int64),
		VSSAvailable: s.vectorExt,
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memory_embeddings").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("failed to count embeddings: %w", err)
	}

	rows, err := s.db.Query(
		"SELECT provider || '/' || model, COUNT(*) FROM memory_embeddings GROUP BY provider, model",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to group embeddings by provider: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("failed to scan provider count: %w", err)
		}
		stats.ByProvider[k] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srcRows, err := s.db.Query("SELECT source, COUNT(*) FROM memory_embeddings GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("failed to group embeddings by source: %w", err)
	}
	defer srcRows.Close()
	for srcRows.Next() {
		var k string
		var n int64
		if err := srcRows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("failed to scan source count: %w", err)
		}
		stats.BySource[k] = n
	}
	if err := srcRows.Err(); err != nil {
		return nil, err
	}

	dimRows, err := s.db.Query("SELECT dim, COUNT(*) FROM memory_embeddings GROUP BY dim")
	if err != nil {
		return nil, fmt.Errorf("failed to group embeddings by dim: %w", err)
	}
	defer dimRows.Close()
	for dimRows.Next() {
		var k int
		var n int64
		if err := dimRows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("failed to scan dim count: %w", err)
		}
		stats.ByDim[k] = n
	}
	return stats, dimRows.Err()
}

// vssDim is the fixed dimension of the vec0 shadow table. Only vectors
// of this dimension are mirrored.
const vssDim = 384

// RebuildVSS drops and recreates the vec0 shadow table, its mirror
// triggers and its contents. Returns the number of vectors mirrored, or
// ErrVectorUnavailable when this build lacks the extension.
func (s *Store) RebuildVSS() (int, error) {
	if !s.vectorExt {
		return 0, ErrVectorUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	drops := []string{
		"DROP TRIGGER IF EXISTS trg_mememb_insert",
		"DROP TRIGGER IF EXISTS trg_mememb_update",
		"DROP TRIGGER IF EXISTS trg_mememb_delete",
		"DROP TABLE IF EXISTS memory_embeddings_vss",
	}
	for _, stmt := range drops {
		if _, err := s.db.Exec(stmt); err != nil {
			return 0, fmt.Errorf("failed to drop vss object: %w", err)
		}
	}

	creates := []string{
		fmt.Sprintf("CREATE VIRTUAL TABLE memory_embeddings_vss USING vec0(embedding float[%d])", vssDim),
		fmt.Sprintf(`CREATE TRIGGER trg_mememb_insert AFTER INSERT ON memory_embeddings
			WHEN new.dim = %d
			BEGIN
				INSERT INTO memory_embeddings_vss(rowid, embedding) VALUES (new.embedding_id, new.vec);
			END`, vssDim),
		fmt.Sprintf(`CREATE TRIGGER trg_mememb_update AFTER UPDATE ON memory_embeddings
			WHEN new.dim = %d
			BEGIN
				DELETE FROM memory_embeddings_vss WHERE rowid = old.embedding_id;
				INSERT INTO memory_embeddings_vss(rowid, embedding) VALUES (new.embedding_id, new.vec);
			END`, vssDim),
		`CREATE TRIGGER trg_mememb_delete AFTER DELETE ON memory_embeddings
			BEGIN
				DELETE FROM memory_embeddings_vss WHERE rowid = old.embedding_id;
			END`,
	}
	for _, stmt := range creates {
		if _, err := s.db.Exec(stmt); err != nil {
			return 0, fmt.Errorf("failed to create vss object: %w", err)
		}
	}

	res, err := s.db.Exec(
		"INSERT INTO memory_embeddings_vss(rowid, embedding) SELECT embedding_id, vec FROM memory_embeddings WHERE dim = ?",
		vssDim,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to repopulate vss: %w", err)
	}
	n, _ := res.RowsAffected()
	logging.Embedding("Rebuilt vec0 shadow table with %d vectors", n)
	return int(n), nil
}

// VectorMatch is one nearest-neighbor hit.
type VectorMatch struct {
	MemoryID int64
	Source   string
	Score    float64 // cosine similarity, higher is closer
}

// VectorSearch returns the topK nearest memories by cosine similarity.
// The vec0 shadow table accelerates the scan when available; otherwise
// every stored vector of matching dimension is scored in Go.
func (s *Store) VectorSearch(qvec []float32, topK int) ([]VectorMatch, error) {
	if topK <= 0 {
		topK = 10
	}
	if s.vectorExt {
		if matches, err := s.vectorSearchVSS(qvec, topK); err == nil {
			return matches, nil
		}
		// Shadow table missing or stale; brute force still answers.
	}
	return s.vectorSearchBrute(qvec, topK)
}

func (s *Store) vectorSearchVSS(qvec []float32, topK int) ([]VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT e.memory_id, e.source, v.distance
		 FROM memory_embeddings_vss v
		 JOIN memory_embeddings e ON e.embedding_id = v.rowid
		 WHERE v.embedding MATCH ? AND k = ?
		 ORDER BY v.distance`,
		EncodeVector(qvec), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("vss query: %w", err)
	}
	defer rows.Close()

	var out []VectorMatch
	for rows.Next() {
		var m VectorMatch
		var distance float64
		if err := rows.Scan(&m.MemoryID, &m.Source, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan vss match: %w", err)
		}
		// vec0 reports L2 distance over raw vectors; map onto a
		// higher-is-closer score for a uniform contract.
		m.Score = 1.0 / (1.0 + distance)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) vectorSearchBrute(qvec []float32, topK int) ([]VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qnorm := vectorNorm(qvec)
	if qnorm == 0 {
		return nil, fmt.Errorf("zero query vector")
	}

	rows, err := s.db.Query(
		"SELECT memory_id, source, vec, norm FROM memory_embeddings WHERE dim = ?", len(qvec),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer rows.Close()

	var out []VectorMatch
	for rows.Next() {
		var memoryID int64
		var source string
		var blob []byte
		var norm float64
		if err := rows.Scan(&memoryID, &source, &blob, &norm); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		if norm == 0 {
			continue
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, err
		}
		var dot float64
		for i := range qvec {
			dot += float64(qvec[i]) * float64(vec[i])
		}
		out = append(out, VectorMatch{
			MemoryID: memoryID,
			Source:   source,
			Score:    dot / (qnorm * norm),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
