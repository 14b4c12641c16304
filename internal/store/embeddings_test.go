package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorCodecRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 0, 3.125}
	decoded, err := DecodeVector(EncodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUpsertEmbeddingReplaces(t *testing.T) {
	st := openTestStore(t)

	id, err := st.UpsertMemory("note", "k", "some text", "", "")
	require.NoError(t, err)

	require.NoError(t, st.UpsertEmbedding(id, []float32{1, 0, 0}, EmbeddingSourceSummary, "local-hash", "deterministic-sha256"))
	require.NoError(t, st.UpsertEmbedding(id, []float32{0, 1, 0}, EmbeddingSourceSummary, "local-hash", "deterministic-sha256"))
	require.NoError(t, st.UpsertEmbedding(id, []float32{0, 0, 1}, EmbeddingSourceFull, "local-hash", "deterministic-sha256"))

	stats, err := st.GetEmbeddingStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total, "one row per (memory, source)")
	assert.Equal(t, int64(1), stats.BySource[EmbeddingSourceSummary])
	assert.Equal(t, int64(1), stats.BySource[EmbeddingSourceFull])
	assert.Equal(t, int64(2), stats.ByProvider["local-hash/deterministic-sha256"])

	assert.Error(t, st.UpsertEmbedding(id, []float32{1}, "bogus", "p", "m"))
}

func TestVectorSearchBruteForce(t *testing.T) {
	st := openTestStore(t)

	ids := make([]int64, 3)
	for i, text := range []string{"a", "b", "c"} {
		id, err := st.UpsertMemory("note", text, text, "", "")
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, st.UpsertEmbedding(ids[0], []float32{1, 0, 0}, EmbeddingSourceFull, "p", "m"))
	require.NoError(t, st.UpsertEmbedding(ids[1], []float32{0.9, 0.1, 0}, EmbeddingSourceFull, "p", "m"))
	require.NoError(t, st.UpsertEmbedding(ids[2], []float32{0, 0, 1}, EmbeddingSourceFull, "p", "m"))

	matches, err := st.VectorSearch([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, ids[0], matches[0].MemoryID)
	assert.Equal(t, ids[1], matches[1].MemoryID)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	_, err = st.VectorSearch([]float32{0, 0, 0}, 2)
	assert.Error(t, err, "zero query vector cannot be scored")
}

func TestDeleteMemoryCascadesEmbeddings(t *testing.T) {
	st := openTestStore(t)

	id, err := st.UpsertMemory("note", "k", "v", "", "")
	require.NoError(t, err)
	require.NoError(t, st.UpsertEmbedding(id, []float32{1, 2}, EmbeddingSourceFull, "p", "m"))
	require.NoError(t, st.DeleteMemory("note", "k"))

	stats, err := st.GetEmbeddingStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
}

func TestMemoriesMissingEmbedding(t *testing.T) {
	st := openTestStore(t)

	ids := make([]int64, 3)
	for i, key := range []string{"a", "b", "c"} {
		id, err := st.UpsertMemory("note", key, "text "+key, "", "")
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, st.UpsertEmbedding(ids[1], []float32{1, 0}, EmbeddingSourceFull, "p", "m"))

	pending, err := st.MemoriesMissingEmbedding(EmbeddingSourceFull, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID, "oldest first")
	assert.Equal(t, ids[2], pending[1].ID)

	// A summary-source vector does not satisfy the full source.
	pending, err = st.MemoriesMissingEmbedding(EmbeddingSourceSummary, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	pending, err = st.MemoriesMissingEmbedding(EmbeddingSourceFull, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = st.MemoriesMissingEmbedding("bogus", 10)
	assert.Error(t, err)
}

func TestRebuildVSSWithoutExtension(t *testing.T) {
	st := openTestStore(t)
	if st.HasVectorExt() {
		t.Skip("vec0 available in this build")
	}
	_, err := st.RebuildVSS()
	assert.ErrorIs(t, err, ErrVectorUnavailable)
}
