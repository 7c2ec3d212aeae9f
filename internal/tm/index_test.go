package tm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := BuildIndex(7, "hash-fast-4", 4,
		[]int64{10, 20, 30},
		[][]float32{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0.6, 0.8, 0, 0},
		})
	require.NoError(t, err)
	return ix
}

func TestBuildIndexValidates(t *testing.T) {
	_, err := BuildIndex(1, "m", 4, []int64{1, 2}, [][]float32{{1, 0, 0, 0}})
	require.Error(t, err)

	_, err = BuildIndex(1, "m", 4, []int64{1}, [][]float32{{1, 0}})
	require.Error(t, err)
}

func TestSearchOrdersByScore(t *testing.T) {
	ix := buildTestIndex(t)

	hits := ix.Search([]float32{1, 0, 0, 0}, 3, 0.5)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(10), hits[0].EntryID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, int64(30), hits[1].EntryID)
	assert.InDelta(t, 0.6, hits[1].Score, 1e-6)

	// k caps the result after sorting.
	hits = ix.Search([]float32{1, 0, 0, 0}, 1, 0)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(10), hits[0].EntryID)
}

func TestSearchTiesKeepInsertionOrder(t *testing.T) {
	ix, err := BuildIndex(1, "m", 2,
		[]int64{5, 6},
		[][]float32{{1, 0}, {1, 0}})
	require.NoError(t, err)

	hits := ix.Search([]float32{1, 0}, 2, 0)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(5), hits[0].EntryID)
	assert.Equal(t, int64(6), hits[1].EntryID)
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	ix := buildTestIndex(t)
	assert.Nil(t, ix.Search([]float32{1, 0}, 3, 0))
	assert.Nil(t, ix.Search([]float32{1, 0, 0, 0}, 0, 0))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ix := buildTestIndex(t)
	path := IndexPath(t.TempDir(), ix.TMID, ix.ModelID)
	require.NoError(t, ix.Save(path))

	loaded, err := LoadIndex(path, ix.TMID)
	require.NoError(t, err)
	assert.Equal(t, ix.ModelID, loaded.ModelID)
	assert.Equal(t, ix.Dim, loaded.Dim)
	assert.Equal(t, ix.Len(), loaded.Len())

	// Same query, same hits.
	want := ix.Search([]float32{0, 1, 0, 0}, 3, 0.5)
	got := loaded.Search([]float32{0, 1, 0, 0}, 3, 0.5)
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].EntryID, got[i].EntryID)
		assert.InDelta(t, want[i].Score, got[i].Score, 1e-6)
	}
}

func TestSaveReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	old := buildTestIndex(t)
	path := IndexPath(dir, old.TMID, old.ModelID)
	require.NoError(t, old.Save(path))

	fresh, err := BuildIndex(old.TMID, old.ModelID, 4, []int64{99}, [][]float32{{0, 0, 1, 0}})
	require.NoError(t, err)
	require.NoError(t, fresh.Save(path))

	loaded, err := LoadIndex(path, old.TMID)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())

	// No temp files left behind.
	matches, err := filepath.Glob(filepath.Join(dir, ".vec-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestLoadIndexRejectsForeignFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.vec")
	require.NoError(t, os.WriteFile(path, []byte("not an index at all"), 0o600))

	_, err := LoadIndex(path, 1)
	require.Error(t, err)
}

func TestLoadIndexMissingFile(t *testing.T) {
	_, err := LoadIndex(filepath.Join(t.TempDir(), "none.vec"), 1)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
