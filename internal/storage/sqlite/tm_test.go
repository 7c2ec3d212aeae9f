package sqlite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/types"
)

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func entry(source, target string) *types.TMEntry {
	return &types.TMEntry{
		Source:           source,
		Target:           target,
		NormalizedSource: source,
		SourceHash:       hashOf(source),
	}
}

func newTestTM(t *testing.T, s *Store) *types.TM {
	t.Helper()
	tm := &types.TM{Name: "main", SourceLang: "ko", TargetLang: "en"}
	require.NoError(t, s.CreateTM(context.Background(), tm))
	return tm
}

func TestUpsertEntriesDeduplicatesByHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tm := newTestTM(t, s)

	added, err := s.UpsertEntries(ctx, tm.ID, []*types.TMEntry{
		entry("기습", "Ambush"),
		entry("낯선 땅", "Strange Lands"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// Duplicate source upserts the target, entry count unchanged.
	added, err = s.UpsertEntries(ctx, tm.ID, []*types.TMEntry{entry("기습", "Surprise Attack")})
	require.NoError(t, err)
	assert.Zero(t, added)

	got, err := s.GetTM(ctx, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EntryCount)

	entries, err := s.ListEntries(ctx, tm.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Surprise Attack", entries[0].Target)

	// entry_count == distinct source hashes.
	hashes := map[string]bool{}
	for _, e := range entries {
		hashes[e.SourceHash] = true
	}
	assert.Equal(t, got.EntryCount, len(hashes))
}

func TestLookupExactAndNormalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tm := newTestTM(t, s)

	_, err := s.UpsertEntries(ctx, tm.ID, []*types.TMEntry{entry("Hello World", "안녕 세상")})
	require.NoError(t, err)

	got, err := s.LookupExact(ctx, tm.ID, hashOf("Hello World"))
	require.NoError(t, err)
	assert.Equal(t, "안녕 세상", got.Target)

	_, err = s.LookupExact(ctx, tm.ID, hashOf("hello world"))
	assert.True(t, types.IsKind(err, types.KindNotFound))

	got, err = s.LookupNormalized(ctx, tm.ID, strings.ToLower("Hello World"))
	require.NoError(t, err)
	assert.Equal(t, "안녕 세상", got.Target)
}

func TestSearchSimilar(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tm := newTestTM(t, s)

	_, err := s.UpsertEntries(ctx, tm.ID, []*types.TMEntry{
		entry("the quick brown fox", "match"),
		entry("completely unrelated text", "no match"),
	})
	require.NoError(t, err)

	results, err := s.SearchSimilar(ctx, tm.ID, "the quick brown foxes", 0.5, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "match", results[0].Entry.Target)
	assert.Greater(t, results[0].Score, 0.5)
	assert.LessOrEqual(t, results[0].Score, 1.0)

	// Identical text scores 1.0.
	results, err = s.SearchSimilar(ctx, tm.ID, "the quick brown fox", 0.99, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestDeleteTMRemovesEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tm := newTestTM(t, s)

	_, err := s.UpsertEntries(ctx, tm.ID, []*types.TMEntry{entry("a b c", "x")})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTM(ctx, tm.ID))
	_, err = s.GetTM(ctx, tm.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))
	_, err = s.ListEntries(ctx, tm.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestTrigramSimilarityFormula(t *testing.T) {
	a := trigramSet("cat")
	assert.InDelta(t, 1.0, trigramSimilarity(a, trigramSet("cat")), 1e-9)
	assert.Zero(t, trigramSimilarity(a, trigramSet("")))
	sim := trigramSimilarity(a, trigramSet("cats"))
	assert.Greater(t, sim, 0.0)
	assert.Less(t, sim, 1.0)
}
