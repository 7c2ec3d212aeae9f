package tm

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/storage/sqlite"
	"github.com/locstore/ldm/internal/types"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.Open(context.Background(), t.TempDir()+"/ldm.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	e := NewEngine(s, t.TempDir(), cfg, NewFastEmbedder(), NewDeepEmbedder(), nil)
	return e, s
}

// seedTM creates a TM and imports pairs through the engine, so the fast
// index is built the same way production imports build it.
func seedTM(t *testing.T, e *Engine, s *sqlite.Store, pairs map[string]string) int64 {
	t.Helper()
	ctx := context.Background()
	tm := &types.TM{Name: "KR main", SourceLang: "ko", TargetLang: "en"}
	require.NoError(t, s.CreateTM(ctx, tm))
	entries := make([]*Entry, 0, len(pairs))
	for src, tgt := range pairs {
		entries = append(entries, NewEntry(src, tgt))
	}
	added, err := e.ImportEntries(ctx, tm.ID, entries)
	require.NoError(t, err)
	require.Equal(t, len(pairs), added)
	return tm.ID
}

func TestLookupExact(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})

	m, err := e.Lookup(context.Background(), tmID, "기습")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, types.TierExact, m.Tier)
	assert.Equal(t, "Ambush", m.Target)
	assert.InDelta(t, 1.0, m.Score, 1e-9)

	// Whitespace differences normalize away before hashing.
	m, err = e.Lookup(context.Background(), tmID, "  기습  ")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, types.TierExact, m.Tier)
}

func TestLookupCaseFold(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	tmID := seedTM(t, e, s, map[string]string{"Surprise Attack": "기습 공격"})

	m, err := e.Lookup(context.Background(), tmID, "surprise attack")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, types.TierCaseFold, m.Tier)
	assert.Equal(t, "기습 공격", m.Target)
	assert.Equal(t, "Surprise Attack", m.Source)
}

func TestLookupFuzzyChar(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FuzzyThreshold = 0.35
	e, s := newTestEngine(t, cfg)
	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})

	// Trailing punctuation defeats exact and casefold but keeps enough
	// trigram overlap for the fuzzy tier.
	m, err := e.Lookup(context.Background(), tmID, "기습!")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, types.TierFuzzyChar, m.Tier)
	assert.Equal(t, "Ambush", m.Target)
	assert.Less(t, m.Score, 1.0)
	assert.GreaterOrEqual(t, m.Score, cfg.FuzzyThreshold)
}

func TestLookupSemanticFast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FuzzyThreshold = 0.99 // force the cascade past the fuzzy tier
	cfg.SemanticThreshold = 0.5
	e, s := newTestEngine(t, cfg)
	tmID := seedTM(t, e, s, map[string]string{"hello world how are you": "안녕하세요"})

	m, err := e.Lookup(context.Background(), tmID, "hello world how are you today")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, types.TierSemanticFast, m.Tier)
	assert.Equal(t, "안녕하세요", m.Target)
	assert.GreaterOrEqual(t, m.Score, 0.5)
	assert.Less(t, m.Score, 1.0)
}

func TestLookupNoMatch(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})

	// Deep tier is off by default; an unrelated sentence falls all the way
	// through the cascade.
	m, err := e.Lookup(context.Background(), tmID, "surprise attack in Korean")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLookupUnknownTM(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	_, err := e.Lookup(context.Background(), 404, "기습")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestSearchReturnsCandidates(t *testing.T) {
	cfg := DefaultConfig()
	e, s := newTestEngine(t, cfg)
	tmID := seedTM(t, e, s, map[string]string{
		"hello world how are you": "안녕하세요",
		"기습":                      "Ambush",
	})

	matches := e.Search(context.Background(), tmID, "hello world how are you today", 5, 0.5)
	require.NotEmpty(t, matches)
	assert.Equal(t, "안녕하세요", matches[0].Target)
	assert.Equal(t, types.TierSemanticFast, matches[0].Tier)

	// No index for an unknown TM degrades to empty, never errors.
	assert.Empty(t, e.Search(context.Background(), 404, "anything", 5, 0.5))
}

func TestImportEntriesIdempotent(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})

	added, err := e.ImportEntries(context.Background(), tmID, []*Entry{NewEntry("기습", "Surprise Attack")})
	require.NoError(t, err)
	assert.Zero(t, added, "same source is an upsert, not a new entry")

	m, err := e.Lookup(context.Background(), tmID, "기습")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Surprise Attack", m.Target, "re-import updates the target")
}

func TestDropIndexesRemovesFile(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})

	path := IndexPath(e.dir, tmID, e.fast.ID())
	_, err := os.Stat(path)
	require.NoError(t, err, "import must persist the fast index")

	e.DropIndexes(tmID)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestActiveTMLifecycle(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})

	_, err := e.Active("sess-1")
	require.Error(t, err)
	assert.Equal(t, types.KindPrecondition, types.KindOf(err))

	err = e.SetActive(context.Background(), "sess-1", 404)
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	require.NoError(t, e.SetActive(context.Background(), "sess-1", tmID))
	got, err := e.Active("sess-1")
	require.NoError(t, err)
	assert.Equal(t, tmID, got)

	// Sessions are independent.
	_, err = e.Active("sess-2")
	require.Error(t, err)

	e.Deactivate("sess-1")
	_, err = e.Active("sess-1")
	require.Error(t, err)
}
