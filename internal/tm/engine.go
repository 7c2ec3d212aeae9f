package tm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/locstore/ldm/internal/storage"
	"github.com/locstore/ldm/internal/types"
)

// Config tunes the lookup cascade.
type Config struct {
	// FuzzyThreshold gates the fuzzy-character tier.
	FuzzyThreshold float64
	// SemanticThreshold gates both semantic tiers.
	SemanticThreshold float64
	// EnableDeep turns on the semantic-deep tier.
	EnableDeep bool
	// EmbedBatch is the number of entries embedded per batch during index
	// rebuild. Rebuilds yield between batches.
	EmbedBatch int
}

// DefaultConfig matches the documented cascade defaults.
func DefaultConfig() Config {
	return Config{FuzzyThreshold: 0.85, SemanticThreshold: 0.75, EmbedBatch: 500}
}

// Engine owns TM lookup state: per-session active TM, the cascade, and the
// persistent vector indexes.
type Engine struct {
	store storage.Store
	dir   string
	cfg   Config
	fast  Embedder
	deep  Embedder
	log   *slog.Logger

	mu     sync.Mutex
	active map[string]int64 // session id -> active tm id

	// indexes maps "tmID.modelID" to an atomically-swappable snapshot.
	// Readers load the pointer without taking mu.
	indexes sync.Map // string -> *atomic.Pointer[Index]

	// entryCache maps tmID to entries by id, so semantic hits resolve
	// without a database round-trip per lookup. Invalidated on rebuild.
	entryCache sync.Map // int64 -> map[int64]*types.TMEntry
}

// NewEngine builds an engine storing indexes under dir.
func NewEngine(store storage.Store, dir string, cfg Config, fast, deep Embedder, log *slog.Logger) *Engine {
	if cfg.EmbedBatch <= 0 {
		cfg.EmbedBatch = 500
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:  store,
		dir:    dir,
		cfg:    cfg,
		fast:   fast,
		deep:   deep,
		log:    log,
		active: make(map[string]int64),
	}
}

// SetActive atomically activates a TM for a session's cascade. Exactly one
// TM is active per session.
func (e *Engine) SetActive(ctx context.Context, sessionID string, tmID int64) error {
	if _, err := e.store.GetTM(ctx, tmID); err != nil {
		return err
	}
	e.mu.Lock()
	e.active[sessionID] = tmID
	e.mu.Unlock()
	return nil
}

// Deactivate clears the session's active TM.
func (e *Engine) Deactivate(sessionID string) {
	e.mu.Lock()
	delete(e.active, sessionID)
	e.mu.Unlock()
}

// Active returns the session's active TM id, or a Precondition error when
// none is set.
func (e *Engine) Active(sessionID string) (int64, error) {
	e.mu.Lock()
	id, ok := e.active[sessionID]
	e.mu.Unlock()
	if !ok {
		return 0, types.E(types.KindPrecondition, "no active translation memory for this session")
	}
	return id, nil
}

// ImportEntries normalizes and upserts pairs, then rebuilds the fast index
// (and the deep index when enabled). Import is idempotent: re-importing the
// same pairs changes nothing but targets. Returns the number of new entries.
func (e *Engine) ImportEntries(ctx context.Context, tmID int64, pairs []*Entry) (int, error) {
	entries := make([]*types.TMEntry, len(pairs))
	for i, p := range pairs {
		entries[i] = &types.TMEntry{
			Source:           p.Source,
			Target:           p.Target,
			NormalizedSource: p.Normalized,
			SourceHash:       p.Hash,
		}
	}
	added, err := e.store.UpsertEntries(ctx, tmID, entries)
	if err != nil {
		return 0, err
	}
	if err := e.RebuildIndex(ctx, tmID, e.fast); err != nil {
		return added, err
	}
	if e.cfg.EnableDeep && e.deep != nil {
		if err := e.RebuildIndex(ctx, tmID, e.deep); err != nil {
			return added, err
		}
	}
	return added, nil
}

// RebuildIndex re-embeds every entry of the TM with the given model, writes
// the index file atomically and installs the new snapshot. Restart-safe: a
// crash leaves the previous file, and rebuilding is idempotent.
func (e *Engine) RebuildIndex(ctx context.Context, tmID int64, emb Embedder) error {
	entries, err := e.store.ListEntries(ctx, tmID)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(entries))
	vectors := make([][]float32, 0, len(entries))
	for start := 0; start < len(entries); start += e.cfg.EmbedBatch {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + e.cfg.EmbedBatch
		if end > len(entries) {
			end = len(entries)
		}
		texts := make([]string, 0, end-start)
		for _, entry := range entries[start:end] {
			ids = append(ids, entry.EntryID)
			texts = append(texts, entry.NormalizedSource)
		}
		batch, err := emb.Embed(ctx, texts)
		if err != nil {
			return types.Wrap(types.KindTransient, err, "embed batch for tm %d", tmID)
		}
		vectors = append(vectors, batch...)
	}

	ix, err := BuildIndex(tmID, emb.ID(), emb.Dim(), ids, vectors)
	if err != nil {
		return err
	}
	if err := ix.Save(IndexPath(e.dir, tmID, emb.ID())); err != nil {
		return fmt.Errorf("save index for tm %d: %w", tmID, err)
	}
	e.install(ix)
	e.entryCache.Delete(tmID)
	e.log.Info("tm index rebuilt", "tm_id", tmID, "model", emb.ID(), "entries", ix.Len())
	return nil
}

func indexKey(tmID int64, modelID string) string {
	return fmt.Sprintf("%d.%s", tmID, modelID)
}

func (e *Engine) install(ix *Index) {
	p, _ := e.indexes.LoadOrStore(indexKey(ix.TMID, ix.ModelID), &atomic.Pointer[Index]{})
	p.(*atomic.Pointer[Index]).Store(ix)
}

// index returns the current snapshot for (tm, model), lazily loading from
// disk on first use. Nil when no index exists yet.
func (e *Engine) index(tmID int64, emb Embedder) *Index {
	if p, ok := e.indexes.Load(indexKey(tmID, emb.ID())); ok {
		return p.(*atomic.Pointer[Index]).Load()
	}
	ix, err := LoadIndex(IndexPath(e.dir, tmID, emb.ID()), tmID)
	if err != nil {
		if !os.IsNotExist(err) {
			e.log.Warn("tm index unreadable", "tm_id", tmID, "model", emb.ID(), "error", err)
		}
		return nil
	}
	e.install(ix)
	return ix
}

// DropIndexes removes the on-disk and in-memory indexes of a deleted TM.
func (e *Engine) DropIndexes(tmID int64) {
	for _, emb := range []Embedder{e.fast, e.deep} {
		if emb == nil {
			continue
		}
		e.indexes.Delete(indexKey(tmID, emb.ID()))
		_ = os.Remove(IndexPath(e.dir, tmID, emb.ID()))
	}
	e.entryCache.Delete(tmID)
}

// Search returns up to k semantic candidates from the fast index with score
// >= minScore, best first. Embedding or index failures degrade to an empty
// result; lookup never surfaces embedding errors to callers.
func (e *Engine) Search(ctx context.Context, tmID int64, text string, k int, minScore float64) []*types.Match {
	return e.semantic(ctx, tmID, text, e.fast, k, minScore, types.TierSemanticFast)
}

func (e *Engine) semantic(ctx context.Context, tmID int64, text string, emb Embedder, k int, minScore float64, tier types.MatchTier) []*types.Match {
	if emb == nil {
		return nil
	}
	ix := e.index(tmID, emb)
	if ix == nil {
		return nil
	}
	vecs, err := emb.Embed(ctx, []string{Normalize(text)})
	if err != nil {
		e.log.Warn("embedding failed, semantic tier skipped", "tm_id", tmID, "model", emb.ID(), "error", err)
		return nil
	}
	hits := ix.Search(vecs[0], k, minScore)
	if len(hits) == 0 {
		return nil
	}
	byID := e.entriesByID(ctx, tmID)
	if byID == nil {
		return nil
	}
	var out []*types.Match
	for _, hit := range hits {
		entry, ok := byID[hit.EntryID]
		if !ok {
			continue
		}
		out = append(out, &types.Match{Source: entry.Source, Target: entry.Target, Score: hit.Score, Tier: tier})
	}
	return out
}

func (e *Engine) entriesByID(ctx context.Context, tmID int64) map[int64]*types.TMEntry {
	if cached, ok := e.entryCache.Load(tmID); ok {
		return cached.(map[int64]*types.TMEntry)
	}
	entries, err := e.store.ListEntries(ctx, tmID)
	if err != nil {
		return nil
	}
	byID := make(map[int64]*types.TMEntry, len(entries))
	for _, entry := range entries {
		byID[entry.EntryID] = entry
	}
	e.entryCache.Store(tmID, byID)
	return byID
}

// Lookup runs the tiered cascade for one source text. Higher tiers
// short-circuit; the returned match carries the tier that produced it. A nil
// match with nil error means no tier matched. Tier-internal failures degrade
// to the next tier rather than failing the lookup.
func (e *Engine) Lookup(ctx context.Context, tmID int64, text string) (*types.Match, error) {
	normalized := Normalize(text)

	// Exact: hash equality on the normalized form.
	entry, err := e.store.LookupExact(ctx, tmID, Hash(normalized))
	if err == nil {
		return &types.Match{Source: entry.Source, Target: entry.Target, Score: 1, Tier: types.TierExact}, nil
	}
	if !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}

	// Case-insensitive exact on the folded form.
	entry, err = e.store.LookupNormalized(ctx, tmID, Fold(normalized))
	if err == nil {
		return &types.Match{Source: entry.Source, Target: entry.Target, Score: 1, Tier: types.TierCaseFold}, nil
	}
	if !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}

	// Fuzzy-character similarity via the backend.
	similar, err := e.store.SearchSimilar(ctx, tmID, normalized, e.cfg.FuzzyThreshold, 1)
	if err != nil {
		return nil, err
	}
	if len(similar) > 0 {
		best := similar[0]
		return &types.Match{Source: best.Entry.Source, Target: best.Entry.Target, Score: best.Score, Tier: types.TierFuzzyChar}, nil
	}

	if m := e.semantic(ctx, tmID, text, e.fast, 1, e.cfg.SemanticThreshold, types.TierSemanticFast); len(m) > 0 {
		return m[0], nil
	}
	if e.cfg.EnableDeep {
		if m := e.semantic(ctx, tmID, text, e.deep, 1, e.cfg.SemanticThreshold, types.TierSemanticDeep); len(m) > 0 {
			return m[0], nil
		}
	}
	return nil, nil
}
