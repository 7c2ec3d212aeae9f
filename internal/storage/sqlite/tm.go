package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/locstore/ldm/internal/types"
)

// CreateTM inserts a translation memory. (name, project) must be unique.
func (s *Store) CreateTM(ctx context.Context, tm *types.TM) error {
	if tm.Name == "" {
		return types.E(types.KindInvalidArgument, "tm name must not be empty")
	}
	return s.write(ctx, func(q querier) error {
		if tm.ProjectID != nil {
			if _, err := getProject(ctx, q, *tm.ProjectID); err != nil {
				return err
			}
		}
		res, err := q.ExecContext(ctx,
			`INSERT INTO tms (name, project_id, source_lang, target_lang, description)
			 VALUES (?, ?, ?, ?, ?)`,
			tm.Name, nullInt(tm.ProjectID), tm.SourceLang, tm.TargetLang, tm.Description)
		if isConstraintErr(err) {
			return types.Conflict(types.KindTM, "name %q already exists for this project", tm.Name)
		}
		if err != nil {
			return err
		}
		tm.ID, err = res.LastInsertId()
		return err
	})
}

// GetTM returns a TM by id.
func (s *Store) GetTM(ctx context.Context, id int64) (*types.TM, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getTM(ctx, s.db, id)
}

func getTM(ctx context.Context, q querier, id int64) (*types.TM, error) {
	tm := &types.TM{}
	var project sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT id, name, project_id, source_lang, target_lang, description, entry_count, created_at
		 FROM tms WHERE id = ?`, id).
		Scan(&tm.ID, &tm.Name, &project, &tm.SourceLang, &tm.TargetLang, &tm.Description, &tm.EntryCount, &tm.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NotFound(types.KindTM, id)
	}
	tm.ProjectID = intPtr(project)
	return tm, err
}

// ListTMs returns all TMs, name ascending.
func (s *Store) ListTMs(ctx context.Context) ([]*types.TM, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, project_id, source_lang, target_lang, description, entry_count, created_at
		 FROM tms ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.TM
	for rows.Next() {
		tm := &types.TM{}
		var project sql.NullInt64
		if err := rows.Scan(&tm.ID, &tm.Name, &project, &tm.SourceLang, &tm.TargetLang, &tm.Description, &tm.EntryCount, &tm.CreatedAt); err != nil {
			return nil, err
		}
		tm.ProjectID = intPtr(project)
		out = append(out, tm)
	}
	return out, rows.Err()
}

// DeleteTM removes a TM and its entries. The caller removes the on-disk
// vector index.
func (s *Store) DeleteTM(ctx context.Context, id int64) error {
	return s.write(ctx, func(q querier) error {
		return deleteTM(ctx, q, id)
	})
}

func deleteTM(ctx context.Context, q querier, id int64) error {
	if _, err := getTM(ctx, q, id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM tm_entries WHERE tm_id = ?`, id); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `DELETE FROM tms WHERE id = ?`, id)
	return err
}

// UpsertEntries inserts entries, upserting the target on (tm_id,
// source_hash) duplicates. Returns the number of entries that were new.
// entry_count is refreshed to the durable distinct-hash count.
func (s *Store) UpsertEntries(ctx context.Context, tmID int64, entries []*types.TMEntry) (int, error) {
	var added int
	err := s.write(ctx, func(q querier) error {
		var err error
		added, err = upsertEntries(ctx, q, tmID, entries)
		return err
	})
	return added, err
}

func upsertEntries(ctx context.Context, q querier, tmID int64, entries []*types.TMEntry) (int, error) {
	if _, err := getTM(ctx, q, tmID); err != nil {
		return 0, err
	}
	var before int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tm_entries WHERE tm_id = ?`, tmID).Scan(&before); err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.SourceHash == "" {
			return 0, types.E(types.KindInvalidArgument, "entry for %q has no source hash", e.Source)
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO tm_entries (tm_id, source, target, normalized_source, folded_source, source_hash)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(tm_id, source_hash) DO UPDATE SET target = excluded.target`,
			tmID, e.Source, e.Target, e.NormalizedSource, strings.ToLower(e.NormalizedSource), e.SourceHash); err != nil {
			return 0, err
		}
	}
	var after int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tm_entries WHERE tm_id = ?`, tmID).Scan(&after); err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx, `UPDATE tms SET entry_count = ? WHERE id = ?`, after, tmID); err != nil {
		return 0, err
	}
	return after - before, nil
}

// ListEntries returns all entries of a TM in insertion order.
func (s *Store) ListEntries(ctx context.Context, tmID int64) ([]*types.TMEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := getTM(ctx, s.db, tmID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tm_id, entry_id, source, target, normalized_source, source_hash
		 FROM tm_entries WHERE tm_id = ? ORDER BY entry_id ASC`, tmID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.TMEntry
	for rows.Next() {
		e := &types.TMEntry{}
		if err := rows.Scan(&e.TMID, &e.EntryID, &e.Source, &e.Target, &e.NormalizedSource, &e.SourceHash); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LookupExact returns the entry whose source hash matches, or ErrNotFound.
func (s *Store) LookupExact(ctx context.Context, tmID int64, sourceHash string) (*types.TMEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return scanEntry(s.db.QueryRowContext(ctx,
		`SELECT tm_id, entry_id, source, target, normalized_source, source_hash
		 FROM tm_entries WHERE tm_id = ? AND source_hash = ? ORDER BY entry_id ASC LIMIT 1`,
		tmID, sourceHash))
}

// LookupNormalized matches on the case-folded normalized form. folded must
// be strings.ToLower of the normalized text.
func (s *Store) LookupNormalized(ctx context.Context, tmID int64, folded string) (*types.TMEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return scanEntry(s.db.QueryRowContext(ctx,
		`SELECT tm_id, entry_id, source, target, normalized_source, source_hash
		 FROM tm_entries WHERE tm_id = ? AND folded_source = ? ORDER BY entry_id ASC LIMIT 1`,
		tmID, folded))
}

func scanEntry(row *sql.Row) (*types.TMEntry, error) {
	e := &types.TMEntry{}
	err := row.Scan(&e.TMID, &e.EntryID, &e.Source, &e.Target, &e.NormalizedSource, &e.SourceHash)
	if err == sql.ErrNoRows {
		return nil, types.NotFound(types.KindTM, 0)
	}
	return e, err
}

// SearchSimilar scans the TM's entries and ranks them by trigram similarity
// against the normalized text, computed in-process with the same formula as
// pg_trgm. Acceptable for the single-user local store; the authoritative
// backend pushes this into the database.
func (s *Store) SearchSimilar(ctx context.Context, tmID int64, normalized string, threshold float64, limit int) ([]*types.SimilarEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := s.ListEntries(ctx, tmID)
	if err != nil {
		return nil, err
	}
	query := trigramSet(normalized)
	var out []*types.SimilarEntry
	for _, e := range entries {
		score := trigramSimilarity(query, trigramSet(e.NormalizedSource))
		if score >= threshold {
			out = append(out, &types.SimilarEntry{Entry: *e, Score: score})
		}
	}
	// Best first; ties broken by earlier insertion.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.EntryID < out[j].Entry.EntryID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// trigramSet extracts pg_trgm-style trigrams: lower-cased, padded with two
// leading and one trailing space per word.
func trigramSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(s)) {
		padded := "  " + word + " "
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			out[string(runes[i:i+3])] = struct{}{}
		}
	}
	return out
}

// trigramSimilarity is |intersection| / |union|, matching pg_trgm's
// similarity().
func trigramSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
