package postgres

import (
	"context"
	"database/sql"
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
		err := q.QueryRowContext(ctx,
			`INSERT INTO tms (name, project_id, source_lang, target_lang, description)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			tm.Name, nullInt(tm.ProjectID), tm.SourceLang, tm.TargetLang, tm.Description).Scan(&tm.ID)
		if isConstraintErr(err) {
			return types.Conflict(types.KindTM, "name %q already exists for this project", tm.Name)
		}
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
		 FROM tms WHERE id = $1`, id).
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
	_, err := q.ExecContext(ctx, `DELETE FROM tms WHERE id = $1`, id)
	return err
}

// UpsertEntries inserts entries, upserting the target on (tm_id, source_hash)
// duplicates. Returns the number of entries that were new.
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
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tm_entries WHERE tm_id = $1`, tmID).Scan(&before); err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.SourceHash == "" {
			return 0, types.E(types.KindInvalidArgument, "entry for %q has no source hash", e.Source)
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO tm_entries (tm_id, source, target, normalized_source, folded_source, source_hash)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (tm_id, source_hash) DO UPDATE SET target = EXCLUDED.target`,
			tmID, e.Source, e.Target, e.NormalizedSource, strings.ToLower(e.NormalizedSource), e.SourceHash); err != nil {
			return 0, err
		}
	}
	var after int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tm_entries WHERE tm_id = $1`, tmID).Scan(&after); err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx, `UPDATE tms SET entry_count = $1 WHERE id = $2`, after, tmID); err != nil {
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
		 FROM tm_entries WHERE tm_id = $1 ORDER BY entry_id ASC`, tmID)
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

// LookupExact returns the entry whose source hash matches.
func (s *Store) LookupExact(ctx context.Context, tmID int64, sourceHash string) (*types.TMEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return scanEntry(s.db.QueryRowContext(ctx,
		`SELECT tm_id, entry_id, source, target, normalized_source, source_hash
		 FROM tm_entries WHERE tm_id = $1 AND source_hash = $2 ORDER BY entry_id ASC LIMIT 1`,
		tmID, sourceHash))
}

// LookupNormalized matches on the case-folded normalized form. folded must be
// strings.ToLower of the normalized text.
func (s *Store) LookupNormalized(ctx context.Context, tmID int64, folded string) (*types.TMEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return scanEntry(s.db.QueryRowContext(ctx,
		`SELECT tm_id, entry_id, source, target, normalized_source, source_hash
		 FROM tm_entries WHERE tm_id = $1 AND folded_source = $2 ORDER BY entry_id ASC LIMIT 1`,
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

// SearchSimilar ranks entries by pg_trgm similarity against the normalized
// text. The GIN trigram index makes the % prefilter cheap; the threshold is
// applied explicitly so it does not depend on the session's
// pg_trgm.similarity_threshold setting.
func (s *Store) SearchSimilar(ctx context.Context, tmID int64, normalized string, threshold float64, limit int) ([]*types.SimilarEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := getTM(ctx, s.db, tmID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tm_id, entry_id, source, target, normalized_source, source_hash,
		        similarity(normalized_source, $2) AS score
		 FROM tm_entries
		 WHERE tm_id = $1 AND similarity(normalized_source, $2) >= $3
		 ORDER BY score DESC, entry_id ASC
		 LIMIT $4`,
		tmID, normalized, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.SimilarEntry
	for rows.Next() {
		se := &types.SimilarEntry{}
		if err := rows.Scan(&se.Entry.TMID, &se.Entry.EntryID, &se.Entry.Source, &se.Entry.Target,
			&se.Entry.NormalizedSource, &se.Entry.SourceHash, &se.Score); err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}
