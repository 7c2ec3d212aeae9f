package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/locstore/ldm/internal/types"
)

// copyInThreshold is the batch size above which BulkUpsertRows switches from
// per-row upserts to COPY into a temp table. Large file imports regularly
// carry 100k+ rows.
const copyInThreshold = 5000

// ListRows returns a file's rows in index order.
func (s *Store) ListRows(ctx context.Context, fileID int64) ([]*types.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return listRows(ctx, s.db, fileID)
}

func listRows(ctx context.Context, q querier, fileID int64) ([]*types.Row, error) {
	if _, err := getFile(ctx, q, fileID); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, file_id, idx, source, target, status, string_id, metadata, version
		 FROM rows WHERE file_id = $1 ORDER BY idx ASC`, fileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.Row
	for rows.Next() {
		r := &types.Row{}
		if err := rows.Scan(&r.ID, &r.FileID, &r.Index, &r.Source, &r.Target, &r.Status, &r.StringID, &r.Metadata, &r.Version); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRow returns one row by id. Rows of soft-deleted files are not found.
func (s *Store) GetRow(ctx context.Context, rowID int64) (*types.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getRow(ctx, s.db, rowID, false)
}

// getRow fetches a row; forUpdate locks it against concurrent edits.
func getRow(ctx context.Context, q querier, rowID int64, forUpdate bool) (*types.Row, error) {
	query := `SELECT r.id, r.file_id, r.idx, r.source, r.target, r.status, r.string_id, r.metadata, r.version
	          FROM rows r JOIN files f ON f.id = r.file_id
	          WHERE r.id = $1 AND f.deleted_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE OF r`
	}
	r := &types.Row{}
	err := q.QueryRowContext(ctx, query, rowID).
		Scan(&r.ID, &r.FileID, &r.Index, &r.Source, &r.Target, &r.Status, &r.StringID, &r.Metadata, &r.Version)
	if err == sql.ErrNoRows {
		return nil, types.NotFound("", rowID)
	}
	return r, err
}

// EditRow applies a partial update to one row.
func (s *Store) EditRow(ctx context.Context, rowID int64, patch types.RowPatch) error {
	return s.write(ctx, func(q querier) error {
		return editRow(ctx, q, rowID, patch)
	})
}

func editRow(ctx context.Context, q querier, rowID int64, patch types.RowPatch) error {
	row, err := getRow(ctx, q, rowID, true)
	if err != nil {
		return err
	}
	if patch.Status != nil {
		switch *patch.Status {
		case types.StatusPending, types.StatusTranslated, types.StatusReviewed, types.StatusApproved:
		default:
			return types.E(types.KindInvalidArgument, "unknown row status %q", *patch.Status)
		}
	}
	ver, err := nextVersion(ctx, q)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE rows SET
		   source = COALESCE($1, source),
		   target = COALESCE($2, target),
		   status = COALESCE($3, status),
		   metadata = COALESCE($4, metadata),
		   version = $5
		 WHERE id = $6`,
		patch.Source, patch.Target, (*string)(patch.Status), patch.Metadata, ver, rowID)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE files SET updated_at = now(), version = $1 WHERE id = $2`, ver, row.FileID)
	return err
}

// DeleteRow removes one row and compacts indices so they stay dense 1..N.
func (s *Store) DeleteRow(ctx context.Context, rowID int64) error {
	return s.write(ctx, func(q querier) error {
		return deleteRow(ctx, q, rowID)
	})
}

func deleteRow(ctx context.Context, q querier, rowID int64) error {
	row, err := getRow(ctx, q, rowID, true)
	if err != nil {
		return err
	}
	ver, err := nextVersion(ctx, q)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM rows WHERE id = $1`, rowID); err != nil {
		return err
	}
	// Compact: shift everything after the gap down by one. Negative
	// staging avoids transient UNIQUE(file_id, idx) violations.
	if _, err := q.ExecContext(ctx,
		`UPDATE rows SET idx = -(idx - 1) WHERE file_id = $1 AND idx > $2`, row.FileID, row.Index); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE rows SET idx = -idx, version = $1 WHERE file_id = $2 AND idx < 0`, ver, row.FileID); err != nil {
		return err
	}
	file, err := getFile(ctx, q, row.FileID)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO tombstones (item_type, item_id, project_id, file_id, version) VALUES ('row', $1, $2, $3, $4)`,
		rowID, file.ProjectID, row.FileID, ver); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE files SET row_count = row_count - 1, version = $1, updated_at = now() WHERE id = $2`,
		ver, row.FileID)
	return err
}

// BulkUpsertRows upserts by (file_id, index) and refreshes row_count. Small
// batches upsert row by row; large imports stream through COPY into a temp
// table first.
func (s *Store) BulkUpsertRows(ctx context.Context, fileID int64, rows []*types.Row) error {
	return s.write(ctx, func(q querier) error {
		return bulkUpsertRows(ctx, q, fileID, rows)
	})
}

func bulkUpsertRows(ctx context.Context, q querier, fileID int64, rows []*types.Row) error {
	if _, err := getFile(ctx, q, fileID); err != nil {
		return err
	}
	for _, r := range rows {
		if r.Index < 1 {
			return types.E(types.KindInvalidArgument, "row index %d is not 1-based", r.Index)
		}
	}
	ver, err := nextVersion(ctx, q)
	if err != nil {
		return err
	}
	if len(rows) >= copyInThreshold {
		if err := bulkUpsertViaCopy(ctx, q, fileID, rows, ver); err != nil {
			return err
		}
	} else {
		for _, r := range rows {
			status := r.Status
			if status == "" {
				status = types.StatusPending
			}
			if _, err := q.ExecContext(ctx,
				`INSERT INTO rows (file_id, idx, source, target, status, string_id, metadata, version)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (file_id, idx) DO UPDATE SET
				   source = EXCLUDED.source, target = EXCLUDED.target, status = EXCLUDED.status,
				   string_id = EXCLUDED.string_id, metadata = EXCLUDED.metadata, version = EXCLUDED.version`,
				fileID, r.Index, r.Source, r.Target, string(status), r.StringID, r.Metadata, ver); err != nil {
				return err
			}
		}
	}
	_, err = q.ExecContext(ctx,
		`UPDATE files SET row_count = (SELECT COUNT(*) FROM rows WHERE file_id = $1),
		 version = $2, updated_at = now() WHERE id = $3`, fileID, ver, fileID)
	return err
}

// preparer is satisfied by *sql.Tx; COPY needs a prepared statement.
type preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func bulkUpsertViaCopy(ctx context.Context, q querier, fileID int64, rows []*types.Row, ver int64) error {
	p, ok := q.(preparer)
	if !ok {
		return types.E(types.KindInternal, "bulk copy requires a transaction")
	}
	if _, err := q.ExecContext(ctx,
		`CREATE TEMP TABLE rows_staging (
		   idx INTEGER, source TEXT, target TEXT, status TEXT, string_id TEXT, metadata TEXT
		 ) ON COMMIT DROP`); err != nil {
		return err
	}
	stmt, err := p.PrepareContext(ctx, pq.CopyIn("rows_staging", "idx", "source", "target", "status", "string_id", "metadata"))
	if err != nil {
		return err
	}
	for _, r := range rows {
		status := r.Status
		if status == "" {
			status = types.StatusPending
		}
		if _, err := stmt.ExecContext(ctx, r.Index, r.Source, r.Target, string(status), r.StringID, r.Metadata); err != nil {
			_ = stmt.Close()
			return err
		}
	}
	// Flush the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO rows (file_id, idx, source, target, status, string_id, metadata, version)
		 SELECT $1, idx, source, target, status, string_id, metadata, $2 FROM rows_staging
		 ON CONFLICT (file_id, idx) DO UPDATE SET
		   source = EXCLUDED.source, target = EXCLUDED.target, status = EXCLUDED.status,
		   string_id = EXCLUDED.string_id, metadata = EXCLUDED.metadata, version = EXCLUDED.version`,
		fileID, ver)
	return err
}
