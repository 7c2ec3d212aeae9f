package sqlite

import (
	"context"
	"database/sql"

	"github.com/locstore/ldm/internal/types"
)

// ListRows returns a file's rows in index order.
func (s *Store) ListRows(ctx context.Context, fileID int64) ([]*types.Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := getFile(ctx, s.db, fileID); err != nil {
		return nil, err
	}
	return listRows(ctx, s.db, fileID)
}

func listRows(ctx context.Context, q querier, fileID int64) ([]*types.Row, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, file_id, idx, source, target, status, string_id, metadata, version
		 FROM rows WHERE file_id = ? ORDER BY idx ASC`, fileID)
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
	return getRow(ctx, s.db, rowID)
}

func getRow(ctx context.Context, q querier, rowID int64) (*types.Row, error) {
	r := &types.Row{}
	err := q.QueryRowContext(ctx,
		`SELECT r.id, r.file_id, r.idx, r.source, r.target, r.status, r.string_id, r.metadata, r.version
		 FROM rows r JOIN files f ON f.id = r.file_id
		 WHERE r.id = ? AND f.deleted_at IS NULL`, rowID).
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
	row, err := getRow(ctx, q, rowID)
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
	set := "version = ?"
	ver, err := nextVersion(ctx, q)
	if err != nil {
		return err
	}
	args := []any{ver}
	if patch.Source != nil {
		set += ", source = ?"
		args = append(args, *patch.Source)
	}
	if patch.Target != nil {
		set += ", target = ?"
		args = append(args, *patch.Target)
	}
	if patch.Status != nil {
		set += ", status = ?"
		args = append(args, string(*patch.Status))
	}
	if patch.Metadata != nil {
		set += ", metadata = ?"
		args = append(args, *patch.Metadata)
	}
	args = append(args, rowID)
	if _, err := q.ExecContext(ctx, `UPDATE rows SET `+set+` WHERE id = ?`, args...); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE files SET updated_at = CURRENT_TIMESTAMP, version = ? WHERE id = ?`, ver, row.FileID)
	return err
}

// DeleteRow removes one row and compacts indices so they stay dense 1..N.
func (s *Store) DeleteRow(ctx context.Context, rowID int64) error {
	return s.write(ctx, func(q querier) error {
		return deleteRow(ctx, q, rowID)
	})
}

func deleteRow(ctx context.Context, q querier, rowID int64) error {
	row, err := getRow(ctx, q, rowID)
	if err != nil {
		return err
	}
	ver, err := nextVersion(ctx, q)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM rows WHERE id = ?`, rowID); err != nil {
		return err
	}
	// Compact: shift everything after the gap down by one. Negative
	// staging avoids transient UNIQUE(file_id, idx) violations.
	if _, err := q.ExecContext(ctx,
		`UPDATE rows SET idx = -(idx - 1) WHERE file_id = ? AND idx > ?`, row.FileID, row.Index); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE rows SET idx = -idx, version = ? WHERE file_id = ? AND idx < 0`, ver, row.FileID); err != nil {
		return err
	}
	file, err := getFile(ctx, q, row.FileID)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO tombstones (item_type, item_id, project_id, file_id, version) VALUES ('row', ?, ?, ?, ?)`,
		rowID, file.ProjectID, row.FileID, ver); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE files SET row_count = row_count - 1, version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		ver, row.FileID)
	return err
}

// BulkUpsertRows upserts by (file_id, index) and refreshes row_count. Used
// by file import and sync snapshot application.
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
	for _, r := range rows {
		status := r.Status
		if status == "" {
			status = types.StatusPending
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO rows (file_id, idx, source, target, status, string_id, metadata, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(file_id, idx) DO UPDATE SET
			   source = excluded.source, target = excluded.target, status = excluded.status,
			   string_id = excluded.string_id, metadata = excluded.metadata, version = excluded.version`,
			fileID, r.Index, r.Source, r.Target, string(status), r.StringID, r.Metadata, ver); err != nil {
			return err
		}
	}
	_, err = q.ExecContext(ctx,
		`UPDATE files SET row_count = (SELECT COUNT(*) FROM rows WHERE file_id = ?),
		 version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, fileID, ver, fileID)
	return err
}
