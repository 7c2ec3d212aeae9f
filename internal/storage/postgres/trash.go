package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/locstore/ldm/internal/types"
)

func trashRetention(ctx context.Context, q querier) time.Duration {
	v, err := getConfig(ctx, q, "trash.retention_days")
	if err == nil && v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour
		}
	}
	return types.DefaultTrashRetention
}

// SoftDelete moves an entity and its subtree out of the live tree into the
// trash, in one transaction. Returns the trash id.
func (s *Store) SoftDelete(ctx context.Context, kind types.ItemKind, id int64, actor string) (int64, error) {
	var trashID int64
	err := s.write(ctx, func(q querier) error {
		var err error
		trashID, err = softDelete(ctx, q, kind, id, actor)
		return err
	})
	return trashID, err
}

func softDelete(ctx context.Context, q querier, kind types.ItemKind, id int64, actor string) (int64, error) {
	var name string
	var parentPlatform, parentProject, parentFolder *int64

	switch kind {
	case types.KindPlatform:
		p, err := getPlatform(ctx, q, id)
		if err != nil {
			return 0, err
		}
		name = p.Name
	case types.KindProject:
		p, err := getProject(ctx, q, id)
		if err != nil {
			return 0, err
		}
		name, parentPlatform = p.Name, p.PlatformID
	case types.KindFolder:
		f, err := getFolder(ctx, q, id)
		if err != nil {
			return 0, err
		}
		name, parentFolder = f.Name, f.ParentFolderID
		parentProject = &f.ProjectID
	case types.KindFile:
		f, err := getFile(ctx, q, id)
		if err != nil {
			return 0, err
		}
		name, parentFolder = f.Name, f.FolderID
		parentProject = &f.ProjectID
	default:
		return 0, types.E(types.KindInvalidArgument, "cannot trash kind %q", kind)
	}

	expires := time.Now().UTC().Add(trashRetention(ctx, q))
	var trashID int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO trash (item_type, item_id, item_name, parent_platform_id, parent_project_id, parent_folder_id, deleted_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING trash_id`,
		string(kind), id, name, nullInt(parentPlatform), nullInt(parentProject), nullInt(parentFolder), actor, expires).Scan(&trashID)
	if err != nil {
		return 0, err
	}

	ver, err := nextVersion(ctx, q)
	if err != nil {
		return 0, err
	}

	// Stamp the root and every live descendant with this trash id. Items
	// deleted earlier keep their own trash stamp, so nested trash entries
	// restore independently.
	switch kind {
	case types.KindPlatform:
		if _, err := q.ExecContext(ctx,
			`UPDATE platforms SET deleted_at = now(), trash_id = $1 WHERE deleted_at IS NULL AND id = $2`,
			trashID, id); err != nil {
			return 0, err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE projects SET deleted_at = now(), trash_id = $1 WHERE deleted_at IS NULL AND platform_id = $2`,
			trashID, id); err != nil {
			return 0, err
		}
		for _, table := range []string{"folders", "files"} {
			if _, err := q.ExecContext(ctx,
				`UPDATE `+table+` SET deleted_at = now(), trash_id = $1
				 WHERE deleted_at IS NULL AND project_id IN (SELECT id FROM projects WHERE trash_id = $1)`,
				trashID); err != nil {
				return 0, err
			}
		}
	case types.KindProject:
		if _, err := q.ExecContext(ctx,
			`UPDATE projects SET deleted_at = now(), trash_id = $1 WHERE deleted_at IS NULL AND id = $2`,
			trashID, id); err != nil {
			return 0, err
		}
		for _, table := range []string{"folders", "files"} {
			if _, err := q.ExecContext(ctx,
				`UPDATE `+table+` SET deleted_at = now(), trash_id = $1 WHERE deleted_at IS NULL AND project_id = $2`,
				trashID, id); err != nil {
				return 0, err
			}
		}
	case types.KindFolder:
		if _, err := q.ExecContext(ctx,
			`WITH RECURSIVE subtree AS (
			     SELECT id FROM folders WHERE id = $2 AND deleted_at IS NULL
			     UNION ALL
			     SELECT f.id FROM folders f JOIN subtree s ON f.parent_folder_id = s.id
			     WHERE f.deleted_at IS NULL
			 )
			 UPDATE folders SET deleted_at = now(), trash_id = $1
			 WHERE deleted_at IS NULL AND id IN (SELECT id FROM subtree)`,
			trashID, id); err != nil {
			return 0, err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE files SET deleted_at = now(), trash_id = $1
			 WHERE deleted_at IS NULL AND folder_id IN (SELECT id FROM folders WHERE trash_id = $1)`,
			trashID); err != nil {
			return 0, err
		}
	case types.KindFile:
		if _, err := q.ExecContext(ctx,
			`UPDATE files SET deleted_at = now(), trash_id = $1 WHERE deleted_at IS NULL AND id = $2`,
			trashID, id); err != nil {
			return 0, err
		}
	}

	// Tombstones for every file that just left the live tree, so delta sync
	// clients drop them.
	if _, err := q.ExecContext(ctx,
		`INSERT INTO tombstones (item_type, item_id, project_id, version)
		 SELECT 'file', id, project_id, $1 FROM files WHERE trash_id = $2`,
		ver, trashID); err != nil {
		return 0, err
	}
	return trashID, nil
}

// Restore returns a trashed item to its original location, or to the nearest
// surviving ancestor when the original parents are gone. Name collisions
// introduced in the interim are resolved by suffixing.
func (s *Store) Restore(ctx context.Context, trashID int64) (*types.RestoreResult, error) {
	var result *types.RestoreResult
	err := s.write(ctx, func(q querier) error {
		var err error
		result, err = restore(ctx, q, trashID)
		return err
	})
	return result, err
}

func restore(ctx context.Context, q querier, trashID int64) (*types.RestoreResult, error) {
	item, err := getTrashItem(ctx, q, trashID)
	if err != nil {
		return nil, err
	}

	result := &types.RestoreResult{
		ItemType: item.ItemType,
		ItemID:   item.ItemID,
		ItemName: item.ItemName,
	}

	switch item.ItemType {
	case types.KindPlatform:
		// No parent to resolve.
	case types.KindProject:
		// If the original platform is gone the project restores as
		// unassigned.
		if item.ParentPlatformID != nil {
			if _, err := getPlatform(ctx, q, *item.ParentPlatformID); err != nil {
				if !types.IsKind(err, types.KindNotFound) {
					return nil, err
				}
				item.ParentPlatformID = nil
				result.Relocated = true
			}
		}
	case types.KindFolder, types.KindFile:
		if item.ParentProjectID == nil {
			return nil, types.E(types.KindInternal, "trash entry %d has no project", trashID)
		}
		if _, err := getProject(ctx, q, *item.ParentProjectID); err != nil {
			if types.IsKind(err, types.KindNotFound) {
				return nil, types.E(types.KindPrecondition, "original project of %s %q no longer exists; restore it first", item.ItemType, item.ItemName)
			}
			return nil, err
		}
		if item.ParentFolderID != nil {
			if _, err := getFolder(ctx, q, *item.ParentFolderID); err != nil {
				if !types.IsKind(err, types.KindNotFound) {
					return nil, err
				}
				// Parent folder gone: land at the project root.
				item.ParentFolderID = nil
				result.Relocated = true
			}
		}
	}

	name, renamed, err := availableName(ctx, q, item)
	if err != nil {
		return nil, err
	}
	result.ItemName = name
	result.Renamed = renamed

	ver, err := nextVersion(ctx, q)
	if err != nil {
		return nil, err
	}

	switch item.ItemType {
	case types.KindPlatform:
		if _, err := q.ExecContext(ctx,
			`UPDATE platforms SET deleted_at = NULL, trash_id = NULL, name = $1 WHERE id = $2`,
			name, item.ItemID); err != nil {
			return nil, err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE projects SET deleted_at = NULL, trash_id = NULL WHERE trash_id = $1`, trashID); err != nil {
			return nil, err
		}
	case types.KindProject:
		if _, err := q.ExecContext(ctx,
			`UPDATE projects SET deleted_at = NULL, trash_id = NULL, name = $1, platform_id = $2 WHERE id = $3`,
			name, nullInt(item.ParentPlatformID), item.ItemID); err != nil {
			return nil, err
		}
	case types.KindFolder:
		if _, err := q.ExecContext(ctx,
			`UPDATE folders SET deleted_at = NULL, trash_id = NULL, name = $1, parent_folder_id = $2 WHERE id = $3`,
			name, nullInt(item.ParentFolderID), item.ItemID); err != nil {
			return nil, err
		}
		result.ProjectID = item.ParentProjectID
		result.FolderID = item.ParentFolderID
	case types.KindFile:
		if _, err := q.ExecContext(ctx,
			`UPDATE files SET deleted_at = NULL, trash_id = NULL, name = $1, folder_id = $2, version = $3 WHERE id = $4`,
			name, nullInt(item.ParentFolderID), ver, item.ItemID); err != nil {
			return nil, err
		}
		result.ProjectID = item.ParentProjectID
		result.FolderID = item.ParentFolderID
	}

	// Revive the rest of the subtree.
	for _, table := range []string{"folders", "files"} {
		if _, err := q.ExecContext(ctx,
			`UPDATE `+table+` SET deleted_at = NULL, trash_id = NULL WHERE trash_id = $1`, trashID); err != nil {
			return nil, err
		}
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM trash WHERE trash_id = $1`, trashID); err != nil {
		return nil, err
	}
	return result, nil
}

// availableName returns the item's name, suffixed if a live sibling now holds
// it.
func availableName(ctx context.Context, q querier, item *types.TrashItem) (string, bool, error) {
	name := item.ItemName
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			name = fmt.Sprintf("%s (%d)", item.ItemName, attempt+1)
		}
		taken, err := nameTaken(ctx, q, item, name)
		if err != nil {
			return "", false, err
		}
		if !taken {
			return name, attempt > 0, nil
		}
	}
}

func nameTaken(ctx context.Context, q querier, item *types.TrashItem, name string) (bool, error) {
	var query string
	var args []any
	switch item.ItemType {
	case types.KindPlatform:
		query = `SELECT COUNT(*) FROM platforms WHERE name = $1 AND deleted_at IS NULL`
		args = []any{name}
	case types.KindProject:
		query = `SELECT COUNT(*) FROM projects WHERE name = $1 AND COALESCE(platform_id, 0) = COALESCE($2, 0) AND deleted_at IS NULL`
		args = []any{name, nullInt(item.ParentPlatformID)}
	case types.KindFolder:
		query = `SELECT COUNT(*) FROM folders WHERE name = $1 AND project_id = $2 AND COALESCE(parent_folder_id, 0) = COALESCE($3, 0) AND deleted_at IS NULL`
		args = []any{name, *item.ParentProjectID, nullInt(item.ParentFolderID)}
	case types.KindFile:
		query = `SELECT COUNT(*) FROM files WHERE name = $1 AND project_id = $2 AND COALESCE(folder_id, 0) = COALESCE($3, 0) AND deleted_at IS NULL`
		args = []any{name, *item.ParentProjectID, nullInt(item.ParentFolderID)}
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func getTrashItem(ctx context.Context, q querier, trashID int64) (*types.TrashItem, error) {
	item := &types.TrashItem{}
	var itemType string
	var platform, project, folder sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT trash_id, item_type, item_id, item_name, parent_platform_id, parent_project_id, parent_folder_id, deleted_by, deleted_at, expires_at
		 FROM trash WHERE trash_id = $1`, trashID).
		Scan(&item.TrashID, &itemType, &item.ItemID, &item.ItemName, &platform, &project, &folder, &item.DeletedBy, &item.DeletedAt, &item.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "trash entry %d does not exist", trashID)
	}
	if err != nil {
		return nil, err
	}
	item.ItemType = types.ItemKind(itemType)
	item.ParentPlatformID = intPtr(platform)
	item.ParentProjectID = intPtr(project)
	item.ParentFolderID = intPtr(folder)
	return item, nil
}

// Purge permanently deletes a trash entry and everything it stamped.
func (s *Store) Purge(ctx context.Context, trashID int64) error {
	return s.write(ctx, func(q querier) error {
		return purge(ctx, q, trashID)
	})
}

func purge(ctx context.Context, q querier, trashID int64) error {
	if _, err := getTrashItem(ctx, q, trashID); err != nil {
		return err
	}
	// Rows cascade from files. Deletion order respects FK references.
	if _, err := q.ExecContext(ctx, `DELETE FROM files WHERE trash_id = $1`, trashID); err != nil {
		return err
	}
	// Child folders reference parents; delete leaves first.
	for {
		res, err := q.ExecContext(ctx,
			`DELETE FROM folders WHERE trash_id = $1
			 AND id NOT IN (SELECT COALESCE(parent_folder_id, 0) FROM folders WHERE trash_id = $1)`,
			trashID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			break
		}
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM projects WHERE trash_id = $1`, trashID); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM platforms WHERE trash_id = $1`, trashID); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `DELETE FROM trash WHERE trash_id = $1`, trashID)
	return err
}

// PurgeExpired permanently removes every trash entry past its expiry.
// Returns the number purged. Called by the retention sweeper.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	count := 0
	err := s.write(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, `SELECT trash_id FROM trash WHERE expires_at <= $1`, now.UTC())
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()
		for _, id := range ids {
			if err := purge(ctx, q, id); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ListTrash returns trash entries, most recently deleted first.
func (s *Store) ListTrash(ctx context.Context) ([]*types.TrashItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT trash_id, item_type, item_id, item_name, parent_platform_id, parent_project_id, parent_folder_id, deleted_by, deleted_at, expires_at
		 FROM trash ORDER BY deleted_at DESC, trash_id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.TrashItem
	for rows.Next() {
		item := &types.TrashItem{}
		var itemType string
		var platform, project, folder sql.NullInt64
		if err := rows.Scan(&item.TrashID, &itemType, &item.ItemID, &item.ItemName, &platform, &project, &folder, &item.DeletedBy, &item.DeletedAt, &item.ExpiresAt); err != nil {
			return nil, err
		}
		item.ItemType = types.ItemKind(itemType)
		item.ParentPlatformID = intPtr(platform)
		item.ParentProjectID = intPtr(project)
		item.ParentFolderID = intPtr(folder)
		out = append(out, item)
	}
	return out, rows.Err()
}
