package postgres

import (
	"context"
	"database/sql"

	"github.com/locstore/ldm/internal/types"
)

// ListChildren returns the children of a hierarchy node. Platforms and
// projects sort by name; folders and files keep insertion order.
func (s *Store) ListChildren(ctx context.Context, parent types.NodeRef) (*types.Children, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := &types.Children{}
	switch parent.Kind {
	case "":
		platforms, err := listPlatforms(ctx, s.db)
		if err != nil {
			return nil, err
		}
		out.Platforms = platforms
		projects, err := listProjects(ctx, s.db, nil)
		if err != nil {
			return nil, err
		}
		out.Projects = projects
	case types.KindPlatform:
		if _, err := getPlatform(ctx, s.db, parent.ID); err != nil {
			return nil, err
		}
		projects, err := listProjects(ctx, s.db, &parent.ID)
		if err != nil {
			return nil, err
		}
		out.Projects = projects
	case types.KindProject:
		if _, err := getProject(ctx, s.db, parent.ID); err != nil {
			return nil, err
		}
		folders, files, err := listFolderContents(ctx, s.db, parent.ID, nil)
		if err != nil {
			return nil, err
		}
		out.Folders, out.Files = folders, files
	case types.KindFolder:
		folder, err := getFolder(ctx, s.db, parent.ID)
		if err != nil {
			return nil, err
		}
		folders, files, err := listFolderContents(ctx, s.db, folder.ProjectID, &folder.ID)
		if err != nil {
			return nil, err
		}
		out.Folders, out.Files = folders, files
	default:
		return nil, types.E(types.KindInvalidArgument, "kind %q has no children", parent.Kind)
	}
	return out, nil
}

func listPlatforms(ctx context.Context, q querier) ([]*types.Platform, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, description, is_restricted, is_offline_sandbox, created_at
		 FROM platforms WHERE deleted_at IS NULL ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.Platform
	for rows.Next() {
		p := &types.Platform{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.IsRestricted, &p.IsOfflineSandbox, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func listProjects(ctx context.Context, q querier, platformID *int64) ([]*types.Project, error) {
	var rows *sql.Rows
	var err error
	if platformID == nil {
		rows, err = q.QueryContext(ctx,
			`SELECT id, name, platform_id, is_restricted, created_at, updated_at
			 FROM projects WHERE platform_id IS NULL AND deleted_at IS NULL ORDER BY name ASC`)
	} else {
		rows, err = q.QueryContext(ctx,
			`SELECT id, name, platform_id, is_restricted, created_at, updated_at
			 FROM projects WHERE platform_id = $1 AND deleted_at IS NULL ORDER BY name ASC`, *platformID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.Project
	for rows.Next() {
		p := &types.Project{}
		var pid sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Name, &pid, &p.IsRestricted, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.PlatformID = intPtr(pid)
		out = append(out, p)
	}
	return out, rows.Err()
}

func listFolderContents(ctx context.Context, q querier, projectID int64, folderID *int64) ([]*types.Folder, []*types.File, error) {
	folderCond, fileCond := "parent_folder_id IS NULL", "folder_id IS NULL"
	args := []any{projectID}
	if folderID != nil {
		folderCond, fileCond = "parent_folder_id = $2", "folder_id = $2"
		args = append(args, *folderID)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, name, project_id, parent_folder_id, created_at FROM folders
		 WHERE project_id = $1 AND `+folderCond+` AND deleted_at IS NULL ORDER BY id ASC`, args...)
	if err != nil {
		return nil, nil, err
	}
	var folders []*types.Folder
	for rows.Next() {
		f := &types.Folder{}
		var parent sql.NullInt64
		if err := rows.Scan(&f.ID, &f.Name, &f.ProjectID, &parent, &f.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, nil, err
		}
		f.ParentFolderID = intPtr(parent)
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, nil, err
	}
	_ = rows.Close()

	rows, err = q.QueryContext(ctx,
		`SELECT id, name, project_id, folder_id, format, row_count, created_at, updated_at FROM files
		 WHERE project_id = $1 AND `+fileCond+` AND deleted_at IS NULL ORDER BY id ASC`, args...)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()
	var files []*types.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, f)
	}
	return folders, files, rows.Err()
}

func scanFile(rows *sql.Rows) (*types.File, error) {
	f := &types.File{}
	var folder sql.NullInt64
	if err := rows.Scan(&f.ID, &f.Name, &f.ProjectID, &folder, &f.Format, &f.RowCount, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.FolderID = intPtr(folder)
	return f, nil
}

// GetPlatform returns a live platform by id.
func (s *Store) GetPlatform(ctx context.Context, id int64) (*types.Platform, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getPlatform(ctx, s.db, id)
}

func getPlatform(ctx context.Context, q querier, id int64) (*types.Platform, error) {
	p := &types.Platform{}
	err := q.QueryRowContext(ctx,
		`SELECT id, name, description, is_restricted, is_offline_sandbox, created_at
		 FROM platforms WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.IsRestricted, &p.IsOfflineSandbox, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NotFound(types.KindPlatform, id)
	}
	return p, err
}

// GetProject returns a live project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (*types.Project, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getProject(ctx, s.db, id)
}

func getProject(ctx context.Context, q querier, id int64) (*types.Project, error) {
	p := &types.Project{}
	var pid sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT id, name, platform_id, is_restricted, created_at, updated_at
		 FROM projects WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&p.ID, &p.Name, &pid, &p.IsRestricted, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NotFound(types.KindProject, id)
	}
	p.PlatformID = intPtr(pid)
	return p, err
}

// GetFolder returns a live folder by id.
func (s *Store) GetFolder(ctx context.Context, id int64) (*types.Folder, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getFolder(ctx, s.db, id)
}

func getFolder(ctx context.Context, q querier, id int64) (*types.Folder, error) {
	f := &types.Folder{}
	var parent sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT id, name, project_id, parent_folder_id, created_at
		 FROM folders WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&f.ID, &f.Name, &f.ProjectID, &parent, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NotFound(types.KindFolder, id)
	}
	f.ParentFolderID = intPtr(parent)
	return f, err
}

// GetFile returns a live file by id.
func (s *Store) GetFile(ctx context.Context, id int64) (*types.File, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getFile(ctx, s.db, id)
}

func getFile(ctx context.Context, q querier, id int64) (*types.File, error) {
	f := &types.File{}
	var folder sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT id, name, project_id, folder_id, format, row_count, created_at, updated_at
		 FROM files WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&f.ID, &f.Name, &f.ProjectID, &folder, &f.Format, &f.RowCount, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NotFound(types.KindFile, id)
	}
	f.FolderID = intPtr(folder)
	return f, err
}

// CreatePlatform inserts a new platform. Name must be unique among live
// platforms; at most one platform may be the offline sandbox.
func (s *Store) CreatePlatform(ctx context.Context, p *types.Platform) error {
	if p.Name == "" {
		return types.E(types.KindInvalidArgument, "platform name must not be empty")
	}
	return s.write(ctx, func(q querier) error {
		err := q.QueryRowContext(ctx,
			`INSERT INTO platforms (name, description, is_restricted, is_offline_sandbox)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			p.Name, p.Description, p.IsRestricted, p.IsOfflineSandbox).Scan(&p.ID)
		if isConstraintErr(err) {
			return types.Conflict(types.KindPlatform, "name %q already exists", p.Name)
		}
		return err
	})
}

// CreateProject inserts a new project under the given platform (or
// unassigned when PlatformID is nil).
func (s *Store) CreateProject(ctx context.Context, p *types.Project) error {
	if p.Name == "" {
		return types.E(types.KindInvalidArgument, "project name must not be empty")
	}
	return s.write(ctx, func(q querier) error {
		return createProject(ctx, q, p)
	})
}

func createProject(ctx context.Context, q querier, p *types.Project) error {
	if p.PlatformID != nil {
		if _, err := getPlatform(ctx, q, *p.PlatformID); err != nil {
			return err
		}
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO projects (name, platform_id, is_restricted) VALUES ($1, $2, $3) RETURNING id`,
		p.Name, nullInt(p.PlatformID), p.IsRestricted).Scan(&p.ID)
	if isConstraintErr(err) {
		return types.Conflict(types.KindProject, "name %q already exists in this scope", p.Name)
	}
	return err
}

// CreateFolder inserts a new folder.
func (s *Store) CreateFolder(ctx context.Context, f *types.Folder) error {
	if f.Name == "" {
		return types.E(types.KindInvalidArgument, "folder name must not be empty")
	}
	return s.write(ctx, func(q querier) error {
		return createFolder(ctx, q, f)
	})
}

func createFolder(ctx context.Context, q querier, f *types.Folder) error {
	if _, err := getProject(ctx, q, f.ProjectID); err != nil {
		return err
	}
	if f.ParentFolderID != nil {
		parent, err := getFolder(ctx, q, *f.ParentFolderID)
		if err != nil {
			return err
		}
		if parent.ProjectID != f.ProjectID {
			return types.E(types.KindInvalidArgument, "parent folder belongs to a different project")
		}
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO folders (name, project_id, parent_folder_id) VALUES ($1, $2, $3) RETURNING id`,
		f.Name, f.ProjectID, nullInt(f.ParentFolderID)).Scan(&f.ID)
	if isConstraintErr(err) {
		return types.Conflict(types.KindFolder, "name %q already exists under this parent", f.Name)
	}
	return err
}

// CreateFile inserts a new, empty file.
func (s *Store) CreateFile(ctx context.Context, f *types.File) error {
	if f.Name == "" {
		return types.E(types.KindInvalidArgument, "file name must not be empty")
	}
	if f.Format == "" {
		f.Format = types.FormatTXT
	}
	if !types.ValidFormat(f.Format) {
		return types.E(types.KindInvalidArgument, "unsupported format %q", f.Format)
	}
	return s.write(ctx, func(q querier) error {
		return createFile(ctx, q, f)
	})
}

func createFile(ctx context.Context, q querier, f *types.File) error {
	if _, err := getProject(ctx, q, f.ProjectID); err != nil {
		return err
	}
	if f.FolderID != nil {
		folder, err := getFolder(ctx, q, *f.FolderID)
		if err != nil {
			return err
		}
		if folder.ProjectID != f.ProjectID {
			return types.E(types.KindInvalidArgument, "folder belongs to a different project")
		}
	}
	ver, err := nextVersion(ctx, q)
	if err != nil {
		return err
	}
	err = q.QueryRowContext(ctx,
		`INSERT INTO files (name, project_id, folder_id, format, version) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		f.Name, f.ProjectID, nullInt(f.FolderID), string(f.Format), ver).Scan(&f.ID)
	if isConstraintErr(err) {
		return types.Conflict(types.KindFile, "name %q already exists under this parent", f.Name)
	}
	return err
}

// Rename atomically renames an entity, enforcing sibling uniqueness.
func (s *Store) Rename(ctx context.Context, kind types.ItemKind, id int64, newName string) error {
	if newName == "" {
		return types.E(types.KindInvalidArgument, "name must not be empty")
	}
	table, ok := tableFor(kind)
	if !ok {
		return types.E(types.KindInvalidArgument, "cannot rename kind %q", kind)
	}
	return s.write(ctx, func(q querier) error {
		var res sql.Result
		var err error
		if kind == types.KindFile {
			ver, verr := nextVersion(ctx, q)
			if verr != nil {
				return verr
			}
			res, err = q.ExecContext(ctx,
				`UPDATE files SET name = $1, version = $2, updated_at = now()
				 WHERE id = $3 AND deleted_at IS NULL`, newName, ver, id)
		} else {
			res, err = q.ExecContext(ctx,
				`UPDATE `+table+` SET name = $1 WHERE id = $2 AND deleted_at IS NULL`, newName, id)
		}
		if isConstraintErr(err) {
			return types.Conflict(kind, "name %q already exists", newName)
		}
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return types.NotFound(kind, id)
		}
		return nil
	})
}

func tableFor(kind types.ItemKind) (string, bool) {
	switch kind {
	case types.KindPlatform:
		return "platforms", true
	case types.KindProject:
		return "projects", true
	case types.KindFolder:
		return "folders", true
	case types.KindFile:
		return "files", true
	case types.KindTM:
		return "tms", true
	}
	return "", false
}

// Move relocates an entity to a new parent within the same project (folders,
// files) or assigns a project to a platform. Cross-project moves go through
// MoveCrossProject.
func (s *Store) Move(ctx context.Context, kind types.ItemKind, id int64, newParent types.NodeRef) error {
	return s.write(ctx, func(q querier) error {
		return move(ctx, q, kind, id, newParent)
	})
}

func move(ctx context.Context, q querier, kind types.ItemKind, id int64, newParent types.NodeRef) error {
	switch kind {
	case types.KindProject:
		var platformID *int64
		switch newParent.Kind {
		case "":
			// unassign
		case types.KindPlatform:
			if _, err := getPlatform(ctx, q, newParent.ID); err != nil {
				return err
			}
			platformID = &newParent.ID
		default:
			return types.E(types.KindInvalidArgument, "a project cannot move into a %s", newParent.Kind)
		}
		res, err := q.ExecContext(ctx,
			`UPDATE projects SET platform_id = $1, updated_at = now()
			 WHERE id = $2 AND deleted_at IS NULL`, nullInt(platformID), id)
		if isConstraintErr(err) {
			return types.Conflict(types.KindProject, "name collision in destination scope")
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFound(types.KindProject, id)
		}
		return nil

	case types.KindFolder:
		folder, err := getFolder(ctx, q, id)
		if err != nil {
			return err
		}
		var parentID *int64
		switch newParent.Kind {
		case types.KindProject:
			if newParent.ID != folder.ProjectID {
				return types.E(types.KindInvalidArgument, "cross-project move requires move_cross_project")
			}
		case types.KindFolder:
			dest, err := getFolder(ctx, q, newParent.ID)
			if err != nil {
				return err
			}
			if dest.ProjectID != folder.ProjectID {
				return types.E(types.KindInvalidArgument, "cross-project move requires move_cross_project")
			}
			if err := checkNoCycle(ctx, q, id, dest); err != nil {
				return err
			}
			parentID = &dest.ID
		default:
			return types.E(types.KindInvalidArgument, "a folder cannot move into a %s", newParent.Kind)
		}
		res, err := q.ExecContext(ctx,
			`UPDATE folders SET parent_folder_id = $1 WHERE id = $2 AND deleted_at IS NULL`,
			nullInt(parentID), id)
		if isConstraintErr(err) {
			return types.Conflict(types.KindFolder, "name collision in destination")
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFound(types.KindFolder, id)
		}
		return nil

	case types.KindFile:
		file, err := getFile(ctx, q, id)
		if err != nil {
			return err
		}
		var folderID *int64
		switch newParent.Kind {
		case types.KindProject:
			if newParent.ID != file.ProjectID {
				return types.E(types.KindInvalidArgument, "cross-project move requires move_cross_project")
			}
		case types.KindFolder:
			dest, err := getFolder(ctx, q, newParent.ID)
			if err != nil {
				return err
			}
			if dest.ProjectID != file.ProjectID {
				return types.E(types.KindInvalidArgument, "cross-project move requires move_cross_project")
			}
			folderID = &dest.ID
		default:
			return types.E(types.KindInvalidArgument, "a file cannot move into a %s", newParent.Kind)
		}
		ver, err := nextVersion(ctx, q)
		if err != nil {
			return err
		}
		res, err := q.ExecContext(ctx,
			`UPDATE files SET folder_id = $1, version = $2, updated_at = now()
			 WHERE id = $3 AND deleted_at IS NULL`, nullInt(folderID), ver, id)
		if isConstraintErr(err) {
			return types.Conflict(types.KindFile, "name collision in destination")
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFound(types.KindFile, id)
		}
		return nil
	}
	return types.E(types.KindInvalidArgument, "cannot move kind %q", kind)
}

// checkNoCycle rejects moving folder id under dest when dest is inside id's
// subtree.
func checkNoCycle(ctx context.Context, q querier, id int64, dest *types.Folder) error {
	cur := dest
	for {
		if cur.ID == id {
			return types.E(types.KindInvalidArgument, "move would create a folder cycle")
		}
		if cur.ParentFolderID == nil {
			return nil
		}
		parent, err := getFolder(ctx, q, *cur.ParentFolderID)
		if err != nil {
			if types.IsKind(err, types.KindNotFound) {
				return nil
			}
			return err
		}
		cur = parent
	}
}

// MoveCrossProject moves a folder or file into another project, rewriting
// project_id across the whole subtree in one transaction. The folder case
// uses a recursive CTE so the rewrite is one statement per table.
func (s *Store) MoveCrossProject(ctx context.Context, kind types.ItemKind, id int64, destProject int64, destFolder *int64) error {
	return s.write(ctx, func(q querier) error {
		if _, err := getProject(ctx, q, destProject); err != nil {
			return err
		}
		if destFolder != nil {
			dest, err := getFolder(ctx, q, *destFolder)
			if err != nil {
				return err
			}
			if dest.ProjectID != destProject {
				return types.E(types.KindInvalidArgument, "destination folder is not in the destination project")
			}
		}
		switch kind {
		case types.KindFile:
			if _, err := getFile(ctx, q, id); err != nil {
				return err
			}
			ver, err := nextVersion(ctx, q)
			if err != nil {
				return err
			}
			_, err = q.ExecContext(ctx,
				`UPDATE files SET project_id = $1, folder_id = $2, version = $3, updated_at = now()
				 WHERE id = $4`, destProject, nullInt(destFolder), ver, id)
			if isConstraintErr(err) {
				return types.Conflict(types.KindFile, "name collision in destination project")
			}
			return err
		case types.KindFolder:
			if _, err := getFolder(ctx, q, id); err != nil {
				return err
			}
			if destFolder != nil {
				dest, err := getFolder(ctx, q, *destFolder)
				if err != nil {
					return err
				}
				if err := checkNoCycle(ctx, q, id, dest); err != nil {
					return err
				}
			}
			ver, err := nextVersion(ctx, q)
			if err != nil {
				return err
			}
			_, err = q.ExecContext(ctx,
				`WITH RECURSIVE subtree AS (
				     SELECT id FROM folders WHERE id = $1 AND deleted_at IS NULL
				     UNION ALL
				     SELECT f.id FROM folders f JOIN subtree s ON f.parent_folder_id = s.id
				     WHERE f.deleted_at IS NULL
				 )
				 UPDATE folders SET project_id = $2,
				     parent_folder_id = CASE WHEN id = $1 THEN $3 ELSE parent_folder_id END
				 WHERE id IN (SELECT id FROM subtree)`,
				id, destProject, nullInt(destFolder))
			if isConstraintErr(err) {
				return types.Conflict(types.KindFolder, "name collision in destination project")
			}
			if err != nil {
				return err
			}
			_, err = q.ExecContext(ctx,
				`WITH RECURSIVE subtree AS (
				     SELECT id FROM folders WHERE id = $1
				     UNION ALL
				     SELECT f.id FROM folders f JOIN subtree s ON f.parent_folder_id = s.id
				 )
				 UPDATE files SET project_id = $2, version = $3
				 WHERE folder_id IN (SELECT id FROM subtree) AND deleted_at IS NULL`,
				id, destProject, ver)
			return err
		}
		return types.E(types.KindInvalidArgument, "cannot cross-project move kind %q", kind)
	})
}

// Copy duplicates an entity subtree under a new parent and returns the new
// root id.
func (s *Store) Copy(ctx context.Context, kind types.ItemKind, id int64, newParent types.NodeRef) (int64, error) {
	var newID int64
	err := s.write(ctx, func(q querier) error {
		var err error
		newID, err = copyItem(ctx, q, kind, id, newParent)
		return err
	})
	return newID, err
}

func copyItem(ctx context.Context, q querier, kind types.ItemKind, id int64, newParent types.NodeRef) (int64, error) {
	switch kind {
	case types.KindFile:
		file, err := getFile(ctx, q, id)
		if err != nil {
			return 0, err
		}
		var projectID int64
		var folderID *int64
		switch newParent.Kind {
		case types.KindProject:
			projectID = newParent.ID
			if _, err := getProject(ctx, q, projectID); err != nil {
				return 0, err
			}
		case types.KindFolder:
			dest, err := getFolder(ctx, q, newParent.ID)
			if err != nil {
				return 0, err
			}
			projectID, folderID = dest.ProjectID, &dest.ID
		default:
			return 0, types.E(types.KindInvalidArgument, "a file cannot be copied into a %s", newParent.Kind)
		}
		return copyFileInto(ctx, q, file, projectID, folderID, file.Name)

	case types.KindFolder:
		folder, err := getFolder(ctx, q, id)
		if err != nil {
			return 0, err
		}
		var projectID int64
		var parentID *int64
		switch newParent.Kind {
		case types.KindProject:
			projectID = newParent.ID
			if _, err := getProject(ctx, q, projectID); err != nil {
				return 0, err
			}
		case types.KindFolder:
			dest, err := getFolder(ctx, q, newParent.ID)
			if err != nil {
				return 0, err
			}
			projectID, parentID = dest.ProjectID, &dest.ID
		default:
			return 0, types.E(types.KindInvalidArgument, "a folder cannot be copied into a %s", newParent.Kind)
		}
		return copyFolderInto(ctx, q, folder, projectID, parentID)

	case types.KindProject:
		project, err := getProject(ctx, q, id)
		if err != nil {
			return 0, err
		}
		var platformID *int64
		switch newParent.Kind {
		case "":
		case types.KindPlatform:
			if _, err := getPlatform(ctx, q, newParent.ID); err != nil {
				return 0, err
			}
			platformID = &newParent.ID
		default:
			return 0, types.E(types.KindInvalidArgument, "a project cannot be copied into a %s", newParent.Kind)
		}
		dup := &types.Project{Name: project.Name, PlatformID: platformID, IsRestricted: project.IsRestricted}
		if err := createProject(ctx, q, dup); err != nil {
			return 0, err
		}
		if err := copyProjectContents(ctx, q, project.ID, dup.ID); err != nil {
			return 0, err
		}
		return dup.ID, nil
	}
	return 0, types.E(types.KindInvalidArgument, "cannot copy kind %q", kind)
}

func copyFileInto(ctx context.Context, q querier, src *types.File, projectID int64, folderID *int64, name string) (int64, error) {
	ver, err := nextVersion(ctx, q)
	if err != nil {
		return 0, err
	}
	var newID int64
	err = q.QueryRowContext(ctx,
		`INSERT INTO files (name, project_id, folder_id, format, row_count, version)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		name, projectID, nullInt(folderID), string(src.Format), src.RowCount, ver).Scan(&newID)
	if isConstraintErr(err) {
		return 0, types.Conflict(types.KindFile, "name %q already exists in destination", name)
	}
	if err != nil {
		return 0, err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO rows (file_id, idx, source, target, status, string_id, metadata, version)
		 SELECT $1, idx, source, target, status, string_id, metadata, $2 FROM rows WHERE file_id = $3`,
		newID, ver, src.ID)
	return newID, err
}

func copyFolderInto(ctx context.Context, q querier, src *types.Folder, projectID int64, parentID *int64) (int64, error) {
	var newID int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO folders (name, project_id, parent_folder_id) VALUES ($1, $2, $3) RETURNING id`,
		src.Name, projectID, nullInt(parentID)).Scan(&newID)
	if isConstraintErr(err) {
		return 0, types.Conflict(types.KindFolder, "name %q already exists in destination", src.Name)
	}
	if err != nil {
		return 0, err
	}
	children, files, err := listFolderContents(ctx, q, src.ProjectID, &src.ID)
	if err != nil {
		return 0, err
	}
	for _, child := range children {
		if _, err := copyFolderInto(ctx, q, child, projectID, &newID); err != nil {
			return 0, err
		}
	}
	for _, f := range files {
		if _, err := copyFileInto(ctx, q, f, projectID, &newID, f.Name); err != nil {
			return 0, err
		}
	}
	return newID, nil
}

func copyProjectContents(ctx context.Context, q querier, srcProject, dstProject int64) error {
	folders, files, err := listFolderContents(ctx, q, srcProject, nil)
	if err != nil {
		return err
	}
	for _, folder := range folders {
		if _, err := copyFolderInto(ctx, q, folder, dstProject, nil); err != nil {
			return err
		}
	}
	for _, f := range files {
		if _, err := copyFileInto(ctx, q, f, dstProject, nil, f.Name); err != nil {
			return err
		}
	}
	return nil
}
