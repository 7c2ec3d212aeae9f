package sqlite

import (
	"context"
	"fmt"
)

// Schema notes:
//   - Soft delete: hierarchy tables carry deleted_at plus the trash_id that
//     removed them. Restore clears exactly the rows stamped with its
//     trash_id, so nested delete/restore pairs stay independent.
//   - Name uniqueness is enforced among live siblings only, via partial
//     unique indexes.
//   - version columns are stamped from the config-table counter
//     (nextVersion) and drive delta sync.
const schema = `
CREATE TABLE IF NOT EXISTS platforms (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL CHECK(length(name) > 0),
    description TEXT NOT NULL DEFAULT '',
    is_restricted INTEGER NOT NULL DEFAULT 0,
    is_offline_sandbox INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME,
    trash_id INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_platforms_live_name
    ON platforms(name) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_platforms_sandbox
    ON platforms(is_offline_sandbox) WHERE is_offline_sandbox = 1 AND deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS projects (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL CHECK(length(name) > 0),
    platform_id INTEGER REFERENCES platforms(id),
    is_restricted INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME,
    trash_id INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_live_name
    ON projects(IFNULL(platform_id, 0), name) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL CHECK(length(name) > 0),
    project_id INTEGER NOT NULL REFERENCES projects(id),
    parent_folder_id INTEGER REFERENCES folders(id),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME,
    trash_id INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_folders_live_name
    ON folders(project_id, IFNULL(parent_folder_id, 0), name) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_folders_project ON folders(project_id);

CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL CHECK(length(name) > 0),
    project_id INTEGER NOT NULL REFERENCES projects(id),
    folder_id INTEGER REFERENCES folders(id),
    format TEXT NOT NULL DEFAULT 'txt',
    row_count INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME,
    trash_id INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_files_live_name
    ON files(project_id, IFNULL(folder_id, 0), name) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);

-- string_id and metadata are opaque TEXT. Never coerce string_id through a
-- numeric type: identifiers larger than 2^53 must round-trip exactly.
CREATE TABLE IF NOT EXISTS rows (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    target TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    string_id TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 0,
    UNIQUE(file_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_rows_file ON rows(file_id);

CREATE TABLE IF NOT EXISTS tms (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL CHECK(length(name) > 0),
    project_id INTEGER REFERENCES projects(id),
    source_lang TEXT NOT NULL DEFAULT '',
    target_lang TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    entry_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tms_name
    ON tms(IFNULL(project_id, 0), name);

CREATE TABLE IF NOT EXISTS tm_entries (
    entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
    tm_id INTEGER NOT NULL REFERENCES tms(id) ON DELETE CASCADE,
    source TEXT NOT NULL,
    target TEXT NOT NULL,
    normalized_source TEXT NOT NULL,
    folded_source TEXT NOT NULL,
    source_hash TEXT NOT NULL,
    UNIQUE(tm_id, source_hash)
);
CREATE INDEX IF NOT EXISTS idx_tm_entries_norm ON tm_entries(tm_id, normalized_source);
CREATE INDEX IF NOT EXISTS idx_tm_entries_folded ON tm_entries(tm_id, folded_source);

CREATE TABLE IF NOT EXISTS trash (
    trash_id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_type TEXT NOT NULL,
    item_id INTEGER NOT NULL,
    item_name TEXT NOT NULL,
    parent_platform_id INTEGER,
    parent_project_id INTEGER,
    parent_folder_id INTEGER,
    deleted_by TEXT NOT NULL DEFAULT '',
    deleted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tombstones (
    item_type TEXT NOT NULL,
    item_id INTEGER NOT NULL,
    project_id INTEGER,
    file_id INTEGER,
    version INTEGER NOT NULL,
    deleted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tombstones_version ON tombstones(version);

CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    machine_id TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    item_type TEXT NOT NULL,
    item_id INTEGER NOT NULL,
    subscribed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_synced_at DATETIME,
    last_version INTEGER NOT NULL DEFAULT 0,
    UNIQUE(user_id, item_type, item_id)
);

CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// currentSchemaVersion bumps when the schema changes shape. Stored in the
// config table so a newer binary can detect an older database.
const currentSchemaVersion = "1"

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if err := setConfig(ctx, s.db, "schema_version", currentSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}
