package postgres

import (
	"context"
	"fmt"
)

// The schema mirrors the local backend's shape: soft delete via deleted_at
// plus the stamping trash_id, live-sibling uniqueness via partial unique
// indexes, and version columns fed from global_version_seq for delta sync.
// pg_trgm backs SearchSimilar.
const schema = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE SEQUENCE IF NOT EXISTS global_version_seq;

CREATE TABLE IF NOT EXISTS platforms (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL CHECK (length(name) > 0),
    description TEXT NOT NULL DEFAULT '',
    is_restricted BOOLEAN NOT NULL DEFAULT FALSE,
    is_offline_sandbox BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at TIMESTAMPTZ,
    trash_id BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_platforms_live_name
    ON platforms (name) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_platforms_sandbox
    ON platforms (is_offline_sandbox) WHERE is_offline_sandbox AND deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS projects (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL CHECK (length(name) > 0),
    platform_id BIGINT REFERENCES platforms(id),
    is_restricted BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at TIMESTAMPTZ,
    trash_id BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_live_name
    ON projects ((COALESCE(platform_id, 0)), name) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS folders (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL CHECK (length(name) > 0),
    project_id BIGINT NOT NULL REFERENCES projects(id),
    parent_folder_id BIGINT REFERENCES folders(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at TIMESTAMPTZ,
    trash_id BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_folders_live_name
    ON folders (project_id, (COALESCE(parent_folder_id, 0)), name) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_folders_project ON folders (project_id);

CREATE TABLE IF NOT EXISTS files (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL CHECK (length(name) > 0),
    project_id BIGINT NOT NULL REFERENCES projects(id),
    folder_id BIGINT REFERENCES folders(id),
    format TEXT NOT NULL DEFAULT 'txt',
    row_count INTEGER NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at TIMESTAMPTZ,
    trash_id BIGINT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_files_live_name
    ON files (project_id, (COALESCE(folder_id, 0)), name) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_files_project ON files (project_id);
CREATE INDEX IF NOT EXISTS idx_files_version ON files (version);

-- string_id and metadata are opaque TEXT. Never coerce string_id through a
-- numeric type: identifiers larger than 2^53 must round-trip exactly.
CREATE TABLE IF NOT EXISTS rows (
    id BIGSERIAL PRIMARY KEY,
    file_id BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    target TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    string_id TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '',
    version BIGINT NOT NULL DEFAULT 0,
    UNIQUE (file_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_rows_file ON rows (file_id);
CREATE INDEX IF NOT EXISTS idx_rows_version ON rows (version);

CREATE TABLE IF NOT EXISTS tms (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL CHECK (length(name) > 0),
    project_id BIGINT REFERENCES projects(id),
    source_lang TEXT NOT NULL DEFAULT '',
    target_lang TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    entry_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tms_name
    ON tms ((COALESCE(project_id, 0)), name);

CREATE TABLE IF NOT EXISTS tm_entries (
    entry_id BIGSERIAL PRIMARY KEY,
    tm_id BIGINT NOT NULL REFERENCES tms(id) ON DELETE CASCADE,
    source TEXT NOT NULL,
    target TEXT NOT NULL,
    normalized_source TEXT NOT NULL,
    folded_source TEXT NOT NULL,
    source_hash TEXT NOT NULL,
    UNIQUE (tm_id, source_hash)
);
CREATE INDEX IF NOT EXISTS idx_tm_entries_folded ON tm_entries (tm_id, folded_source);
CREATE INDEX IF NOT EXISTS idx_tm_entries_trgm
    ON tm_entries USING gin (normalized_source gin_trgm_ops);

CREATE TABLE IF NOT EXISTS trash (
    trash_id BIGSERIAL PRIMARY KEY,
    item_type TEXT NOT NULL,
    item_id BIGINT NOT NULL,
    item_name TEXT NOT NULL,
    parent_platform_id BIGINT,
    parent_project_id BIGINT,
    parent_folder_id BIGINT,
    deleted_by TEXT NOT NULL DEFAULT '',
    deleted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tombstones (
    item_type TEXT NOT NULL,
    item_id BIGINT NOT NULL,
    project_id BIGINT,
    file_id BIGINT,
    version BIGINT NOT NULL,
    deleted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tombstones_version ON tombstones (version);

CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    machine_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    item_type TEXT NOT NULL,
    item_id BIGINT NOT NULL,
    subscribed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_synced_at TIMESTAMPTZ,
    last_version BIGINT NOT NULL DEFAULT 0,
    UNIQUE (user_id, item_type, item_id)
);

CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

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
