package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/locstore/ldm/internal/types"
)

// CreateSession registers a client session.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	if sess.SessionID == "" || sess.UserID == "" {
		return types.E(types.KindInvalidArgument, "session id and user id are required")
	}
	return s.write(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO sessions (session_id, user_id, machine_id) VALUES ($1, $2, $3)
			 ON CONFLICT (session_id) DO UPDATE SET last_heartbeat = now()`,
			sess.SessionID, sess.UserID, sess.MachineID)
		return err
	})
}

// Heartbeat refreshes a session's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, sessionID string, at time.Time) error {
	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE sessions SET last_heartbeat = $1 WHERE session_id = $2`, at.UTC(), sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.E(types.KindNotFound, "session %s does not exist", sessionID)
		}
		return nil
	})
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	sess := &types.Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, machine_id, created_at, last_heartbeat
		 FROM sessions WHERE session_id = $1`, sessionID).
		Scan(&sess.SessionID, &sess.UserID, &sess.MachineID, &sess.CreatedAt, &sess.LastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "session %s does not exist", sessionID)
	}
	return sess, err
}

// AddSubscription pins an item for sync. Duplicate subscriptions are a
// Conflict.
func (s *Store) AddSubscription(ctx context.Context, sub *types.SyncSubscription) error {
	switch sub.ItemType {
	case types.KindPlatform, types.KindProject, types.KindFile, types.KindTM:
	default:
		return types.E(types.KindInvalidArgument, "cannot subscribe to kind %q", sub.ItemType)
	}
	return s.write(ctx, func(q querier) error {
		err := q.QueryRowContext(ctx,
			`INSERT INTO subscriptions (user_id, item_type, item_id) VALUES ($1, $2, $3) RETURNING id`,
			sub.UserID, string(sub.ItemType), sub.ItemID).Scan(&sub.ID)
		if isConstraintErr(err) {
			return types.Conflict(sub.ItemType, "already subscribed")
		}
		return err
	})
}

// RemoveSubscription deletes a subscription by id.
func (s *Store) RemoveSubscription(ctx context.Context, id int64) error {
	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.E(types.KindNotFound, "subscription %d does not exist", id)
		}
		return nil
	})
}

// ListSubscriptions returns the user's subscriptions, oldest first.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*types.SyncSubscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, item_type, item_id, subscribed_at, last_synced_at, last_version
		 FROM subscriptions WHERE user_id = $1 ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*types.SyncSubscription
	for rows.Next() {
		sub := &types.SyncSubscription{}
		var itemType string
		var synced sql.NullTime
		if err := rows.Scan(&sub.ID, &sub.UserID, &itemType, &sub.ItemID, &sub.SubscribedAt, &synced, &sub.LastVersion); err != nil {
			return nil, err
		}
		sub.ItemType = types.ItemKind(itemType)
		if synced.Valid {
			t := synced.Time
			sub.LastSyncedAt = &t
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// MarkSynced records a completed pull for a subscription.
func (s *Store) MarkSynced(ctx context.Context, id int64, at time.Time, version int64) error {
	return s.write(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE subscriptions SET last_synced_at = $1, last_version = $2 WHERE id = $3`,
			at.UTC(), version, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.E(types.KindNotFound, "subscription %d does not exist", id)
		}
		return nil
	})
}

// ChangesSince returns files, rows and tombstones in the subscribed subtree
// with version > sinceVersion. TM subscriptions return only the version
// high-water mark; the sync engine compares entry counts for those.
func (s *Store) ChangesSince(ctx context.Context, sub *types.SyncSubscription, sinceVersion int64) (*types.Delta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	delta := &types.Delta{MaxVersion: sinceVersion}

	if v, err := currentVersion(ctx, s.db); err == nil && v > delta.MaxVersion {
		delta.MaxVersion = v
	} else if err != nil {
		return nil, err
	}

	var fileCond, tombCond string
	switch sub.ItemType {
	case types.KindFile:
		fileCond = "f.id = $1"
		tombCond = "(file_id = $1 OR item_id = $1)"
	case types.KindProject:
		fileCond = "f.project_id = $1"
		tombCond = "project_id = $1"
	case types.KindPlatform:
		fileCond = "f.project_id IN (SELECT id FROM projects WHERE platform_id = $1)"
		tombCond = "project_id IN (SELECT id FROM projects WHERE platform_id = $1)"
	case types.KindTM:
		return delta, nil
	default:
		return nil, types.E(types.KindInvalidArgument, "cannot sync kind %q", sub.ItemType)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.name, f.project_id, f.folder_id, f.format, f.row_count, f.created_at, f.updated_at
		 FROM files f WHERE `+fileCond+` AND f.version > $2 AND f.deleted_at IS NULL ORDER BY f.id ASC`,
		sub.ItemID, sinceVersion)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		delta.Files = append(delta.Files, f)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT r.id, r.file_id, r.idx, r.source, r.target, r.status, r.string_id, r.metadata, r.version
		 FROM rows r JOIN files f ON f.id = r.file_id
		 WHERE `+fileCond+` AND r.version > $2 AND f.deleted_at IS NULL ORDER BY r.file_id, r.idx`,
		sub.ItemID, sinceVersion)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		r := &types.Row{}
		if err := rows.Scan(&r.ID, &r.FileID, &r.Index, &r.Source, &r.Target, &r.Status, &r.StringID, &r.Metadata, &r.Version); err != nil {
			_ = rows.Close()
			return nil, err
		}
		delta.Rows = append(delta.Rows, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT item_type, item_id, deleted_at FROM tombstones
		 WHERE `+tombCond+` AND version > $2 ORDER BY version ASC`,
		sub.ItemID, sinceVersion)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		t := &types.Tombstone{}
		var itemType string
		if err := rows.Scan(&itemType, &t.ItemID, &t.DeletedAt); err != nil {
			return nil, err
		}
		t.ItemType = types.ItemKind(itemType)
		delta.Tombstones = append(delta.Tombstones, t)
	}
	return delta, rows.Err()
}
