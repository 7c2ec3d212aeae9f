// Package storage defines the repository contract shared by the
// authoritative (postgres) and local (sqlite) backends.
//
// The contract is uniform: callers never branch on backend. Concrete
// implementations live in the postgres and sqlite sub-packages; this package
// holds the interfaces and shared sentinel errors referenced by both.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/locstore/ldm/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the
// live tree. Soft-deleted entities are not found; callers that want them
// must look in the trash.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned when an operation is attempted on a closed store.
var ErrClosed = errors.New("store closed")

// Store is the repository contract satisfied by both backends.
//
// Every multi-row mutation executes as a single transaction. Read methods
// use snapshot consistency where the backend provides it; on the local
// backend readers observe the session's own writes immediately.
type Store interface {
	// Hierarchy
	ListChildren(ctx context.Context, parent types.NodeRef) (*types.Children, error)
	GetPlatform(ctx context.Context, id int64) (*types.Platform, error)
	GetProject(ctx context.Context, id int64) (*types.Project, error)
	GetFolder(ctx context.Context, id int64) (*types.Folder, error)
	GetFile(ctx context.Context, id int64) (*types.File, error)
	CreatePlatform(ctx context.Context, p *types.Platform) error
	CreateProject(ctx context.Context, p *types.Project) error
	CreateFolder(ctx context.Context, f *types.Folder) error
	CreateFile(ctx context.Context, f *types.File) error
	Rename(ctx context.Context, kind types.ItemKind, id int64, newName string) error
	Move(ctx context.Context, kind types.ItemKind, id int64, newParent types.NodeRef) error
	MoveCrossProject(ctx context.Context, kind types.ItemKind, id int64, destProject int64, destFolder *int64) error
	Copy(ctx context.Context, kind types.ItemKind, id int64, newParent types.NodeRef) (int64, error)

	// Trash
	SoftDelete(ctx context.Context, kind types.ItemKind, id int64, actor string) (int64, error)
	Restore(ctx context.Context, trashID int64) (*types.RestoreResult, error)
	Purge(ctx context.Context, trashID int64) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	ListTrash(ctx context.Context) ([]*types.TrashItem, error)

	// Rows
	ListRows(ctx context.Context, fileID int64) ([]*types.Row, error)
	GetRow(ctx context.Context, rowID int64) (*types.Row, error)
	EditRow(ctx context.Context, rowID int64, patch types.RowPatch) error
	DeleteRow(ctx context.Context, rowID int64) error
	BulkUpsertRows(ctx context.Context, fileID int64, rows []*types.Row) error

	// Translation memories
	CreateTM(ctx context.Context, tm *types.TM) error
	GetTM(ctx context.Context, id int64) (*types.TM, error)
	ListTMs(ctx context.Context) ([]*types.TM, error)
	DeleteTM(ctx context.Context, id int64) error
	UpsertEntries(ctx context.Context, tmID int64, entries []*types.TMEntry) (int, error)
	ListEntries(ctx context.Context, tmID int64) ([]*types.TMEntry, error)
	LookupExact(ctx context.Context, tmID int64, sourceHash string) (*types.TMEntry, error)
	LookupNormalized(ctx context.Context, tmID int64, folded string) (*types.TMEntry, error)
	// SearchSimilar returns entries whose normalized source is within the
	// similarity threshold, best first. The postgres backend uses the
	// pg_trgm extension; sqlite computes trigram similarity in-process.
	SearchSimilar(ctx context.Context, tmID int64, normalized string, threshold float64, limit int) ([]*types.SimilarEntry, error)

	// Sessions
	CreateSession(ctx context.Context, s *types.Session) error
	Heartbeat(ctx context.Context, sessionID string, at time.Time) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// Sync state
	AddSubscription(ctx context.Context, sub *types.SyncSubscription) error
	RemoveSubscription(ctx context.Context, id int64) error
	ListSubscriptions(ctx context.Context, userID string) ([]*types.SyncSubscription, error)
	MarkSynced(ctx context.Context, id int64, at time.Time, version int64) error
	// ChangesSince returns files, rows and tombstones newer than the given
	// version for the subscribed item subtree.
	ChangesSince(ctx context.Context, sub *types.SyncSubscription, sinceVersion int64) (*types.Delta, error)

	// Config KV
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)

	// Transactions
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Close() error
}

// Tx exposes the subset of store methods that execute inside one database
// transaction. If the callback returns an error or panics the transaction is
// rolled back; on nil return it is committed.
type Tx interface {
	CreateProject(ctx context.Context, p *types.Project) error
	CreateFolder(ctx context.Context, f *types.Folder) error
	CreateFile(ctx context.Context, f *types.File) error
	ListRows(ctx context.Context, fileID int64) ([]*types.Row, error)
	BulkUpsertRows(ctx context.Context, fileID int64, rows []*types.Row) error
	EditRow(ctx context.Context, rowID int64, patch types.RowPatch) error
	DeleteRow(ctx context.Context, rowID int64) error
	SoftDelete(ctx context.Context, kind types.ItemKind, id int64, actor string) (int64, error)
	Purge(ctx context.Context, trashID int64) error
	DeleteTM(ctx context.Context, id int64) error
	UpsertEntries(ctx context.Context, tmID int64, entries []*types.TMEntry) (int, error)
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
}
