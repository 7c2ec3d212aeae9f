// Package rpc is the server's wire surface: a JSON request/response
// envelope over HTTP POST plus a server-sent-events stream for operation
// progress.
//
// Every call carries a bearer token; the server resolves it to a principal
// and gates the operation before touching storage. Errors cross the wire
// with their kind preserved so clients can branch on classification
// instead of parsing message text.
package rpc

import (
	"encoding/json"

	"github.com/locstore/ldm/internal/types"
)

// Operation names. The wire name is "<area>.<verb>"; unknown names fail
// with kind invalid_argument.
const (
	OpListChildren     = "hierarchy.list_children"
	OpCreatePlatform   = "hierarchy.create_platform"
	OpCreateProject    = "hierarchy.create_project"
	OpCreateFolder     = "hierarchy.create_folder"
	OpRename           = "hierarchy.rename"
	OpMove             = "hierarchy.move"
	OpMoveCrossProject = "hierarchy.move_cross_project"
	OpCopy             = "hierarchy.copy"
	OpSoftDelete       = "hierarchy.soft_delete"
	OpRestore          = "hierarchy.restore"
	OpPurge            = "hierarchy.purge"
	OpListTrash        = "hierarchy.list_trash"
	OpEmptyTrash       = "hierarchy.empty_trash"

	OpNodeGet = "hierarchy.get"

	OpFileUpload     = "file.upload"
	OpFileDownload   = "file.download"
	OpFileConvert    = "file.convert"
	OpFileRegisterTM = "file.register_as_tm"
	OpFileMerge      = "file.merge"
	OpFileGlossary   = "file.extract_glossary"
	OpFileRunQA      = "file.run_qa"

	OpRowList       = "row.list"
	OpRowGet        = "row.get"
	OpRowEdit       = "row.edit"
	OpRowBulkEdit   = "row.bulk_edit"
	OpRowBulkUpsert = "row.bulk_upsert"

	OpTMCreate       = "tm.create"
	OpTMList         = "tm.list"
	OpTMImport       = "tm.import"
	OpTMActivate     = "tm.activate"
	OpTMDeactivate   = "tm.deactivate"
	OpTMLookup       = "tm.lookup"
	OpTMSearch       = "tm.search"
	OpTMPretranslate = "tm.pretranslate"
	OpTMDelete       = "tm.delete"
	OpTMListEntries  = "tm.list_entries"

	OpOpsList   = "ops.list"
	OpOpsGet    = "ops.get"
	OpOpsCancel = "ops.cancel"

	OpSyncSubscribe   = "sync.subscribe"
	OpSyncUnsubscribe = "sync.unsubscribe"
	OpSyncList        = "sync.list_subscriptions"
	OpSyncPush        = "sync.push"
	OpSyncPull        = "sync.pull"
	OpSyncChanges     = "sync.changes_since"

	OpOfflineList         = "offline.list"
	OpOfflineCreateFolder = "offline.create_folder"
	OpOfflineUpload       = "offline.upload_file"
	OpOfflineMove         = "offline.move"
	OpOfflineRename       = "offline.rename"
	OpOfflineDelete       = "offline.delete"
	OpOfflineEmptyTrash   = "offline.empty_trash"

	OpSessionOpen      = "session.open"
	OpSessionHeartbeat = "session.heartbeat"

	OpConfigGet = "config.get"
	OpConfigSet = "config.set"
)

// Request is the call envelope posted to /rpc.
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
	Token     string          `json:"token,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response is the reply envelope. On failure ErrorKind carries the error
// classification so clients need not parse Error text.
type Response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind types.Kind      `json:"error_kind,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// NodeArgs addresses one hierarchy node.
type NodeArgs struct {
	Kind types.ItemKind `json:"kind"`
	ID   int64          `json:"id"`
}

// ListChildrenArgs lists a container's children; the zero value lists the
// store root.
type ListChildrenArgs struct {
	Parent types.NodeRef `json:"parent"`
}

// CreatePlatformArgs creates a platform (admin only).
type CreatePlatformArgs struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	IsRestricted bool   `json:"is_restricted,omitempty"`
}

// CreateProjectArgs creates a project, unassigned when PlatformID is nil.
type CreateProjectArgs struct {
	Name         string `json:"name"`
	PlatformID   *int64 `json:"platform_id,omitempty"`
	IsRestricted bool   `json:"is_restricted,omitempty"`
}

// CreateFolderArgs creates a folder inside a project or another folder.
type CreateFolderArgs struct {
	Name           string `json:"name"`
	ProjectID      int64  `json:"project_id"`
	ParentFolderID *int64 `json:"parent_folder_id,omitempty"`
}

// RenameArgs renames one node.
type RenameArgs struct {
	Kind    types.ItemKind `json:"kind"`
	ID      int64          `json:"id"`
	NewName string         `json:"new_name"`
}

// MoveArgs moves a node under a new parent within its project.
type MoveArgs struct {
	Kind      types.ItemKind `json:"kind"`
	ID        int64          `json:"id"`
	NewParent types.NodeRef  `json:"new_parent"`
}

// MoveCrossProjectArgs moves a file or folder subtree into another project.
type MoveCrossProjectArgs struct {
	Kind        types.ItemKind `json:"kind"`
	ID          int64          `json:"id"`
	DestProject int64          `json:"dest_project_id"`
	DestFolder  *int64         `json:"dest_folder_id,omitempty"`
}

// CopyArgs deep-copies a node under a new parent.
type CopyArgs struct {
	Kind      types.ItemKind `json:"kind"`
	ID        int64          `json:"id"`
	NewParent types.NodeRef  `json:"new_parent"`
}

// TrashArgs addresses a trash record.
type TrashArgs struct {
	TrashID int64 `json:"trash_id"`
}

// FileUploadArgs creates a file from raw content in one of the supported
// boundary formats.
type FileUploadArgs struct {
	Name      string           `json:"name"`
	ProjectID int64            `json:"project_id"`
	FolderID  *int64           `json:"folder_id,omitempty"`
	Format    types.FileFormat `json:"format"`
	Content   string           `json:"content"`
}

// FileDownloadArgs renders a file back into its boundary format.
type FileDownloadArgs struct {
	FileID int64             `json:"file_id"`
	Format *types.FileFormat `json:"format,omitempty"`
}

// FileDownloadResult carries the rendered content.
type FileDownloadResult struct {
	Name    string           `json:"name"`
	Format  types.FileFormat `json:"format"`
	Content string           `json:"content"`
}

// FileConvertArgs re-renders a file into another boundary format.
type FileConvertArgs struct {
	FileID int64            `json:"file_id"`
	Format types.FileFormat `json:"to_format"`
}

// FileRegisterTMArgs builds a translation memory from a file's translated
// rows. Name defaults to the file name.
type FileRegisterTMArgs struct {
	FileID     int64  `json:"file_id"`
	Name       string `json:"name,omitempty"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

// FileRegisterTMResult carries the new TM and how many pairs went in.
type FileRegisterTMResult struct {
	TM       *types.TM `json:"tm"`
	Imported int       `json:"imported"`
}

// FileMergeArgs folds translations from a source file into a destination
// file. Rows pair by string_id when both sides carry one, else by index.
type FileMergeArgs struct {
	SourceFileID int64 `json:"source_file_id"`
	DestFileID   int64 `json:"dest_file_id"`
}

// FileMergeResult reports the merge outcome. Unmatched counts translated
// source rows that found no destination row.
type FileMergeResult struct {
	Matched   int `json:"matched"`
	Updated   int `json:"updated"`
	Unmatched int `json:"unmatched"`
}

// FileGlossaryArgs extracts repeated, consistently translated sources.
// MinCount defaults to 2.
type FileGlossaryArgs struct {
	FileID   int64 `json:"file_id"`
	MinCount int   `json:"min_count,omitempty"`
}

// GlossaryTerm is one extracted term with its occurrence count.
type GlossaryTerm struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Count  int    `json:"count"`
}

// FileGlossaryResult lists extracted terms ordered by descending count.
type FileGlossaryResult struct {
	Terms []GlossaryTerm `json:"terms"`
}

// FileRunQAArgs runs the built-in quality checks over one file.
type FileRunQAArgs struct {
	FileID int64 `json:"file_id"`
}

// QAFinding is one quality-check hit on one row.
type QAFinding struct {
	RowID  int64  `json:"row_id"`
	Index  int    `json:"index"`
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

// FileRunQAResult reports the findings and how many rows were checked.
type FileRunQAResult struct {
	Checked  int         `json:"checked"`
	Findings []QAFinding `json:"findings"`
}

// RowListArgs lists a file's rows in index order.
type RowListArgs struct {
	FileID int64 `json:"file_id"`
}

// RowGetArgs fetches one row.
type RowGetArgs struct {
	RowID int64 `json:"row_id"`
}

// RowEditArgs patches one row; nil fields are untouched.
type RowEditArgs struct {
	RowID int64          `json:"row_id"`
	Patch types.RowPatch `json:"patch"`
}

// RowBulkEditArgs applies one patch to many rows atomically. Above
// BulkEditSyncLimit rows the edit runs as a tracked operation and the call
// returns the operation instead of a count.
type RowBulkEditArgs struct {
	RowIDs []int64        `json:"row_ids"`
	Patch  types.RowPatch `json:"patch"`
}

// RowBulkEditResult reports a synchronous bulk edit.
type RowBulkEditResult struct {
	Edited int `json:"edited"`
}

// RowBulkUpsertArgs replaces or inserts rows keyed by (file_id, index).
// This is the raw repository path a remote sync client uses after creating
// a file; interactive uploads go through file.upload instead.
type RowBulkUpsertArgs struct {
	FileID int64        `json:"file_id"`
	Rows   []*types.Row `json:"rows"`
}

// RowBulkUpsertResult reports how many rows were written.
type RowBulkUpsertResult struct {
	Upserted int `json:"upserted"`
}

// TMCreateArgs creates an empty translation memory.
type TMCreateArgs struct {
	Name        string `json:"name"`
	ProjectID   *int64 `json:"project_id,omitempty"`
	SourceLang  string `json:"source_lang"`
	TargetLang  string `json:"target_lang"`
	Description string `json:"description,omitempty"`
}

// TMPair is one source/target pair for import.
type TMPair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// TMImportArgs upserts pairs into a TM and rebuilds its index. Above
// TMImportSyncLimit pairs the import runs as a tracked operation.
type TMImportArgs struct {
	TMID  int64    `json:"tm_id"`
	Pairs []TMPair `json:"pairs"`
}

// TMImportResult reports a synchronous import.
type TMImportResult struct {
	Added int `json:"added"`
}

// TMActivateArgs pins the caller's active TM for cascade lookups.
type TMActivateArgs struct {
	TMID int64 `json:"tm_id"`
}

// TMLookupArgs runs the full cascade for one source text against the
// caller's active TM (or an explicit one).
type TMLookupArgs struct {
	TMID *int64 `json:"tm_id,omitempty"`
	Text string `json:"text"`
}

// TMSearchArgs returns ranked candidates instead of a single best match.
type TMSearchArgs struct {
	TMID     *int64  `json:"tm_id,omitempty"`
	Text     string  `json:"text"`
	Limit    int     `json:"limit,omitempty"`
	MinScore float64 `json:"min_score,omitempty"`
}

// TMPretranslateArgs starts a tracked pretranslation of a file's pending
// rows. The call returns the operation; progress flows over /events.
type TMPretranslateArgs struct {
	FileID int64  `json:"file_id"`
	TMID   *int64 `json:"tm_id,omitempty"`
}

// TMDeleteArgs removes a TM, its entries and its indexes.
type TMDeleteArgs struct {
	TMID int64 `json:"tm_id"`
}

// TMListEntriesArgs lists a TM's entries; used by sync clients mirroring a
// TM subscription.
type TMListEntriesArgs struct {
	TMID int64 `json:"tm_id"`
}

// OpArgs addresses a tracked operation.
type OpArgs struct {
	OpID string `json:"op_id"`
}

// SyncSubscribeArgs mirrors an item into the caller's local store.
type SyncSubscribeArgs struct {
	Kind   types.ItemKind `json:"kind"`
	ItemID int64          `json:"item_id"`
}

// SyncUnsubscribeArgs drops a subscription; the mirror is kept.
type SyncUnsubscribeArgs struct {
	SubscriptionID int64 `json:"subscription_id"`
}

// SyncPushArgs promotes an Offline Storage file into a central project as
// a tracked operation.
type SyncPushArgs struct {
	FileID        int64 `json:"file_id"`
	DestProjectID int64 `json:"dest_project_id"`
}

// SyncPullArgs pulls one subscription's delta immediately.
type SyncPullArgs struct {
	SubscriptionID int64 `json:"subscription_id"`
}

// SyncChangesArgs asks the authoritative server for changes to a
// subscribed item newer than since_version. The reply is a types.Delta
// with tombstones and a new high-water mark.
type SyncChangesArgs struct {
	ItemType     types.ItemKind `json:"item_type"`
	ItemID       int64          `json:"item_id"`
	SinceVersion int64          `json:"since_version"`
}

// OfflineListArgs lists the Offline Storage sandbox. With Project set it
// lists that sandbox project's root; empty lists the sandbox platform.
type OfflineListArgs struct {
	Project string `json:"project,omitempty"`
}

// OfflineCreateFolderArgs creates a folder inside a sandbox project, which
// is created on first use.
type OfflineCreateFolderArgs struct {
	Project        string `json:"project"`
	Name           string `json:"name"`
	ParentFolderID *int64 `json:"parent_folder_id,omitempty"`
}

// OfflineUploadArgs uploads a file into a sandbox project.
type OfflineUploadArgs struct {
	Project  string           `json:"project"`
	Name     string           `json:"name"`
	FolderID *int64           `json:"folder_id,omitempty"`
	Format   types.FileFormat `json:"format"`
	Content  string           `json:"content"`
}

// SessionOpenArgs registers a client instance.
type SessionOpenArgs struct {
	SessionID string `json:"session_id"`
	MachineID string `json:"machine_id,omitempty"`
}

// ConfigArgs reads or writes one server config key (admin only).
type ConfigArgs struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}
