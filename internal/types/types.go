// Package types defines core data structures for the LDM localization store.
package types

import (
	"time"
)

// ItemKind identifies a node kind in the content hierarchy.
type ItemKind string

const (
	KindPlatform ItemKind = "platform"
	KindProject  ItemKind = "project"
	KindFolder   ItemKind = "folder"
	KindFile     ItemKind = "file"
	KindTM       ItemKind = "tm"

	// KindRow appears only in tombstones; rows are not hierarchy nodes.
	KindRow ItemKind = "row"
)

// IsContainer reports whether the kind can hold children.
func (k ItemKind) IsContainer() bool {
	return k == KindPlatform || k == KindProject || k == KindFolder
}

// Valid reports whether the kind is one of the known hierarchy kinds.
func (k ItemKind) Valid() bool {
	switch k {
	case KindPlatform, KindProject, KindFolder, KindFile, KindTM:
		return true
	}
	return false
}

// RowStatus is the translation workflow state of a row.
type RowStatus string

const (
	StatusPending    RowStatus = "pending"
	StatusTranslated RowStatus = "translated"
	StatusReviewed   RowStatus = "reviewed"
	StatusApproved   RowStatus = "approved"
)

// FileFormat is a supported boundary file format.
type FileFormat string

const (
	FormatTXT  FileFormat = "txt"
	FormatTSV  FileFormat = "tsv"
	FormatXLSX FileFormat = "xlsx"
	FormatXLS  FileFormat = "xls"
	FormatXML  FileFormat = "xml"
	FormatTMX  FileFormat = "tmx"
)

// ValidFormat reports whether f is a recognized file format.
func ValidFormat(f FileFormat) bool {
	switch f {
	case FormatTXT, FormatTSV, FormatXLSX, FormatXLS, FormatXML, FormatTMX:
		return true
	}
	return false
}

// Platform is a grouping above projects.
//
// At most one platform per store carries IsOfflineSandbox; it backs the
// user-local "Offline Storage" tree.
type Platform struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	IsRestricted     bool      `json:"is_restricted,omitempty"`
	IsOfflineSandbox bool      `json:"is_offline_sandbox,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Project is a named container of folders and files. A nil PlatformID means
// the project is unassigned.
type Project struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	PlatformID   *int64    `json:"platform_id,omitempty"`
	IsRestricted bool      `json:"is_restricted,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Folder forms a tree inside a project. ParentFolderID is nil for
// project-root folders.
type Folder struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	ProjectID      int64     `json:"project_id"`
	ParentFolderID *int64    `json:"parent_folder_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// File is an ordered collection of rows. FolderID is nil when the file sits
// at the project root.
type File struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	ProjectID int64      `json:"project_id"`
	FolderID  *int64     `json:"folder_id,omitempty"`
	Format    FileFormat `json:"format"`
	RowCount  int        `json:"row_count"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Row is a single translatable string. Index is 1-based and dense within a
// file. StringID is opaque text; it is never parsed as a number (large
// identifiers would lose precision).
type Row struct {
	ID       int64     `json:"id"`
	FileID   int64     `json:"file_id"`
	Index    int       `json:"index"`
	Source   string    `json:"source"`
	Target   string    `json:"target,omitempty"`
	Status   RowStatus `json:"status"`
	StringID string    `json:"string_id,omitempty"`
	Metadata string    `json:"metadata,omitempty"` // JSON blob, opaque to the store
	Version  int64     `json:"version,omitempty"`  // Monotonic, authoritative store only
}

// RowPatch is a partial row update. Nil fields are left untouched.
type RowPatch struct {
	Source   *string    `json:"source,omitempty"`
	Target   *string    `json:"target,omitempty"`
	Status   *RowStatus `json:"status,omitempty"`
	Metadata *string    `json:"metadata,omitempty"`
}

// TM is a translation memory: a named set of source/target pairs with an
// optional owning project.
type TM struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ProjectID   *int64    `json:"project_id,omitempty"`
	SourceLang  string    `json:"source_lang"`
	TargetLang  string    `json:"target_lang"`
	Description string    `json:"description,omitempty"`
	EntryCount  int       `json:"entry_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// TMEntry is one source/target pair. (TMID, SourceHash) is unique;
// re-importing a duplicate source upserts the target.
type TMEntry struct {
	TMID             int64  `json:"tm_id"`
	EntryID          int64  `json:"entry_id"`
	Source           string `json:"source"`
	Target           string `json:"target"`
	NormalizedSource string `json:"normalized_source"`
	SourceHash       string `json:"source_hash"`
}

// SimilarEntry is a TM entry with a similarity score in [0,1].
type SimilarEntry struct {
	Entry TMEntry `json:"entry"`
	Score float64 `json:"score"`
}

// MatchTier is one step of the pre-translation lookup cascade.
type MatchTier string

const (
	TierExact        MatchTier = "exact"
	TierCaseFold     MatchTier = "casefold"
	TierFuzzyChar    MatchTier = "fuzzy_char"
	TierSemanticFast MatchTier = "semantic_fast"
	TierSemanticDeep MatchTier = "semantic_deep"
)

// TierRank orders tiers from strongest to weakest. Unknown tiers rank last.
func TierRank(t MatchTier) int {
	switch t {
	case TierExact:
		return 0
	case TierCaseFold:
		return 1
	case TierFuzzyChar:
		return 2
	case TierSemanticFast:
		return 3
	case TierSemanticDeep:
		return 4
	}
	return 5
}

// Match is a cascade result: a candidate target annotated with the tier that
// produced it.
type Match struct {
	Source string    `json:"source"`
	Target string    `json:"target"`
	Score  float64   `json:"score"`
	Tier   MatchTier `json:"tier"`
}

// OpState is the lifecycle state of a tracked operation.
type OpState string

const (
	OpPending   OpState = "pending"
	OpRunning   OpState = "running"
	OpCompleted OpState = "completed"
	OpFailed    OpState = "failed"
	OpCancelled OpState = "cancelled"
)

// Terminal reports whether the state is final.
func (s OpState) Terminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpCancelled
}

// OpClass groups operations for per-class concurrency caps and timeouts.
type OpClass string

const (
	ClassIndexing       OpClass = "indexing"
	ClassPretranslation OpClass = "pretranslation"
	ClassUpload         OpClass = "upload"
	ClassBulkEdit       OpClass = "bulk_edit"
)

// Operation is a tracked, cancellable background job.
type Operation struct {
	OpID        string     `json:"op_id"`
	UserID      string     `json:"user_id"`
	Class       OpClass    `json:"class"`
	Tool        string     `json:"tool,omitempty"`
	Function    string     `json:"function,omitempty"`
	DisplayName string     `json:"display_name"`
	State       OpState    `json:"state"`
	Progress    float64    `json:"progress"` // 0..100, monotonic until terminal
	StepText    string     `json:"step_text,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FileInfo    string     `json:"file_info,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      string     `json:"result,omitempty"` // JSON blob
}

// ProgressUpdate is a single progress bus message. Seq increases by one per
// update within an op; clients deduplicate on (OpID, Seq).
type ProgressUpdate struct {
	OpID     string  `json:"op_id"`
	Seq      int64   `json:"seq"`
	State    OpState `json:"state"`
	Percent  float64 `json:"percent"`
	StepText string  `json:"step_text,omitempty"`
	Error    string  `json:"error,omitempty"`
	Result   string  `json:"result,omitempty"`
	Ts       int64   `json:"ts"` // unix millis
}

// TrashItem is a soft-delete record. The originating location is retained so
// restore can put the item back exactly where it was.
type TrashItem struct {
	TrashID          int64     `json:"trash_id"`
	ItemType         ItemKind  `json:"item_type"`
	ItemID           int64     `json:"item_id"`
	ItemName         string    `json:"item_name"`
	ParentPlatformID *int64    `json:"parent_platform_id,omitempty"`
	ParentProjectID  *int64    `json:"parent_project_id,omitempty"`
	ParentFolderID   *int64    `json:"parent_folder_id,omitempty"`
	DeletedBy        string    `json:"deleted_by,omitempty"`
	DeletedAt        time.Time `json:"deleted_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// DefaultTrashRetention is how long trash items survive before the sweeper
// purges them.
const DefaultTrashRetention = 30 * 24 * time.Hour

// DefaultOpRetention is how long completed operation records are kept for
// reconnect replay.
const DefaultOpRetention = 7 * 24 * time.Hour

// RestoreResult reports where a restored item landed. Relocated is true when
// the original parents were gone and the item was placed at the nearest
// surviving ancestor.
type RestoreResult struct {
	ItemType  ItemKind `json:"item_type"`
	ItemID    int64    `json:"item_id"`
	ItemName  string   `json:"item_name"`
	ProjectID *int64   `json:"project_id,omitempty"`
	FolderID  *int64   `json:"folder_id,omitempty"`
	Relocated bool     `json:"relocated,omitempty"`
	Renamed   bool     `json:"renamed,omitempty"`
}

// Session identifies one connected client instance.
type Session struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	MachineID     string    `json:"machine_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// SyncSubscription pins an item the user wants mirrored locally.
type SyncSubscription struct {
	ID           int64      `json:"id"`
	UserID       string     `json:"user_id"`
	ItemType     ItemKind   `json:"item_type"`
	ItemID       int64      `json:"item_id"`
	SubscribedAt time.Time  `json:"subscribed_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastVersion  int64      `json:"last_version,omitempty"`
}

// Tombstone records a deletion for delta sync.
type Tombstone struct {
	ItemType  ItemKind  `json:"item_type"`
	ItemID    int64     `json:"item_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Delta is a change set since a subscription's last sync point.
type Delta struct {
	Files      []*File      `json:"files,omitempty"`
	Rows       []*Row       `json:"rows,omitempty"`
	Tombstones []*Tombstone `json:"tombstones,omitempty"`
	// MaxVersion is the high-water mark the client should persist as
	// LastVersion for the next delta request.
	MaxVersion int64 `json:"max_version"`
}

// NodeRef addresses a hierarchy node. Kind is empty for the store root
// (listing platforms and unassigned projects).
type NodeRef struct {
	Kind ItemKind `json:"kind,omitempty"`
	ID   int64    `json:"id,omitempty"`
}

// Root is the NodeRef for the top of the hierarchy.
func Root() NodeRef { return NodeRef{} }

// Children is the typed result of a ListChildren call.
type Children struct {
	Platforms []*Platform `json:"platforms,omitempty"`
	Projects  []*Project  `json:"projects,omitempty"`
	Folders   []*Folder   `json:"folders,omitempty"`
	Files     []*File     `json:"files,omitempty"`
}
