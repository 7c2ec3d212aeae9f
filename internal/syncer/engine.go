// Package syncer mirrors subscribed content from the authoritative store
// into the user's local store, and promotes Offline Storage work back.
//
// The local store is the system of record for subscriptions and for the
// central-to-local id mapping; the authoritative store is the system of
// record for content. Structure always follows the authoritative store;
// offline row edits stay local until the user promotes them.
package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/locstore/ldm/internal/storage"
	"github.com/locstore/ldm/internal/types"
)

// Central is what the sync engine needs from the authoritative side. Both
// storage backends satisfy it; a remote client adapter can too.
type Central interface {
	GetPlatform(ctx context.Context, id int64) (*types.Platform, error)
	GetProject(ctx context.Context, id int64) (*types.Project, error)
	GetFolder(ctx context.Context, id int64) (*types.Folder, error)
	GetFile(ctx context.Context, id int64) (*types.File, error)
	ListChildren(ctx context.Context, parent types.NodeRef) (*types.Children, error)
	ListRows(ctx context.Context, fileID int64) ([]*types.Row, error)
	CreateFile(ctx context.Context, f *types.File) error
	BulkUpsertRows(ctx context.Context, fileID int64, rows []*types.Row) error
	GetTM(ctx context.Context, id int64) (*types.TM, error)
	ListEntries(ctx context.Context, tmID int64) ([]*types.TMEntry, error)
	ChangesSince(ctx context.Context, sub *types.SyncSubscription, sinceVersion int64) (*types.Delta, error)
	ListTrash(ctx context.Context) ([]*types.TrashItem, error)
	Purge(ctx context.Context, trashID int64) error
}

// Engine drives pull and push between one central store and one local store.
type Engine struct {
	central Central
	local   storage.Store
	log     *slog.Logger
}

// NewEngine wires a sync engine. log may be nil.
func NewEngine(central Central, local storage.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{central: central, local: local, log: log}
}

// Subscribe pins an item for mirroring and runs the initial snapshot pull.
// Valid kinds: platform, project, file, tm.
func (e *Engine) Subscribe(ctx context.Context, userID string, kind types.ItemKind, itemID int64) (*types.SyncSubscription, *PullResult, error) {
	sub := &types.SyncSubscription{UserID: userID, ItemType: kind, ItemID: itemID}
	if err := e.local.AddSubscription(ctx, sub); err != nil {
		return nil, nil, err
	}
	res, err := e.Pull(ctx, sub)
	if err != nil {
		// The subscription stands; the snapshot retries on the next poll.
		e.log.Warn("initial snapshot failed", "item_type", kind, "item_id", itemID, "error", err)
		return sub, nil, err
	}
	return sub, res, nil
}

// Unsubscribe removes the pin. Mirrored content stays in the local store.
func (e *Engine) Unsubscribe(ctx context.Context, subID int64) error {
	return e.local.RemoveSubscription(ctx, subID)
}

// Subscriptions lists the user's pins from the local store.
func (e *Engine) Subscriptions(ctx context.Context, userID string) ([]*types.SyncSubscription, error) {
	return e.local.ListSubscriptions(ctx, userID)
}

// PullResult summarizes one delta application.
type PullResult struct {
	FilesSynced int   `json:"files_synced"`
	RowsSynced  int   `json:"rows_synced"`
	Tombstones  int   `json:"tombstones"`
	TMEntries   int   `json:"tm_entries"`
	MaxVersion  int64 `json:"max_version"`
}

// Pull fetches changes for one subscription since its high-water mark and
// applies them locally. The first pull (LastVersion zero) is the snapshot.
func (e *Engine) Pull(ctx context.Context, sub *types.SyncSubscription) (*PullResult, error) {
	delta, err := e.central.ChangesSince(ctx, sub, sub.LastVersion)
	if err != nil {
		return nil, err
	}
	res := &PullResult{MaxVersion: delta.MaxVersion}

	if sub.ItemType == types.KindTM {
		n, err := e.pullTM(ctx, sub.ItemID)
		if err != nil {
			return nil, err
		}
		res.TMEntries = n
	} else {
		if err := e.applyDelta(ctx, delta, res); err != nil {
			return nil, err
		}
	}

	if err := e.local.MarkSynced(ctx, sub.ID, time.Now(), delta.MaxVersion); err != nil {
		return nil, err
	}
	sub.LastVersion = delta.MaxVersion
	e.log.Info("pull applied", "item_type", sub.ItemType, "item_id", sub.ItemID,
		"files", res.FilesSynced, "rows", res.RowsSynced, "tombstones", res.Tombstones, "version", res.MaxVersion)
	return res, nil
}

// PullAll runs Pull for every subscription of the user; errors are logged
// per subscription and the rest continue.
func (e *Engine) PullAll(ctx context.Context, userID string) {
	subs, err := e.local.ListSubscriptions(ctx, userID)
	if err != nil {
		e.log.Warn("list subscriptions", "error", err)
		return
	}
	for _, sub := range subs {
		if _, err := e.Pull(ctx, sub); err != nil {
			e.log.Warn("pull failed", "subscription", sub.ID, "error", err)
		}
	}
}

// StartPoller pulls all subscriptions of userID every interval until ctx is
// cancelled. Best effort; failures are retried on the next tick.
func (e *Engine) StartPoller(ctx context.Context, userID string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.PullAll(ctx, userID)
			}
		}
	}()
}

// OnFileOpen fires a best-effort, non-blocking pull for the subscription
// covering the given central file, if any.
func (e *Engine) OnFileOpen(ctx context.Context, userID string, centralFileID int64) {
	go func() {
		subs, err := e.local.ListSubscriptions(ctx, userID)
		if err != nil {
			return
		}
		for _, sub := range subs {
			if sub.ItemType == types.KindFile && sub.ItemID == centralFileID {
				if _, err := e.Pull(ctx, sub); err != nil {
					e.log.Debug("auto-pull on open failed", "file", centralFileID, "error", err)
				}
				return
			}
		}
	}()
}

// filePlan is the prefetched central state for one changed file: the file,
// its project, its folder chain (root first), and its full row set.
type filePlan struct {
	file      *types.File
	project   *types.Project
	folders   []*types.Folder
	rows      []*types.Row
	countFile bool
}

// applyDelta applies one delta in two phases: first every central read runs
// up front into a plan, then all local writes land in a single transaction.
// A fetch failure mid-plan or a write failure mid-apply leaves the local
// store exactly as it was.
func (e *Engine) applyDelta(ctx context.Context, delta *types.Delta, res *PullResult) error {
	plans, err := e.planFiles(ctx, delta)
	if err != nil {
		return err
	}
	return e.local.RunInTx(ctx, func(tx storage.Tx) error {
		for _, plan := range plans {
			localID, err := ensureFileTx(ctx, tx, plan)
			if err != nil {
				return err
			}
			n, err := mirrorRowsTx(ctx, tx, localID, plan.rows)
			if err != nil {
				return err
			}
			if plan.countFile {
				res.FilesSynced++
			}
			res.RowsSynced += n
		}
		for _, ts := range delta.Tombstones {
			if ts.ItemType == types.KindRow {
				continue // row deletions surface through the file re-pull
			}
			if err := applyTombstoneTx(ctx, tx, ts); err != nil {
				return err
			}
			res.Tombstones++
		}
		return nil
	})
}

// planFiles resolves the delta to full central snapshots. Re-pulling rows
// wholesale per changed file keeps local indexes dense without replaying
// individual edits.
func (e *Engine) planFiles(ctx context.Context, delta *types.Delta) ([]*filePlan, error) {
	var plans []*filePlan
	planned := make(map[int64]bool)
	for _, f := range delta.Files {
		plan, err := e.planFile(ctx, f)
		if err != nil {
			return nil, err
		}
		plan.countFile = true
		planned[f.ID] = true
		plans = append(plans, plan)
	}
	for _, r := range delta.Rows {
		if planned[r.FileID] {
			continue
		}
		planned[r.FileID] = true
		localID, err := e.mappedID(ctx, types.KindFile, r.FileID)
		if err != nil {
			return nil, err
		}
		if localID == 0 {
			continue // never snapshotted; the next full pull covers it
		}
		f, err := e.central.GetFile(ctx, r.FileID)
		if err != nil {
			return nil, err
		}
		plan, err := e.planFile(ctx, f)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (e *Engine) planFile(ctx context.Context, f *types.File) (*filePlan, error) {
	project, err := e.central.GetProject(ctx, f.ProjectID)
	if err != nil {
		return nil, err
	}
	// Walk the folder chain bottom-up, then reverse it so local creation
	// runs root first.
	var chain []*types.Folder
	for folderID := f.FolderID; folderID != nil; {
		folder, err := e.central.GetFolder(ctx, *folderID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, folder)
		folderID = folder.ParentFolderID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	centralRows, err := e.central.ListRows(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	// Contents are copied byte for byte; local row versions restart at the
	// local store's counter.
	rows := make([]*types.Row, len(centralRows))
	for i, r := range centralRows {
		rows[i] = &types.Row{
			Index:    r.Index,
			Source:   r.Source,
			Target:   r.Target,
			Status:   r.Status,
			StringID: r.StringID,
			Metadata: r.Metadata,
		}
	}
	return &filePlan{file: f, project: project, folders: chain, rows: rows}, nil
}

// mirrorRowsTx replaces the local file's rows with the planned central rows.
func mirrorRowsTx(ctx context.Context, tx storage.Tx, localFileID int64, rows []*types.Row) (int, error) {
	if len(rows) > 0 {
		if err := tx.BulkUpsertRows(ctx, localFileID, rows); err != nil {
			return 0, err
		}
	}
	// Trim stale local rows past the central row count, highest first so
	// compaction never renumbers a row we still have to remove.
	localRows, err := tx.ListRows(ctx, localFileID)
	if err != nil {
		return 0, err
	}
	for i := len(localRows) - 1; i >= len(rows); i-- {
		if err := tx.DeleteRow(ctx, localRows[i].ID); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

func applyTombstoneTx(ctx context.Context, tx storage.Tx, ts *types.Tombstone) error {
	localID, err := txMappedID(ctx, tx, ts.ItemType, ts.ItemID)
	if err != nil || localID == 0 {
		return err
	}
	if ts.ItemType == types.KindTM {
		if err := tx.DeleteTM(ctx, localID); err != nil && !types.IsKind(err, types.KindNotFound) {
			return err
		}
		return txClearMapping(ctx, tx, ts.ItemType, ts.ItemID)
	}
	// Mirrors are removed outright, not parked in the local trash: the
	// deletion already went through the authoritative trash.
	trashID, err := tx.SoftDelete(ctx, ts.ItemType, localID, "sync")
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return txClearMapping(ctx, tx, ts.ItemType, ts.ItemID)
		}
		return err
	}
	if err := tx.Purge(ctx, trashID); err != nil {
		return err
	}
	return txClearMapping(ctx, tx, ts.ItemType, ts.ItemID)
}

// Mapping between central and local ids lives in the local config table.
func mappingKey(kind types.ItemKind, centralID int64) string {
	return fmt.Sprintf("sync.map.%s.%d", kind, centralID)
}

func (e *Engine) mappedID(ctx context.Context, kind types.ItemKind, centralID int64) (int64, error) {
	v, err := e.local.GetConfig(ctx, mappingKey(kind, centralID))
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (e *Engine) setMapping(ctx context.Context, kind types.ItemKind, centralID, localID int64) error {
	return e.local.SetConfig(ctx, mappingKey(kind, centralID), strconv.FormatInt(localID, 10))
}

func txMappedID(ctx context.Context, tx storage.Tx, kind types.ItemKind, centralID int64) (int64, error) {
	v, err := tx.GetConfig(ctx, mappingKey(kind, centralID))
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func txSetMapping(ctx context.Context, tx storage.Tx, kind types.ItemKind, centralID, localID int64) error {
	return tx.SetConfig(ctx, mappingKey(kind, centralID), strconv.FormatInt(localID, 10))
}

func txClearMapping(ctx context.Context, tx storage.Tx, kind types.ItemKind, centralID int64) error {
	return tx.SetConfig(ctx, mappingKey(kind, centralID), "")
}

// ensureProjectTx mirrors the central project (by name, under the unassigned
// scope) and records the id mapping.
func ensureProjectTx(ctx context.Context, tx storage.Tx, central *types.Project) (int64, error) {
	if id, err := txMappedID(ctx, tx, types.KindProject, central.ID); err != nil || id != 0 {
		return id, err
	}
	p := &types.Project{Name: central.Name}
	if err := createWithSuffix(p.Name, func(name string) error {
		p.Name = name
		return tx.CreateProject(ctx, p)
	}); err != nil {
		return 0, err
	}
	return p.ID, txSetMapping(ctx, tx, types.KindProject, central.ID, p.ID)
}

// ensureFolderTx mirrors one central folder under the mapped local parent.
func ensureFolderTx(ctx context.Context, tx storage.Tx, projectID int64, parentID *int64, central *types.Folder) (int64, error) {
	if id, err := txMappedID(ctx, tx, types.KindFolder, central.ID); err != nil || id != 0 {
		return id, err
	}
	f := &types.Folder{Name: central.Name, ProjectID: projectID, ParentFolderID: parentID}
	if err := createWithSuffix(f.Name, func(name string) error {
		f.Name = name
		return tx.CreateFolder(ctx, f)
	}); err != nil {
		return 0, err
	}
	return f.ID, txSetMapping(ctx, tx, types.KindFolder, central.ID, f.ID)
}

// ensureFileTx mirrors the central file into the mapped local project,
// recreating its folder chain so the file lands where it lives centrally.
func ensureFileTx(ctx context.Context, tx storage.Tx, plan *filePlan) (int64, error) {
	if id, err := txMappedID(ctx, tx, types.KindFile, plan.file.ID); err != nil || id != 0 {
		return id, err
	}
	projectID, err := ensureProjectTx(ctx, tx, plan.project)
	if err != nil {
		return 0, err
	}
	var folderID *int64
	for _, folder := range plan.folders {
		localFolderID, err := ensureFolderTx(ctx, tx, projectID, folderID, folder)
		if err != nil {
			return 0, err
		}
		folderID = &localFolderID
	}
	local := &types.File{Name: plan.file.Name, ProjectID: projectID, FolderID: folderID, Format: plan.file.Format}
	if err := createWithSuffix(local.Name, func(name string) error {
		local.Name = name
		return tx.CreateFile(ctx, local)
	}); err != nil {
		return 0, err
	}
	return local.ID, txSetMapping(ctx, tx, types.KindFile, plan.file.ID, local.ID)
}

// pullTM mirrors a TM's entries wholesale. Entries are append-mostly and
// hash-deduplicated, so replaying them is idempotent.
func (e *Engine) pullTM(ctx context.Context, centralTMID int64) (int, error) {
	central, err := e.central.GetTM(ctx, centralTMID)
	if err != nil {
		return 0, err
	}
	localID, err := e.mappedID(ctx, types.KindTM, centralTMID)
	if err != nil {
		return 0, err
	}
	if localID == 0 {
		local := &types.TM{Name: central.Name, SourceLang: central.SourceLang, TargetLang: central.TargetLang, Description: central.Description}
		if err := createWithSuffix(local.Name, func(name string) error {
			local.Name = name
			return e.local.CreateTM(ctx, local)
		}); err != nil {
			return 0, err
		}
		localID = local.ID
		if err := e.setMapping(ctx, types.KindTM, centralTMID, localID); err != nil {
			return 0, err
		}
	}
	entries, err := e.central.ListEntries(ctx, centralTMID)
	if err != nil {
		return 0, err
	}
	copies := make([]*types.TMEntry, len(entries))
	for i, entry := range entries {
		copies[i] = &types.TMEntry{
			Source:           entry.Source,
			Target:           entry.Target,
			NormalizedSource: entry.NormalizedSource,
			SourceHash:       entry.SourceHash,
		}
	}
	if _, err := e.local.UpsertEntries(ctx, localID, copies); err != nil {
		return 0, err
	}
	return len(copies), nil
}

// createWithSuffix retries a name-unique create with " (2)", " (3)" ...
// suffixes on conflict, the same policy restore uses.
func createWithSuffix(base string, create func(name string) error) error {
	name := base
	for i := 2; ; i++ {
		err := create(name)
		if err == nil {
			return nil
		}
		if !types.IsKind(err, types.KindConflict) || i > 100 {
			return err
		}
		name = fmt.Sprintf("%s (%d)", base, i)
	}
}
