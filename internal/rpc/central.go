package rpc

import (
	"context"

	"github.com/locstore/ldm/internal/syncer"
	"github.com/locstore/ldm/internal/types"
)

// CentralClient adapts Client to the sync engine's view of the
// authoritative store. A local-mode server hands this to syncer.NewEngine
// so pull and push run over the wire; in-process deployments hand the
// postgres store directly instead.
type CentralClient struct {
	c *Client
}

var _ syncer.Central = (*CentralClient)(nil)

// NewCentral wraps a client for use as the sync engine's central side.
func NewCentral(c *Client) *CentralClient {
	return &CentralClient{c: c}
}

func (cc *CentralClient) getNode(ctx context.Context, kind types.ItemKind, id int64, into interface{}) error {
	return cc.c.CallInto(ctx, OpNodeGet, &NodeArgs{Kind: kind, ID: id}, into)
}

func (cc *CentralClient) GetPlatform(ctx context.Context, id int64) (*types.Platform, error) {
	var p types.Platform
	if err := cc.getNode(ctx, types.KindPlatform, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (cc *CentralClient) GetProject(ctx context.Context, id int64) (*types.Project, error) {
	var p types.Project
	if err := cc.getNode(ctx, types.KindProject, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (cc *CentralClient) GetFolder(ctx context.Context, id int64) (*types.Folder, error) {
	var f types.Folder
	if err := cc.getNode(ctx, types.KindFolder, id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (cc *CentralClient) GetFile(ctx context.Context, id int64) (*types.File, error) {
	var f types.File
	if err := cc.getNode(ctx, types.KindFile, id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (cc *CentralClient) GetTM(ctx context.Context, id int64) (*types.TM, error) {
	var m types.TM
	if err := cc.getNode(ctx, types.KindTM, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (cc *CentralClient) ListChildren(ctx context.Context, parent types.NodeRef) (*types.Children, error) {
	var children types.Children
	if err := cc.c.CallInto(ctx, OpListChildren, &ListChildrenArgs{Parent: parent}, &children); err != nil {
		return nil, err
	}
	return &children, nil
}

func (cc *CentralClient) ListRows(ctx context.Context, fileID int64) ([]*types.Row, error) {
	var rows []*types.Row
	if err := cc.c.CallInto(ctx, OpRowList, &RowListArgs{FileID: fileID}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateFile registers an empty file on the central server; rows follow
// through BulkUpsertRows. The server assigns the id, which is copied back
// into f.
func (cc *CentralClient) CreateFile(ctx context.Context, f *types.File) error {
	args := &FileUploadArgs{Name: f.Name, ProjectID: f.ProjectID, FolderID: f.FolderID, Format: f.Format}
	var created types.File
	if err := cc.c.CallInto(ctx, OpFileUpload, args, &created); err != nil {
		return err
	}
	*f = created
	return nil
}

func (cc *CentralClient) BulkUpsertRows(ctx context.Context, fileID int64, rows []*types.Row) error {
	return cc.c.CallInto(ctx, OpRowBulkUpsert, &RowBulkUpsertArgs{FileID: fileID, Rows: rows}, nil)
}

func (cc *CentralClient) ListEntries(ctx context.Context, tmID int64) ([]*types.TMEntry, error) {
	var entries []*types.TMEntry
	if err := cc.c.CallInto(ctx, OpTMListEntries, &TMListEntriesArgs{TMID: tmID}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (cc *CentralClient) ChangesSince(ctx context.Context, sub *types.SyncSubscription, sinceVersion int64) (*types.Delta, error) {
	args := &SyncChangesArgs{ItemType: sub.ItemType, ItemID: sub.ItemID, SinceVersion: sinceVersion}
	var delta types.Delta
	if err := cc.c.CallInto(ctx, OpSyncChanges, args, &delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

func (cc *CentralClient) ListTrash(ctx context.Context) ([]*types.TrashItem, error) {
	var items []*types.TrashItem
	if err := cc.c.CallInto(ctx, OpListTrash, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (cc *CentralClient) Purge(ctx context.Context, trashID int64) error {
	return cc.c.CallInto(ctx, OpPurge, &TrashArgs{TrashID: trashID}, nil)
}
