package syncer

import (
	"context"

	"github.com/locstore/ldm/internal/types"
)

// OfflineStorageName is the reserved platform backing the offline sandbox.
const OfflineStorageName = "Offline Storage"

// EnsureOfflineSandbox returns the local sandbox platform, creating it on
// first use. At most one platform per store carries the sandbox flag.
func (e *Engine) EnsureOfflineSandbox(ctx context.Context) (*types.Platform, error) {
	children, err := e.local.ListChildren(ctx, types.Root())
	if err != nil {
		return nil, err
	}
	for _, p := range children.Platforms {
		if p.IsOfflineSandbox {
			return p, nil
		}
	}
	p := &types.Platform{Name: OfflineStorageName, IsOfflineSandbox: true,
		Description: "Local, offline-writable sandbox. Promote files to the central store explicitly."}
	if err := e.local.CreatePlatform(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// OfflineProject returns (creating if needed) a project by name inside the
// sandbox platform.
func (e *Engine) OfflineProject(ctx context.Context, name string) (*types.Project, error) {
	sandbox, err := e.EnsureOfflineSandbox(ctx)
	if err != nil {
		return nil, err
	}
	children, err := e.local.ListChildren(ctx, types.NodeRef{Kind: types.KindPlatform, ID: sandbox.ID})
	if err != nil {
		return nil, err
	}
	for _, p := range children.Projects {
		if p.Name == name {
			return p, nil
		}
	}
	p := &types.Project{Name: name, PlatformID: &sandbox.ID}
	if err := e.local.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// StoreLabel identifies which store an empty-trash outcome refers to.
type StoreLabel string

const (
	StoreAuthoritative StoreLabel = "authoritative"
	StoreLocal         StoreLabel = "local"
)

// EmptyTrashReport is the outcome of a cross-store empty. A store appears
// in Failed when any of its items could not be purged; the other store's
// result stands regardless.
type EmptyTrashReport struct {
	Purged map[StoreLabel]int    `json:"purged"`
	Failed map[StoreLabel]string `json:"failed,omitempty"`
}

// PartialFailure reports whether some store failed while another emptied.
func (r *EmptyTrashReport) PartialFailure() bool {
	return len(r.Failed) > 0 && len(r.Failed) < 2
}

// EmptyTrash empties the trash of both stores. Failure in one store never
// stops the other; the report names the store that failed.
func (e *Engine) EmptyTrash(ctx context.Context) *EmptyTrashReport {
	report := &EmptyTrashReport{
		Purged: make(map[StoreLabel]int),
		Failed: make(map[StoreLabel]string),
	}
	e.emptyOne(ctx, StoreAuthoritative, trashStore{list: e.central.ListTrash, purge: e.central.Purge}, report)
	e.emptyOne(ctx, StoreLocal, trashStore{list: e.local.ListTrash, purge: e.local.Purge}, report)
	if len(report.Failed) == 0 {
		report.Failed = nil
	}
	return report
}

type trashStore struct {
	list  func(ctx context.Context) ([]*types.TrashItem, error)
	purge func(ctx context.Context, trashID int64) error
}

func (e *Engine) emptyOne(ctx context.Context, label StoreLabel, ts trashStore, report *EmptyTrashReport) {
	items, err := ts.list(ctx)
	if err != nil {
		report.Failed[label] = err.Error()
		e.log.Warn("empty trash: list failed", "store", label, "error", err)
		return
	}
	for _, item := range items {
		if err := ts.purge(ctx, item.TrashID); err != nil {
			report.Failed[label] = err.Error()
			e.log.Warn("empty trash: purge failed", "store", label, "trash_id", item.TrashID, "error", err)
			return
		}
		report.Purged[label]++
	}
}
