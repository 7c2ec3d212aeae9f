package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/locstore/ldm/internal/audit"
	"github.com/locstore/ldm/internal/capability"
	"github.com/locstore/ldm/internal/codec"
	"github.com/locstore/ldm/internal/ops"
	"github.com/locstore/ldm/internal/storage"
	"github.com/locstore/ldm/internal/syncer"
	"github.com/locstore/ldm/internal/tm"
	"github.com/locstore/ldm/internal/types"
)

// Mutations above these sizes run as tracked operations instead of inline,
// so the caller gets an op id and progress events rather than a long-held
// connection.
const (
	BulkEditSyncLimit     = 500
	TMImportSyncLimit     = 1000
	UploadSyncRowLimit    = 5000
	uploadBatchSize       = 500
	bulkEditProgressEvery = 100
)

// Server dispatches envelope requests to the store and engines. It is the
// transport-independent core; HTTPServer wraps it.
type Server struct {
	store    storage.Store
	tms      *tm.Engine
	sched    *ops.Scheduler
	bus      *ops.Bus
	sync     *syncer.Engine
	resolver *capability.Resolver
	auditor  *audit.Sink
	log      *slog.Logger
}

// NewServer wires the dispatcher. sync and auditor may be nil: sync-area
// operations then fail with kind precondition, and audit writes are
// skipped.
func NewServer(store storage.Store, tms *tm.Engine, sched *ops.Scheduler, bus *ops.Bus, sync *syncer.Engine, resolver *capability.Resolver, auditor *audit.Sink, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		store:    store,
		tms:      tms,
		sched:    sched,
		bus:      bus,
		sync:     sync,
		resolver: resolver,
		auditor:  auditor,
		log:      log,
	}
}

// Handle resolves the caller and dispatches one request. It never returns
// a nil response; failures are carried in the envelope with their kind.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	p, err := s.resolver.Resolve(req.Token)
	if err != nil {
		s.audit("", "auth_failed", req.Operation)
		return fail(req, err)
	}
	data, err := s.dispatch(ctx, p, req)
	if err != nil {
		s.log.Warn("rpc failed", "operation", req.Operation, "user", p.UserID, "kind", types.KindOf(err), "error", err)
		return fail(req, err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fail(req, types.Wrap(types.KindInternal, err, "encoding %s response", req.Operation))
	}
	return &Response{Success: true, Data: raw, RequestID: req.RequestID}
}

func fail(req *Request, err error) *Response {
	return &Response{Error: err.Error(), ErrorKind: types.KindOf(err), RequestID: req.RequestID}
}

func (s *Server) dispatch(ctx context.Context, p *capability.Principal, req *Request) (interface{}, error) {
	switch req.Operation {
	case OpListChildren:
		return s.listChildren(ctx, p, req.Args)
	case OpCreatePlatform:
		return s.createPlatform(ctx, p, req.Args)
	case OpCreateProject:
		return s.createProject(ctx, p, req.Args)
	case OpCreateFolder:
		return s.createFolder(ctx, p, req.Args)
	case OpRename:
		return s.rename(ctx, p, req.Args)
	case OpMove:
		return s.move(ctx, p, req.Args)
	case OpMoveCrossProject:
		return s.moveCrossProject(ctx, p, req.Args)
	case OpCopy:
		return s.copy(ctx, p, req.Args)
	case OpSoftDelete:
		return s.softDelete(ctx, p, req.Args)
	case OpRestore:
		return s.restore(ctx, p, req.Args)
	case OpPurge:
		return s.purge(ctx, p, req.Args)
	case OpListTrash:
		return s.store.ListTrash(ctx)
	case OpEmptyTrash:
		return s.emptyTrash(ctx, p)
	case OpNodeGet:
		return s.nodeGet(ctx, p, req.Args)
	case OpFileUpload:
		return s.fileUpload(ctx, p, req.Args)
	case OpFileDownload:
		return s.fileDownload(ctx, p, req.Args)
	case OpFileConvert:
		return s.fileConvert(ctx, p, req.Args)
	case OpFileRegisterTM:
		return s.fileRegisterTM(ctx, p, req.Args)
	case OpFileMerge:
		return s.fileMerge(ctx, p, req.Args)
	case OpFileGlossary:
		return s.fileGlossary(ctx, p, req.Args)
	case OpFileRunQA:
		return s.fileRunQA(ctx, p, req.Args)
	case OpRowList:
		return s.rowList(ctx, p, req.Args)
	case OpRowGet:
		return s.rowGet(ctx, p, req.Args)
	case OpRowEdit:
		return s.rowEdit(ctx, p, req.Args)
	case OpRowBulkEdit:
		return s.rowBulkEdit(ctx, p, req.Args)
	case OpRowBulkUpsert:
		return s.rowBulkUpsert(ctx, p, req.Args)
	case OpTMCreate:
		return s.tmCreate(ctx, p, req.Args)
	case OpTMList:
		return s.store.ListTMs(ctx)
	case OpTMImport:
		return s.tmImport(ctx, p, req.Args)
	case OpTMActivate:
		return s.tmActivate(ctx, p, req.Args)
	case OpTMDeactivate:
		s.tms.Deactivate(p.UserID)
		return struct{}{}, nil
	case OpTMLookup:
		return s.tmLookup(ctx, p, req.Args)
	case OpTMSearch:
		return s.tmSearch(ctx, p, req.Args)
	case OpTMPretranslate:
		return s.tmPretranslate(ctx, p, req.Args)
	case OpTMDelete:
		return s.tmDelete(ctx, p, req.Args)
	case OpTMListEntries:
		return s.tmListEntries(ctx, p, req.Args)
	case OpOpsList:
		return s.opsList(p), nil
	case OpOpsGet:
		return s.opsGet(p, req.Args)
	case OpOpsCancel:
		return s.opsCancel(p, req.Args)
	case OpSyncSubscribe:
		return s.syncSubscribe(ctx, p, req.Args)
	case OpSyncUnsubscribe:
		return s.syncUnsubscribe(ctx, p, req.Args)
	case OpSyncList:
		return s.syncList(ctx, p)
	case OpSyncPush:
		return s.syncPush(p, req.Args)
	case OpSyncPull:
		return s.syncPull(ctx, p, req.Args)
	case OpSyncChanges:
		return s.syncChanges(ctx, p, req.Args)
	case OpOfflineList:
		return s.offlineList(ctx, p, req.Args)
	case OpOfflineCreateFolder:
		return s.offlineCreateFolder(ctx, p, req.Args)
	case OpOfflineUpload:
		return s.offlineUpload(ctx, p, req.Args)
	case OpOfflineMove:
		return s.offlineMove(ctx, p, req.Args)
	case OpOfflineRename:
		return s.offlineRename(ctx, p, req.Args)
	case OpOfflineDelete:
		return s.offlineDelete(ctx, p, req.Args)
	case OpOfflineEmptyTrash:
		return s.offlineEmptyTrash(ctx, p)
	case OpSessionOpen:
		return s.sessionOpen(ctx, p, req.Args)
	case OpSessionHeartbeat:
		return s.sessionHeartbeat(ctx, req.Args)
	case OpConfigGet:
		return s.configGet(ctx, p, req.Args)
	case OpConfigSet:
		return s.configSet(ctx, p, req.Args)
	}
	return nil, types.E(types.KindInvalidArgument, "unknown operation %q", req.Operation)
}

func decode(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return types.E(types.KindInvalidArgument, "missing args")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return types.Wrap(types.KindInvalidArgument, err, "bad args")
	}
	return nil
}

func (s *Server) audit(user, kind, detail string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Append(audit.Entry{Kind: kind, Principal: user, Detail: detail})
}

// checkNode gates access to a hierarchy node by walking up to its
// restricted ancestor, if any. Rows are not nodes and are gated through
// their file.
func (s *Server) checkNode(ctx context.Context, p *capability.Principal, kind types.ItemKind, id int64) error {
	switch kind {
	case types.KindPlatform:
		platform, err := s.store.GetPlatform(ctx, id)
		if err != nil {
			return err
		}
		return capability.CheckPlatform(p, platform)
	case types.KindProject:
		return s.checkProject(ctx, p, id)
	case types.KindFolder:
		folder, err := s.store.GetFolder(ctx, id)
		if err != nil {
			return err
		}
		return s.checkProject(ctx, p, folder.ProjectID)
	case types.KindFile:
		file, err := s.store.GetFile(ctx, id)
		if err != nil {
			return err
		}
		return s.checkProject(ctx, p, file.ProjectID)
	case types.KindTM:
		memory, err := s.store.GetTM(ctx, id)
		if err != nil {
			return err
		}
		if memory.ProjectID != nil {
			return s.checkProject(ctx, p, *memory.ProjectID)
		}
		return nil
	}
	return types.E(types.KindInvalidArgument, "unknown item kind %q", kind)
}

func (s *Server) checkProject(ctx context.Context, p *capability.Principal, projectID int64) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := capability.CheckProject(p, project); err != nil {
		return err
	}
	if project.PlatformID != nil {
		platform, err := s.store.GetPlatform(ctx, *project.PlatformID)
		if err != nil {
			return err
		}
		return capability.CheckPlatform(p, platform)
	}
	return nil
}

func (s *Server) listChildren(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args ListChildrenArgs
	if len(raw) > 0 {
		if err := decode(raw, &args); err != nil {
			return nil, err
		}
	}
	if args.Parent.Kind != "" {
		if err := s.checkNode(ctx, p, args.Parent.Kind, args.Parent.ID); err != nil {
			return nil, err
		}
	}
	children, err := s.store.ListChildren(ctx, args.Parent)
	if err != nil {
		return nil, err
	}
	// Restricted containers the caller cannot open are hidden, not errored.
	if args.Parent.Kind == "" && !p.IsAdmin() {
		filtered := &types.Children{Folders: children.Folders, Files: children.Files}
		for _, pl := range children.Platforms {
			if capability.CheckPlatform(p, pl) == nil {
				filtered.Platforms = append(filtered.Platforms, pl)
			}
		}
		for _, pr := range children.Projects {
			if capability.CheckProject(p, pr) == nil {
				filtered.Projects = append(filtered.Projects, pr)
			}
		}
		return filtered, nil
	}
	return children, nil
}

func (s *Server) createPlatform(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireAdmin(p); err != nil {
		return nil, err
	}
	var args CreatePlatformArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	platform := &types.Platform{Name: args.Name, Description: args.Description, IsRestricted: args.IsRestricted}
	if err := s.store.CreatePlatform(ctx, platform); err != nil {
		return nil, err
	}
	s.audit(p.UserID, "platform_created", platform.Name)
	return platform, nil
}

func (s *Server) createProject(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args CreateProjectArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.PlatformID != nil {
		if err := s.checkNode(ctx, p, types.KindPlatform, *args.PlatformID); err != nil {
			return nil, err
		}
	}
	project := &types.Project{Name: args.Name, PlatformID: args.PlatformID, IsRestricted: args.IsRestricted}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.audit(p.UserID, "project_created", project.Name)
	return project, nil
}

func (s *Server) createFolder(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args CreateFolderArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkProject(ctx, p, args.ProjectID); err != nil {
		return nil, err
	}
	folder := &types.Folder{Name: args.Name, ProjectID: args.ProjectID, ParentFolderID: args.ParentFolderID}
	if err := s.store.CreateFolder(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

func (s *Server) rename(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args RenameArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, args.Kind, args.ID); err != nil {
		return nil, err
	}
	if err := s.store.Rename(ctx, args.Kind, args.ID, args.NewName); err != nil {
		return nil, err
	}
	s.audit(p.UserID, "renamed", fmt.Sprintf("%s %d -> %q", args.Kind, args.ID, args.NewName))
	return struct{}{}, nil
}

func (s *Server) move(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args MoveArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, args.Kind, args.ID); err != nil {
		return nil, err
	}
	if args.NewParent.Kind != "" {
		if err := s.checkNode(ctx, p, args.NewParent.Kind, args.NewParent.ID); err != nil {
			return nil, err
		}
	}
	return struct{}{}, s.store.Move(ctx, args.Kind, args.ID, args.NewParent)
}

func (s *Server) moveCrossProject(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args MoveCrossProjectArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, args.Kind, args.ID); err != nil {
		return nil, err
	}
	if err := s.checkProject(ctx, p, args.DestProject); err != nil {
		return nil, err
	}
	if err := s.store.MoveCrossProject(ctx, args.Kind, args.ID, args.DestProject, args.DestFolder); err != nil {
		return nil, err
	}
	s.audit(p.UserID, "moved_cross_project", fmt.Sprintf("%s %d -> project %d", args.Kind, args.ID, args.DestProject))
	return struct{}{}, nil
}

func (s *Server) copy(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args CopyArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, args.Kind, args.ID); err != nil {
		return nil, err
	}
	newID, err := s.store.Copy(ctx, args.Kind, args.ID, args.NewParent)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"id": newID}, nil
}

func (s *Server) softDelete(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args NodeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, args.Kind, args.ID); err != nil {
		return nil, err
	}
	trashID, err := s.store.SoftDelete(ctx, args.Kind, args.ID, p.UserID)
	if err != nil {
		return nil, err
	}
	s.audit(p.UserID, "soft_deleted", fmt.Sprintf("%s %d", args.Kind, args.ID))
	return map[string]int64{"trash_id": trashID}, nil
}

func (s *Server) restore(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args TrashArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	res, err := s.store.Restore(ctx, args.TrashID)
	if err != nil {
		return nil, err
	}
	s.audit(p.UserID, "restored", fmt.Sprintf("%s %d", res.ItemType, res.ItemID))
	return res, nil
}

// purge and emptyTrash are irrecoverable, so they are admin-gated even
// though soft delete is open to writers.
func (s *Server) purge(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireAdmin(p); err != nil {
		return nil, err
	}
	var args TrashArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.store.Purge(ctx, args.TrashID); err != nil {
		return nil, err
	}
	s.audit(p.UserID, "purged", fmt.Sprintf("trash %d", args.TrashID))
	return struct{}{}, nil
}

func (s *Server) emptyTrash(ctx context.Context, p *capability.Principal) (interface{}, error) {
	if err := capability.RequireAdmin(p); err != nil {
		return nil, err
	}
	items, err := s.store.ListTrash(ctx)
	if err != nil {
		return nil, err
	}
	purged := 0
	for _, item := range items {
		if err := s.store.Purge(ctx, item.TrashID); err != nil {
			return nil, types.Wrap(types.KindOf(err), err, "emptied %d of %d items", purged, len(items))
		}
		purged++
	}
	s.audit(p.UserID, "trash_emptied", fmt.Sprintf("%d items", purged))
	return map[string]int{"purged": purged}, nil
}

func (s *Server) nodeGet(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args NodeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, args.Kind, args.ID); err != nil {
		return nil, err
	}
	switch args.Kind {
	case types.KindPlatform:
		return s.store.GetPlatform(ctx, args.ID)
	case types.KindProject:
		return s.store.GetProject(ctx, args.ID)
	case types.KindFolder:
		return s.store.GetFolder(ctx, args.ID)
	case types.KindFile:
		return s.store.GetFile(ctx, args.ID)
	case types.KindTM:
		return s.store.GetTM(ctx, args.ID)
	}
	return nil, types.E(types.KindInvalidArgument, "unknown item kind %q", args.Kind)
}

func (s *Server) fileUpload(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args FileUploadArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkProject(ctx, p, args.ProjectID); err != nil {
		return nil, err
	}
	c, err := codec.For(args.Format)
	if err != nil {
		return nil, err
	}
	rows, err := c.Read(strings.NewReader(args.Content))
	if err != nil {
		return nil, err
	}
	file := &types.File{Name: args.Name, ProjectID: args.ProjectID, FolderID: args.FolderID, Format: args.Format}

	if len(rows) <= UploadSyncRowLimit {
		err := s.store.RunInTx(ctx, func(tx storage.Tx) error {
			if err := tx.CreateFile(ctx, file); err != nil {
				return err
			}
			return tx.BulkUpsertRows(ctx, file.ID, rows)
		})
		if err != nil {
			return nil, err
		}
		file.RowCount = len(rows)
		s.audit(p.UserID, "file_uploaded", fmt.Sprintf("%s (%d rows)", file.Name, len(rows)))
		return file, nil
	}

	// Large uploads: create the file inline so the caller has its id, then
	// load rows as a tracked operation.
	if err := s.store.CreateFile(ctx, file); err != nil {
		return nil, err
	}
	op, err := s.sched.Submit(p.UserID, types.ClassUpload, fmt.Sprintf("Upload %s", file.Name), func(ctx context.Context, pr *ops.Progress) (string, error) {
		for done := 0; done < len(rows); done += uploadBatchSize {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			end := done + uploadBatchSize
			if end > len(rows) {
				end = len(rows)
			}
			if err := s.store.BulkUpsertRows(ctx, file.ID, rows[done:end]); err != nil {
				return "", err
			}
			pr.Report(float64(end)/float64(len(rows))*100, fmt.Sprintf("%d/%d rows", end, len(rows)))
		}
		b, _ := json.Marshal(map[string]interface{}{"file_id": file.ID, "rows": len(rows)})
		return string(b), nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(p.UserID, "file_upload_started", fmt.Sprintf("%s (%d rows, op %s)", file.Name, len(rows), op.OpID))
	return map[string]interface{}{"file": file, "operation": op}, nil
}

func (s *Server) fileDownload(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args FileDownloadArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	file, err := s.store.GetFile(ctx, args.FileID)
	if err != nil {
		return nil, err
	}
	if err := s.checkProject(ctx, p, file.ProjectID); err != nil {
		return nil, err
	}
	format := file.Format
	if args.Format != nil {
		format = *args.Format
	}
	c, err := codec.For(format)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListRows(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := c.Write(&buf, rows); err != nil {
		return nil, err
	}
	return &FileDownloadResult{Name: file.Name, Format: format, Content: buf.String()}, nil
}

// checkRows gates row access through the rows' files, one capability check
// per distinct file.
func (s *Server) checkRows(ctx context.Context, p *capability.Principal, rowIDs []int64) error {
	checked := make(map[int64]bool)
	for _, id := range rowIDs {
		row, err := s.store.GetRow(ctx, id)
		if err != nil {
			return err
		}
		if checked[row.FileID] {
			continue
		}
		if err := s.checkNode(ctx, p, types.KindFile, row.FileID); err != nil {
			return err
		}
		checked[row.FileID] = true
	}
	return nil
}

func (s *Server) rowList(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args RowListArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, types.KindFile, args.FileID); err != nil {
		return nil, err
	}
	return s.store.ListRows(ctx, args.FileID)
}

func (s *Server) rowGet(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args RowGetArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	row, err := s.store.GetRow(ctx, args.RowID)
	if err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, types.KindFile, row.FileID); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Server) rowEdit(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args RowEditArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	row, err := s.store.GetRow(ctx, args.RowID)
	if err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, types.KindFile, row.FileID); err != nil {
		return nil, err
	}
	if err := s.store.EditRow(ctx, args.RowID, args.Patch); err != nil {
		return nil, err
	}
	return s.store.GetRow(ctx, args.RowID)
}

func (s *Server) rowBulkEdit(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args RowBulkEditArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if len(args.RowIDs) == 0 {
		return nil, types.E(types.KindInvalidArgument, "no rows to edit")
	}
	if err := s.checkRows(ctx, p, args.RowIDs); err != nil {
		return nil, err
	}

	if len(args.RowIDs) <= BulkEditSyncLimit {
		err := s.store.RunInTx(ctx, func(tx storage.Tx) error {
			for _, id := range args.RowIDs {
				if err := tx.EditRow(ctx, id, args.Patch); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &RowBulkEditResult{Edited: len(args.RowIDs)}, nil
	}

	ids := args.RowIDs
	patch := args.Patch
	op, err := s.sched.Submit(p.UserID, types.ClassBulkEdit, fmt.Sprintf("Bulk edit %d rows", len(ids)), func(ctx context.Context, pr *ops.Progress) (string, error) {
		for i, id := range ids {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if err := s.store.EditRow(ctx, id, patch); err != nil {
				return "", err
			}
			if (i+1)%bulkEditProgressEvery == 0 || i+1 == len(ids) {
				pr.Report(float64(i+1)/float64(len(ids))*100, fmt.Sprintf("%d/%d rows", i+1, len(ids)))
			}
		}
		b, _ := json.Marshal(&RowBulkEditResult{Edited: len(ids)})
		return string(b), nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Server) rowBulkUpsert(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args RowBulkUpsertArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, types.KindFile, args.FileID); err != nil {
		return nil, err
	}
	if err := s.store.BulkUpsertRows(ctx, args.FileID, args.Rows); err != nil {
		return nil, err
	}
	return &RowBulkUpsertResult{Upserted: len(args.Rows)}, nil
}

func (s *Server) tmCreate(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args TMCreateArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.ProjectID != nil {
		if err := s.checkProject(ctx, p, *args.ProjectID); err != nil {
			return nil, err
		}
	}
	memory := &types.TM{
		Name:        args.Name,
		ProjectID:   args.ProjectID,
		SourceLang:  args.SourceLang,
		TargetLang:  args.TargetLang,
		Description: args.Description,
	}
	if err := s.store.CreateTM(ctx, memory); err != nil {
		return nil, err
	}
	s.audit(p.UserID, "tm_created", memory.Name)
	return memory, nil
}

func (s *Server) tmImport(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args TMImportArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, types.KindTM, args.TMID); err != nil {
		return nil, err
	}
	pairs := make([]*tm.Entry, len(args.Pairs))
	for i, pair := range args.Pairs {
		pairs[i] = tm.NewEntry(pair.Source, pair.Target)
	}

	if len(pairs) <= TMImportSyncLimit {
		added, err := s.tms.ImportEntries(ctx, args.TMID, pairs)
		if err != nil {
			return nil, err
		}
		s.audit(p.UserID, "tm_imported", fmt.Sprintf("tm %d: %d pairs, %d new", args.TMID, len(pairs), added))
		return &TMImportResult{Added: added}, nil
	}

	tmID := args.TMID
	op, err := s.sched.Submit(p.UserID, types.ClassIndexing, fmt.Sprintf("Import %d TM entries", len(pairs)), func(ctx context.Context, pr *ops.Progress) (string, error) {
		pr.Report(10, "importing entries")
		added, err := s.tms.ImportEntries(ctx, tmID, pairs)
		if err != nil {
			return "", err
		}
		b, _ := json.Marshal(&TMImportResult{Added: added})
		return string(b), nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Server) tmActivate(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args TMActivateArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, types.KindTM, args.TMID); err != nil {
		return nil, err
	}
	if err := s.tms.SetActive(ctx, p.UserID, args.TMID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// resolveTM picks the explicit TM when given, else the caller's active
// one, and gates it like any other node.
func (s *Server) resolveTM(ctx context.Context, p *capability.Principal, explicit *int64) (int64, error) {
	tmID := int64(0)
	if explicit != nil {
		tmID = *explicit
	} else {
		active, err := s.tms.Active(p.UserID)
		if err != nil {
			return 0, err
		}
		tmID = active
	}
	if err := s.checkNode(ctx, p, types.KindTM, tmID); err != nil {
		return 0, err
	}
	return tmID, nil
}

func (s *Server) tmLookup(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args TMLookupArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	tmID, err := s.resolveTM(ctx, p, args.TMID)
	if err != nil {
		return nil, err
	}
	match, err := s.tms.Lookup(ctx, tmID, args.Text)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"match": match}, nil
}

func (s *Server) tmSearch(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args TMSearchArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	tmID, err := s.resolveTM(ctx, p, args.TMID)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}
	matches := s.tms.Search(ctx, tmID, args.Text, limit, args.MinScore)
	return map[string]interface{}{"matches": matches}, nil
}

func (s *Server) tmPretranslate(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args TMPretranslateArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	file, err := s.store.GetFile(ctx, args.FileID)
	if err != nil {
		return nil, err
	}
	if err := s.checkProject(ctx, p, file.ProjectID); err != nil {
		return nil, err
	}
	tmID, err := s.resolveTM(ctx, p, args.TMID)
	if err != nil {
		return nil, err
	}
	fileID := args.FileID
	op, err := s.sched.Submit(p.UserID, types.ClassPretranslation, fmt.Sprintf("Pre-translate %s", file.Name), func(ctx context.Context, pr *ops.Progress) (string, error) {
		res, err := s.tms.Pretranslate(ctx, s.store, fileID, tmID, tm.PretranslateOptions{
			Progress: func(done, total int, step string) {
				if total > 0 {
					pr.Report(float64(done)/float64(total)*100, step)
				}
			},
		})
		if err != nil {
			return "", err
		}
		b, _ := json.Marshal(res)
		return string(b), nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(p.UserID, "pretranslation_started", fmt.Sprintf("file %d with tm %d (op %s)", fileID, tmID, op.OpID))
	return op, nil
}

func (s *Server) tmDelete(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args TMDeleteArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, types.KindTM, args.TMID); err != nil {
		return nil, err
	}
	if err := s.store.DeleteTM(ctx, args.TMID); err != nil {
		return nil, err
	}
	s.tms.DropIndexes(args.TMID)
	s.audit(p.UserID, "tm_deleted", fmt.Sprintf("tm %d", args.TMID))
	return struct{}{}, nil
}

func (s *Server) tmListEntries(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args TMListEntriesArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, types.KindTM, args.TMID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, args.TMID)
}

func (s *Server) opsList(p *capability.Principal) []*types.Operation {
	if p.IsAdmin() {
		return s.sched.List("")
	}
	return s.sched.List(p.UserID)
}

// opForPrincipal fetches an op the caller may see: admins see all,
// everyone else only their own.
func (s *Server) opForPrincipal(p *capability.Principal, opID string) (*types.Operation, error) {
	op, err := s.sched.Get(opID)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && op.UserID != p.UserID {
		return nil, types.E(types.KindForbidden, "operation %s belongs to another user", opID)
	}
	return op, nil
}

func (s *Server) opsGet(p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args OpArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return s.opForPrincipal(p, args.OpID)
}

func (s *Server) opsCancel(p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args OpArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if _, err := s.opForPrincipal(p, args.OpID); err != nil {
		return nil, err
	}
	if err := s.sched.Cancel(args.OpID); err != nil {
		return nil, err
	}
	s.audit(p.UserID, "operation_cancelled", args.OpID)
	return struct{}{}, nil
}

// requireSync gates the sync area on a configured sync engine; servers in
// authoritative mode run without one.
func (s *Server) requireSync() error {
	if s.sync == nil {
		return types.E(types.KindPrecondition, "sync is not configured on this server")
	}
	return nil
}

func (s *Server) syncSubscribe(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	var args SyncSubscribeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	sub, res, err := s.sync.Subscribe(ctx, p.UserID, args.Kind, args.ItemID)
	if err != nil && sub == nil {
		return nil, err
	}
	out := map[string]interface{}{"subscription": sub, "pull": res}
	if err != nil {
		// The subscription stands; the snapshot pull is retried on the
		// next poll.
		out["pull_error"] = err.Error()
	}
	return out, nil
}

func (s *Server) syncUnsubscribe(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	var args SyncUnsubscribeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return struct{}{}, s.sync.Unsubscribe(ctx, args.SubscriptionID)
}

func (s *Server) syncList(ctx context.Context, p *capability.Principal) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	return s.sync.Subscriptions(ctx, p.UserID)
}

func (s *Server) syncPush(p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args SyncPushArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	op, err := s.sync.PushTracked(s.sched, p.UserID, args.FileID, args.DestProjectID)
	if err != nil {
		return nil, err
	}
	s.audit(p.UserID, "push_started", fmt.Sprintf("file %d -> project %d (op %s)", args.FileID, args.DestProjectID, op.OpID))
	return op, nil
}

func (s *Server) syncPull(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	var args SyncPullArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	subs, err := s.sync.Subscriptions(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.ID == args.SubscriptionID {
			return s.sync.Pull(ctx, sub)
		}
	}
	return nil, types.E(types.KindNotFound, "subscription %d", args.SubscriptionID)
}

// syncChanges serves the central side of delta sync: a remote local
// instance asks for everything newer than its high-water mark. This reads
// the server's own store, so it works in authoritative mode where no sync
// engine is configured.
func (s *Server) syncChanges(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args SyncChangesArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNode(ctx, p, args.ItemType, args.ItemID); err != nil {
		return nil, err
	}
	sub := &types.SyncSubscription{UserID: p.UserID, ItemType: args.ItemType, ItemID: args.ItemID}
	return s.store.ChangesSince(ctx, sub, args.SinceVersion)
}

func (s *Server) offlineEmptyTrash(ctx context.Context, p *capability.Principal) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	if err := capability.RequireAdmin(p); err != nil {
		return nil, err
	}
	report := s.sync.EmptyTrash(ctx)
	s.audit(p.UserID, "both_trashes_emptied", fmt.Sprintf("purged %v failed %v", report.Purged, report.Failed))
	return report, nil
}

func (s *Server) sessionOpen(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args SessionOpenArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.SessionID == "" {
		return nil, types.E(types.KindInvalidArgument, "missing session_id")
	}
	session := &types.Session{SessionID: args.SessionID, UserID: p.UserID, MachineID: args.MachineID}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Server) sessionHeartbeat(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args SessionOpenArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return struct{}{}, s.store.Heartbeat(ctx, args.SessionID, time.Now().UTC())
}

func (s *Server) configGet(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireAdmin(p); err != nil {
		return nil, err
	}
	var args ConfigArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	value, err := s.store.GetConfig(ctx, args.Key)
	if err != nil {
		return nil, err
	}
	return map[string]string{"key": args.Key, "value": value}, nil
}

func (s *Server) configSet(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireAdmin(p); err != nil {
		return nil, err
	}
	var args ConfigArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.store.SetConfig(ctx, args.Key, args.Value); err != nil {
		return nil, err
	}
	s.audit(p.UserID, "config_set", args.Key)
	return struct{}{}, nil
}
