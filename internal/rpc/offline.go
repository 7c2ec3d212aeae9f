package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/locstore/ldm/internal/capability"
	"github.com/locstore/ldm/internal/types"
)

// Offline Storage operations. These address the local sandbox platform by
// project name instead of numeric ids, so clients can write offline without
// first resolving hierarchy ids; every node they touch must live under the
// sandbox.

// checkOffline verifies a node sits inside the Offline Storage sandbox.
func (s *Server) checkOffline(ctx context.Context, kind types.ItemKind, id int64) error {
	var projectID int64
	switch kind {
	case types.KindProject:
		projectID = id
	case types.KindFolder:
		folder, err := s.store.GetFolder(ctx, id)
		if err != nil {
			return err
		}
		projectID = folder.ProjectID
	case types.KindFile:
		file, err := s.store.GetFile(ctx, id)
		if err != nil {
			return err
		}
		projectID = file.ProjectID
	default:
		return types.E(types.KindInvalidArgument, "%s is not an offline-storage node", kind)
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.PlatformID == nil {
		return types.E(types.KindInvalidArgument, "project %q is outside offline storage", project.Name)
	}
	platform, err := s.store.GetPlatform(ctx, *project.PlatformID)
	if err != nil {
		return err
	}
	if !platform.IsOfflineSandbox {
		return types.E(types.KindInvalidArgument, "project %q is outside offline storage", project.Name)
	}
	return nil
}

func (s *Server) offlineList(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	var args OfflineListArgs
	if len(raw) > 0 {
		if err := decode(raw, &args); err != nil {
			return nil, err
		}
	}
	if args.Project == "" {
		sandbox, err := s.sync.EnsureOfflineSandbox(ctx)
		if err != nil {
			return nil, err
		}
		return s.store.ListChildren(ctx, types.NodeRef{Kind: types.KindPlatform, ID: sandbox.ID})
	}
	project, err := s.sync.OfflineProject(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	return s.store.ListChildren(ctx, types.NodeRef{Kind: types.KindProject, ID: project.ID})
}

func (s *Server) offlineCreateFolder(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args OfflineCreateFolderArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.Project == "" {
		return nil, types.E(types.KindInvalidArgument, "missing project")
	}
	project, err := s.sync.OfflineProject(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	if args.ParentFolderID != nil {
		parent, err := s.store.GetFolder(ctx, *args.ParentFolderID)
		if err != nil {
			return nil, err
		}
		if parent.ProjectID != project.ID {
			return nil, types.E(types.KindInvalidArgument, "parent folder %d is outside project %q", parent.ID, project.Name)
		}
	}
	folder := &types.Folder{Name: args.Name, ProjectID: project.ID, ParentFolderID: args.ParentFolderID}
	if err := s.store.CreateFolder(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// offlineUpload resolves the sandbox project and delegates to the regular
// upload path, so the sync-size threshold and tracked-op behavior match.
func (s *Server) offlineUpload(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args OfflineUploadArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.Project == "" {
		return nil, types.E(types.KindInvalidArgument, "missing project")
	}
	project, err := s.sync.OfflineProject(ctx, args.Project)
	if err != nil {
		return nil, err
	}
	if args.FolderID != nil {
		if err := s.checkOffline(ctx, types.KindFolder, *args.FolderID); err != nil {
			return nil, err
		}
	}
	upload, err := json.Marshal(&FileUploadArgs{
		Name:      args.Name,
		ProjectID: project.ID,
		FolderID:  args.FolderID,
		Format:    args.Format,
		Content:   args.Content,
	})
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "encoding upload args")
	}
	return s.fileUpload(ctx, p, upload)
}

func (s *Server) offlineMove(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args MoveArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkOffline(ctx, args.Kind, args.ID); err != nil {
		return nil, err
	}
	if args.NewParent.Kind != "" {
		if err := s.checkOffline(ctx, args.NewParent.Kind, args.NewParent.ID); err != nil {
			return nil, err
		}
	}
	return struct{}{}, s.store.Move(ctx, args.Kind, args.ID, args.NewParent)
}

func (s *Server) offlineRename(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args RenameArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkOffline(ctx, args.Kind, args.ID); err != nil {
		return nil, err
	}
	return struct{}{}, s.store.Rename(ctx, args.Kind, args.ID, args.NewName)
}

func (s *Server) offlineDelete(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := s.requireSync(); err != nil {
		return nil, err
	}
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args NodeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkOffline(ctx, args.Kind, args.ID); err != nil {
		return nil, err
	}
	trashID, err := s.store.SoftDelete(ctx, args.Kind, args.ID, p.UserID)
	if err != nil {
		return nil, err
	}
	s.audit(p.UserID, "offline_deleted", fmt.Sprintf("%s %d", args.Kind, args.ID))
	return map[string]int64{"trash_id": trashID}, nil
}
