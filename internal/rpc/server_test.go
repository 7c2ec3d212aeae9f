package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/capability"
	"github.com/locstore/ldm/internal/ops"
	"github.com/locstore/ldm/internal/storage/sqlite"
	"github.com/locstore/ldm/internal/tm"
	"github.com/locstore/ldm/internal/types"
)

const (
	adminToken    = "admin-token"
	userToken     = "user-token"
	readonlyToken = "ro-token"
)

func newTestServer(t *testing.T) (*Server, *ops.Bus) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), t.TempDir()+"/ldm.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := ops.NewBus(time.Hour)
	cfg := ops.DefaultConfig()
	cfg.Retention = time.Hour
	sched := ops.NewScheduler(cfg, bus, nil, nil)
	t.Cleanup(sched.Close)

	engine := tm.NewEngine(store, t.TempDir(), tm.DefaultConfig(), tm.NewFastEmbedder(), tm.NewDeepEmbedder(), nil)

	resolver, err := capability.NewResolver([]capability.TokenEntry{
		{Token: adminToken, UserID: "admin", Role: capability.RoleAdmin},
		{Token: userToken, UserID: "erin", Role: capability.RoleUser},
		{Token: readonlyToken, UserID: "viewer", Role: capability.RoleReadonly},
	})
	require.NoError(t, err)

	return NewServer(store, engine, sched, bus, nil, resolver, nil, nil), bus
}

func doCall(t *testing.T, s *Server, token, operation string, args interface{}) *Response {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		raw = b
	}
	return s.Handle(context.Background(), &Request{Operation: operation, Args: raw, Token: token})
}

func decodeData(t *testing.T, resp *Response, into interface{}) {
	t.Helper()
	require.True(t, resp.Success, "call failed: %s (%s)", resp.Error, resp.ErrorKind)
	require.NoError(t, json.Unmarshal(resp.Data, into))
}

// seedProject creates platform "PC" > project "Game" > folder "Quests" and
// uploads q.tsv with three rows into the folder.
func seedProject(t *testing.T, s *Server) (platform types.Platform, project types.Project, folder types.Folder, file types.File) {
	t.Helper()
	decodeData(t, doCall(t, s, adminToken, OpCreatePlatform, &CreatePlatformArgs{Name: "PC"}), &platform)
	decodeData(t, doCall(t, s, adminToken, OpCreateProject, &CreateProjectArgs{Name: "Game", PlatformID: &platform.ID}), &project)
	decodeData(t, doCall(t, s, adminToken, OpCreateFolder, &CreateFolderArgs{Name: "Quests", ProjectID: project.ID}), &folder)
	decodeData(t, doCall(t, s, userToken, OpFileUpload, &FileUploadArgs{
		Name:      "q.tsv",
		ProjectID: project.ID,
		FolderID:  &folder.ID,
		Format:    types.FormatTSV,
		Content:   "기습\tAmbush\n낯선 땅\tStrange Lands\nx\t\n",
	}), &file)
	return platform, project, folder, file
}

func TestUnknownOperationFailsWithInvalidArgument(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doCall(t, s, adminToken, "hierarchy.teleport", nil)
	assert.False(t, resp.Success)
	assert.Equal(t, types.KindInvalidArgument, resp.ErrorKind)
}

func TestUnknownTokenFailsUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doCall(t, s, "who-dis", OpListChildren, nil)
	assert.Equal(t, types.KindUnauthenticated, resp.ErrorKind)
}

func TestReadonlyCannotMutate(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, _ := seedProject(t, s)
	resp := doCall(t, s, readonlyToken, OpCreateFolder, &CreateFolderArgs{Name: "Drafts", ProjectID: project.ID})
	assert.Equal(t, types.KindForbidden, resp.ErrorKind)
}

// seedRestricted creates a restricted project with one secret row, owned
// by admin and granted to nobody else.
func seedRestricted(t *testing.T, s *Server) (types.Project, types.File, []*types.Row) {
	t.Helper()
	var project types.Project
	decodeData(t, doCall(t, s, adminToken, OpCreateProject, &CreateProjectArgs{Name: "Unannounced", IsRestricted: true}), &project)
	var file types.File
	decodeData(t, doCall(t, s, adminToken, OpFileUpload, &FileUploadArgs{
		Name: "secret.tsv", ProjectID: project.ID, Format: types.FormatTSV,
		Content: "codename\tAurora\n",
	}), &file)
	var rows []*types.Row
	decodeData(t, doCall(t, s, adminToken, OpRowList, &RowListArgs{FileID: file.ID}), &rows)
	require.Len(t, rows, 1)
	return project, file, rows
}

func TestRestrictedProjectGatesRowSurface(t *testing.T) {
	s, _ := newTestServer(t)
	_, file, rows := seedRestricted(t, s)

	assert.Equal(t, types.KindForbidden,
		doCall(t, s, userToken, OpNodeGet, &NodeArgs{Kind: types.KindFile, ID: file.ID}).ErrorKind)
	assert.Equal(t, types.KindForbidden,
		doCall(t, s, userToken, OpRowList, &RowListArgs{FileID: file.ID}).ErrorKind)
	assert.Equal(t, types.KindForbidden,
		doCall(t, s, userToken, OpRowGet, &RowGetArgs{RowID: rows[0].ID}).ErrorKind)

	leak := "leaked"
	assert.Equal(t, types.KindForbidden,
		doCall(t, s, userToken, OpRowEdit, &RowEditArgs{RowID: rows[0].ID, Patch: types.RowPatch{Target: &leak}}).ErrorKind)
	assert.Equal(t, types.KindForbidden,
		doCall(t, s, userToken, OpRowBulkEdit, &RowBulkEditArgs{RowIDs: []int64{rows[0].ID}, Patch: types.RowPatch{Target: &leak}}).ErrorKind)
	assert.Equal(t, types.KindForbidden,
		doCall(t, s, userToken, OpRowBulkUpsert, &RowBulkUpsertArgs{FileID: file.ID, Rows: []*types.Row{{Index: 2, Source: "x"}}}).ErrorKind)

	// The row is untouched and still readable by the owner.
	var got types.Row
	decodeData(t, doCall(t, s, adminToken, OpRowGet, &RowGetArgs{RowID: rows[0].ID}), &got)
	assert.Equal(t, "Aurora", got.Target)
}

func TestRestrictedProjectGatesTMSurface(t *testing.T) {
	s, _ := newTestServer(t)
	project, _, _ := seedRestricted(t, s)

	resp := doCall(t, s, userToken, OpTMCreate, &TMCreateArgs{
		Name: "secret-tm", ProjectID: &project.ID, SourceLang: "ko", TargetLang: "en",
	})
	assert.Equal(t, types.KindForbidden, resp.ErrorKind)

	var memory types.TM
	decodeData(t, doCall(t, s, adminToken, OpTMCreate, &TMCreateArgs{
		Name: "secret-tm", ProjectID: &project.ID, SourceLang: "ko", TargetLang: "en",
	}), &memory)
	require.True(t, doCall(t, s, adminToken, OpTMImport, &TMImportArgs{
		TMID: memory.ID, Pairs: []TMPair{{Source: "codename", Target: "Aurora"}},
	}).Success)

	for op, args := range map[string]interface{}{
		OpTMImport:      &TMImportArgs{TMID: memory.ID, Pairs: []TMPair{{Source: "a", Target: "b"}}},
		OpTMActivate:    &TMActivateArgs{TMID: memory.ID},
		OpTMLookup:      &TMLookupArgs{TMID: &memory.ID, Text: "codename"},
		OpTMSearch:      &TMSearchArgs{TMID: &memory.ID, Text: "codename"},
		OpTMListEntries: &TMListEntriesArgs{TMID: memory.ID},
		OpTMDelete:      &TMDeleteArgs{TMID: memory.ID},
	} {
		assert.Equal(t, types.KindForbidden, doCall(t, s, userToken, op, args).ErrorKind, op)
	}
}

func TestCreatePlatformNeedsAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doCall(t, s, userToken, OpCreatePlatform, &CreatePlatformArgs{Name: "Mobile"})
	assert.Equal(t, types.KindForbidden, resp.ErrorKind)
}

func TestUploadThenMoveToProjectRoot(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, file := seedProject(t, s)
	assert.Equal(t, 3, file.RowCount)

	resp := doCall(t, s, userToken, OpMove, &MoveArgs{
		Kind: types.KindFile, ID: file.ID,
		NewParent: types.NodeRef{Kind: types.KindProject, ID: project.ID},
	})
	require.True(t, resp.Success, resp.Error)

	var moved types.File
	decodeData(t, doCall(t, s, userToken, OpNodeGet, &NodeArgs{Kind: types.KindFile, ID: file.ID}), &moved)
	assert.Nil(t, moved.FolderID)
	assert.Equal(t, project.ID, moved.ProjectID)
	assert.Equal(t, 3, moved.RowCount)

	var rows []*types.Row
	decodeData(t, doCall(t, s, userToken, OpRowList, &RowListArgs{FileID: file.ID}), &rows)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, i+1, row.Index)
	}
	assert.Equal(t, "기습", rows[0].Source)
}

func TestDownloadRoundTripsContent(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, _, file := seedProject(t, s)

	var res FileDownloadResult
	decodeData(t, doCall(t, s, userToken, OpFileDownload, &FileDownloadArgs{FileID: file.ID}), &res)
	assert.Equal(t, "기습\tAmbush\n낯선 땅\tStrange Lands\nx\t\n", res.Content)
}

func TestSoftDeleteHidesFromLiveTree(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, _ := seedProject(t, s)

	var deleted struct {
		TrashID int64 `json:"trash_id"`
	}
	resp := doCall(t, s, userToken, OpSoftDelete, &NodeArgs{Kind: types.KindProject, ID: project.ID})
	decodeData(t, resp, &deleted)

	get := doCall(t, s, userToken, OpNodeGet, &NodeArgs{Kind: types.KindProject, ID: project.ID})
	assert.Equal(t, types.KindNotFound, get.ErrorKind)

	var items []*types.TrashItem
	decodeData(t, doCall(t, s, adminToken, OpListTrash, nil), &items)
	require.Len(t, items, 1)
	assert.Equal(t, types.KindProject, items[0].ItemType)

	restore := doCall(t, s, userToken, OpRestore, &TrashArgs{TrashID: deleted.TrashID})
	require.True(t, restore.Success, restore.Error)

	var back types.Project
	decodeData(t, doCall(t, s, userToken, OpNodeGet, &NodeArgs{Kind: types.KindProject, ID: project.ID}), &back)
	assert.Equal(t, "Game", back.Name)
}

func TestRowBulkUpsertWritesRows(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, _, file := seedProject(t, s)

	var res RowBulkUpsertResult
	decodeData(t, doCall(t, s, userToken, OpRowBulkUpsert, &RowBulkUpsertArgs{
		FileID: file.ID,
		Rows: []*types.Row{
			{Index: 4, Source: "보스", Target: "Boss", Status: types.StatusTranslated},
		},
	}), &res)
	assert.Equal(t, 1, res.Upserted)

	var got types.File
	decodeData(t, doCall(t, s, userToken, OpNodeGet, &NodeArgs{Kind: types.KindFile, ID: file.ID}), &got)
	assert.Equal(t, 4, got.RowCount)
}

func TestTMLookupCascadeOverWire(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, _ := seedProject(t, s)

	var memory types.TM
	decodeData(t, doCall(t, s, userToken, OpTMCreate, &TMCreateArgs{
		Name: "main", ProjectID: &project.ID, SourceLang: "ko", TargetLang: "en",
	}), &memory)

	var imported TMImportResult
	decodeData(t, doCall(t, s, userToken, OpTMImport, &TMImportArgs{
		TMID:  memory.ID,
		Pairs: []TMPair{{Source: "기습", Target: "Ambush"}},
	}), &imported)
	assert.Equal(t, 1, imported.Added)

	require.True(t, doCall(t, s, userToken, OpTMActivate, &TMActivateArgs{TMID: memory.ID}).Success)

	var looked struct {
		Match *types.Match `json:"match"`
	}
	decodeData(t, doCall(t, s, userToken, OpTMLookup, &TMLookupArgs{Text: "기습"}), &looked)
	require.NotNil(t, looked.Match)
	assert.Equal(t, types.TierExact, looked.Match.Tier)
	assert.Equal(t, "Ambush", looked.Match.Target)
}

func TestTMLookupWithoutActiveTMIsPrecondition(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doCall(t, s, userToken, OpTMLookup, &TMLookupArgs{Text: "기습"})
	assert.Equal(t, types.KindPrecondition, resp.ErrorKind)
}

func TestPretranslateRunsAsTrackedOperation(t *testing.T) {
	s, bus := newTestServer(t)
	_, project, _, file := seedProject(t, s)

	var memory types.TM
	decodeData(t, doCall(t, s, userToken, OpTMCreate, &TMCreateArgs{
		Name: "main", ProjectID: &project.ID, SourceLang: "ko", TargetLang: "en",
	}), &memory)
	var imported TMImportResult
	decodeData(t, doCall(t, s, userToken, OpTMImport, &TMImportArgs{
		TMID:  memory.ID,
		Pairs: []TMPair{{Source: "x", Target: "X marks the spot"}},
	}), &imported)

	var op types.Operation
	decodeData(t, doCall(t, s, userToken, OpTMPretranslate, &TMPretranslateArgs{FileID: file.ID, TMID: &memory.ID}), &op)
	require.NotEmpty(t, op.OpID)

	waitTerminal(t, bus, op.OpID)

	var done types.Operation
	decodeData(t, doCall(t, s, userToken, OpOpsGet, &OpArgs{OpID: op.OpID}), &done)
	assert.Equal(t, types.OpCompleted, done.State)
	assert.InDelta(t, 100, done.Progress, 0.01)

	var rows []*types.Row
	decodeData(t, doCall(t, s, userToken, OpRowList, &RowListArgs{FileID: file.ID}), &rows)
	require.Len(t, rows, 3)
	// Row 3 ("x") was pending and matches exactly; rows 1-2 arrived
	// already translated and are untouched.
	assert.Equal(t, "X marks the spot", rows[2].Target)
	assert.Equal(t, types.StatusTranslated, rows[2].Status)
}

func TestOpsAreScopedToOwner(t *testing.T) {
	s, bus := newTestServer(t)
	_, project, _, file := seedProject(t, s)

	var memory types.TM
	decodeData(t, doCall(t, s, userToken, OpTMCreate, &TMCreateArgs{
		Name: "main", ProjectID: &project.ID, SourceLang: "ko", TargetLang: "en",
	}), &memory)
	var op types.Operation
	decodeData(t, doCall(t, s, userToken, OpTMPretranslate, &TMPretranslateArgs{FileID: file.ID, TMID: &memory.ID}), &op)
	waitTerminal(t, bus, op.OpID)

	// The readonly principal is a different user and cannot see it; the
	// admin can.
	resp := doCall(t, s, readonlyToken, OpOpsGet, &OpArgs{OpID: op.OpID})
	assert.Equal(t, types.KindForbidden, resp.ErrorKind)
	var got types.Operation
	decodeData(t, doCall(t, s, adminToken, OpOpsGet, &OpArgs{OpID: op.OpID}), &got)
	assert.Equal(t, op.OpID, got.OpID)
}

func TestSyncChangesServesDelta(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, file := seedProject(t, s)

	var delta types.Delta
	decodeData(t, doCall(t, s, userToken, OpSyncChanges, &SyncChangesArgs{
		ItemType: types.KindProject, ItemID: project.ID, SinceVersion: 0,
	}), &delta)
	require.NotEmpty(t, delta.Files)
	assert.Equal(t, file.ID, delta.Files[0].ID)
	assert.Greater(t, delta.MaxVersion, int64(0))

	// Nothing changed since the high-water mark.
	var empty types.Delta
	decodeData(t, doCall(t, s, userToken, OpSyncChanges, &SyncChangesArgs{
		ItemType: types.KindProject, ItemID: project.ID, SinceVersion: delta.MaxVersion,
	}), &empty)
	assert.Empty(t, empty.Files)
	assert.Empty(t, empty.Rows)
}

func TestSyncAreaWithoutEngineIsPrecondition(t *testing.T) {
	s, _ := newTestServer(t)
	resp := doCall(t, s, userToken, OpSyncList, nil)
	assert.Equal(t, types.KindPrecondition, resp.ErrorKind)
}

// waitTerminal blocks until the op publishes a terminal update.
func waitTerminal(t *testing.T, bus *ops.Bus, opID string) {
	t.Helper()
	if u, ok := bus.Latest(opID); ok && u.State.Terminal() {
		return
	}
	sub := bus.SubscribeOps(opID)
	defer sub.Close()
	if u, ok := bus.Latest(opID); ok && u.State.Terminal() {
		return
	}
	deadline := time.After(10 * time.Second)
	for {
		select {
		case u := <-sub.C:
			if u.State.Terminal() {
				return
			}
		case <-deadline:
			t.Fatalf("operation %s did not finish", opID)
		}
	}
}
