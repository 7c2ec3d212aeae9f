package syncer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/storage/sqlite"
	"github.com/locstore/ldm/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store, *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	central, err := sqlite.Open(ctx, t.TempDir()+"/central.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = central.Close() })
	local, err := sqlite.Open(ctx, t.TempDir()+"/local.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	return NewEngine(central, local, nil), central, local
}

// seedCentral builds platform "PC" > project "Game" > file "q.txt" with
// three rows, one of them carrying markup that must survive byte-exactly.
func seedCentral(t *testing.T, central *sqlite.Store) (*types.Project, *types.File) {
	t.Helper()
	ctx := context.Background()
	platform := &types.Platform{Name: "PC"}
	require.NoError(t, central.CreatePlatform(ctx, platform))
	project := &types.Project{Name: "Game", PlatformID: &platform.ID}
	require.NoError(t, central.CreateProject(ctx, project))
	file := &types.File{Name: "q.txt", ProjectID: project.ID, Format: types.FormatTXT}
	require.NoError(t, central.CreateFile(ctx, file))
	require.NoError(t, central.BulkUpsertRows(ctx, file.ID, []*types.Row{
		{Index: 1, Source: "기습", Target: "Ambush", Status: types.StatusTranslated},
		{Index: 2, Source: "첫째 줄<br/>둘째 줄", Target: "line one<br/>line two", Status: types.StatusTranslated},
		{Index: 3, Source: "x"},
	}))
	return project, file
}

func localFileByName(t *testing.T, local *sqlite.Store, name string) *types.File {
	t.Helper()
	ctx := context.Background()
	root, err := local.ListChildren(ctx, types.Root())
	require.NoError(t, err)
	var projects []*types.Project
	projects = append(projects, root.Projects...)
	for _, p := range root.Platforms {
		children, err := local.ListChildren(ctx, types.NodeRef{Kind: types.KindPlatform, ID: p.ID})
		require.NoError(t, err)
		projects = append(projects, children.Projects...)
	}
	for _, p := range projects {
		children, err := local.ListChildren(ctx, types.NodeRef{Kind: types.KindProject, ID: p.ID})
		require.NoError(t, err)
		for _, f := range children.Files {
			if f.Name == name {
				return f
			}
		}
	}
	return nil
}

func TestSubscribeRunsSnapshot(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()
	project, _ := seedCentral(t, central)

	sub, res, err := e.Subscribe(ctx, "alice", types.KindProject, project.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.FilesSynced)
	assert.Equal(t, 3, res.RowsSynced)
	assert.Positive(t, res.MaxVersion)
	assert.Equal(t, res.MaxVersion, sub.LastVersion)

	mirrored := localFileByName(t, local, "q.txt")
	require.NotNil(t, mirrored, "file mirrored into the local store")
	rows, err := local.ListRows(ctx, mirrored.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "첫째 줄<br/>둘째 줄", rows[1].Source, "markup survives byte-exactly")
	assert.Equal(t, "line one<br/>line two", rows[1].Target)
}

func TestDeltaPullAppliesRowEdit(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()
	project, file := seedCentral(t, central)

	sub, _, err := e.Subscribe(ctx, "alice", types.KindProject, project.ID)
	require.NoError(t, err)

	// Edit one row centrally, then pull the delta.
	rows, err := central.ListRows(ctx, file.ID)
	require.NoError(t, err)
	target := "Surprise Attack"
	require.NoError(t, central.EditRow(ctx, rows[0].ID, types.RowPatch{Target: &target}))

	res, err := e.Pull(ctx, sub)
	require.NoError(t, err)
	assert.Positive(t, res.RowsSynced)

	mirrored := localFileByName(t, local, "q.txt")
	require.NotNil(t, mirrored)
	localRows, err := local.ListRows(ctx, mirrored.ID)
	require.NoError(t, err)
	assert.Equal(t, "Surprise Attack", localRows[0].Target)

	// No duplicate mirrors appeared.
	assert.Nil(t, localFileByName(t, local, "q.txt (2)"))
}

func TestDeltaPullIsIncremental(t *testing.T) {
	e, central, _ := newTestEngine(t)
	ctx := context.Background()
	project, _ := seedCentral(t, central)

	sub, _, err := e.Subscribe(ctx, "alice", types.KindProject, project.ID)
	require.NoError(t, err)

	res, err := e.Pull(ctx, sub)
	require.NoError(t, err)
	assert.Zero(t, res.FilesSynced, "no changes since the snapshot")
	assert.Zero(t, res.RowsSynced)
}

func TestDeltaPullAppliesTombstones(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()
	project, file := seedCentral(t, central)

	sub, _, err := e.Subscribe(ctx, "alice", types.KindProject, project.ID)
	require.NoError(t, err)

	_, err = central.SoftDelete(ctx, types.KindFile, file.ID, "admin")
	require.NoError(t, err)

	res, err := e.Pull(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tombstones)
	assert.Nil(t, localFileByName(t, local, "q.txt"), "mirror removed")

	trash, err := local.ListTrash(ctx)
	require.NoError(t, err)
	assert.Empty(t, trash, "mirror deletions do not clutter the local trash")
}

func TestSnapshotMirrorsFolderChain(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()
	project, _ := seedCentral(t, central)

	// Central: Game > ui > menus > pause.txt.
	ui := &types.Folder{Name: "ui", ProjectID: project.ID}
	require.NoError(t, central.CreateFolder(ctx, ui))
	menus := &types.Folder{Name: "menus", ProjectID: project.ID, ParentFolderID: &ui.ID}
	require.NoError(t, central.CreateFolder(ctx, menus))
	nested := &types.File{Name: "pause.txt", ProjectID: project.ID, FolderID: &menus.ID, Format: types.FormatTXT}
	require.NoError(t, central.CreateFile(ctx, nested))
	require.NoError(t, central.BulkUpsertRows(ctx, nested.ID, []*types.Row{
		{Index: 1, Source: "일시정지", Target: "Paused"},
	}))

	_, res, err := e.Subscribe(ctx, "alice", types.KindProject, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesSynced)

	mirrored := localFileByName(t, local, "pause.txt")
	require.NotNil(t, mirrored)
	require.NotNil(t, mirrored.FolderID, "nested file keeps its folder placement")

	// Walk the mirrored chain back up: menus, then ui at the project root.
	folder, err := local.GetFolder(ctx, *mirrored.FolderID)
	require.NoError(t, err)
	assert.Equal(t, "menus", folder.Name)
	require.NotNil(t, folder.ParentFolderID)
	parent, err := local.GetFolder(ctx, *folder.ParentFolderID)
	require.NoError(t, err)
	assert.Equal(t, "ui", parent.Name)
	assert.Nil(t, parent.ParentFolderID)

	// The root file still sits at the project root.
	flat := localFileByName(t, local, "q.txt")
	require.NotNil(t, flat)
	assert.Nil(t, flat.FolderID)
}

// faultyCentral fails row reads for one file, simulating a connection drop
// partway through a snapshot.
type faultyCentral struct {
	Central
	failFileID int64
}

func (f *faultyCentral) ListRows(ctx context.Context, fileID int64) ([]*types.Row, error) {
	if fileID == f.failFileID {
		return nil, types.E(types.KindTransient, "connection reset")
	}
	return f.Central.ListRows(ctx, fileID)
}

func TestFailedSnapshotLeavesNoPartialMirror(t *testing.T) {
	_, central, local := newTestEngine(t)
	ctx := context.Background()
	project, _ := seedCentral(t, central)
	second := &types.File{Name: "items.txt", ProjectID: project.ID, Format: types.FormatTXT}
	require.NoError(t, central.CreateFile(ctx, second))
	require.NoError(t, central.BulkUpsertRows(ctx, second.ID, []*types.Row{{Index: 1, Source: "검"}}))

	e := NewEngine(&faultyCentral{Central: central, failFileID: second.ID}, local, nil)
	sub, _, err := e.Subscribe(ctx, "alice", types.KindProject, project.ID)
	require.Error(t, err)
	require.NotNil(t, sub, "the subscription stands; the snapshot retries later")
	assert.Zero(t, sub.LastVersion)

	// Nothing landed locally, not even the file whose rows did fetch.
	assert.Nil(t, localFileByName(t, local, "q.txt"))
	assert.Nil(t, localFileByName(t, local, "items.txt"))
	root, err := local.ListChildren(ctx, types.Root())
	require.NoError(t, err)
	assert.Empty(t, root.Projects)

	// A later pull with a healthy connection completes the snapshot.
	res, err := NewEngine(central, local, nil).Pull(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesSynced)
	assert.NotNil(t, localFileByName(t, local, "q.txt"))
	assert.NotNil(t, localFileByName(t, local, "items.txt"))
}

func TestPullTMSubscription(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()

	tm := &types.TM{Name: "KR main", SourceLang: "ko", TargetLang: "en"}
	require.NoError(t, central.CreateTM(ctx, tm))
	_, err := central.UpsertEntries(ctx, tm.ID, []*types.TMEntry{
		{Source: "기습", Target: "Ambush", NormalizedSource: "기습", SourceHash: "h1"},
		{Source: "낯선 땅", Target: "Strange Lands", NormalizedSource: "낯선 땅", SourceHash: "h2"},
	})
	require.NoError(t, err)

	_, res, err := e.Subscribe(ctx, "alice", types.KindTM, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TMEntries)

	locals, err := local.ListTMs(ctx)
	require.NoError(t, err)
	require.Len(t, locals, 1)
	assert.Equal(t, "KR main", locals[0].Name)
	assert.Equal(t, 2, locals[0].EntryCount)

	// Re-pull is idempotent: entries are hash-deduplicated.
	sub, err := e.Subscriptions(ctx, "alice")
	require.NoError(t, err)
	_, err = e.Pull(ctx, sub[0])
	require.NoError(t, err)
	locals, err = local.ListTMs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, locals[0].EntryCount)
}

func TestSubscribeRejectsFolders(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, _, err := e.Subscribe(context.Background(), "alice", types.KindFolder, 1)
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))
}

func TestEnsureOfflineSandboxIdempotent(t *testing.T) {
	e, _, local := newTestEngine(t)
	ctx := context.Background()

	first, err := e.EnsureOfflineSandbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, OfflineStorageName, first.Name)
	assert.True(t, first.IsOfflineSandbox)

	second, err := e.EnsureOfflineSandbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	root, err := local.ListChildren(ctx, types.Root())
	require.NoError(t, err)
	assert.Len(t, root.Platforms, 1)
}

func TestPushPromotesOfflineFile(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()
	project, _ := seedCentral(t, central)

	// Offline: a draft file with 100 rows, 5 of them edited locally.
	draft, err := e.OfflineProject(ctx, "Draft")
	require.NoError(t, err)
	file := &types.File{Name: "draft.tsv", ProjectID: draft.ID, Format: types.FormatTSV}
	require.NoError(t, local.CreateFile(ctx, file))
	rows := make([]*types.Row, 100)
	for i := range rows {
		rows[i] = &types.Row{Index: i + 1, Source: fmt.Sprintf("소스 %d<br/>줄", i+1)}
	}
	require.NoError(t, local.BulkUpsertRows(ctx, file.ID, rows))
	localRows, err := local.ListRows(ctx, file.ID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		target := fmt.Sprintf("edited %d", i+1)
		require.NoError(t, local.EditRow(ctx, localRows[i].ID, types.RowPatch{Target: &target}))
	}

	var lastDone, lastTotal int
	res, err := e.Push(ctx, file.ID, project.ID, func(done, total int) { lastDone, lastTotal = done, total })
	require.NoError(t, err)
	assert.Equal(t, 100, res.Rows)
	assert.Equal(t, 100, lastDone)
	assert.Equal(t, 100, lastTotal)

	// The central copy is byte-equal to the offline version.
	centralRows, err := central.ListRows(ctx, res.CentralFileID)
	require.NoError(t, err)
	localRows, err = local.ListRows(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, centralRows, 100)
	for i := range centralRows {
		assert.Equal(t, localRows[i].Source, centralRows[i].Source)
		assert.Equal(t, localRows[i].Target, centralRows[i].Target)
		assert.Equal(t, localRows[i].Status, centralRows[i].Status)
	}

	// The local file is unchanged by the promote.
	unchanged, err := local.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, unchanged.RowCount)
	assert.Equal(t, draft.ID, unchanged.ProjectID)
}

func TestPushAutoRenamesOnConflict(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()
	project, _ := seedCentral(t, central)

	draft, err := e.OfflineProject(ctx, "Draft")
	require.NoError(t, err)
	file := &types.File{Name: "q.txt", ProjectID: draft.ID, Format: types.FormatTXT}
	require.NoError(t, local.CreateFile(ctx, file))
	require.NoError(t, local.BulkUpsertRows(ctx, file.ID, []*types.Row{{Index: 1, Source: "기습"}}))

	res, err := e.Push(ctx, file.ID, project.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "q.txt (2)", res.FileName, "central already has q.txt")
}

func TestPushUnknownDestination(t *testing.T) {
	e, _, local := newTestEngine(t)
	ctx := context.Background()

	draft, err := e.OfflineProject(ctx, "Draft")
	require.NoError(t, err)
	file := &types.File{Name: "draft.tsv", ProjectID: draft.ID, Format: types.FormatTSV}
	require.NoError(t, local.CreateFile(ctx, file))

	_, err = e.Push(ctx, file.ID, 404, nil)
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}
