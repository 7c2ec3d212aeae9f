package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/storage"
	"github.com/locstore/ldm/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir()+"/ldm.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedHierarchy builds platform "PC" > project "Game" > folder "Quests" >
// file "q.txt" with three rows.
func seedHierarchy(t *testing.T, s *Store) (platform *types.Platform, project *types.Project, folder *types.Folder, file *types.File) {
	t.Helper()
	ctx := context.Background()

	platform = &types.Platform{Name: "PC"}
	require.NoError(t, s.CreatePlatform(ctx, platform))

	project = &types.Project{Name: "Game", PlatformID: &platform.ID}
	require.NoError(t, s.CreateProject(ctx, project))

	folder = &types.Folder{Name: "Quests", ProjectID: project.ID}
	require.NoError(t, s.CreateFolder(ctx, folder))

	file = &types.File{Name: "q.txt", ProjectID: project.ID, FolderID: &folder.ID, Format: types.FormatTXT}
	require.NoError(t, s.CreateFile(ctx, file))

	rows := []*types.Row{
		{Index: 1, Source: "기습", Target: "Ambush"},
		{Index: 2, Source: "낯선 땅", Target: "Strange Lands"},
		{Index: 3, Source: "x", Target: ""},
	}
	require.NoError(t, s.BulkUpsertRows(ctx, file.ID, rows))
	return platform, project, folder, file
}

func TestCreateAndListChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	platform, project, folder, file := seedHierarchy(t, s)

	root, err := s.ListChildren(ctx, types.Root())
	require.NoError(t, err)
	require.Len(t, root.Platforms, 1)
	assert.Equal(t, "PC", root.Platforms[0].Name)
	assert.Empty(t, root.Projects) // "Game" is assigned to PC

	under, err := s.ListChildren(ctx, types.NodeRef{Kind: types.KindPlatform, ID: platform.ID})
	require.NoError(t, err)
	require.Len(t, under.Projects, 1)
	assert.Equal(t, project.ID, under.Projects[0].ID)

	inProject, err := s.ListChildren(ctx, types.NodeRef{Kind: types.KindProject, ID: project.ID})
	require.NoError(t, err)
	require.Len(t, inProject.Folders, 1)
	assert.Empty(t, inProject.Files)

	inFolder, err := s.ListChildren(ctx, types.NodeRef{Kind: types.KindFolder, ID: folder.ID})
	require.NoError(t, err)
	require.Len(t, inFolder.Files, 1)
	assert.Equal(t, file.ID, inFolder.Files[0].ID)
	assert.Equal(t, 3, inFolder.Files[0].RowCount)
}

func TestListChildrenMissingParent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ListChildren(context.Background(), types.NodeRef{Kind: types.KindProject, ID: 999})
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, project, folder, _ := seedHierarchy(t, s)

	err := s.CreateFolder(ctx, &types.Folder{Name: "Quests", ProjectID: project.ID})
	require.NoError(t, err, "same name under a different parent is fine")

	err = s.CreateFolder(ctx, &types.Folder{Name: "Quests", ProjectID: project.ID})
	assert.True(t, types.IsKind(err, types.KindConflict))

	err = s.CreateFile(ctx, &types.File{Name: "q.txt", ProjectID: project.ID, FolderID: &folder.ID})
	assert.True(t, types.IsKind(err, types.KindConflict))
}

func TestOnlyOneOfflineSandbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePlatform(ctx, &types.Platform{Name: "Offline Storage", IsOfflineSandbox: true}))
	err := s.CreatePlatform(ctx, &types.Platform{Name: "Another", IsOfflineSandbox: true})
	assert.True(t, types.IsKind(err, types.KindConflict))
}

// Seed scenario 1: move q.txt from the Quests folder to the project root.
func TestMoveFileToProjectRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, project, _, file := seedHierarchy(t, s)

	require.NoError(t, s.Move(ctx, types.KindFile, file.ID, types.NodeRef{Kind: types.KindProject, ID: project.ID}))

	got, err := s.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FolderID)
	assert.Equal(t, project.ID, got.ProjectID)
	assert.Equal(t, 3, got.RowCount)

	rows, err := s.ListRows(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i+1, r.Index)
	}
}

func TestFolderMoveCycleRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, project, folder, _ := seedHierarchy(t, s)

	child := &types.Folder{Name: "Sub", ProjectID: project.ID, ParentFolderID: &folder.ID}
	require.NoError(t, s.CreateFolder(ctx, child))

	err := s.Move(ctx, types.KindFolder, folder.ID, types.NodeRef{Kind: types.KindFolder, ID: child.ID})
	assert.True(t, types.IsKind(err, types.KindInvalidArgument))

	err = s.Move(ctx, types.KindFolder, folder.ID, types.NodeRef{Kind: types.KindFolder, ID: folder.ID})
	assert.True(t, types.IsKind(err, types.KindInvalidArgument))
}

func TestMoveCrossProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, folder, file := seedHierarchy(t, s)

	other := &types.Project{Name: "Other"}
	require.NoError(t, s.CreateProject(ctx, other))

	require.NoError(t, s.MoveCrossProject(ctx, types.KindFolder, folder.ID, other.ID, nil))

	gotFolder, err := s.GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, gotFolder.ProjectID)

	gotFile, err := s.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, gotFile.ProjectID, "project_id rewritten across the subtree")
}

func TestCopySubtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, folder, file := seedHierarchy(t, s)

	dest := &types.Project{Name: "Backup"}
	require.NoError(t, s.CreateProject(ctx, dest))

	newID, err := s.Copy(ctx, types.KindFolder, folder.ID, types.NodeRef{Kind: types.KindProject, ID: dest.ID})
	require.NoError(t, err)

	children, err := s.ListChildren(ctx, types.NodeRef{Kind: types.KindFolder, ID: newID})
	require.NoError(t, err)
	require.Len(t, children.Files, 1)
	copied := children.Files[0]
	assert.NotEqual(t, file.ID, copied.ID)
	assert.Equal(t, 3, copied.RowCount)

	rows, err := s.ListRows(ctx, copied.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "기습", rows[0].Source)
	assert.Equal(t, "Ambush", rows[0].Target)

	// Original untouched.
	orig, err := s.ListRows(ctx, file.ID)
	require.NoError(t, err)
	assert.Len(t, orig, 3)
}

func TestRenameRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, folder, _ := seedHierarchy(t, s)

	require.NoError(t, s.Rename(ctx, types.KindFolder, folder.ID, "Missions"))
	got, err := s.GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "Missions", got.Name)

	require.NoError(t, s.Rename(ctx, types.KindFolder, folder.ID, "Quests"))
	got2, err := s.GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quests", got2.Name)
	assert.Equal(t, got.ID, got2.ID)
	assert.Equal(t, got.CreatedAt, got2.CreatedAt)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, project, _, _ := seedHierarchy(t, s)

	err := s.RunInTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateFolder(ctx, &types.Folder{Name: "Temp", ProjectID: project.ID}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	children, err := s.ListChildren(ctx, types.NodeRef{Kind: types.KindProject, ID: project.ID})
	require.NoError(t, err)
	for _, f := range children.Folders {
		assert.NotEqual(t, "Temp", f.Name)
	}
}
