package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/types"
)

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &types.Session{SessionID: "sess-1", UserID: "alice", MachineID: "laptop"}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	later := time.Now().Add(time.Minute)
	require.NoError(t, s.Heartbeat(ctx, "sess-1", later))
	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastHeartbeat, 2*time.Second)

	err = s.Heartbeat(ctx, "nope", later)
	assert.True(t, types.IsKind(err, types.KindNotFound))

	// Re-creating the same session is a heartbeat, not an error.
	require.NoError(t, s.CreateSession(ctx, sess))
}

func TestSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, project, _, _ := seedHierarchy(t, s)

	sub := &types.SyncSubscription{UserID: "alice", ItemType: types.KindProject, ItemID: project.ID}
	require.NoError(t, s.AddSubscription(ctx, sub))
	assert.NotZero(t, sub.ID)

	err := s.AddSubscription(ctx, &types.SyncSubscription{UserID: "alice", ItemType: types.KindProject, ItemID: project.ID})
	assert.True(t, types.IsKind(err, types.KindConflict))

	err = s.AddSubscription(ctx, &types.SyncSubscription{UserID: "alice", ItemType: types.KindFolder, ItemID: 1})
	assert.True(t, types.IsKind(err, types.KindInvalidArgument), "folders are not subscribable")

	subs, err := s.ListSubscriptions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Nil(t, subs[0].LastSyncedAt)

	now := time.Now()
	require.NoError(t, s.MarkSynced(ctx, sub.ID, now, 42))
	subs, err = s.ListSubscriptions(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, subs[0].LastSyncedAt)
	assert.EqualValues(t, 42, subs[0].LastVersion)

	require.NoError(t, s.RemoveSubscription(ctx, sub.ID))
	subs, err = s.ListSubscriptions(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestChangesSinceProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, project, _, file := seedHierarchy(t, s)

	sub := &types.SyncSubscription{UserID: "alice", ItemType: types.KindProject, ItemID: project.ID}
	require.NoError(t, s.AddSubscription(ctx, sub))

	// Full pull from zero sees the file and all its rows.
	delta, err := s.ChangesSince(ctx, sub, 0)
	require.NoError(t, err)
	require.Len(t, delta.Files, 1)
	assert.Equal(t, file.ID, delta.Files[0].ID)
	assert.Len(t, delta.Rows, 3)
	assert.Empty(t, delta.Tombstones)
	assert.Positive(t, delta.MaxVersion)
	high := delta.MaxVersion

	// Nothing changed since the high-water mark.
	delta, err = s.ChangesSince(ctx, sub, high)
	require.NoError(t, err)
	assert.Empty(t, delta.Files)
	assert.Empty(t, delta.Rows)

	// An edit surfaces only the touched row.
	target := "Ambushed"
	require.NoError(t, s.EditRow(ctx, fileRowID(t, s, file.ID, 1), types.RowPatch{Target: &target}))
	delta, err = s.ChangesSince(ctx, sub, high)
	require.NoError(t, err)
	require.Len(t, delta.Rows, 1)
	assert.Equal(t, "Ambushed", delta.Rows[0].Target)
	assert.Greater(t, delta.MaxVersion, high)
}

func fileRowID(t *testing.T, s *Store, fileID int64, idx int) int64 {
	t.Helper()
	rows, err := s.ListRows(context.Background(), fileID)
	require.NoError(t, err)
	for _, r := range rows {
		if r.Index == idx {
			return r.ID
		}
	}
	t.Fatalf("row %d not found in file %d", idx, fileID)
	return 0
}

func TestChangesSinceReportsTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, project, _, file := seedHierarchy(t, s)

	sub := &types.SyncSubscription{UserID: "alice", ItemType: types.KindProject, ItemID: project.ID}
	require.NoError(t, s.AddSubscription(ctx, sub))
	delta, err := s.ChangesSince(ctx, sub, 0)
	require.NoError(t, err)
	high := delta.MaxVersion

	rowID := fileRowID(t, s, file.ID, 2)
	require.NoError(t, s.DeleteRow(ctx, rowID))

	delta, err = s.ChangesSince(ctx, sub, high)
	require.NoError(t, err)
	require.NotEmpty(t, delta.Tombstones)
	var sawRow bool
	for _, ts := range delta.Tombstones {
		if ts.ItemType == types.KindRow && ts.ItemID == rowID {
			sawRow = true
		}
	}
	assert.True(t, sawRow)

	// Soft-deleting the file tombstones it and hides its rows.
	high = delta.MaxVersion
	_, err = s.SoftDelete(ctx, types.KindFile, file.ID, "alice")
	require.NoError(t, err)
	delta, err = s.ChangesSince(ctx, sub, high)
	require.NoError(t, err)
	assert.Empty(t, delta.Files)
	assert.Empty(t, delta.Rows)
	var sawFile bool
	for _, ts := range delta.Tombstones {
		if ts.ItemType == types.KindFile && ts.ItemID == file.ID {
			sawFile = true
		}
	}
	assert.True(t, sawFile)
}

func TestChangesSinceTMHighWaterOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tm := newTestTM(t, s)

	sub := &types.SyncSubscription{UserID: "alice", ItemType: types.KindTM, ItemID: tm.ID}
	require.NoError(t, s.AddSubscription(ctx, sub))

	delta, err := s.ChangesSince(ctx, sub, 0)
	require.NoError(t, err)
	assert.Empty(t, delta.Files)
	assert.Empty(t, delta.Rows)
	assert.Empty(t, delta.Tombstones)
}
