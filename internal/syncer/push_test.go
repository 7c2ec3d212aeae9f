package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/ops"
	"github.com/locstore/ldm/internal/types"
)

func TestPushTrackedReportsProgress(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()
	project, _ := seedCentral(t, central)

	draft, err := e.OfflineProject(ctx, "Draft")
	require.NoError(t, err)
	file := &types.File{Name: "draft.tsv", ProjectID: draft.ID, Format: types.FormatTSV}
	require.NoError(t, local.CreateFile(ctx, file))
	rows := make([]*types.Row, 10)
	for i := range rows {
		rows[i] = &types.Row{Index: i + 1, Source: "기습"}
	}
	require.NoError(t, local.BulkUpsertRows(ctx, file.ID, rows))

	bus := ops.NewBus(0)
	sched := ops.NewScheduler(ops.DefaultConfig(), bus, nil, nil)
	t.Cleanup(sched.Close)

	op, err := e.PushTracked(sched, "alice", file.ID, project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClassUpload, op.Class)

	var done *types.Operation
	require.Eventually(t, func() bool {
		var err error
		done, err = sched.Get(op.OpID)
		require.NoError(t, err)
		return done.State.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	require.Equal(t, types.OpCompleted, done.State)
	assert.InDelta(t, 100, done.Progress, 1e-9)

	var res PushResult
	require.NoError(t, json.Unmarshal([]byte(done.Result), &res))
	assert.Equal(t, 10, res.Rows)
	rowsCentral, err := central.ListRows(ctx, res.CentralFileID)
	require.NoError(t, err)
	assert.Len(t, rowsCentral, 10)
}
