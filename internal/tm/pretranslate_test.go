package tm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/storage/sqlite"
	"github.com/locstore/ldm/internal/types"
)

// seedFile creates a project-root file with the given row sources, all
// pending.
func seedFile(t *testing.T, s *sqlite.Store, sources []string) int64 {
	t.Helper()
	ctx := context.Background()
	project := &types.Project{Name: "Game"}
	require.NoError(t, s.CreateProject(ctx, project))
	file := &types.File{Name: "quests.txt", ProjectID: project.ID, Format: types.FormatTXT}
	require.NoError(t, s.CreateFile(ctx, file))
	rows := make([]*types.Row, len(sources))
	for i, src := range sources {
		rows[i] = &types.Row{Index: i + 1, Source: src}
	}
	require.NoError(t, s.BulkUpsertRows(ctx, file.ID, rows))
	return file.ID
}

func TestPretranslateCascade(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FuzzyThreshold = 0.35
	e, s := newTestEngine(t, cfg)
	ctx := context.Background()

	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})
	fileID := seedFile(t, s, []string{"기습", "기습!", "surprise attack in Korean"})

	var progress []int
	res, err := e.Pretranslate(ctx, s, fileID, tmID, PretranslateOptions{
		Progress: func(done, total int, _ string) {
			progress = append(progress, done)
			assert.Equal(t, 3, total)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Translated)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.ByTier[types.TierExact])
	assert.Equal(t, 1, res.ByTier[types.TierFuzzyChar])
	assert.Equal(t, []int{3}, progress, "three rows fit in one batch")

	rows, err := s.ListRows(ctx, fileID)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "Ambush", rows[0].Target)
	assert.Equal(t, types.StatusTranslated, rows[0].Status)
	assert.Equal(t, "Ambush", rows[1].Target)
	assert.Equal(t, types.StatusTranslated, rows[1].Status)
	assert.Empty(t, rows[2].Target, "unmatched row keeps no candidate")
	assert.Equal(t, types.StatusPending, rows[2].Status)
}

func TestPretranslateTierCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FuzzyThreshold = 0.35
	e, s := newTestEngine(t, cfg)
	ctx := context.Background()

	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})
	fileID := seedFile(t, s, []string{"기습", "기습!"})

	res, err := e.Pretranslate(ctx, s, fileID, tmID, PretranslateOptions{TierCap: types.TierExact})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Translated)
	assert.Equal(t, 1, res.Skipped, "fuzzy match rejected by the tier cap")

	rows, err := s.ListRows(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTranslated, rows[0].Status)
	assert.Equal(t, types.StatusPending, rows[1].Status)
}

func TestPretranslateSkipsNonPending(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})
	fileID := seedFile(t, s, []string{"기습", "기습"})

	// Row 2 was already reviewed; pre-translation must not touch it.
	rows, err := s.ListRows(ctx, fileID)
	require.NoError(t, err)
	reviewed := types.StatusReviewed
	target := "Raid"
	require.NoError(t, s.EditRow(ctx, rows[1].ID, types.RowPatch{Target: &target, Status: &reviewed}))

	res, err := e.Pretranslate(ctx, s, fileID, tmID, PretranslateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total, "only pending rows are candidates")
	assert.Equal(t, 1, res.Translated)

	rows, err = s.ListRows(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, "Ambush", rows[0].Target)
	assert.Equal(t, "Raid", rows[1].Target)
	assert.Equal(t, types.StatusReviewed, rows[1].Status)
}

func TestPretranslateBatches(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})
	sources := make([]string, 5)
	for i := range sources {
		sources[i] = "기습"
	}
	fileID := seedFile(t, s, sources)

	var progress []int
	res, err := e.Pretranslate(ctx, s, fileID, tmID, PretranslateOptions{
		BatchSize: 2,
		Progress:  func(done, _ int, _ string) { progress = append(progress, done) },
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Translated)
	assert.Equal(t, []int{2, 4, 5}, progress)
}

func TestPretranslateCancelKeepsCompletedBatches(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	bg := context.Background()

	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})
	fileID := seedFile(t, s, []string{"기습", "기습", "기습", "기습"})

	ctx, cancel := context.WithCancel(bg)
	_, err := e.Pretranslate(ctx, s, fileID, tmID, PretranslateOptions{
		BatchSize: 2,
		Progress:  func(done, _ int, _ string) { cancel() },
	})
	require.ErrorIs(t, err, context.Canceled)

	rows, err := s.ListRows(bg, fileID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTranslated, rows[0].Status, "first batch committed before cancel")
	assert.Equal(t, types.StatusTranslated, rows[1].Status)
	assert.Equal(t, types.StatusPending, rows[2].Status)
	assert.Equal(t, types.StatusPending, rows[3].Status)
}

func TestPretranslateUnknownFile(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	tmID := seedTM(t, e, s, map[string]string{"기습": "Ambush"})

	_, err := e.Pretranslate(context.Background(), s, 404, tmID, PretranslateOptions{})
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}
