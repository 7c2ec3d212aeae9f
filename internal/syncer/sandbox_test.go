package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/types"
)

// trashOne soft-deletes a fresh platform so the store's trash holds exactly
// one item.
func trashOne(t *testing.T, s interface {
	CreatePlatform(ctx context.Context, p *types.Platform) error
	SoftDelete(ctx context.Context, kind types.ItemKind, id int64, actor string) (int64, error)
}, name string) {
	t.Helper()
	ctx := context.Background()
	p := &types.Platform{Name: name}
	require.NoError(t, s.CreatePlatform(ctx, p))
	_, err := s.SoftDelete(ctx, types.KindPlatform, p.ID, "test")
	require.NoError(t, err)
}

func TestEmptyTrashEmptiesBothStores(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()
	trashOne(t, central, "Old Console")
	trashOne(t, local, "Scratch")

	report := e.EmptyTrash(ctx)
	assert.Equal(t, 1, report.Purged[StoreAuthoritative])
	assert.Equal(t, 1, report.Purged[StoreLocal])
	assert.Empty(t, report.Failed)
	assert.False(t, report.PartialFailure())

	centralTrash, err := central.ListTrash(ctx)
	require.NoError(t, err)
	assert.Empty(t, centralTrash)
	localTrash, err := local.ListTrash(ctx)
	require.NoError(t, err)
	assert.Empty(t, localTrash)
}

// brokenCentral fails every purge, simulating an unreachable authoritative
// store mid-empty.
type brokenCentral struct {
	Central
}

func (brokenCentral) Purge(context.Context, int64) error {
	return types.E(types.KindTransient, "connection reset by peer")
}

func TestEmptyTrashReportsPartialFailure(t *testing.T) {
	e, central, local := newTestEngine(t)
	ctx := context.Background()
	trashOne(t, central, "Old Console")
	trashOne(t, local, "Scratch")

	e.central = brokenCentral{Central: central}
	report := e.EmptyTrash(ctx)

	assert.True(t, report.PartialFailure())
	assert.Contains(t, report.Failed[StoreAuthoritative], "connection reset")
	assert.Equal(t, 1, report.Purged[StoreLocal], "local trash is emptied even when the authoritative store fails")

	localTrash, err := local.ListTrash(ctx)
	require.NoError(t, err)
	assert.Empty(t, localTrash)
	centralTrash, err := central.ListTrash(ctx)
	require.NoError(t, err)
	assert.Len(t, centralTrash, 1, "the failed store keeps its item")
}
