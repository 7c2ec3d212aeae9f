package ops

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/types"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *Bus) {
	t.Helper()
	bus := NewBus(0)
	s := NewScheduler(cfg, bus, nil, nil)
	t.Cleanup(s.Close)
	return s, bus
}

func waitTerminal(t *testing.T, s *Scheduler, opID string) *types.Operation {
	t.Helper()
	var op *types.Operation
	require.Eventually(t, func() bool {
		var err error
		op, err = s.Get(opID)
		require.NoError(t, err)
		return op.State.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	return op
}

func TestOperationCompletes(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultConfig())

	op, err := s.Submit("alice", types.ClassBulkEdit, "bulk edit", func(ctx context.Context, p *Progress) (string, error) {
		p.Report(50, "halfway")
		return `{"edited":10}`, nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.OpPending, op.State)
	assert.Equal(t, "alice", op.UserID)

	done := waitTerminal(t, s, op.OpID)
	assert.Equal(t, types.OpCompleted, done.State)
	assert.InDelta(t, 100, done.Progress, 1e-9)
	assert.Equal(t, `{"edited":10}`, done.Result)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Error)
}

func TestPercentIsMonotonic(t *testing.T) {
	s, bus := newTestScheduler(t, DefaultConfig())
	sub := bus.SubscribeOwner("alice")
	defer sub.Close()

	op, err := s.Submit("alice", types.ClassBulkEdit, "wobbly reporter", func(ctx context.Context, p *Progress) (string, error) {
		p.Report(50, "a")
		p.Report(30, "regression must not be visible")
		p.Report(70, "b")
		return "", nil
	})
	require.NoError(t, err)
	waitTerminal(t, s, op.OpID)

	last := -1.0
	for _, u := range bus.Replay(op.OpID, 0) {
		assert.GreaterOrEqual(t, u.Percent, last, "seq %d", u.Seq)
		last = u.Percent
	}
	assert.InDelta(t, 100, last, 1e-9)
}

func TestReconnectReplaysAfterSeq(t *testing.T) {
	s, bus := newTestScheduler(t, DefaultConfig())

	// A long pretranslation publishing one update per batch.
	op, err := s.Submit("alice", types.ClassPretranslation, "pretranslate big file", func(ctx context.Context, p *Progress) (string, error) {
		for i := 1; i <= 300; i++ {
			p.Report(float64(i)/3, "batch")
		}
		return "", nil
	})
	require.NoError(t, err)
	done := waitTerminal(t, s, op.OpID)
	require.Equal(t, types.OpCompleted, done.State)

	// Client disconnected after seq 140, reconnects and replays.
	replay := bus.Replay(op.OpID, 140)
	require.NotEmpty(t, replay)
	assert.Equal(t, int64(141), replay[0].Seq)
	for i, u := range replay {
		assert.Equal(t, int64(141+i), u.Seq, "replay is in order with no gaps or duplicates")
	}
	last := replay[len(replay)-1]
	assert.Equal(t, types.OpCompleted, last.State)
	assert.InDelta(t, 100, last.Percent, 1e-9)
}

func TestCancelIsCooperative(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultConfig())
	started := make(chan struct{})

	op, err := s.Submit("alice", types.ClassUpload, "slow upload", func(ctx context.Context, p *Progress) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.NoError(t, err)
	<-started
	require.NoError(t, s.Cancel(op.OpID))

	done := waitTerminal(t, s, op.OpID)
	assert.Equal(t, types.OpCancelled, done.State)

	// Cancelling again (or after terminal) is a no-op.
	assert.NoError(t, s.Cancel(op.OpID))
	assert.Error(t, s.Cancel("no-such-op"))
}

func TestClassTimeoutFailsOperation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClassTimeout[types.ClassBulkEdit] = 20 * time.Millisecond
	s, _ := newTestScheduler(t, cfg)

	op, err := s.Submit("alice", types.ClassBulkEdit, "stuck", func(ctx context.Context, p *Progress) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.NoError(t, err)

	done := waitTerminal(t, s, op.OpID)
	assert.Equal(t, types.OpFailed, done.State)
	assert.Contains(t, done.Error, "time budget")
}

func TestTransientErrorsAreRetried(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultConfig())
	var attempts atomic.Int32

	op, err := s.Submit("alice", types.ClassUpload, "flaky", func(ctx context.Context, p *Progress) (string, error) {
		if attempts.Add(1) < 3 {
			return "", types.E(types.KindTransient, "connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)

	done := waitTerminal(t, s, op.OpID)
	assert.Equal(t, types.OpCompleted, done.State)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDeterministicErrorsAreNotRetried(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultConfig())
	var attempts atomic.Int32

	op, err := s.Submit("alice", types.ClassUpload, "bad input", func(ctx context.Context, p *Progress) (string, error) {
		attempts.Add(1)
		return "", types.E(types.KindInvalidArgument, "unsupported format")
	})
	require.NoError(t, err)

	done := waitTerminal(t, s, op.OpID)
	assert.Equal(t, types.OpFailed, done.State)
	assert.Contains(t, done.Error, "unsupported format")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestWorkerPanicBecomesInternal(t *testing.T) {
	bus := NewBus(0)
	var audited atomic.Int32
	s := NewScheduler(DefaultConfig(), bus, nil, func(kind, detail string) {
		if kind == "worker_panic" {
			audited.Add(1)
		}
	})
	t.Cleanup(s.Close)

	op, err := s.Submit("alice", types.ClassIndexing, "boom", func(ctx context.Context, p *Progress) (string, error) {
		panic("index invariant broken")
	})
	require.NoError(t, err)

	done := waitTerminal(t, s, op.OpID)
	assert.Equal(t, types.OpFailed, done.State)
	assert.Contains(t, done.Error, "worker panic")
	assert.Equal(t, int32(1), audited.Load())
}

func TestPerClassCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerClassMax = map[types.OpClass]int{types.ClassIndexing: 1}
	s, _ := newTestScheduler(t, cfg)

	release := make(chan struct{})
	started := make(chan struct{})
	first, err := s.Submit("alice", types.ClassIndexing, "index tm 1", func(ctx context.Context, p *Progress) (string, error) {
		close(started)
		<-release
		return "", nil
	})
	require.NoError(t, err)
	<-started

	_, err = s.Submit("alice", types.ClassIndexing, "index tm 2", func(ctx context.Context, p *Progress) (string, error) {
		return "", nil
	})
	require.Error(t, err)
	assert.Equal(t, types.KindResourceExhausted, types.KindOf(err))

	// Other classes are unaffected.
	other, err := s.Submit("alice", types.ClassUpload, "upload", func(ctx context.Context, p *Progress) (string, error) {
		return "", nil
	})
	require.NoError(t, err)
	waitTerminal(t, s, other.OpID)

	close(release)
	waitTerminal(t, s, first.OpID)
	require.Eventually(t, func() bool {
		_, err := s.Submit("alice", types.ClassIndexing, "index tm 3", func(ctx context.Context, p *Progress) (string, error) {
			return "", nil
		})
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "cap frees once the first op finishes")
}

func TestListFiltersByUser(t *testing.T) {
	s, _ := newTestScheduler(t, DefaultConfig())

	a, err := s.Submit("alice", types.ClassBulkEdit, "a", func(ctx context.Context, p *Progress) (string, error) { return "", nil })
	require.NoError(t, err)
	b, err := s.Submit("bob", types.ClassBulkEdit, "b", func(ctx context.Context, p *Progress) (string, error) { return "", nil })
	require.NoError(t, err)
	waitTerminal(t, s, a.OpID)
	waitTerminal(t, s, b.OpID)

	assert.Len(t, s.List("alice"), 1)
	assert.Len(t, s.List(""), 2)
}

func TestSweepDropsExpiredOps(t *testing.T) {
	s, bus := newTestScheduler(t, DefaultConfig())

	op, err := s.Submit("alice", types.ClassBulkEdit, "short", func(ctx context.Context, p *Progress) (string, error) { return "", nil })
	require.NoError(t, err)
	waitTerminal(t, s, op.OpID)

	assert.Zero(t, s.Sweep(time.Now()), "fresh records survive")
	_, err = s.Get(op.OpID)
	require.NoError(t, err)

	removed := s.Sweep(time.Now().Add(8 * 24 * time.Hour))
	assert.Equal(t, 1, removed)
	_, err = s.Get(op.OpID)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
	assert.Empty(t, bus.Replay(op.OpID, 0), "bus history swept with the record")
}
