package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/locstore/ldm/internal/types"
)

// Job is the body of a tracked operation. It reports progress through p and
// must honor ctx at its batch boundaries; the scheduler cancels ctx on
// cancel requests and class timeouts.
type Job func(ctx context.Context, p *Progress) (result string, err error)

// AuditFunc receives security-relevant scheduler events (worker panics).
type AuditFunc func(kind, detail string)

// Config tunes the scheduler.
type Config struct {
	// PoolSize is the number of concurrently running operations. Defaults
	// to twice the CPU count.
	PoolSize int
	// PerClassMax caps admitted (running or queued) operations per class.
	// Classes absent from the map are uncapped.
	PerClassMax map[types.OpClass]int
	// ClassTimeout is the soft budget per class; DefaultConfig sets one
	// hour for indexing and two for pretranslation.
	ClassTimeout map[types.OpClass]time.Duration
	// MaxRetries bounds automatic retries of transient failures.
	MaxRetries uint64
	// Retention is how long finished operation records are kept.
	Retention time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize: 2 * runtime.NumCPU(),
		ClassTimeout: map[types.OpClass]time.Duration{
			types.ClassIndexing:       time.Hour,
			types.ClassPretranslation: 2 * time.Hour,
			types.ClassUpload:         30 * time.Minute,
			types.ClassBulkEdit:       30 * time.Minute,
		},
		MaxRetries: 3,
		Retention:  types.DefaultOpRetention,
	}
}

type opHandle struct {
	op     *types.Operation
	cancel context.CancelFunc
}

// Scheduler runs Jobs as tracked Operations on a bounded pool.
type Scheduler struct {
	cfg   Config
	bus   *Bus
	log   *slog.Logger
	audit AuditFunc

	pool      *semaphore.Weighted
	classPool map[types.OpClass]*semaphore.Weighted

	mu     sync.Mutex
	ops    map[string]*opHandle
	closed bool

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewScheduler builds a scheduler publishing to bus. audit may be nil.
func NewScheduler(cfg Config, bus *Bus, log *slog.Logger, audit AuditFunc) *Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2 * runtime.NumCPU()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = types.DefaultOpRetention
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if audit == nil {
		audit = func(string, string) {}
	}
	s := &Scheduler{
		cfg:       cfg,
		bus:       bus,
		log:       log,
		audit:     audit,
		pool:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		classPool: make(map[types.OpClass]*semaphore.Weighted),
		ops:       make(map[string]*opHandle),
		stop:      make(chan struct{}),
	}
	for class, max := range cfg.PerClassMax {
		if max > 0 {
			s.classPool[class] = semaphore.NewWeighted(int64(max))
		}
	}
	return s
}

// Submit registers a new operation and queues it for execution. The
// returned record is a snapshot in state pending. Per-class caps reject
// over-admission with ResourceExhausted; the caller may retry later.
func (s *Scheduler) Submit(userID string, class types.OpClass, displayName string, job Job) (*types.Operation, error) {
	if cp, ok := s.classPool[class]; ok {
		if !cp.TryAcquire(1) {
			return nil, types.E(types.KindResourceExhausted, "too many %s operations in flight", class)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	op := &types.Operation{
		OpID:        uuid.NewString(),
		UserID:      userID,
		Class:       class,
		DisplayName: displayName,
		State:       types.OpPending,
		StartedAt:   time.Now(),
	}
	h := &opHandle{op: op, cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		if cp, ok := s.classPool[class]; ok {
			cp.Release(1)
		}
		return nil, types.E(types.KindPrecondition, "scheduler is shut down")
	}
	s.ops[op.OpID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	s.bus.Register(op.OpID, userID)
	s.bus.Publish(op.OpID, types.ProgressUpdate{State: types.OpPending, StepText: "queued"})

	go s.run(runCtx, h, class, job)
	return snapshot(op), nil
}

func (s *Scheduler) run(ctx context.Context, h *opHandle, class types.OpClass, job Job) {
	defer s.wg.Done()
	defer h.cancel()
	if cp, ok := s.classPool[class]; ok {
		defer cp.Release(1)
	}

	if err := s.pool.Acquire(ctx, 1); err != nil {
		s.finish(h, "", err)
		return
	}
	defer s.pool.Release(1)

	if timeout, ok := s.cfg.ClassTimeout[class]; ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.transition(h, types.OpRunning)
	s.bus.Publish(h.op.OpID, types.ProgressUpdate{State: types.OpRunning, StepText: "started"})

	progress := &Progress{sched: s, h: h}
	var result string
	attempt := func() error {
		var err error
		result, err = s.runOnce(ctx, h, job, progress)
		if err == nil {
			return nil
		}
		if types.Retryable(err) && ctx.Err() == nil {
			s.log.Warn("operation attempt failed, retrying",
				"op_id", h.op.OpID, "class", class, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.MaxRetries), ctx)
	err := backoff.Retry(attempt, policy)
	s.finish(h, result, err)
}

// runOnce executes one attempt, converting panics to Internal errors. A
// panicking worker never takes the process down; it fails the operation and
// leaves an audit trail.
func (s *Scheduler) runOnce(ctx context.Context, h *opHandle, job Job, p *Progress) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.E(types.KindInternal, "worker panic: %v", r)
			s.audit("worker_panic", fmt.Sprintf("op %s: %v", h.op.OpID, r))
			s.log.Error("worker panic", "op_id", h.op.OpID, "panic", r)
		}
	}()
	return job(ctx, p)
}

func (s *Scheduler) transition(h *opHandle, state types.OpState) {
	s.mu.Lock()
	h.op.State = state
	s.mu.Unlock()
}

// finish records the terminal state and publishes the terminal update.
func (s *Scheduler) finish(h *opHandle, result string, err error) {
	state := types.OpCompleted
	var msg string
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || types.IsKind(err, types.KindCancelled):
		state, msg = types.OpCancelled, "cancelled"
	case errors.Is(err, context.DeadlineExceeded) || types.IsKind(err, types.KindTimeout):
		state, msg = types.OpFailed, "operation exceeded its time budget"
	default:
		state, msg = types.OpFailed, err.Error()
	}

	now := time.Now()
	s.mu.Lock()
	h.op.State = state
	h.op.CompletedAt = &now
	h.op.Error = msg
	if state == types.OpCompleted {
		h.op.Progress = 100
		h.op.Result = result
	}
	u := types.ProgressUpdate{State: state, Percent: h.op.Progress, Error: msg, Result: h.op.Result}
	s.mu.Unlock()

	s.bus.Publish(h.op.OpID, u)
	if state == types.OpFailed {
		s.log.Warn("operation failed", "op_id", h.op.OpID, "class", h.op.Class, "error", msg)
	}
}

// Progress is the reporter handed to a Job. Reports flow to the operation
// record and the bus; percent is monotonic per op.
type Progress struct {
	sched *Scheduler
	h     *opHandle
}

// Report publishes a progress update. Percent below the current high-water
// mark is raised to it.
func (p *Progress) Report(percent float64, step string) {
	s := p.sched
	s.mu.Lock()
	if percent < p.h.op.Progress {
		percent = p.h.op.Progress
	}
	if percent > 100 {
		percent = 100
	}
	p.h.op.Progress = percent
	p.h.op.StepText = step
	s.mu.Unlock()
	s.bus.Publish(p.h.op.OpID, types.ProgressUpdate{State: types.OpRunning, Percent: percent, StepText: step})
}

// Cancel requests cooperative cancellation. The worker observes it at its
// next yield point; already-terminal operations are left untouched.
func (s *Scheduler) Cancel(opID string) error {
	s.mu.Lock()
	h, ok := s.ops[opID]
	if !ok {
		s.mu.Unlock()
		return types.E(types.KindNotFound, "operation %s not found", opID)
	}
	terminal := h.op.State.Terminal()
	s.mu.Unlock()
	if !terminal {
		h.cancel()
	}
	return nil
}

// Get returns a snapshot of one operation.
func (s *Scheduler) Get(opID string) (*types.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.ops[opID]
	if !ok {
		return nil, types.E(types.KindNotFound, "operation %s not found", opID)
	}
	return snapshot(h.op), nil
}

// List returns snapshots of the user's operations; userID "" lists all.
func (s *Scheduler) List(userID string) []*types.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Operation
	for _, h := range s.ops {
		if userID == "" || h.op.UserID == userID {
			out = append(out, snapshot(h.op))
		}
	}
	return out
}

// Sweep drops operation records (and their bus streams) that finished
// before now minus the retention window.
func (s *Scheduler) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.Retention)
	s.mu.Lock()
	removed := 0
	for id, h := range s.ops {
		if h.op.State.Terminal() && h.op.CompletedAt != nil && h.op.CompletedAt.Before(cutoff) {
			delete(s.ops, id)
			removed++
		}
	}
	s.mu.Unlock()
	s.bus.Sweep(now)
	return removed
}

// StartSweeper runs Sweep every interval until the scheduler closes.
func (s *Scheduler) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				s.Sweep(time.Now())
			}
		}
	}()
}

// Close cancels every live operation and waits for workers to drain.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*opHandle, 0, len(s.ops))
	for _, h := range s.ops {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	close(s.stop)
	for _, h := range handles {
		h.cancel()
	}
	s.wg.Wait()
}

func snapshot(op *types.Operation) *types.Operation {
	cp := *op
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
