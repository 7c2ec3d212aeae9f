// Package ops runs tracked background operations and streams their progress.
//
// The scheduler executes jobs on a bounded worker pool with per-class caps
// and timeouts; the bus fans progress updates out to owner, admin and
// per-operation subscribers and keeps a bounded per-operation history so
// reconnecting clients can replay what they missed.
package ops

import (
	"sync"
	"time"

	"github.com/locstore/ldm/internal/types"
)

// ringSize bounds the per-operation replay buffer. A pretranslation on a
// very large file publishes about one update per batch, so 1024 covers any
// realistic op; older updates age out and reconnecting clients that fell
// further behind get the latest snapshot instead.
const ringSize = 1024

// subBuffer is the per-subscriber channel depth. A subscriber that stops
// draining loses updates (and is told so); it recovers by replaying.
const subBuffer = 64

// stream is the retained history of one operation.
type stream struct {
	opID    string
	ownerID string

	mu      sync.Mutex
	seq     int64
	updates []types.ProgressUpdate // ring, most recent ringSize
	start   int                    // index of oldest element
	count   int
	percent float64 // high-water mark, enforces monotonic percent
	done    bool
	doneAt  time.Time
}

func (st *stream) append(u types.ProgressUpdate) types.ProgressUpdate {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	u.Seq = st.seq
	if u.Percent < st.percent && !u.State.Terminal() {
		u.Percent = st.percent
	}
	st.percent = u.Percent
	if u.State.Terminal() {
		st.done = true
		st.doneAt = time.Now()
	}
	if st.count < ringSize {
		st.updates = append(st.updates, u)
		st.count++
	} else {
		st.updates[st.start] = u
		st.start = (st.start + 1) % ringSize
	}
	return u
}

// since returns buffered updates with seq > after, oldest first.
func (st *stream) since(after int64) []types.ProgressUpdate {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []types.ProgressUpdate
	for i := 0; i < st.count; i++ {
		u := st.updates[(st.start+i)%ringSize]
		if u.Seq > after {
			out = append(out, u)
		}
	}
	return out
}

func (st *stream) latest() (types.ProgressUpdate, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.count == 0 {
		return types.ProgressUpdate{}, false
	}
	return st.updates[(st.start+st.count-1)%ringSize], true
}

// Subscription receives progress updates on C. Updates for one operation
// arrive in seq order. If the subscriber drains too slowly the bus drops
// updates and sets Lagged; the client recovers with Replay.
type Subscription struct {
	C chan types.ProgressUpdate

	bus     *Bus
	id      int64
	ownerID string // non-empty: owner stream
	admin   bool
	opIDs   map[string]struct{} // non-nil: topic stream

	mu     sync.Mutex
	lagged bool
}

// Lagged reports whether updates were dropped since the last call, and
// clears the flag.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lagged
	s.lagged = false
	return l
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is the progress fan-out: publishers append to per-op streams, and
// each subscriber is fed through its own channel so per-op order is
// preserved per connection.
type Bus struct {
	retention time.Duration

	mu      sync.RWMutex
	streams map[string]*stream
	subs    map[int64]*Subscription
	nextSub int64
}

// NewBus creates a bus retaining finished operations for the given
// duration; zero means types.DefaultOpRetention.
func NewBus(retention time.Duration) *Bus {
	if retention <= 0 {
		retention = types.DefaultOpRetention
	}
	return &Bus{
		retention: retention,
		streams:   make(map[string]*stream),
		subs:      make(map[int64]*Subscription),
	}
}

// Register creates the stream for a new operation. Idempotent.
func (b *Bus) Register(opID, ownerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[opID]; !ok {
		b.streams[opID] = &stream{opID: opID, ownerID: ownerID}
	}
}

// Publish assigns the next sequence number, records the update, and fans it
// out. Percent is clamped to the operation's high-water mark so subscribers
// always observe a monotonic series. Returns the stamped update.
func (b *Bus) Publish(opID string, u types.ProgressUpdate) types.ProgressUpdate {
	b.mu.RLock()
	st := b.streams[opID]
	b.mu.RUnlock()
	if st == nil {
		b.Register(opID, "")
		b.mu.RLock()
		st = b.streams[opID]
		b.mu.RUnlock()
	}
	u.OpID = opID
	if u.Ts == 0 {
		u.Ts = time.Now().UnixMilli()
	}
	stamped := st.append(u)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(st) {
			continue
		}
		select {
		case sub.C <- stamped:
		default:
			sub.mu.Lock()
			sub.lagged = true
			sub.mu.Unlock()
		}
	}
	return stamped
}

func (s *Subscription) wants(st *stream) bool {
	if s.admin {
		return true
	}
	if s.ownerID != "" && s.ownerID == st.ownerID {
		return true
	}
	if s.opIDs != nil {
		_, ok := s.opIDs[st.opID]
		return ok
	}
	return false
}

// SubscribeOwner streams every update of operations started by userID.
func (b *Bus) SubscribeOwner(userID string) *Subscription {
	return b.addSub(&Subscription{ownerID: userID})
}

// SubscribeAdmin streams every update of every operation.
func (b *Bus) SubscribeAdmin() *Subscription {
	return b.addSub(&Subscription{admin: true})
}

// SubscribeOps streams updates for an explicit set of operation ids; used
// by reconnecting clients.
func (b *Bus) SubscribeOps(opIDs ...string) *Subscription {
	set := make(map[string]struct{}, len(opIDs))
	for _, id := range opIDs {
		set[id] = struct{}{}
	}
	return b.addSub(&Subscription{opIDs: set})
}

func (b *Bus) addSub(s *Subscription) *Subscription {
	s.C = make(chan types.ProgressUpdate, subBuffer)
	s.bus = b
	b.mu.Lock()
	b.nextSub++
	s.id = b.nextSub
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Replay returns the retained updates of opID with seq > after, in order.
// A reconnecting client passes its last seen seq; deduplication by
// (op_id, seq) on the client side makes the handoff to live streaming
// exactly-once.
func (b *Bus) Replay(opID string, after int64) []types.ProgressUpdate {
	b.mu.RLock()
	st := b.streams[opID]
	b.mu.RUnlock()
	if st == nil {
		return nil
	}
	return st.since(after)
}

// Latest returns the most recent update of opID.
func (b *Bus) Latest(opID string) (types.ProgressUpdate, bool) {
	b.mu.RLock()
	st := b.streams[opID]
	b.mu.RUnlock()
	if st == nil {
		return types.ProgressUpdate{}, false
	}
	return st.latest()
}

// Sweep drops streams of operations that finished before now-retention.
// Returns the number removed.
func (b *Bus) Sweep(now time.Time) int {
	cutoff := now.Add(-b.retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, st := range b.streams {
		st.mu.Lock()
		expired := st.done && st.doneAt.Before(cutoff)
		st.mu.Unlock()
		if expired {
			delete(b.streams, id)
			removed++
		}
	}
	return removed
}
