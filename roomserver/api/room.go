// Package api binds one drawing state to one room id and owns the
// room's serialization domain: all writes to the state, the user table and
// the sequence counter go through the room mutex. Cross-room work runs in
// parallel; disk I/O never happens under the lock.
package api

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/scrawlhq/scrawl/roomserver/state"
	"github.com/scrawlhq/scrawl/roomserver/storage"
	"github.com/scrawlhq/scrawl/roomserver/types"
)

// persistInterval is the throttle window for snapshot writes: at most one
// write per room per window, triggered after broadcast ops.
const persistInterval = 2000 * time.Millisecond

// palette is the fixed set of member colors, assigned by first-unused sweep.
var palette = [...]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// Room is a live room: one drawing state, the connected users keyed by
// connection id, and the monotonic broadcast sequence.
type Room struct {
	ID string

	mu    sync.Mutex
	state *state.DrawingState
	users map[string]types.User
	seq   int64

	store *storage.Store
	// lastPersist is the unix-millisecond stamp of the last snapshot write,
	// CAS-guarded so concurrent triggers collapse to one writer.
	lastPersist *atomic.Int64
}

func NewRoom(roomID string, store *storage.Store) *Room {
	return &Room{
		ID:          roomID,
		state:       state.New(),
		users:       make(map[string]types.User),
		store:       store,
		lastPersist: atomic.NewInt64(0),
	}
}

// hydrate restores a persisted snapshot into the room. Only called by the
// rooms manager before the room is shared.
func (r *Room) hydrate(snapshot *types.PersistedRoom) {
	r.state.Restore(snapshot)
	r.seq = snapshot.Seq
}

// AddUser registers a connection's user and assigns a palette color: the
// first color no current member holds, or a random palette entry when all
// ten are taken.
func (r *Room) AddUser(connID, userID, name, mode string) types.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	inUse := make(map[string]bool, len(r.users))
	for _, u := range r.users {
		inUse[u.Color] = true
	}
	color := palette[rand.Intn(len(palette))]
	for _, candidate := range palette {
		if !inUse[candidate] {
			color = candidate
			break
		}
	}

	user := types.User{UserID: userID, Name: name, Color: color, Mode: mode}
	r.users[connID] = user
	return user
}

func (r *Room) RemoveUser(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, connID)
}

// Users returns a copy of the current member list.
func (r *Room) Users() []types.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]types.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	return users
}

// User resolves a connection id to its member record.
func (r *Room) User(connID string) (types.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[connID]
	return u, ok
}

func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users) == 0
}

func (r *Room) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Apply runs a validated client op through the drawing state under the room
// lock. A broadcast-worthy result bumps the sequence and comes back wrapped
// in an envelope; a suppressed result (no-op undo/redo) returns (nil, nil)
// and leaves the sequence untouched, so every assigned seq corresponds to
// exactly one envelope.
func (r *Room) Apply(userID string, op *types.ClientOp) (*types.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	serverOp, err := r.state.ApplyClientOp(userID, op)
	if err != nil {
		return nil, err
	}
	if serverOp == nil {
		return nil, nil
	}
	r.seq++
	return &types.Envelope{
		Seq: r.seq,
		Op:  serverOp,
		By:  userID,
		TS:  time.Now().UnixMilli(),
	}, nil
}

// SyncSnapshot materializes the full late-joiner state.
func (r *Room) SyncSnapshot() *types.SyncSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	committed, inProgress, undone := r.state.Snapshot()
	users := make([]types.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	return &types.SyncSnapshot{
		RoomID:     r.ID,
		Seq:        r.seq,
		Users:      users,
		Strokes:    committed,
		Undone:     undone,
		InProgress: inProgress,
	}
}

// MaybePersist writes a snapshot if the throttle window has elapsed since
// the last write. Called after every successfully broadcast op. The snapshot
// value is materialized under the room lock but written to disk outside it.
func (r *Room) MaybePersist() {
	now := time.Now().UnixMilli()
	last := r.lastPersist.Load()
	if now-last < persistInterval.Milliseconds() {
		return
	}
	if !r.lastPersist.CompareAndSwap(last, now) {
		// Another caller won the window.
		return
	}
	r.persist()
}

// ForcePersist flushes unconditionally. Used on cleanup and shutdown so the
// tail of committed work is not lost to the throttle window.
func (r *Room) ForcePersist() {
	r.lastPersist.Store(time.Now().UnixMilli())
	r.persist()
}

func (r *Room) persist() {
	r.mu.Lock()
	snapshot := r.state.PersistedView(r.seq)
	r.mu.Unlock()

	// Write failures are logged and counted but never fail the op path;
	// the next persist tick retries.
	if err := r.store.Save(r.ID, snapshot); err != nil {
		logrus.WithError(err).WithField("room_id", r.ID).Error("Failed to persist room snapshot")
	}
}
