package api

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/scrawlhq/scrawl/roomserver/storage"
	"github.com/scrawlhq/scrawl/roomserver/types"
)

var roomsLive = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "scrawl",
	Subsystem: "rooms",
	Name:      "live",
	Help:      "Number of rooms currently held in memory",
})

var registerRoomsMetrics sync.Once

func init() {
	registerRoomsMetrics.Do(func() {
		prometheus.MustRegister(roomsLive)
	})
}

// Rooms is the process-wide directory of live rooms: create on first join,
// evict on last leave. A single mutex guards the directory itself; each room
// has its own serialization domain.
type Rooms struct {
	mu    sync.Mutex
	rooms map[string]*Room
	// evicting holds rooms removed from the directory whose final snapshot
	// write is still in flight. A join for such an id takes the in-memory
	// room back instead of racing the write on disk.
	evicting map[string]*Room
	store    *storage.Store
}

func NewRooms(store *storage.Store) *Rooms {
	return &Rooms{
		rooms:    make(map[string]*Room),
		evicting: make(map[string]*Room),
		store:    store,
	}
}

// Join resolves the room and registers the member in one critical section,
// so a concurrent last-leave cleanup can never evict the room between the
// two steps.
func (rs *Rooms) Join(roomID, connID, userID, name, mode string) (*Room, types.User) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	room := rs.getOrCreateLocked(roomID)
	return room, room.AddUser(connID, userID, name, mode)
}

// GetOrCreate returns the live room for the id, hydrating a fresh room from
// any on-disk snapshot on first touch. A snapshot read failure boots the
// room empty rather than failing the join.
func (rs *Rooms) GetOrCreate(roomID string) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.getOrCreateLocked(roomID)
}

func (rs *Rooms) getOrCreateLocked(roomID string) *Room {
	if room, ok := rs.rooms[roomID]; ok {
		return room
	}
	if room, ok := rs.evicting[roomID]; ok {
		delete(rs.evicting, roomID)
		rs.rooms[roomID] = room
		roomsLive.Set(float64(len(rs.rooms)))
		return room
	}
	room := NewRoom(roomID, rs.store)
	snapshot, err := rs.store.Load(roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn(
			"Failed to load room snapshot, starting empty",
		)
	} else if snapshot != nil {
		room.hydrate(snapshot)
		logrus.WithFields(logrus.Fields{
			"room_id": roomID,
			"seq":     snapshot.Seq,
			"strokes": len(snapshot.Strokes),
		}).Info("Rehydrated room from snapshot")
	}
	rs.rooms[roomID] = room
	roomsLive.Set(float64(len(rs.rooms)))
	return room
}

// Get returns the live room without creating one.
func (rs *Rooms) Get(roomID string) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	room, ok := rs.rooms[roomID]
	return room, ok
}

// Cleanup evicts the room from memory iff its user set is empty, flushing a
// final snapshot so the tail of committed work survives the eviction. The
// flush runs outside the directory lock; until it completes the room parks
// in evicting so a rejoin resumes from memory, not a stale file. The on-disk
// snapshot remains and rehydrates the room on the next cold join.
func (rs *Rooms) Cleanup(roomID string) {
	rs.mu.Lock()
	room, ok := rs.rooms[roomID]
	if !ok || !room.Empty() {
		rs.mu.Unlock()
		return
	}
	delete(rs.rooms, roomID)
	rs.evicting[roomID] = room
	roomsLive.Set(float64(len(rs.rooms)))
	rs.mu.Unlock()

	room.ForcePersist()

	rs.mu.Lock()
	if rs.evicting[roomID] == room {
		delete(rs.evicting, roomID)
	}
	rs.mu.Unlock()
	logrus.WithField("room_id", roomID).Info("Evicted empty room")
}

// Shutdown flushes every live room. Called once at process teardown.
func (rs *Rooms) Shutdown() {
	rs.mu.Lock()
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, room := range rs.rooms {
		rooms = append(rooms, room)
	}
	rs.mu.Unlock()

	for _, room := range rooms {
		room.ForcePersist()
	}
}
