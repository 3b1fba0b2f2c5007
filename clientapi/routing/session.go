// Package routing accepts client connections and dispatches their frames
// into the room engine: the join/sync handshake, op intake with sequenced
// broadcast fan-out, the unsequenced cursor side-channel, and disconnect
// cleanup.
package routing

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/scrawlhq/scrawl/internal/limiter"
	"github.com/scrawlhq/scrawl/internal/validate"
	"github.com/scrawlhq/scrawl/roomserver/api"
	"github.com/scrawlhq/scrawl/roomserver/types"
)

var (
	opsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scrawl",
			Subsystem: "clientapi",
			Name:      "ops_processed",
			Help:      "Total number of client ops by outcome",
		},
		[]string{"outcome"},
	)
	envelopesBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "clientapi",
		Name:      "envelopes_broadcast",
		Help:      "Total number of sequenced envelopes fanned out",
	})
)

var registerRoutingMetrics sync.Once

func init() {
	registerRoutingMetrics.Do(func() {
		prometheus.MustRegister(opsProcessed, envelopesBroadcast)
	})
}

// sender is the transport half of a session: it delivers one named event to
// the connection, in call order. Implementations must be safe for concurrent
// use; fan-out happens from other connections' goroutines.
type sender interface {
	send(event string, data interface{})
}

// Session tracks one connection's dispatcher state. Its fields are written
// only from the connection's own read loop, so they need no lock.
type Session struct {
	ConnID string
	userID string
	roomID string
	mode   string
	joined bool
	out    sender
}

// memberSet is one room's connection roster plus the lock that orders
// outbound delivery: sequence assignment, snapshot materialization and the
// enqueue of the resulting frames all happen under mu, so no connection can
// observe an envelope ahead of the sync that logically precedes it.
type memberSet struct {
	mu    sync.Mutex
	dead  bool
	conns map[string]*Session
}

// Dispatcher routes session traffic into rooms and fans envelopes back out
// to every member connection.
type Dispatcher struct {
	rooms        *api.Rooms
	cursorLimits *limiter.MessageLimits

	mu      sync.Mutex
	members map[string]*memberSet // room id → member set
}

func NewDispatcher(rooms *api.Rooms) *Dispatcher {
	return &Dispatcher{
		rooms: rooms,
		// 60 cursor updates/second with a burst of 120 is far beyond what a
		// pointing device produces; the cap only bites runaway clients.
		cursorLimits: limiter.NewMessageLimits("cursor", 60, 120),
		members:      make(map[string]*memberSet),
	}
}

// Stop releases dispatcher-owned background resources.
func (d *Dispatcher) Stop() {
	d.cursorLimits.Stop()
}

func (d *Dispatcher) newSession(connID string, out sender) *Session {
	return &Session{ConnID: connID, out: out}
}

// lockMembers returns the room's member set with its lock held, creating the
// set if needed. A set observed dead was removed by a concurrent last-leave;
// retry against the directory.
func (d *Dispatcher) lockMembers(roomID string) *memberSet {
	for {
		d.mu.Lock()
		ms, ok := d.members[roomID]
		if !ok {
			ms = &memberSet{conns: make(map[string]*Session)}
			d.members[roomID] = ms
		}
		d.mu.Unlock()

		ms.mu.Lock()
		if !ms.dead {
			return ms
		}
		ms.mu.Unlock()
	}
}

// removeMembers drops the room's member set once it has drained. Re-checked
// under both locks: a join may have raced the last leave.
func (d *Dispatcher) removeMembers(roomID string, ms *memberSet) {
	d.mu.Lock()
	ms.mu.Lock()
	if len(ms.conns) == 0 && d.members[roomID] == ms {
		ms.dead = true
		delete(d.members, roomID)
	}
	ms.mu.Unlock()
	d.mu.Unlock()
}

type joinRequest struct {
	RoomID   string `json:"roomId"`
	Name     string `json:"name"`
	Mode     string `json:"mode"`
	ClientID string `json:"clientId"`
}

type joinAck struct {
	OK     bool        `json:"ok"`
	RoomID string      `json:"roomId,omitempty"`
	User   *types.User `json:"user,omitempty"`
	Err    string      `json:"err,omitempty"`
}

type opAck struct {
	OK   bool   `json:"ok"`
	Seq  int64  `json:"seq,omitempty"`
	NoOp bool   `json:"noOp,omitempty"`
	Err  string `json:"err,omitempty"`
}

// HandleJoin binds the session to a room, emits the sync snapshot to the
// joiner and announces the new member to the rest of the room. Room
// resolution, membership registration, the snapshot and its enqueue all
// happen under the member-set lock, so a concurrently applied op either
// lands in the snapshot or is delivered as an envelope after it — never
// before, and never lost. The returned value is the ack payload.
func (d *Dispatcher) HandleJoin(s *Session, payload []byte) joinAck {
	if s.joined {
		return joinAck{Err: "already joined"}
	}
	var req joinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return joinAck{Err: "malformed join payload"}
	}
	if req.RoomID == "" {
		return joinAck{Err: "missing room id"}
	}

	userID := truncate(req.ClientID, types.MaxClientIDLength)
	if userID == "" {
		userID = s.ConnID
	}
	name := truncate(strings.TrimSpace(req.Name), types.MaxNameLength)
	if name == "" {
		name = "User-" + truncate(userID, 4)
	}
	mode := req.Mode
	if mode != types.ModeView {
		mode = types.ModeEdit
	}

	ms := d.lockMembers(req.RoomID)
	room, user := d.rooms.Join(req.RoomID, s.ConnID, userID, name, mode)

	s.joined = true
	s.userID = userID
	s.roomID = req.RoomID
	s.mode = mode

	snapshot := room.SyncSnapshot()
	ms.conns[s.ConnID] = s
	s.out.send("sync", snapshot)
	for connID, member := range ms.conns {
		if connID != s.ConnID {
			member.out.send("user_joined", map[string]interface{}{"user": user})
		}
	}
	ms.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id": req.RoomID,
		"user_id": userID,
		"conn_id": s.ConnID,
		"mode":    mode,
	}).Info("User joined room")

	return joinAck{OK: true, RoomID: req.RoomID, User: &user}
}

// HandleOp validates and applies one client op. Broadcast-worthy results fan
// out to every member including the sender; suppressed results ack as no-op
// without touching the sequence. Apply and fan-out share the member-set
// lock so envelopes are enqueued to every connection in seq order.
func (d *Dispatcher) HandleOp(s *Session, payload []byte) opAck {
	if !s.joined {
		opsProcessed.WithLabelValues("rejected").Inc()
		return opAck{Err: "not joined"}
	}
	if s.mode == types.ModeView {
		opsProcessed.WithLabelValues("rejected").Inc()
		return opAck{Err: "view-only session"}
	}
	room, ok := d.rooms.Get(s.roomID)
	if !ok {
		opsProcessed.WithLabelValues("rejected").Inc()
		return opAck{Err: "room gone"}
	}

	op, err := validate.ClientOp(payload)
	if err != nil {
		opsProcessed.WithLabelValues("invalid").Inc()
		return opAck{Err: err.Error()}
	}

	ms := d.lockMembers(s.roomID)
	env, err := room.Apply(s.userID, op)
	if err != nil {
		ms.mu.Unlock()
		// The sender learns why; the rest of the room learns nothing.
		opsProcessed.WithLabelValues("rejected").Inc()
		return opAck{Err: err.Error()}
	}
	if env == nil {
		ms.mu.Unlock()
		opsProcessed.WithLabelValues("noop").Inc()
		return opAck{OK: true, NoOp: true}
	}
	for _, member := range ms.conns {
		member.out.send("op", env)
	}
	ms.mu.Unlock()

	envelopesBroadcast.Inc()
	room.MaybePersist()
	opsProcessed.WithLabelValues("applied").Inc()
	return opAck{OK: true, Seq: env.Seq}
}

// HandleCursor fans a presence update out to the other members. Cursor
// traffic is unsequenced, unpersisted, rate-limited and silently dropped on
// any anomaly.
func (d *Dispatcher) HandleCursor(s *Session, payload []byte) {
	if !s.joined {
		return
	}
	if !d.cursorLimits.Allow(s.ConnID) {
		return
	}
	x := gjson.GetBytes(payload, "x")
	y := gjson.GetBytes(payload, "y")
	if x.Type != gjson.Number || y.Type != gjson.Number {
		return
	}
	if !validate.Finite(x.Float()) || !validate.Finite(y.Float()) {
		return
	}
	cursor := types.Cursor{UserID: s.userID, X: x.Float(), Y: y.Float()}

	ms := d.lockMembers(s.roomID)
	for connID, member := range ms.conns {
		if connID != s.ConnID {
			member.out.send("cursor", cursor)
		}
	}
	ms.mu.Unlock()
}

// HandleDisconnect tears the session down: the member leaves the room, the
// rest are told, and the room is evicted if it became empty.
func (d *Dispatcher) HandleDisconnect(s *Session) {
	d.cursorLimits.Forget(s.ConnID)
	if !s.joined {
		return
	}
	s.joined = false

	ms := d.lockMembers(s.roomID)
	delete(ms.conns, s.ConnID)
	if room, ok := d.rooms.Get(s.roomID); ok {
		room.RemoveUser(s.ConnID)
	}
	for _, member := range ms.conns {
		member.out.send("user_left", map[string]interface{}{"userId": s.userID})
	}
	drained := len(ms.conns) == 0
	ms.mu.Unlock()

	if drained {
		d.removeMembers(s.roomID, ms)
	}
	d.rooms.Cleanup(s.roomID)

	logrus.WithFields(logrus.Fields{
		"room_id": s.roomID,
		"user_id": s.userID,
		"conn_id": s.ConnID,
	}).Info("User left room")
}

// truncate limits s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
