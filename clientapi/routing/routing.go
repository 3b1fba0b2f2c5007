package routing

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/scrawlhq/scrawl/roomserver/api"
)

const (
	writeTimeout  = 10 * time.Second
	maxFrameSize  = 1 << 20
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Drawing clients are served from arbitrary origins; the room id is the
	// only admission control.
	CheckOrigin: func(*http.Request) bool { return true },
}

// frame is the wire unit in both directions. Client frames carry an optional
// id that the matching ack echoes back; server-pushed frames carry none.
type frame struct {
	Event string          `json:"event"`
	ID    int64           `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string      `json:"event"`
	ID    int64       `json:"id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// wsSender owns all writes to one websocket: frames are enqueued in FIFO
// order from any goroutine and drained by a single writer goroutine, which
// both satisfies gorilla/websocket's one-writer rule and preserves the
// enqueue order the dispatcher established. A full queue drops the frame; a
// consumer that far behind has already lost the stream and will resync on
// reconnect.
type wsSender struct {
	conn  *websocket.Conn
	queue chan outFrame
	done  chan struct{}
	stop  sync.Once
}

func newWSSender(conn *websocket.Conn) *wsSender {
	w := &wsSender{
		conn:  conn,
		queue: make(chan outFrame, sendQueueSize),
		done:  make(chan struct{}),
	}
	go w.writeLoop()
	return w
}

func (w *wsSender) send(event string, data interface{}) {
	w.enqueue(outFrame{Event: event, Data: data})
}

func (w *wsSender) ack(id int64, data interface{}) {
	w.enqueue(outFrame{Event: "ack", ID: id, Data: data})
}

func (w *wsSender) enqueue(f outFrame) {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.queue <- f:
	default:
		logrus.WithField("event", f.Event).Warn("Dropping frame for slow consumer")
	}
}

func (w *wsSender) close() {
	w.stop.Do(func() { close(w.done) })
}

func (w *wsSender) writeLoop() {
	for {
		select {
		case <-w.done:
			return
		case f := <-w.queue:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteJSON(f); err != nil {
				logrus.WithError(err).Debug("Failed to write frame to websocket")
			}
		}
	}
}

// Setup registers the public HTTP surface on the router.
func Setup(router *mux.Router, rooms *api.Rooms) *Dispatcher {
	d := NewDispatcher(rooms)
	router.HandleFunc("/ws", d.serveWS).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}).Methods(http.MethodGet)
	return d
}

func (d *Dispatcher) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logrus.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	connID := uuid.NewString()
	out := newWSSender(conn)
	s := d.newSession(connID, out)

	logrus.WithFields(logrus.Fields{
		"conn_id": connID,
		"remote":  req.RemoteAddr,
	}).Debug("Websocket connection opened")

	defer func() {
		d.HandleDisconnect(s)
		out.close()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).WithField("conn_id", connID).Debug("Websocket read failed")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logrus.WithField("conn_id", connID).Debug("Dropping unparseable frame")
			continue
		}
		switch f.Event {
		case "join":
			ack := d.HandleJoin(s, f.Data)
			if f.ID != 0 {
				out.ack(f.ID, ack)
			}
		case "msg":
			ack := d.HandleOp(s, f.Data)
			if f.ID != 0 {
				out.ack(f.ID, ack)
			}
		case "cursor":
			d.HandleCursor(s, f.Data)
		default:
			logrus.WithFields(logrus.Fields{
				"conn_id": connID,
				"event":   f.Event,
			}).Debug("Ignoring unknown frame event")
		}
	}
}
