package types

// OpType identifies a drawing operation on the wire. The same values are
// used for client-submitted ops and for the server ops broadcast back out.
type OpType string

const (
	OpStrokeStart  OpType = "stroke_start"
	OpStrokePoints OpType = "stroke_points"
	OpStrokeEnd    OpType = "stroke_end"
	OpUndo         OpType = "undo"
	OpRedo         OpType = "redo"
)

// Tools accepted by stroke_start.
const (
	ToolBrush     = "brush"
	ToolEraser    = "eraser"
	ToolRectangle = "rectangle"
	ToolCircle    = "circle"
	ToolSquare    = "square"
)

// KnownTool reports whether tool is one of the accepted tool names.
func KnownTool(tool string) bool {
	switch tool {
	case ToolBrush, ToolEraser, ToolRectangle, ToolCircle, ToolSquare:
		return true
	}
	return false
}

// Bounds applied by the validator before an op reaches room state.
const (
	MinStrokeWidth = 1
	MaxStrokeWidth = 64
	// MaxPointsPerMessage bounds per-message work; stroke_points payloads
	// are truncated to this many pairs.
	MaxPointsPerMessage = 200
	MaxNameLength       = 32
	MaxClientIDLength   = 64
)

// Point is a 2D canvas coordinate, marshalled as a [x, y] pair.
type Point [2]float64

// Stroke is the atomic unit of drawing history. Once committed, its points,
// tool, color, width and owner are immutable.
type Stroke struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Tool      string  `json:"tool"`
	Color     string  `json:"color"`
	Width     int     `json:"width"`
	Points    []Point `json:"points"`
	Committed bool    `json:"committed"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Copy returns a structural copy safe to hand to consumers outside the
// owning drawing state.
func (s *Stroke) Copy() Stroke {
	c := *s
	c.Points = make([]Point, len(s.Points))
	copy(c.Points, s.Points)
	return c
}

// ClientOp is a validated, normalized drawing operation. Which fields are
// populated depends on T; the validator guarantees the per-type contract
// before a ClientOp is constructed.
type ClientOp struct {
	T        OpType  `json:"t"`
	StrokeID string  `json:"strokeId,omitempty"`
	Tool     string  `json:"tool,omitempty"`
	Color    string  `json:"color,omitempty"`
	Width    int     `json:"width,omitempty"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	Points   []Point `json:"points,omitempty"`
}

// ServerOp is the broadcast-ready form of an applied operation. For
// stroke_* ops it is the client op unchanged; for undo/redo it carries the
// stroke id the room chose.
type ServerOp = ClientOp

// Envelope is the unit of sequenced replication: every broadcast op is
// wrapped with the room sequence number assigned to it, the acting user and
// a wall-clock timestamp in milliseconds.
type Envelope struct {
	Seq int64     `json:"seq"`
	Op  *ServerOp `json:"op"`
	By  string    `json:"by"`
	TS  int64     `json:"ts"`
}

// User modes. View-mode users receive envelopes and cursors but may not
// submit drawing ops.
const (
	ModeEdit = "edit"
	ModeView = "view"
)

// User is a room member as seen by other members.
type User struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Mode   string `json:"mode"`
}

// SyncSnapshot is the full state sent to a joining or reconnecting client:
// enough to render the scene and seed the reorder buffer at Seq+1.
type SyncSnapshot struct {
	RoomID     string   `json:"roomId"`
	Seq        int64    `json:"seq"`
	Users      []User   `json:"users"`
	Strokes    []Stroke `json:"strokes"`
	Undone     []string `json:"undone"`
	InProgress []Stroke `json:"inProgress"`
}

// PersistedRoom is the on-disk snapshot format. Strokes are listed in
// committed order and always have Committed set; in-progress strokes are
// deliberately not persisted.
type PersistedRoom struct {
	Seq            int64    `json:"seq"`
	Strokes        []Stroke `json:"strokes"`
	Undone         []string `json:"undone"`
	CommittedOrder []string `json:"committedOrder"`
	RedoStack      []string `json:"redoStack"`
}

// Cursor is the unsequenced presence side-channel payload. It never carries
// a sequence number and never mutates drawing state.
type Cursor struct {
	UserID string  `json:"userId,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}
