// Package syncapi is the consumer side of the replication protocol: a
// reorder buffer that applies envelopes in sequence order, and a mirror of
// the server's drawing state that the renderer reads from.
package syncapi

import (
	"github.com/sirupsen/logrus"

	"github.com/scrawlhq/scrawl/roomserver/types"
)

// Mirror replays server ops into a local replica of the room's drawing
// state. Ownership is not rechecked: the server already validated every op
// it broadcast. Not safe for concurrent use; drive it from one goroutine.
type Mirror struct {
	strokes        map[string]*types.Stroke
	committed      map[string]struct{}
	committedOrder []string
	undone         map[string]struct{}
}

func NewMirror() *Mirror {
	return &Mirror{
		strokes:   make(map[string]*types.Stroke),
		committed: make(map[string]struct{}),
		undone:    make(map[string]struct{}),
	}
}

// Reset replaces the mirror contents with a sync snapshot.
func (m *Mirror) Reset(sync *types.SyncSnapshot) {
	m.strokes = make(map[string]*types.Stroke, len(sync.Strokes)+len(sync.InProgress))
	m.committed = make(map[string]struct{}, len(sync.Strokes))
	m.committedOrder = m.committedOrder[:0]
	m.undone = make(map[string]struct{}, len(sync.Undone))

	for i := range sync.Strokes {
		stroke := sync.Strokes[i].Copy()
		stroke.Committed = true
		m.strokes[stroke.ID] = &stroke
		m.committed[stroke.ID] = struct{}{}
		m.committedOrder = append(m.committedOrder, stroke.ID)
	}
	for i := range sync.InProgress {
		stroke := sync.InProgress[i].Copy()
		stroke.Committed = false
		m.strokes[stroke.ID] = &stroke
	}
	for _, id := range sync.Undone {
		m.undone[id] = struct{}{}
	}
}

// Apply replays one server op. Server-validated ops cannot fail here; the
// only tolerated anomaly is stroke traffic for an id the mirror has never
// seen, which is possible just after a join and is logged and dropped.
func (m *Mirror) Apply(by string, op *types.ServerOp) {
	switch op.T {
	case types.OpStrokeStart:
		// Accepted blindly: the server is authoritative.
		m.strokes[op.StrokeID] = &types.Stroke{
			ID:     op.StrokeID,
			UserID: by,
			Tool:   op.Tool,
			Color:  op.Color,
			Width:  op.Width,
			Points: []types.Point{{op.X, op.Y}},
		}
	case types.OpStrokePoints:
		stroke, ok := m.strokes[op.StrokeID]
		if !ok || stroke.Committed {
			logrus.WithFields(logrus.Fields{
				"stroke_id": op.StrokeID,
				"known":     ok,
			}).Debug("Dropping stroke_points with no matching in-progress stroke")
			return
		}
		stroke.Points = append(stroke.Points, op.Points...)
	case types.OpStrokeEnd:
		stroke, ok := m.strokes[op.StrokeID]
		if !ok || stroke.Committed {
			logrus.WithField("stroke_id", op.StrokeID).Debug(
				"Dropping stroke_end with no matching in-progress stroke",
			)
			return
		}
		stroke.Committed = true
		m.committed[op.StrokeID] = struct{}{}
		m.committedOrder = append(m.committedOrder, op.StrokeID)
		delete(m.undone, op.StrokeID)
	case types.OpUndo:
		m.undone[op.StrokeID] = struct{}{}
	case types.OpRedo:
		delete(m.undone, op.StrokeID)
	}
}

// ActiveStrokes returns copies of the strokes the renderer should draw:
// committed strokes that are not undone, in committed order, followed by
// in-progress strokes.
func (m *Mirror) ActiveStrokes() []types.Stroke {
	active := make([]types.Stroke, 0, len(m.strokes))
	for _, id := range m.committedOrder {
		if _, isUndone := m.undone[id]; isUndone {
			continue
		}
		if stroke, ok := m.strokes[id]; ok {
			active = append(active, stroke.Copy())
		}
	}
	for _, stroke := range m.strokes {
		if !stroke.Committed {
			active = append(active, stroke.Copy())
		}
	}
	return active
}

// CommittedOrder returns the mirror's view of the canonical history.
func (m *Mirror) CommittedOrder() []string {
	return append([]string(nil), m.committedOrder...)
}

// UndoneIDs returns the currently tombstoned stroke ids.
func (m *Mirror) UndoneIDs() []string {
	ids := make([]string, 0, len(m.undone))
	for id := range m.undone {
		ids = append(ids, id)
	}
	return ids
}
