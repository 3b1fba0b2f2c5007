// Package state implements the per-room drawing state machine: the stroke
// registry, the committed order, the undone set and the redo stack. All
// mutation goes through ApplyClientOp so the history invariants are enforced
// in a single place. A DrawingState is not safe for concurrent use; the
// owning room serializes access to it.
package state

import (
	"errors"
	"time"

	"github.com/scrawlhq/scrawl/roomserver/types"
)

// Failure reasons surfaced to the submitting client. None of these leave the
// state mutated.
var (
	ErrStrokeExists    = errors.New("stroke id already exists")
	ErrUnknownStroke   = errors.New("unknown stroke id")
	ErrStrokeCommitted = errors.New("stroke is already committed")
	ErrNotOwner        = errors.New("stroke is owned by another user")
)

// DrawingState is the per-room aggregate of spec'd drawing history.
type DrawingState struct {
	strokes map[string]*types.Stroke
	// committed is the fast-membership view of committedOrder.
	committed map[string]struct{}
	// committedOrder is the canonical history: append-only, no duplicates,
	// never reordered.
	committedOrder []string
	// undone tombstones committed strokes out of the rendered scene.
	undone map[string]struct{}
	// redoStack holds undone stroke ids, top = most recently undone.
	redoStack []string

	now func() time.Time
}

func New() *DrawingState {
	return &DrawingState{
		strokes:   make(map[string]*types.Stroke),
		committed: make(map[string]struct{}),
		undone:    make(map[string]struct{}),
		now:       time.Now,
	}
}

// ApplyClientOp applies a validated client op on behalf of userID. It
// returns the broadcast-ready server op, or (nil, nil) when the op succeeded
// but produced nothing to broadcast (no-op undo/redo), or an error when the
// op violates stroke state. The error paths mutate nothing.
func (d *DrawingState) ApplyClientOp(userID string, op *types.ClientOp) (*types.ServerOp, error) {
	switch op.T {
	case types.OpStrokeStart:
		return d.strokeStart(userID, op)
	case types.OpStrokePoints:
		return d.strokePoints(userID, op)
	case types.OpStrokeEnd:
		return d.strokeEnd(userID, op)
	case types.OpUndo:
		return d.undo(), nil
	case types.OpRedo:
		return d.redo(), nil
	default:
		return nil, ErrUnknownStroke
	}
}

func (d *DrawingState) strokeStart(userID string, op *types.ClientOp) (*types.ServerOp, error) {
	if _, ok := d.strokes[op.StrokeID]; ok {
		return nil, ErrStrokeExists
	}
	now := d.now().UnixMilli()
	d.strokes[op.StrokeID] = &types.Stroke{
		ID:        op.StrokeID,
		UserID:    userID,
		Tool:      op.Tool,
		Color:     op.Color,
		Width:     op.Width,
		Points:    []types.Point{{op.X, op.Y}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	out := *op
	return &out, nil
}

func (d *DrawingState) strokePoints(userID string, op *types.ClientOp) (*types.ServerOp, error) {
	stroke, err := d.mutableStroke(userID, op.StrokeID)
	if err != nil {
		return nil, err
	}
	stroke.Points = append(stroke.Points, op.Points...)
	stroke.UpdatedAt = d.now().UnixMilli()
	out := *op
	return &out, nil
}

func (d *DrawingState) strokeEnd(userID string, op *types.ClientOp) (*types.ServerOp, error) {
	stroke, err := d.mutableStroke(userID, op.StrokeID)
	if err != nil {
		return nil, err
	}
	stroke.Committed = true
	stroke.UpdatedAt = d.now().UnixMilli()
	d.committed[stroke.ID] = struct{}{}
	d.committedOrder = append(d.committedOrder, stroke.ID)
	// Any new commit invalidates redo.
	d.redoStack = nil
	delete(d.undone, stroke.ID)
	out := *op
	return &out, nil
}

// mutableStroke resolves a stroke id to a stroke the given user may still
// extend: it must exist, be uncommitted and be owned by the user.
func (d *DrawingState) mutableStroke(userID, strokeID string) (*types.Stroke, error) {
	stroke, ok := d.strokes[strokeID]
	if !ok {
		return nil, ErrUnknownStroke
	}
	if stroke.Committed {
		return nil, ErrStrokeCommitted
	}
	if stroke.UserID != userID {
		return nil, ErrNotOwner
	}
	return stroke, nil
}

// undo tombstones the latest committed, not-yet-undone stroke in global
// order, regardless of who drew it or who asked. Returns nil when there is
// nothing left to undo.
func (d *DrawingState) undo() *types.ServerOp {
	for i := len(d.committedOrder) - 1; i >= 0; i-- {
		id := d.committedOrder[i]
		if _, isUndone := d.undone[id]; isUndone {
			continue
		}
		d.undone[id] = struct{}{}
		d.redoStack = append(d.redoStack, id)
		return &types.ServerOp{T: types.OpUndo, StrokeID: id}
	}
	return nil
}

// redo re-activates the most recently undone stroke. Stack entries that are
// no longer both committed and undone are stale and discarded; redo for them
// was implicitly invalidated. Returns nil when the stack drains.
func (d *DrawingState) redo() *types.ServerOp {
	for len(d.redoStack) > 0 {
		id := d.redoStack[len(d.redoStack)-1]
		d.redoStack = d.redoStack[:len(d.redoStack)-1]
		if _, isCommitted := d.committed[id]; !isCommitted {
			continue
		}
		if _, isUndone := d.undone[id]; !isUndone {
			continue
		}
		delete(d.undone, id)
		return &types.ServerOp{T: types.OpRedo, StrokeID: id}
	}
	return nil
}

// Snapshot produces the late-joiner view: copies of all committed and
// in-progress strokes plus the undone id list.
func (d *DrawingState) Snapshot() (committed, inProgress []types.Stroke, undone []string) {
	committed = make([]types.Stroke, 0, len(d.committed))
	inProgress = make([]types.Stroke, 0, len(d.strokes)-len(d.committed))
	for _, stroke := range d.strokes {
		if stroke.Committed {
			committed = append(committed, stroke.Copy())
		} else {
			inProgress = append(inProgress, stroke.Copy())
		}
	}
	undone = make([]string, 0, len(d.undone))
	for id := range d.undone {
		undone = append(undone, id)
	}
	return committed, inProgress, undone
}

// PersistedView materializes the durable snapshot at the given room
// sequence. Strokes are listed in committed order; in-progress strokes are
// deliberately omitted.
func (d *DrawingState) PersistedView(seq int64) *types.PersistedRoom {
	p := &types.PersistedRoom{
		Seq:            seq,
		Strokes:        make([]types.Stroke, 0, len(d.committedOrder)),
		Undone:         make([]string, 0, len(d.undone)),
		CommittedOrder: append([]string(nil), d.committedOrder...),
		RedoStack:      append([]string(nil), d.redoStack...),
	}
	for _, id := range d.committedOrder {
		if stroke, ok := d.strokes[id]; ok {
			p.Strokes = append(p.Strokes, stroke.Copy())
		}
	}
	for id := range d.undone {
		p.Undone = append(p.Undone, id)
	}
	return p
}

// Restore loads a persisted snapshot verbatim. Every stroke comes back
// committed; committedOrder, undone and redoStack are taken as-is. The seq
// carried alongside the snapshot belongs to the owning room, not here.
func (d *DrawingState) Restore(p *types.PersistedRoom) {
	for i := range p.Strokes {
		stroke := p.Strokes[i].Copy()
		stroke.Committed = true
		d.strokes[stroke.ID] = &stroke
		d.committed[stroke.ID] = struct{}{}
	}
	d.committedOrder = append([]string(nil), p.CommittedOrder...)
	d.redoStack = append([]string(nil), p.RedoStack...)
	for _, id := range p.Undone {
		d.undone[id] = struct{}{}
	}
}
