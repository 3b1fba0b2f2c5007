// Package validate schema-checks and clamps untrusted client operations
// before they reach room state. It is stateless: ownership and existence
// checks belong to the drawing state, not here.
package validate

import (
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/scrawlhq/scrawl/roomserver/types"
)

// ClientOp parses a raw client message into a typed, normalized op or
// returns an error describing the first violated constraint. Unknown extra
// fields are ignored.
func ClientOp(raw []byte) (*types.ClientOp, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	t := gjson.GetBytes(raw, "t")
	if !t.Exists() || t.Type != gjson.String {
		return nil, fmt.Errorf("missing op type")
	}

	switch types.OpType(t.String()) {
	case types.OpStrokeStart:
		return strokeStart(raw)
	case types.OpStrokePoints:
		return strokePoints(raw)
	case types.OpStrokeEnd:
		id, err := strokeID(raw)
		if err != nil {
			return nil, err
		}
		return &types.ClientOp{T: types.OpStrokeEnd, StrokeID: id}, nil
	case types.OpUndo:
		return &types.ClientOp{T: types.OpUndo}, nil
	case types.OpRedo:
		return &types.ClientOp{T: types.OpRedo}, nil
	default:
		return nil, fmt.Errorf("unknown op type %q", t.String())
	}
}

func strokeStart(raw []byte) (*types.ClientOp, error) {
	id, err := strokeID(raw)
	if err != nil {
		return nil, err
	}
	tool := gjson.GetBytes(raw, "tool").String()
	if !types.KnownTool(tool) {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
	color := strings.TrimSpace(gjson.GetBytes(raw, "color").String())
	if color == "" {
		return nil, fmt.Errorf("missing color")
	}
	width, err := finiteNumber(raw, "width")
	if err != nil {
		return nil, err
	}
	x, err := finiteNumber(raw, "x")
	if err != nil {
		return nil, err
	}
	y, err := finiteNumber(raw, "y")
	if err != nil {
		return nil, err
	}
	return &types.ClientOp{
		T:        types.OpStrokeStart,
		StrokeID: id,
		Tool:     tool,
		Color:    color,
		Width:    clampWidth(width),
		X:        x,
		Y:        y,
	}, nil
}

func strokePoints(raw []byte) (*types.ClientOp, error) {
	id, err := strokeID(raw)
	if err != nil {
		return nil, err
	}
	pts := gjson.GetBytes(raw, "points")
	if !pts.IsArray() {
		return nil, fmt.Errorf("points must be an array")
	}
	var points []types.Point
	var bad error
	pts.ForEach(func(_, pair gjson.Result) bool {
		if len(points) >= types.MaxPointsPerMessage {
			return false
		}
		coords := pair.Array()
		if !pair.IsArray() || len(coords) != 2 ||
			coords[0].Type != gjson.Number || coords[1].Type != gjson.Number {
			bad = fmt.Errorf("points must be [number, number] pairs")
			return false
		}
		x, y := coords[0].Float(), coords[1].Float()
		if !Finite(x) || !Finite(y) {
			bad = fmt.Errorf("point coordinates must be finite")
			return false
		}
		points = append(points, types.Point{x, y})
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return &types.ClientOp{T: types.OpStrokePoints, StrokeID: id, Points: points}, nil
}

func strokeID(raw []byte) (string, error) {
	id := gjson.GetBytes(raw, "strokeId")
	if id.Type != gjson.String || id.String() == "" {
		return "", fmt.Errorf("missing stroke id")
	}
	return id.String(), nil
}

func finiteNumber(raw []byte, key string) (float64, error) {
	v := gjson.GetBytes(raw, key)
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	f := v.Float()
	if !Finite(f) {
		return 0, fmt.Errorf("%s must be finite", key)
	}
	return f, nil
}

// Finite reports whether f is a usable coordinate: neither NaN nor infinite.
func Finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clampWidth(w float64) int {
	if w < types.MinStrokeWidth {
		return types.MinStrokeWidth
	}
	if w > types.MaxStrokeWidth {
		return types.MaxStrokeWidth
	}
	return int(w)
}
