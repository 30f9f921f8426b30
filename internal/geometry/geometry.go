// Package geometry holds the coordinate types shared by the annotation
// engine and the stateless helpers that work on them.
package geometry

import (
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
)

// DefaultNearThreshold is the pixel distance under which two points are
// treated as overlapping.
const DefaultNearThreshold = 30.0

// Point is a position in image pixel space. On the wire it is encoded as
// a two element array [x, y].
type Point struct {
	X float64
	Y float64
}

// Location makes a bare Point usable wherever a Locator is expected.
func (p Point) Location() (Point, bool) {
	return p, true
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var coords []float64
	if err := json.Unmarshal(data, &coords); err != nil {
		return fmt.Errorf("while decoding point: %w", err)
	}
	if len(coords) != 2 {
		return fmt.Errorf("point must have exactly 2 coordinates, got %d", len(coords))
	}
	p.X, p.Y = coords[0], coords[1]
	return nil
}

// Offset is a position relative to the image center, encoded as {"x", "y"}.
type Offset struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Locator is anything that can report a coordinate pair. Teeth report their
// centroid, landmark points their position. ok is false when the value has
// no coordinates to offer.
type Locator interface {
	Location() (p Point, ok bool)
}

// ArePointsNear reports whether a and b are closer than threshold pixels.
// Missing inputs are never near anything.
func ArePointsNear(a, b Locator, threshold float64) bool {
	if a == nil || b == nil {
		return false
	}
	pa, ok := a.Location()
	if !ok {
		return false
	}
	pb, ok := b.Location()
	if !ok {
		return false
	}
	return Distance(pa, pb) < threshold
}

// Distance is the euclidean distance between two points.
func Distance(a, b Point) float64 {
	return r2.Norm(r2.Sub(r2.Vec{X: a.X, Y: a.Y}, r2.Vec{X: b.X, Y: b.Y}))
}

// CalculateQuadrant classifies an offset from the image center using screen
// axes (y grows downward). Points on an axis fall in the ">=" side.
//
//	2 | 1
//	--+--
//	3 | 4
func CalculateQuadrant(o Offset) int {
	switch {
	case o.X >= 0 && o.Y < 0:
		return 1
	case o.X < 0 && o.Y < 0:
		return 2
	case o.X < 0 && o.Y >= 0:
		return 3
	default:
		return 4
	}
}

// RelativeToCenter returns p relative to the center of an image of the
// given height and width.
func RelativeToCenter(p Point, height, width float64) Offset {
	return Offset{X: p.X - width/2, Y: p.Y - height/2}
}
