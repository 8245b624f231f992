package geometry

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/paulmach/orb"
)

var (
	// ErrInvalidBoundary is returned for a yard polygon with fewer than three
	// vertices or a bounding box without positive width and height.
	ErrInvalidBoundary = errors.New("invalid yard boundary")
	// ErrInvalidOutputSize is returned for a non-positive explicit canvas size.
	ErrInvalidOutputSize = errors.New("output size must be positive")
	// ErrCanvasTooLarge is returned when the canvas exceeds the pixel budget.
	// It wraps ErrInvalidOutputSize so callers treat it as bad input.
	ErrCanvasTooLarge = fmt.Errorf("%w: canvas exceeds pixel budget", ErrInvalidOutputSize)
)

// Boundary is the yard polygon in yard coordinates.
type Boundary struct {
	ring orb.Ring
}

// NewBoundary validates the polygon and returns an immutable Boundary.
func NewBoundary(points []r2.Point) (Boundary, error) {
	if len(points) < 3 {
		return Boundary{}, fmt.Errorf("%w: need at least 3 points, got %d", ErrInvalidBoundary, len(points))
	}
	ring := make(orb.Ring, len(points))
	for i, p := range points {
		ring[i] = orb.Point{p.X, p.Y}
	}
	b := ring.Bound()
	if b.Right()-b.Left() <= 0 || b.Top()-b.Bottom() <= 0 {
		return Boundary{}, fmt.Errorf("%w: extents %.3fx%.3f", ErrInvalidBoundary, b.Right()-b.Left(), b.Top()-b.Bottom())
	}
	return Boundary{ring: ring}, nil
}

// Min returns the minimum corner of the bounding box.
func (b Boundary) Min() r2.Point {
	bound := b.ring.Bound()
	return r2.Point{X: bound.Min[0], Y: bound.Min[1]}
}

// Size returns the bounding box extents.
func (b Boundary) Size() r2.Point {
	bound := b.ring.Bound()
	return r2.Point{X: bound.Max[0] - bound.Min[0], Y: bound.Max[1] - bound.Min[1]}
}

// Vertices returns a copy of the polygon vertices.
func (b Boundary) Vertices() []r2.Point {
	out := make([]r2.Point, len(b.ring))
	for i, p := range b.ring {
		out[i] = r2.Point{X: p[0], Y: p[1]}
	}
	return out
}
