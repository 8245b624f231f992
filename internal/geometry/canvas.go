package geometry

import (
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"yardstitch/internal/raster"
)

// Canvas is the raster the cameras are warped onto, plus the affine mapping
// from yard coordinates to canvas pixels.
type Canvas struct {
	Width  int
	Height int
	Origin r2.Point
	ScaleX float64
	ScaleY float64
}

// DefaultMaxPixels bounds the canvas area when the caller sets no budget.
const DefaultMaxPixels = 1 << 25

// NewCanvas derives the canvas for a boundary. A nil size keeps one yard unit
// per pixel and rounds the extents up; an explicit size scales x and y
// independently so the bounding box fills it. A canvas larger than maxPixels
// (DefaultMaxPixels when <= 0) fails with ErrCanvasTooLarge.
func NewCanvas(b Boundary, size *image.Point, maxPixels int) (Canvas, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	ext := b.Size()
	c := Canvas{Origin: b.Min(), ScaleX: 1, ScaleY: 1}
	if size != nil {
		if size.X <= 0 || size.Y <= 0 {
			return Canvas{}, fmt.Errorf("%w: %dx%d", ErrInvalidOutputSize, size.X, size.Y)
		}
		c.Width, c.Height = size.X, size.Y
		c.ScaleX = float64(size.X) / ext.X
		c.ScaleY = float64(size.Y) / ext.Y
	} else {
		w, h := math.Ceil(ext.X), math.Ceil(ext.Y)
		// either side alone past the budget would overflow the int conversion
		if !(w <= float64(maxPixels)) || !(h <= float64(maxPixels)) {
			return Canvas{}, fmt.Errorf("%w: boundary extent %.0fx%.0f, limit %d px", ErrCanvasTooLarge, w, h, maxPixels)
		}
		c.Width, c.Height = int(w), int(h)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return Canvas{}, fmt.Errorf("%w: canvas %dx%d", ErrInvalidBoundary, c.Width, c.Height)
	}
	if c.Width > maxPixels/c.Height {
		return Canvas{}, fmt.Errorf("%w: %dx%d, limit %d px", ErrCanvasTooLarge, c.Width, c.Height, maxPixels)
	}
	return c, nil
}

// Size returns the canvas dimensions.
func (c Canvas) Size() image.Point {
	return image.Point{X: c.Width, Y: c.Height}
}

// Project maps a yard coordinate to canvas pixel space.
func (c Canvas) Project(p r2.Point) r2.Point {
	return r2.Point{X: (p.X - c.Origin.X) * c.ScaleX, Y: (p.Y - c.Origin.Y) * c.ScaleY}
}

// ProjectAll maps a sequence of yard coordinates to canvas pixel space.
func (c Canvas) ProjectAll(pts []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = c.Project(p)
	}
	return out
}

// YardMask rasterises the boundary onto the canvas. A pixel is inside when its
// centre lies inside or on the canvas-projected polygon.
func (c Canvas) YardMask(b Boundary) *raster.Mask {
	verts := c.ProjectAll(b.Vertices())
	ring := make(orb.Ring, len(verts))
	for i, v := range verts {
		ring[i] = orb.Point{v.X, v.Y}
	}
	bound := ring.Bound()

	m := raster.NewMask(c.Width, c.Height)
	y0 := clampInt(int(math.Floor(bound.Min[1])), 0, c.Height)
	y1 := clampInt(int(math.Ceil(bound.Max[1])), 0, c.Height)
	x0 := clampInt(int(math.Floor(bound.Min[0])), 0, c.Width)
	x1 := clampInt(int(math.Ceil(bound.Max[0])), 0, c.Width)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if planar.RingContains(ring, orb.Point{float64(x) + 0.5, float64(y) + 0.5}) {
				m.Pix[y*c.Width+x] = true
			}
		}
	}
	return m
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
