package geometry

import (
	"github.com/golang/geo/r2"
)

// DegenerateExtent is the bounding-box width/height at or below which a
// correspondence point set cannot be rescaled.
const DegenerateExtent = 1e-6

// ScaleToImage rescales points declared in a camera's nominal frame so their
// bounding box covers [0,w]x[0,h] of the decoded image.
//
// When the bounding box is degenerate in either axis the four image corners
// (0,0), (w-1,0), (w-1,h-1), (0,h-1) are returned instead and fallback is true.
// The corner set always has four points, whatever the input length.
func ScaleToImage(points []r2.Point, w, h int) (scaled []r2.Point, fallback bool) {
	if len(points) == 0 {
		return imageCorners(w, h), true
	}
	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	for _, p := range points[1:] {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	bw, bh := maxX-minX, maxY-minY
	if bw <= DegenerateExtent || bh <= DegenerateExtent {
		return imageCorners(w, h), true
	}

	sx := float64(w) / bw
	sy := float64(h) / bh
	scaled = make([]r2.Point, len(points))
	for i, p := range points {
		scaled[i] = r2.Point{X: (p.X - minX) * sx, Y: (p.Y - minY) * sy}
	}
	return scaled, false
}

func imageCorners(w, h int) []r2.Point {
	fw, fh := float64(w)-1, float64(h)-1
	return []r2.Point{{X: 0, Y: 0}, {X: fw, Y: 0}, {X: fw, Y: fh}, {X: 0, Y: fh}}
}
