package geometry

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
)

func rect(w, h float64) []r2.Point {
	return []r2.Point{{X: 0, Y: 0}, {X: w, Y: 0}, {X: w, Y: h}, {X: 0, Y: h}}
}

func TestNewBoundaryRejectsDegenerate(t *testing.T) {
	cases := []struct {
		name string
		pts  []r2.Point
	}{
		{"too few", []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}},
		{"zero width", []r2.Point{{X: 5, Y: 0}, {X: 5, Y: 10}, {X: 5, Y: 20}}},
		{"zero height", []r2.Point{{X: 0, Y: 3}, {X: 10, Y: 3}, {X: 20, Y: 3}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewBoundary(tc.pts); !errors.Is(err, ErrInvalidBoundary) {
				t.Fatalf("expected ErrInvalidBoundary, got %v", err)
			}
		})
	}
}

func TestCanvasDefaultScale(t *testing.T) {
	b, err := NewBoundary([]r2.Point{{X: 10, Y: 20}, {X: 110.5, Y: 20}, {X: 110.5, Y: 70.2}, {X: 10, Y: 70.2}})
	if err != nil {
		t.Fatalf("boundary: %v", err)
	}
	c, err := NewCanvas(b, nil, 0)
	if err != nil {
		t.Fatalf("canvas: %v", err)
	}
	if c.Width != 101 || c.Height != 51 {
		t.Fatalf("expected 101x51 canvas, got %dx%d", c.Width, c.Height)
	}
	p := c.Project(r2.Point{X: 10, Y: 20})
	if p.X != 0 || p.Y != 0 {
		t.Fatalf("min corner should project to origin, got %v", p)
	}
}

func TestCanvasExplicitSize(t *testing.T) {
	b, _ := NewBoundary(rect(256, 144))
	c, err := NewCanvas(b, &image.Point{X: 1024, Y: 288}, 0)
	if err != nil {
		t.Fatalf("canvas: %v", err)
	}
	if c.ScaleX != 4 || c.ScaleY != 2 {
		t.Fatalf("unexpected scale %v,%v", c.ScaleX, c.ScaleY)
	}
	p := c.Project(r2.Point{X: 128, Y: 72})
	if p.X != 512 || p.Y != 144 {
		t.Fatalf("unexpected projection %v", p)
	}

	if _, err := NewCanvas(b, &image.Point{X: 0, Y: 10}, 0); !errors.Is(err, ErrInvalidOutputSize) {
		t.Fatalf("expected ErrInvalidOutputSize, got %v", err)
	}
}

func TestCanvasPixelBudget(t *testing.T) {
	small, _ := NewBoundary(rect(10, 10))
	huge, _ := NewBoundary(rect(1<<32, 1<<32))
	wide, _ := NewBoundary(rect(1e300, 2))

	cases := []struct {
		name      string
		b         Boundary
		size      *image.Point
		maxPixels int
	}{
		{"explicit size overflowing int product", small, &image.Point{X: 1 << 32, Y: 1 << 32}, 0},
		{"explicit size over default budget", small, &image.Point{X: 100000, Y: 100000}, 0},
		{"boundary extent overflowing int", huge, nil, 0},
		{"one enormous side", wide, nil, 0},
		{"explicit budget", small, &image.Point{X: 101, Y: 100}, 10000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCanvas(tc.b, tc.size, tc.maxPixels)
			if !errors.Is(err, ErrCanvasTooLarge) || !errors.Is(err, ErrInvalidOutputSize) {
				t.Fatalf("expected ErrCanvasTooLarge wrapping ErrInvalidOutputSize, got %v", err)
			}
		})
	}

	if c, err := NewCanvas(small, &image.Point{X: 100, Y: 100}, 10000); err != nil || c.Width != 100 {
		t.Fatalf("canvas exactly at the budget should be accepted: %+v %v", c, err)
	}
}

func TestYardMaskRectangleCoversCanvas(t *testing.T) {
	b, _ := NewBoundary(rect(256, 144))
	c, _ := NewCanvas(b, nil, 0)
	m := c.YardMask(b)
	if m.Count() != 256*144 {
		t.Fatalf("expected full coverage, got %d of %d", m.Count(), 256*144)
	}
}

func TestYardMaskTriangle(t *testing.T) {
	b, _ := NewBoundary([]r2.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 0, Y: 100}})
	c, _ := NewCanvas(b, nil, 0)
	m := c.YardMask(b)
	if !m.At(1, 1) {
		t.Fatalf("pixel near the right angle should be inside")
	}
	if m.At(98, 98) {
		t.Fatalf("pixel past the hypotenuse should be outside")
	}
	// about half of the canvas
	frac := float64(m.Count()) / float64(100*100)
	if math.Abs(frac-0.5) > 0.02 {
		t.Fatalf("unexpected inside fraction %.3f", frac)
	}
}

func TestScaleToImage(t *testing.T) {
	pts := []r2.Point{{X: 60, Y: 0}, {X: 150, Y: 0}, {X: 150, Y: 20}, {X: 60, Y: 20}}
	scaled, fallback := ScaleToImage(pts, 640, 480)
	if fallback {
		t.Fatalf("unexpected fallback")
	}
	want := []r2.Point{{X: 0, Y: 0}, {X: 640, Y: 0}, {X: 640, Y: 480}, {X: 0, Y: 480}}
	for i := range want {
		if math.Abs(scaled[i].X-want[i].X) > 1e-9 || math.Abs(scaled[i].Y-want[i].Y) > 1e-9 {
			t.Fatalf("point %d: got %v want %v", i, scaled[i], want[i])
		}
	}
}

func TestScaleToImageDegenerateFallsBackToCorners(t *testing.T) {
	pts := []r2.Point{{X: 3, Y: 1}, {X: 3, Y: 9}}
	scaled, fallback := ScaleToImage(pts, 64, 32)
	if !fallback {
		t.Fatalf("expected corner fallback")
	}
	want := []r2.Point{{X: 0, Y: 0}, {X: 63, Y: 0}, {X: 63, Y: 31}, {X: 0, Y: 31}}
	if len(scaled) != 4 {
		t.Fatalf("expected 4 corners, got %d", len(scaled))
	}
	for i := range want {
		if scaled[i] != want[i] {
			t.Fatalf("corner %d: got %v want %v", i, scaled[i], want[i])
		}
	}
}
