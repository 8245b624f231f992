package mosaic

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r2"

	"yardstitch/internal/composite"
	"yardstitch/internal/geometry"
	"yardstitch/internal/imagesource"
	"yardstitch/internal/transform"
	"yardstitch/internal/yard"
)

var (
	red   = color.NRGBA{R: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func rect(x0, y0, x1, y1 float64) []yard.Point {
	return []yard.Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
}

// camera maps a whole w x h frame onto the yard rectangle (x0,y0)-(x1,y1).
func camera(ref string, w, h int, x0, y0, x1, y1 float64) yard.Camera {
	return yard.Camera{
		ID:              yard.ID(ref),
		URLAccess:       ref,
		YardPoints:      rect(0, 0, float64(w), float64(h)),
		TransformPoints: rect(x0, y0, x1, y1),
	}
}

func newEngine(mem *imagesource.Memory) *Engine {
	return New(mem, transform.DefaultEstimator(), nil)
}

func stitch(t *testing.T, e *Engine, d yard.Descriptor, opts Options) *Result {
	t.Helper()
	res, err := e.Stitch(context.Background(), d, opts)
	if err != nil {
		t.Fatalf("stitch: %v", err)
	}
	return res
}

func TestSolidRedFillsYard(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:red", solid(64, 64, red))
	d := yard.Descriptor{
		Boundary: rect(0, 0, 256, 144),
		Cameras: []yard.Camera{{
			URLAccess:       "mem:red",
			YardPoints:      rect(0, 0, 256, 144),
			TransformPoints: rect(0, 0, 256, 144),
		}},
	}

	res := stitch(t, newEngine(mem), d, Options{Blend: composite.BlendAverage})
	if b := res.Image.Bounds(); b.Dx() != 256 || b.Dy() != 144 {
		t.Fatalf("expected 256x144, got %v", b)
	}
	for y := 0; y < 144; y++ {
		for x := 0; x < 256; x++ {
			if got := res.Image.NRGBAAt(x, y); got != red {
				t.Fatalf("pixel (%d,%d) = %v, want solid red", x, y, got)
			}
		}
	}
	if res.Covered != 256*144 || res.Cameras[0].Family != "homography" {
		t.Fatalf("unexpected result covered=%d report=%+v", res.Covered, res.Cameras[0])
	}
}

func TestDisjointAverageIsUnion(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:left", solid(10, 10, red))
	mem.Put("mem:right", solid(20, 20, blue))
	d := yard.Descriptor{
		Boundary: rect(0, 0, 200, 100),
		Cameras: []yard.Camera{
			camera("mem:left", 10, 10, 0, 0, 100, 100),
			camera("mem:right", 20, 20, 100, 0, 200, 100),
		},
	}

	res := stitch(t, newEngine(mem), d, Options{Blend: composite.BlendAverage, Parallelism: 2})
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			want := red
			if x >= 100 {
				want = blue
			}
			if got := res.Image.NRGBAAt(x, y); got != want {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestOverlapMaxAndOverwrite(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:a", solid(8, 8, color.NRGBA{R: 200, G: 10, B: 50, A: 255}))
	mem.Put("mem:b", solid(8, 8, color.NRGBA{R: 100, G: 90, B: 50, A: 255}))
	d := yard.Descriptor{
		Boundary: rect(0, 0, 40, 40),
		Cameras: []yard.Camera{
			camera("mem:a", 8, 8, 0, 0, 40, 40),
			camera("mem:b", 8, 8, 0, 0, 40, 40),
		},
	}
	e := newEngine(mem)

	res := stitch(t, e, d, Options{Blend: composite.BlendMax})
	if got := res.Image.NRGBAAt(20, 20); got != (color.NRGBA{R: 200, G: 90, B: 50, A: 255}) {
		t.Fatalf("max: got %v", got)
	}

	res = stitch(t, e, d, Options{Blend: composite.BlendOverwrite, Parallelism: 4})
	if got := res.Image.NRGBAAt(20, 20); got != (color.NRGBA{R: 100, G: 90, B: 50, A: 255}) {
		t.Fatalf("overwrite: got %v", got)
	}
}

func TestOverwriteIsIdempotent(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:a", solid(16, 12, red))
	mem.Put("mem:b", solid(16, 12, green))
	d := yard.Descriptor{
		Boundary: []yard.Point{{X: 0, Y: 0}, {X: 90, Y: 5}, {X: 80, Y: 70}, {X: 5, Y: 60}},
		Cameras: []yard.Camera{
			{
				URLAccess:       "mem:a",
				YardPoints:      []yard.Point{{X: 0, Y: 0}, {X: 16, Y: 0}, {X: 16, Y: 12}, {X: 0, Y: 12}, {X: 8, Y: 6}},
				TransformPoints: []yard.Point{{X: 2, Y: 3}, {X: 60, Y: 8}, {X: 55, Y: 50}, {X: 4, Y: 45}, {X: 30, Y: 26}},
			},
			{
				URLAccess:       "mem:b",
				YardPoints:      []yard.Point{{X: 0, Y: 0}, {X: 16, Y: 0}, {X: 16, Y: 12}},
				TransformPoints: []yard.Point{{X: 40, Y: 20}, {X: 88, Y: 22}, {X: 85, Y: 66}},
			},
		},
	}
	e := newEngine(mem)
	opts := Options{Blend: composite.BlendOverwrite, Parallelism: 2}

	a := stitch(t, e, d, opts)
	b := stitch(t, e, d, opts)
	if !bytes.Equal(a.Image.Pix, b.Image.Pix) {
		t.Fatalf("repeated overwrite stitch differs")
	}
	if a.Cameras[1].Family != "affine" {
		t.Fatalf("expected affine for three points, got %q", a.Cameras[1].Family)
	}
}

func TestAlphaFollowsYardAndCoverage(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:half", solid(50, 100, blue))
	tri := []yard.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 0, Y: 100}}
	d := yard.Descriptor{
		Boundary: tri,
		Cameras: []yard.Camera{{
			URLAccess:       "mem:half",
			YardPoints:      []yard.Point{{X: 0, Y: 0}},
			TransformPoints: []yard.Point{{X: 0, Y: 0}},
		}},
	}

	b, err := geometry.NewBoundary(d.BoundaryPoints())
	if err != nil {
		t.Fatalf("boundary: %v", err)
	}
	c, _ := geometry.NewCanvas(b, nil, 0)
	inside := c.YardMask(b)

	for _, opaque := range []bool{false, true} {
		res := stitch(t, newEngine(mem), d, Options{Blend: composite.BlendAverage, OpaqueWhereUncovered: opaque})
		if res.Cameras[0].Family != "translation" || !res.Cameras[0].Fallback {
			t.Fatalf("expected anchored translation, got %+v", res.Cameras[0])
		}
		for y := 0; y < 100; y++ {
			for x := 0; x < 100; x++ {
				covered := x < 50
				want := uint8(0)
				if inside.At(x, y) && (covered || opaque) {
					want = 255
				}
				px := res.Image.NRGBAAt(x, y)
				if px.A != want {
					t.Fatalf("opaque=%v pixel (%d,%d) alpha %d, want %d", opaque, x, y, px.A, want)
				}
				if want == 255 && !covered && (px.R|px.G|px.B) != 0 {
					t.Fatalf("uncovered opaque pixel should be black, got %v", px)
				}
			}
		}
	}
}

func TestFailedCameraIsSkipped(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:1", solid(10, 10, red))
	mem.Fail("mem:2", errors.New("connection refused"))
	mem.Put("mem:3", solid(10, 10, blue))
	d := yard.Descriptor{
		Boundary: rect(0, 0, 90, 30),
		Cameras: []yard.Camera{
			camera("mem:1", 10, 10, 0, 0, 30, 30),
			camera("mem:2", 10, 10, 30, 0, 60, 30),
			camera("mem:3", 10, 10, 60, 0, 90, 30),
		},
	}
	e := newEngine(mem)

	res := stitch(t, e, d, Options{Blend: composite.BlendAverage, Parallelism: 3})
	if res.Contributing() != 2 {
		t.Fatalf("expected 2 contributing cameras, got %d", res.Contributing())
	}
	if rep := res.Cameras[1]; !rep.Skipped || rep.Stage != StageFetch || !strings.Contains(rep.Reason, "connection refused") {
		t.Fatalf("unexpected report %+v", rep)
	}
	if res.Image.NRGBAAt(45, 15).A != 0 {
		t.Fatalf("failed camera region should be transparent")
	}
	if res.Image.NRGBAAt(15, 15) != red || res.Image.NRGBAAt(75, 15) != blue {
		t.Fatalf("surviving cameras missing")
	}

	res = stitch(t, e, d, Options{Blend: composite.BlendAverage, OpaqueWhereUncovered: true})
	if got := res.Image.NRGBAAt(45, 15); got != (color.NRGBA{A: 255}) {
		t.Fatalf("opaque uncovered pixel should be black, got %v", got)
	}
}

func TestPerCameraProblemsDoNotAbort(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:ok", solid(10, 10, green))
	mem.Put("mem:line", solid(10, 10, red))
	d := yard.Descriptor{
		Boundary: rect(0, 0, 10, 10),
		Cameras: []yard.Camera{
			{ID: "no-url", YardPoints: rect(0, 0, 1, 1), TransformPoints: rect(0, 0, 1, 1)},
			{ID: "no-points", URLAccess: "mem:ok"},
			{ // two points on a horizontal line collapse to the corner fallback
				ID:              "line",
				URLAccess:       "mem:line",
				YardPoints:      []yard.Point{{X: 0, Y: 5}, {X: 9, Y: 5}},
				TransformPoints: []yard.Point{{X: 0, Y: 0}, {X: 9, Y: 0}},
			},
			camera("mem:ok", 10, 10, 0, 0, 10, 10),
		},
	}

	res := stitch(t, newEngine(mem), d, Options{Blend: composite.BlendOverwrite})
	wantStages := []string{StageSource, StagePoints, StagePoints, ""}
	for i, want := range wantStages {
		if got := res.Cameras[i].Stage; got != want {
			t.Fatalf("camera %d stage %q, want %q (%+v)", i, got, want, res.Cameras[i])
		}
	}
	if res.Image.NRGBAAt(5, 5) != green {
		t.Fatalf("valid camera should still render")
	}
}

func TestFatalInputs(t *testing.T) {
	e := newEngine(imagesource.NewMemory())
	ctx := context.Background()

	flat := yard.Descriptor{Boundary: []yard.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 20, Y: 0}}}
	if _, err := e.Stitch(ctx, flat, Options{}); !errors.Is(err, geometry.ErrInvalidBoundary) {
		t.Fatalf("expected ErrInvalidBoundary, got %v", err)
	}

	ok := yard.Descriptor{Boundary: rect(0, 0, 4, 4)}
	if _, err := e.Stitch(ctx, ok, Options{Blend: "screen"}); !errors.Is(err, composite.ErrUnsupportedBlendMode) {
		t.Fatalf("expected ErrUnsupportedBlendMode, got %v", err)
	}
	if _, err := e.Stitch(ctx, ok, Options{RequireCameras: true}); !errors.Is(err, ErrNoCameras) {
		t.Fatalf("expected ErrNoCameras, got %v", err)
	}
	if _, err := e.Stitch(ctx, ok, Options{OutputSize: &image.Point{X: -1, Y: 4}}); !errors.Is(err, geometry.ErrInvalidOutputSize) {
		t.Fatalf("expected ErrInvalidOutputSize, got %v", err)
	}

	res, err := e.Stitch(ctx, ok, Options{})
	if err != nil {
		t.Fatalf("empty stitch: %v", err)
	}
	if res.Covered != 0 || res.Image.Bounds().Dx() != 4 {
		t.Fatalf("empty yard should give a transparent 4x4 canvas, got covered=%d bounds=%v", res.Covered, res.Image.Bounds())
	}
}

func TestOversizedCanvasRejected(t *testing.T) {
	e := newEngine(imagesource.NewMemory())
	ctx := context.Background()

	small := yard.Descriptor{Boundary: rect(0, 0, 10, 10)}
	_, err := e.Stitch(ctx, small, Options{OutputSize: &image.Point{X: 1 << 32, Y: 1 << 32}})
	if !errors.Is(err, geometry.ErrCanvasTooLarge) || !errors.Is(err, geometry.ErrInvalidOutputSize) {
		t.Fatalf("explicit size: expected ErrCanvasTooLarge, got %v", err)
	}

	huge := yard.Descriptor{Boundary: rect(0, 0, 1<<32, 1<<32)}
	if _, err := e.Stitch(ctx, huge, Options{}); !errors.Is(err, geometry.ErrCanvasTooLarge) {
		t.Fatalf("boundary extent: expected ErrCanvasTooLarge, got %v", err)
	}
	if _, _, err := e.Inspect(ctx, huge, Options{}); !errors.Is(err, geometry.ErrCanvasTooLarge) {
		t.Fatalf("inspect: expected ErrCanvasTooLarge, got %v", err)
	}

	if _, err := e.Stitch(ctx, small, Options{MaxPixels: 99}); !errors.Is(err, geometry.ErrCanvasTooLarge) {
		t.Fatalf("custom limit: expected ErrCanvasTooLarge, got %v", err)
	}
	if _, err := e.Stitch(ctx, small, Options{MaxPixels: 100}); err != nil {
		t.Fatalf("canvas at the limit should stitch: %v", err)
	}
}

// delayedSource holds back selected refs and tracks concurrent fetches.
type delayedSource struct {
	imagesource.Source
	delay map[string]time.Duration

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (s *delayedSource) Fetch(ctx context.Context, ref string) (image.Image, error) {
	s.mu.Lock()
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	select {
	case <-time.After(s.delay[ref]):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Source.Fetch(ctx, ref)
}

func TestOverwriteOrderWithSlowEarlyCamera(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:a", solid(8, 8, red))
	mem.Put("mem:b", solid(8, 8, green))
	mem.Put("mem:c", solid(8, 8, blue))
	src := &delayedSource{Source: mem, delay: map[string]time.Duration{
		"mem:a": 60 * time.Millisecond,
		"mem:b": 30 * time.Millisecond,
	}}
	d := yard.Descriptor{
		Boundary: rect(0, 0, 40, 40),
		Cameras: []yard.Camera{
			camera("mem:a", 8, 8, 0, 0, 40, 40),
			camera("mem:b", 8, 8, 0, 0, 40, 40),
			camera("mem:c", 8, 8, 0, 0, 40, 40),
			camera("mem:a", 8, 8, 0, 0, 20, 40),
		},
	}
	e := New(src, transform.DefaultEstimator(), nil)

	res := stitch(t, e, d, Options{Blend: composite.BlendOverwrite, Parallelism: 3})
	if got := res.Image.NRGBAAt(30, 20); got != blue {
		t.Fatalf("right half: expected last full camera to win, got %v", got)
	}
	if got := res.Image.NRGBAAt(10, 20); got != red {
		t.Fatalf("left half: expected final camera to win, got %v", got)
	}
	for i, c := range res.Cameras {
		if c.Index != i || c.Skipped {
			t.Fatalf("camera %d: unexpected report %+v", i, c)
		}
	}
	if src.maxInFlight > 3 {
		t.Fatalf("expected at most 3 concurrent cameras, saw %d", src.maxInFlight)
	}
}

func TestExplicitOutputSize(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:red", solid(32, 32, red))
	d := yard.Descriptor{
		Boundary: rect(0, 0, 100, 50),
		Cameras:  []yard.Camera{camera("mem:red", 32, 32, 0, 0, 100, 50)},
	}
	res := stitch(t, newEngine(mem), d, Options{OutputSize: &image.Point{X: 400, Y: 100}})
	if res.Canvas.ScaleX != 4 || res.Canvas.ScaleY != 2 {
		t.Fatalf("unexpected canvas %+v", res.Canvas)
	}
	if res.Covered != 400*100 {
		t.Fatalf("expected full coverage of scaled canvas, got %d", res.Covered)
	}
}

func TestCancelledContext(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:red", solid(4, 4, red))
	d := yard.Descriptor{
		Boundary: rect(0, 0, 4, 4),
		Cameras:  []yard.Camera{camera("mem:red", 4, 4, 0, 0, 4, 4)},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newEngine(mem).Stitch(ctx, d, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInspectReportsFit(t *testing.T) {
	mem := imagesource.NewMemory()
	mem.Put("mem:cam", solid(20, 10, red))
	d := yard.Descriptor{
		Boundary: rect(0, 0, 100, 100),
		Cameras: []yard.Camera{
			{
				URLAccess:       "mem:cam",
				YardPoints:      []yard.Point{{X: 0, Y: 0}, {X: 20, Y: 10}},
				TransformPoints: []yard.Point{{X: 10, Y: 10}, {X: 50, Y: 30}},
			},
		},
	}
	reports, canvas, err := newEngine(mem).Inspect(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if canvas.Width != 100 || len(reports) != 1 {
		t.Fatalf("unexpected inspect output %+v %+v", canvas, reports)
	}
	if reports[0].Family != "similarity" || reports[0].ReprojError > 1e-9 || reports[0].Covered != 0 {
		t.Fatalf("unexpected report %+v", reports[0])
	}
}

func TestImagePointsFallback(t *testing.T) {
	cam := yard.Camera{
		YardPoints:      rect(3, 3, 3, 3),
		TransformPoints: rect(0, 0, 10, 10),
	}
	src, _, fallback, err := imagePoints(cam, 64, 32)
	if err != nil || !fallback {
		t.Fatalf("expected four-corner fallback, got err=%v fallback=%v", err, fallback)
	}
	if src[2] != (r2.Point{X: 63, Y: 31}) {
		t.Fatalf("unexpected corner %v", src[2])
	}
}
