// Package mosaic drives the per-camera scale, estimate, warp and composite
// passes that turn a yard descriptor into one top-down RGBA image.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"golang.org/x/sync/errgroup"

	"yardstitch/internal/composite"
	"yardstitch/internal/geometry"
	"yardstitch/internal/imagesource"
	"yardstitch/internal/logging"
	"yardstitch/internal/raster"
	"yardstitch/internal/transform"
	"yardstitch/internal/warp"
	"yardstitch/internal/yard"
)

var (
	// ErrNoCameras is returned when RequireCameras is set and the descriptor
	// lists none.
	ErrNoCameras = errors.New("yard has no cameras")
	// ErrMissingSource marks a camera without an image reference.
	ErrMissingSource = errors.New("camera has no urlAccess")
)

// Per-camera pipeline stages, reported when a camera is skipped.
const (
	StageSource   = "source"
	StageFetch    = "fetch"
	StagePoints   = "points"
	StageEstimate = "estimate"
	StageWarp     = "warp"
)

// Options are the caller-selected policies of one stitch call.
type Options struct {
	Blend composite.BlendMode
	// OutputSize forces the canvas size; nil keeps one yard unit per pixel.
	OutputSize           *image.Point
	OpaqueWhereUncovered bool
	// RequireCameras turns an empty camera list into ErrNoCameras instead of
	// an all-uncovered canvas.
	RequireCameras bool
	// Parallelism bounds concurrent camera fetch+warp work; <=0 means 1.
	Parallelism  int
	FetchTimeout time.Duration
	// MaxPixels caps Width*Height of the canvas; <=0 means
	// geometry.DefaultMaxPixels.
	MaxPixels int
}

// CameraReport describes what happened to one camera during a call.
type CameraReport struct {
	Index       int     `json:"index"`
	ID          string  `json:"id"`
	Ref         string  `json:"ref,omitempty"`
	Points      int     `json:"points"`
	Family      string  `json:"family,omitempty"`
	Fallback    bool    `json:"corner_fallback,omitempty"`
	ReprojError float64 `json:"reproj_error"`
	Covered     int     `json:"covered"`
	Skipped     bool    `json:"skipped"`
	Stage       string  `json:"stage,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// Result is the outcome of a stitch.
type Result struct {
	Image   *image.NRGBA
	Canvas  geometry.Canvas
	Cameras []CameraReport
	// Covered counts opaque pixels in Image.
	Covered int
}

// Contributing returns how many cameras made it into the mosaic.
func (r *Result) Contributing() int {
	n := 0
	for _, c := range r.Cameras {
		if !c.Skipped {
			n++
		}
	}
	return n
}

// Engine stitches yards. It holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	source    imagesource.Source
	estimator transform.Estimator
	log       *slog.Logger
}

// New builds an engine around an image source.
func New(source imagesource.Source, estimator transform.Estimator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{source: source, estimator: estimator, log: logger}
}

// plan is the call-scoped geometry shared by every camera.
type plan struct {
	boundary geometry.Boundary
	canvas   geometry.Canvas
}

func (e *Engine) layout(d yard.Descriptor, opts Options) (plan, error) {
	b, err := geometry.NewBoundary(d.BoundaryPoints())
	if err != nil {
		return plan{}, err
	}
	c, err := geometry.NewCanvas(b, opts.OutputSize, opts.MaxPixels)
	if err != nil {
		return plan{}, err
	}
	return plan{boundary: b, canvas: c}, nil
}

// contribution is one camera's warped output awaiting accumulation.
type contribution struct {
	img    *image.NRGBA
	mask   *raster.Mask
	report CameraReport
}

// Stitch composites every usable camera of d. Per-camera failures are logged,
// recorded in the result and otherwise ignored; only invalid input or a
// cancelled context fail the call.
func (e *Engine) Stitch(ctx context.Context, d yard.Descriptor, opts Options) (*Result, error) {
	p, err := e.layout(d, opts)
	if err != nil {
		return nil, err
	}
	mode, err := composite.ParseBlendMode(string(opts.Blend))
	if err != nil {
		return nil, err
	}
	if len(d.Cameras) == 0 && opts.RequireCameras {
		return nil, ErrNoCameras
	}

	yardMask := p.canvas.YardMask(p.boundary)
	acc, err := composite.NewAccumulator(p.canvas.Width, p.canvas.Height, mode)
	if err != nil {
		return nil, err
	}

	e.log.Debug("stitch planned",
		"yard", d.ID,
		"canvas", fmt.Sprintf("%dx%d", p.canvas.Width, p.canvas.Height),
		"scale_x", p.canvas.ScaleX,
		"scale_y", p.canvas.ScaleY,
		"cameras", len(d.Cameras),
		"blend", mode,
	)

	res := &Result{Canvas: p.canvas, Cameras: make([]CameraReport, len(d.Cameras))}

	// Workers fold their part in camera order as soon as it is their turn,
	// so overwrite stays deterministic and at most Parallelism warped
	// buffers are alive at once. Launches happen in index order, so the
	// camera at next always has a running goroutine.
	var (
		mu   sync.Mutex
		turn = sync.NewCond(&mu)
		next int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Parallelism, 1))
	for i := range d.Cameras {
		i := i
		g.Go(func() error {
			part := e.prepare(gctx, p, i, d.Cameras[i], opts.FetchTimeout, true)

			mu.Lock()
			defer mu.Unlock()
			for next != i {
				turn.Wait()
			}
			if !part.report.Skipped {
				if err := acc.Accumulate(part.img, part.mask); err != nil {
					e.skip(&part.report, StageWarp, err)
				}
			}
			res.Cameras[i] = part.report
			part.img, part.mask = nil, nil
			next++
			turn.Broadcast()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	color, coverage := acc.Finalize()
	res.Image, res.Covered = applyAlpha(color, coverage, yardMask, opts.OpaqueWhereUncovered)

	e.log.Info("mosaic complete",
		"yard", d.ID,
		"canvas", fmt.Sprintf("%dx%d", p.canvas.Width, p.canvas.Height),
		"cameras", len(d.Cameras),
		"contributing", res.Contributing(),
		"covered_px", res.Covered,
	)
	return res, nil
}

// Inspect fits every camera's mapping without warping or compositing, so an
// operator can check calibration points. The reprojection error is measured
// in canvas pixels.
func (e *Engine) Inspect(ctx context.Context, d yard.Descriptor, opts Options) ([]CameraReport, geometry.Canvas, error) {
	p, err := e.layout(d, opts)
	if err != nil {
		return nil, geometry.Canvas{}, err
	}
	reports := make([]CameraReport, len(d.Cameras))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Parallelism, 1))
	for i := range d.Cameras {
		i := i
		g.Go(func() error {
			reports[i] = e.prepare(gctx, p, i, d.Cameras[i], opts.FetchTimeout, false).report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, geometry.Canvas{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, geometry.Canvas{}, err
	}
	return reports, p.canvas, nil
}

// prepare runs fetch, scale, estimate and (optionally) warp for one camera.
// It never fails; problems are recorded on the report.
func (e *Engine) prepare(ctx context.Context, p plan, index int, cam yard.Camera, timeout time.Duration, doWarp bool) contribution {
	out := contribution{report: CameraReport{Index: index, ID: cam.Label(index), Ref: cam.URLAccess}}
	rep := &out.report

	if cam.URLAccess == "" {
		e.skip(rep, StageSource, ErrMissingSource)
		return out
	}

	fctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	img, err := e.source.Fetch(fctx, cam.URLAccess)
	if err != nil {
		e.skip(rep, StageFetch, err)
		return out
	}
	if img == nil || img.Bounds().Empty() {
		e.skip(rep, StageFetch, warp.ErrInvalidImage)
		return out
	}
	bounds := img.Bounds()

	src, dst, fallback, err := imagePoints(cam, bounds.Dx(), bounds.Dy())
	rep.Points = len(dst)
	rep.Fallback = fallback
	if err != nil {
		e.skip(rep, StagePoints, err)
		return out
	}
	dst = p.canvas.ProjectAll(dst)

	m, err := e.estimator.Estimate(src, dst)
	if err != nil {
		e.skip(rep, StageEstimate, err)
		return out
	}
	rep.Family = m.Family().String()
	rep.ReprojError = transform.MeanReprojectionError(m, src, dst)

	if !doWarp {
		return out
	}
	warped, mask, err := warp.Warp(img, raster.ValidityMask(img), m, p.canvas.Size())
	if err != nil {
		e.skip(rep, StageWarp, err)
		return out
	}
	out.img, out.mask = warped, mask
	rep.Covered = mask.Count()
	return out
}

// imagePoints pairs the camera's correspondences and rescales the source side
// to the decoded image. When the source points are degenerate the scaler
// returns the four image corners: that set is used as-is for four pairs, the
// single-point case anchors at the image origin, and any other count is
// rejected since the corners cannot be paired positionally.
func imagePoints(cam yard.Camera, w, h int) (src, dst []r2.Point, fallback bool, err error) {
	src, dst = cam.Correspondences()
	n := len(src)
	if n < 1 {
		return nil, dst, false, fmt.Errorf("%w: %d yard points, %d transform points",
			transform.ErrInsufficientCorrespondence, len(cam.YardPoints), len(cam.TransformPoints))
	}
	scaled, fallback := geometry.ScaleToImage(src, w, h)
	if !fallback {
		return scaled, dst, false, nil
	}
	switch n {
	case 4:
		return scaled, dst, true, nil
	case 1:
		return scaled[:1], dst, true, nil
	default:
		return nil, dst, true, fmt.Errorf("%w: %d points collapse to image corners",
			transform.ErrDegenerateCorrespondence, n)
	}
}

func (e *Engine) skip(rep *CameraReport, stage string, err error) {
	rep.Skipped = true
	rep.Stage = stage
	rep.Reason = err.Error()
	rep.Covered = 0
	logging.LogCameraSkipped(e.log, rep.ID, stage, err)
}

// applyAlpha sets alpha = yard AND (covered OR opaque). Transparent pixels
// are cleared to zero so the output never leaks colour outside the yard.
func applyAlpha(img *image.NRGBA, coverage, yardMask *raster.Mask, opaque bool) (*image.NRGBA, int) {
	covered := 0
	for i := range yardMask.Pix {
		o := i * 4
		if yardMask.Pix[i] && (coverage.Pix[i] || opaque) {
			img.Pix[o+3] = 0xff
			covered++
			continue
		}
		img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = 0, 0, 0, 0
	}
	return img, covered
}
