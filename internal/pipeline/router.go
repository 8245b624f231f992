package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"yardstitch/internal/composite"
	"yardstitch/internal/config"
	"yardstitch/internal/encode"
	"yardstitch/internal/geometry"
	"yardstitch/internal/logging"
	"yardstitch/internal/mosaic"
	"yardstitch/internal/storage"
	"yardstitch/internal/yard"
)

// Stitcher is the mosaic engine surface the pipeline needs.
type Stitcher interface {
	Stitch(ctx context.Context, d yard.Descriptor, opts mosaic.Options) (*mosaic.Result, error)
	Inspect(ctx context.Context, d yard.Descriptor, opts mosaic.Options) ([]mosaic.CameraReport, geometry.Canvas, error)
}

type yardLoader interface {
	Yard(id string) (storage.YardRecord, error)
}

type imageWriter func(path string, img image.Image) error

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	yards    yardLoader
	engine   Stitcher
	defaults config.Stitch
	write    imageWriter
}

func newRouter(logger *slog.Logger, store *storage.Store, engine Stitcher, defaults config.Stitch) Processor {
	r := &router{
		log:      logger,
		store:    store,
		engine:   engine,
		defaults: defaults,
		write:    encode.WriteFile,
	}
	if store != nil {
		r.yards = store
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStitch:
		return r.handleStitch(ctx, job)
	case JobInspect:
		return r.handleInspect(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleStitch(ctx context.Context, job Job) Result {
	d, err := r.resolveYard(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts, err := OptionsFromMap(r.defaults, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	res, err := r.engine.Stitch(ctx, d, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	r.recordCameras(job.ID, res.Cameras)

	meta := map[string]any{
		"yard":         string(d.ID),
		"width":        res.Canvas.Width,
		"height":       res.Canvas.Height,
		"blend":        string(opts.Blend),
		"covered":      res.Covered,
		"cameras":      len(res.Cameras),
		"contributing": res.Contributing(),
	}
	if job.Output != "" {
		if err := r.write(job.Output, res.Image); err != nil {
			logging.LogProcessingStep(r.log, job.ID, "write", "failed", map[string]any{"output": job.Output})
			return Result{Job: job, Error: fmt.Errorf("write mosaic: %w", err), Meta: meta}
		}
		logging.LogProcessingStep(r.log, job.ID, "write", "done", map[string]any{"output": job.Output})
		meta["output"] = job.Output
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleInspect(ctx context.Context, job Job) Result {
	d, err := r.resolveYard(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts, err := OptionsFromMap(r.defaults, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	reports, canvas, err := r.engine.Inspect(ctx, d, opts)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	r.recordCameras(job.ID, reports)

	cams := make([]map[string]any, len(reports))
	for i, rep := range reports {
		cams[i] = map[string]any{
			"id":           rep.ID,
			"family":       rep.Family,
			"points":       rep.Points,
			"reproj_error": rep.ReprojError,
			"skipped":      rep.Skipped,
			"reason":       rep.Reason,
		}
	}
	return Result{Job: job, Meta: map[string]any{
		"yard":    string(d.ID),
		"width":   canvas.Width,
		"height":  canvas.Height,
		"cameras": cams,
	}}
}

func (r *router) resolveYard(job Job) (yard.Descriptor, error) {
	if job.Yard != nil {
		return *job.Yard, nil
	}
	if job.YardID == "" {
		return yard.Descriptor{}, errors.New("job has neither a yard nor a yard id")
	}
	if r.yards == nil {
		return yard.Descriptor{}, fmt.Errorf("yard %s: no yard store configured", job.YardID)
	}
	rec, err := r.yards.Yard(job.YardID)
	if err != nil {
		return yard.Descriptor{}, err
	}
	return rec.Descriptor, nil
}

func (r *router) recordCameras(jobID string, reports []mosaic.CameraReport) {
	if r.store == nil {
		return
	}
	recs := make([]storage.CameraReportRecord, len(reports))
	for i, rep := range reports {
		recs[i] = storage.CameraReportRecord{
			JobID:       jobID,
			CameraIndex: rep.Index,
			CameraID:    rep.ID,
			Family:      rep.Family,
			Points:      rep.Points,
			ReprojError: rep.ReprojError,
			Covered:     rep.Covered,
			Skipped:     rep.Skipped,
			Stage:       rep.Stage,
			Reason:      rep.Reason,
		}
	}
	if err := r.store.RecordCameraReports(recs); err != nil {
		r.log.Warn("failed to record camera reports", "job", jobID, "error", err)
	}
}

// OptionsFromMap overlays job options on the configured defaults. Numeric
// options accept both int and float64 so decoded JSON bodies work unchanged.
func OptionsFromMap(defaults config.Stitch, m map[string]any) (mosaic.Options, error) {
	blendName := defaults.Blend
	if v, ok := m["blend"].(string); ok && v != "" {
		blendName = v
	}
	blend, err := composite.ParseBlendMode(blendName)
	if err != nil {
		return mosaic.Options{}, err
	}

	opts := mosaic.Options{
		Blend:                blend,
		OutputSize:           defaults.OutputSize(),
		OpaqueWhereUncovered: defaults.OpaqueWhereUncovered,
		RequireCameras:       defaults.RequireCameras,
		Parallelism:          defaults.CameraParallelism,
		FetchTimeout:         defaults.FetchTimeout(),
		MaxPixels:            defaults.MaxCanvasPixels,
	}
	w, okW := intOption(m, "outputWidth")
	h, okH := intOption(m, "outputHeight")
	switch {
	case okW && okH:
		if w <= 0 || h <= 0 {
			return mosaic.Options{}, fmt.Errorf("%w: %dx%d", geometry.ErrInvalidOutputSize, w, h)
		}
		opts.OutputSize = &image.Point{X: w, Y: h}
	case okW || okH:
		return mosaic.Options{}, fmt.Errorf("%w: outputWidth and outputHeight must be given together", geometry.ErrInvalidOutputSize)
	}
	if v, ok := m["opaque"].(bool); ok {
		opts.OpaqueWhereUncovered = v
	}
	if v, ok := m["requireCameras"].(bool); ok {
		opts.RequireCameras = v
	}
	if v, ok := intOption(m, "parallelism"); ok && v > 0 {
		opts.Parallelism = v
	}
	return opts, nil
}

func intOption(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		var n int
		if _, err := fmt.Sscan(strings.TrimSpace(v), &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
