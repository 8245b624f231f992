package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/multierr"

	"yardstitch/internal/config"
	"yardstitch/internal/grpcserver"
	"yardstitch/internal/pipeline"
	"yardstitch/internal/remote"
	"yardstitch/internal/server"
	"yardstitch/internal/storage"
	"yardstitch/internal/watch"
	"yardstitch/internal/yard"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions are the resolved flags of the serve command.
type serveOptions struct {
	HTTPAddr  string
	GRPCAddr  string
	WatchDirs []string
	OutputDir string
}

type serveFunc func(ctx context.Context, r *Root, opts serveOptions) error

type watchFunc func(ctx context.Context, r *Root, dirs []string, opts watch.Options) error

type dialFunc func(cfg remote.Config) (*remote.Client, error)

// Root wires CLI commands to the pipeline, store and engine.
type Root struct {
	pipeline pipelineClient
	engine   pipeline.Stitcher
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serveFunc
	watchFn  watchFunc
	dial     dialFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, engine pipeline.Stitcher, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		engine:   engine,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
		dial:     defaultDial,
	}
}

// defaultServe runs the HTTP API, the gRPC API and an optional descriptor
// watcher until ctx is done or one of them fails. Every listener's error is
// reported.
func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	realPipeline, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline unavailable for server startup")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type named struct {
		name string
		run  func(context.Context) error
	}
	var services []named
	if opts.HTTPAddr != "" {
		srv := server.NewServer(opts.HTTPAddr, r.store, realPipeline, r.engine, r.cfg.Stitch, r.log)
		services = append(services, named{"http", srv.Start})
	}
	if opts.GRPCAddr != "" {
		gs := grpcserver.NewMosaicServer(r.engine, r.store, r.cfg.Stitch, r.log)
		services = append(services, named{"grpc", func(ctx context.Context) error { return gs.Serve(ctx, opts.GRPCAddr) }})
	}
	if len(opts.WatchDirs) > 0 {
		w, err := watch.New(opts.WatchDirs, realPipeline, r.store, watch.Options{
			OutputDir: opts.OutputDir,
			Debounce:  r.cfg.Watch.Debounce(),
			Initial:   true,
		}, r.log)
		if err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		services = append(services, named{"watch", w.Run})
	}
	if len(services) == 0 {
		return fmt.Errorf("nothing to serve: set --http, --grpc or --watch")
	}

	errs := make(chan error, len(services))
	for _, svc := range services {
		svc := svc
		go func() {
			err := svc.run(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", svc.name, err)
				cancel()
			}
			errs <- err
		}()
	}

	var combined error
	for range services {
		combined = multierr.Append(combined, <-errs)
	}
	return combined
}

func defaultWatch(ctx context.Context, r *Root, dirs []string, opts watch.Options) error {
	realPipeline, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline unavailable for watching")
	}
	w, err := watch.New(dirs, realPipeline, r.store, opts, r.log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func defaultDial(cfg remote.Config) (*remote.Client, error) {
	return remote.Dial(cfg)
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "yard", job.YardID)
	return nil
}

// resolveYard treats ref as a descriptor file when one exists at that path,
// and as a stored yard id otherwise.
func (r *Root) resolveYard(ref string) (pipeline.Job, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		d, err := yard.Load(ref)
		if err != nil {
			return pipeline.Job{}, err
		}
		return pipeline.Job{YardID: string(d.ID), Yard: &d}, nil
	}
	if r.store == nil {
		return pipeline.Job{}, fmt.Errorf("%s is not a descriptor file and no yard store is configured", ref)
	}
	if _, err := r.store.Yard(ref); err != nil {
		return pipeline.Job{}, err
	}
	return pipeline.Job{YardID: ref}, nil
}

func (r *Root) defaultOutput(yardID string) string {
	name := yardID
	if name == "" {
		name = "mosaic"
	}
	return filepath.Join(r.cfg.Paths.DefaultOutput, name+".png")
}

func printMeta(w io.Writer, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if k == "cameras" {
			if _, ok := meta[k].([]map[string]any); ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-13s %v\n", k+":", meta[k])
	}
}

func printCameraTable(w io.Writer, cams []map[string]any) {
	fmt.Fprintf(w, "%-10s %-12s %6s %10s  %s\n", "CAMERA", "FAMILY", "POINTS", "REPROJ", "STATUS")
	for _, c := range cams {
		st := "ok"
		if skipped, _ := c["skipped"].(bool); skipped {
			st = "skipped: " + fmt.Sprint(c["reason"])
		}
		fmt.Fprintf(w, "%-10v %-12v %6v %10.3f  %s\n", c["id"], c["family"], c["points"], c["reproj_error"], st)
	}
}
