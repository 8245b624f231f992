package cli

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"yardstitch/internal/config"
	"yardstitch/internal/pipeline"
	"yardstitch/internal/storage"
	"yardstitch/internal/watch"
	"yardstitch/internal/yard"

	"github.com/spf13/cobra"
)

// Version is reported by the version command.
var Version = "0.3.0-dev"

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, engine pipeline.Stitcher) *cobra.Command {
	return newRootCmd(NewRoot(pipe, engine, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "yardstitch",
		Short: "yardstitch composites fixed yard cameras into one top-down mosaic",
		Long: `yardstitch fetches the current frame of every camera watching a yard, warps
each frame into the yard's plane using its point correspondences, and blends
the results into a single image clipped to the yard boundary.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newInspectCmd(root))
	rootCmd.AddCommand(newYardCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newRemoteCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// stitchFlags are shared by stitch and inspect.
type stitchFlags struct {
	blend          string
	width          int
	height         int
	opaque         bool
	requireCameras bool
	parallelism    int
}

func (f *stitchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.blend, "blend", "b", "", "blend mode (average|max|overwrite), config default if empty")
	cmd.Flags().IntVar(&f.width, "width", 0, "output width in pixels (requires --height)")
	cmd.Flags().IntVar(&f.height, "height", 0, "output height in pixels (requires --width)")
	cmd.Flags().BoolVar(&f.opaque, "opaque", false, "keep uncovered pixels inside the yard opaque black")
	cmd.Flags().BoolVar(&f.requireCameras, "require-cameras", false, "fail when the yard lists no cameras")
	cmd.Flags().IntVar(&f.parallelism, "parallelism", 0, "concurrent camera fetches, config default if 0")
}

// options only carries flags the user actually set, so config defaults apply
// to the rest.
func (f *stitchFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{"source": "cli"}
	if cmd.Flags().Changed("blend") {
		opts["blend"] = f.blend
	}
	if cmd.Flags().Changed("width") || cmd.Flags().Changed("height") {
		opts["outputWidth"] = f.width
		opts["outputHeight"] = f.height
	}
	if cmd.Flags().Changed("opaque") {
		opts["opaque"] = f.opaque
	}
	if cmd.Flags().Changed("require-cameras") {
		opts["requireCameras"] = f.requireCameras
	}
	if cmd.Flags().Changed("parallelism") {
		opts["parallelism"] = f.parallelism
	}
	return opts
}

func newStitchCmd(root *Root) *cobra.Command {
	var (
		flags  stitchFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "stitch <descriptor-file|yard-id>",
		Short: "Build a mosaic for one yard",
		Long: `Stitch fetches every camera of the yard and writes the composited mosaic.
The argument is either a JSON/YAML descriptor file or the id of a stored yard.
The output format follows the file extension (png, jpg, tiff, bmp, or any
ImageMagick format).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := root.resolveYard(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = root.defaultOutput(job.YardID)
			}
			job.ID = pipeline.NewJobID("stitch")
			job.Type = pipeline.JobStitch
			job.Output = output
			job.Options = flags.options(cmd)

			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printMeta(cmd.OutOrStdout(), res.Meta)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default <default_output>/<yard>.png)")
	return cmd
}

func newInspectCmd(root *Root) *cobra.Command {
	var flags stitchFlags

	cmd := &cobra.Command{
		Use:   "inspect <descriptor-file|yard-id>",
		Short: "Fit every camera's mapping and report its accuracy",
		Long: `Inspect fetches each camera and estimates its image-to-yard mapping without
compositing, reporting the mapping family and mean reprojection error. Use it
to check correspondence points after adding or moving a camera.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := root.resolveYard(args[0])
			if err != nil {
				return err
			}
			job.ID = pipeline.NewJobID("inspect")
			job.Type = pipeline.JobInspect
			job.Options = flags.options(cmd)

			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "yard %v: canvas %vx%v\n", res.Meta["yard"], res.Meta["width"], res.Meta["height"])
			if cams, ok := res.Meta["cameras"].([]map[string]any); ok {
				printCameraTable(out, cams)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newYardCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "yard",
		Short: "Manage stored yard descriptors",
	}

	importCmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Store descriptor files, keyed by their id (or file name)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				d, err := yard.Load(path)
				if err != nil {
					return err
				}
				if err := root.store.SaveYard(d); err != nil {
					return fmt.Errorf("store %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%d cameras)\n", d.ID, len(d.Cameras))
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored yards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.ListYards()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-30s %7s  %s\n", "ID", "NAME", "CAMERAS", "UPDATED")
			for _, rec := range recs {
				fmt.Fprintf(out, "%-20s %-30s %7d  %s\n", rec.ID, rec.Name, rec.CameraCount, rec.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored descriptor as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := root.store.Yard(args[0])
			if err != nil {
				return err
			}
			body, err := rec.Descriptor.Marshal()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}

	cmd.AddCommand(importCmd, listCmd, showCmd)
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var (
		limit   int
		details string
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show recent jobs, or one job's camera reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if details != "" {
				recs, err := root.store.CameraReports(details)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-6s %-10s %-12s %6s %10s %8s  %s\n", "INDEX", "CAMERA", "FAMILY", "POINTS", "REPROJ", "COVERED", "STATUS")
				for _, r := range recs {
					st := "ok"
					if r.Skipped {
						st = fmt.Sprintf("skipped at %s: %s", r.Stage, r.Reason)
					}
					fmt.Fprintf(out, "%-6d %-10s %-12s %6d %10.3f %8d  %s\n", r.CameraIndex, r.CameraID, r.Family, r.Points, r.ReprojError, r.Covered, st)
				}
				return nil
			}

			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-32s %-8s %-10s %-16s %s\n", "ID", "TYPE", "STATUS", "YARD", "ERROR")
			for _, rec := range recs {
				fmt.Fprintf(out, "%-32s %-8s %-10s %-16s %s\n", rec.ID, rec.JobType, rec.Status, rec.YardID, rec.Error)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	cmd.Flags().StringVar(&details, "job", "", "show the camera reports of this job id")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC APIs",
		Long: `Start the HTTP API (yards, mosaics, jobs, SSE and websocket job feeds) and the
gRPC Mosaic service. With --watch, descriptor files in the given directories
are re-stitched whenever they change.

Examples:
  # Both APIs on their configured addresses
  yardstitch serve

  # HTTP only, re-stitching ./yards into ./output
  yardstitch serve --grpc "" --watch ./yards --output-dir ./output`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server",
				"http", opts.HTTPAddr,
				"grpc", opts.GRPCAddr,
				"watch_paths", opts.WatchDirs,
			)
			return root.serveFn(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.HTTPAddr, "http", root.cfg.Server.HTTPAddr, "HTTP listen address, empty to disable")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC listen address, empty to disable")
	cmd.Flags().StringSliceVar(&opts.WatchDirs, "watch", nil, "descriptor directory to watch (repeatable)")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", root.cfg.Paths.DefaultOutput, "where watched yards are written")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		outputDir string
		initial   bool
	)

	cmd := &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Re-stitch yards whenever their descriptor files change",
		Long: `Watch monitors directories of yard descriptors (config yard_dir by default)
and queues a stitch for each file that is created or modified. Each mosaic is
written to <output-dir>/<yard>.png.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{root.cfg.Paths.YardDir}
			}
			return root.watchFn(cmd.Context(), root, dirs, watch.Options{
				OutputDir: outputDir,
				Debounce:  root.cfg.Watch.Debounce(),
				Initial:   initial,
			})
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", root.cfg.Paths.DefaultOutput, "directory for mosaics")
	cmd.Flags().BoolVar(&initial, "initial", true, "stitch every existing descriptor on startup")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			configShow(cmd, root.cfg)
			return nil
		},
	}

	cmd.AddCommand(showCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("yardstitch v%s (%s)\n", Version, runtime.Version())
		},
	}
}
