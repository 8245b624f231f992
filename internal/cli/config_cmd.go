package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yardstitch/internal/config"
)

func configShow(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	cfgPath := os.Getenv("YARDSTITCH_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/yardstitch/config.json"
	}
	fmt.Fprintf(out, "Config file: %s\n", cfgPath)

	fmt.Fprintf(out, "\nPaths:\n")
	fmt.Fprintf(out, "  Yard directory: %s\n", cfg.Paths.YardDir)
	fmt.Fprintf(out, "  Default output: %s\n", cfg.Paths.DefaultOutput)
	fmt.Fprintf(out, "  Database: %s\n", cfg.Paths.DatabasePath)

	fmt.Fprintf(out, "\nStitching:\n")
	fmt.Fprintf(out, "  Blend: %s\n", cfg.Stitch.Blend)
	if size := cfg.Stitch.OutputSize(); size != nil {
		fmt.Fprintf(out, "  Output size: %dx%d\n", size.X, size.Y)
	} else {
		fmt.Fprintf(out, "  Output size: boundary extent\n")
	}
	fmt.Fprintf(out, "  Canvas pixel limit: %d\n", cfg.Stitch.MaxCanvasPixels)
	fmt.Fprintf(out, "  Opaque where uncovered: %t\n", cfg.Stitch.OpaqueWhereUncovered)
	fmt.Fprintf(out, "  Require cameras: %t\n", cfg.Stitch.RequireCameras)
	fmt.Fprintf(out, "  Camera parallelism: %d\n", cfg.Stitch.CameraParallelism)
	fmt.Fprintf(out, "  Fetch timeout: %s\n", cfg.Stitch.FetchTimeout())
	fmt.Fprintf(out, "  RANSAC: threshold %.2f px, %d iterations, seed %d\n",
		cfg.Stitch.ReprojThreshold, cfg.Stitch.RansacIterations, cfg.Stitch.RansacSeed)

	fmt.Fprintf(out, "\nProcessing:\n")
	fmt.Fprintf(out, "  Parallel jobs: %d\n", cfg.Processing.ParallelJobs)
	fmt.Fprintf(out, "  Queue size: %d\n", cfg.Processing.QueueSize)

	fmt.Fprintf(out, "\nServer:\n")
	fmt.Fprintf(out, "  HTTP: %s\n", cfg.Server.HTTPAddr)
	fmt.Fprintf(out, "  gRPC: %s\n", cfg.Server.GRPCAddr)
	fmt.Fprintf(out, "  Watch debounce: %s\n", cfg.Watch.Debounce())

	fmt.Fprintf(out, "\nLogging:\n")
	fmt.Fprintf(out, "  Level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  Format: %s\n", cfg.Logging.Format)
	if cfg.Logging.FileOutput {
		fmt.Fprintf(out, "  Log directory: %s\n", cfg.Logging.LogDir)
	}
}
