package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"yardstitch/internal/cli"
	"yardstitch/internal/config"
	"yardstitch/internal/imagesource"
	"yardstitch/internal/logging"
	"yardstitch/internal/mosaic"
	"yardstitch/internal/pipeline"
	"yardstitch/internal/storage"
	"yardstitch/internal/transform"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "yardstitch:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closer, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closer.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	source := imagesource.NewMux(cfg.Stitch.FetchTimeout())
	estimator := transform.Estimator{
		ReprojThreshold: cfg.Stitch.ReprojThreshold,
		Iterations:      cfg.Stitch.RansacIterations,
		Seed:            cfg.Stitch.RansacSeed,
	}
	engine := mosaic.New(source, estimator, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize, log, store, engine, cfg.Stitch)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe, engine).ExecuteContext(ctx)
}
