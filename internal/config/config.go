package config

import (
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultConfigPath = "~/.config/yardstitch/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the stitch service.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Stitch     Stitch     `json:"stitch"`
	Server     Server     `json:"server"`
	Watch      Watch      `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
	QueueSize    int `json:"queue_size"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures default input/output locations.
type Paths struct {
	YardDir       string `json:"yard_dir"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Stitch holds mosaic defaults applied when a request leaves them unset.
type Stitch struct {
	Blend                string  `json:"blend"` // average, max, overwrite
	OutputWidth          int     `json:"output_width"`
	OutputHeight         int     `json:"output_height"`
	OpaqueWhereUncovered bool    `json:"opaque_where_uncovered"`
	RequireCameras       bool    `json:"require_cameras"`
	CameraParallelism    int     `json:"camera_parallelism"`
	FetchTimeoutSeconds  int     `json:"fetch_timeout_seconds"`
	MaxCanvasPixels      int     `json:"max_canvas_pixels"`
	ReprojThreshold      float64 `json:"reproj_threshold"`
	RansacIterations     int     `json:"ransac_iterations"`
	RansacSeed           int64   `json:"ransac_seed"`
}

// OutputSize returns the configured explicit canvas size, or nil when the
// default one-unit-per-pixel canvas should be used.
func (s Stitch) OutputSize() *image.Point {
	if s.OutputWidth <= 0 || s.OutputHeight <= 0 {
		return nil
	}
	return &image.Point{X: s.OutputWidth, Y: s.OutputHeight}
}

// FetchTimeout converts FetchTimeoutSeconds to a duration.
func (s Stitch) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutSeconds) * time.Second
}

// Server configures the network listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Watch configures the descriptor watcher.
type Watch struct {
	DebounceMillis int `json:"debounce_ms"`
}

// Debounce converts DebounceMillis to a duration.
func (w Watch) Debounce() time.Duration {
	return time.Duration(w.DebounceMillis) * time.Millisecond
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("YARDSTITCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFrom(configPath)
}

// LoadFrom reads configuration from an explicit path. A missing file yields
// the defaults.
func LoadFrom(configPath string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    16,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			YardDir:       "./yards",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "yardstitch.db"),
		},
		Stitch: Stitch{
			Blend:               "average",
			CameraParallelism:   4,
			FetchTimeoutSeconds: 10,
			MaxCanvasPixels:     1 << 25,
			ReprojThreshold:     5.0,
			RansacIterations:    2000,
			RansacSeed:          1,
		},
		Server: Server{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:9090",
		},
		Watch: Watch{
			DebounceMillis: 500,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
