package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration of the scoring server.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Detector DetectorConfig `yaml:"detector" toml:"detector"`
	Scoring  ScoringConfig  `yaml:"scoring" toml:"scoring"`
	Pipeline PipelineConfig `yaml:"pipeline" toml:"pipeline"`
	Live     LiveConfig     `yaml:"live" toml:"live"`
	Library  LibraryConfig  `yaml:"library" toml:"library"`
	Media    MediaConfig    `yaml:"media" toml:"media"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	Addr          string   `yaml:"addr" toml:"addr"`
	MetricsAddr   string   `yaml:"metrics_addr" toml:"metrics_addr"`
	AllowedOrigin string   `yaml:"allowed_origin" toml:"allowed_origin"`
	DataDir       string   `yaml:"data_dir" toml:"data_dir"`
	MaxUploadMB   int      `yaml:"max_upload_mb" toml:"max_upload_mb"`
	STUNServers   []string `yaml:"stun_servers" toml:"stun_servers"`
}

// DetectorConfig describes the external keypoint detector worker.
type DetectorConfig struct {
	Command             string   `yaml:"command" toml:"command"`
	Args                []string `yaml:"args" toml:"args"`
	BatchWorkers        int      `yaml:"batch_workers" toml:"batch_workers"`
	LiveWorkers         int      `yaml:"live_workers" toml:"live_workers"`
	IndexWorkers        int      `yaml:"index_workers" toml:"index_workers"`
	RequestTimeoutMS    int      `yaml:"request_timeout_ms" toml:"request_timeout_ms"`
	RetryAttempts       int      `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryInitialBackoff int      `yaml:"retry_initial_backoff_ms" toml:"retry_initial_backoff_ms"`
	RetryMaxBackoff     int      `yaml:"retry_max_backoff_ms" toml:"retry_max_backoff_ms"`
	MinConfidence       float64  `yaml:"min_confidence" toml:"min_confidence"`
}

// ScoringConfig controls keypoint comparison.
type ScoringConfig struct {
	Tolerance       float64            `yaml:"tolerance" toml:"tolerance"`
	ClassTolerances map[string]float64 `yaml:"class_tolerances" toml:"class_tolerances"`
	ConfidenceFloor float64            `yaml:"confidence_floor" toml:"confidence_floor"`
	Weighting       string             `yaml:"weighting" toml:"weighting"` // min, product, none
	UseDepth        bool               `yaml:"use_depth" toml:"use_depth"`
}

// PipelineConfig controls batch runs.
type PipelineConfig struct {
	ProgressEvery     int     `yaml:"progress_every" toml:"progress_every"`
	EventBuffer       int     `yaml:"event_buffer" toml:"event_buffer"`
	MaxConcurrentRuns int     `yaml:"max_concurrent_runs" toml:"max_concurrent_runs"`
	PanelWidth        int     `yaml:"panel_width" toml:"panel_width"`
	PanelHeight       int     `yaml:"panel_height" toml:"panel_height"`
	FallbackFPS       float64 `yaml:"fallback_fps" toml:"fallback_fps"`
}

// LiveConfig controls live sessions.
type LiveConfig struct {
	IdleTimeoutSeconds int `yaml:"idle_timeout_s" toml:"idle_timeout_s"`
	MaxSessions        int `yaml:"max_sessions" toml:"max_sessions"`
}

// LibraryConfig locates the reference library.
type LibraryConfig struct {
	DBPath   string `yaml:"db_path" toml:"db_path"`
	VideoDir string `yaml:"video_dir" toml:"video_dir"`
}

// MediaConfig names the codec binaries.
type MediaConfig struct {
	FFmpeg  string `yaml:"ffmpeg" toml:"ffmpeg"`
	FFprobe string `yaml:"ffprobe" toml:"ffprobe"`
	// MaxFrames caps the frames decoded per video; 0 means no cap.
	MaxFrames int `yaml:"max_frames" toml:"max_frames"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	Color string `yaml:"color" toml:"color"` // auto, always, never
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8000",
			MetricsAddr:   ":9090",
			AllowedOrigin: "*",
			DataDir:       "./data",
			MaxUploadMB:   512,
			STUNServers:   []string{"stun:stun.l.google.com:19302"},
		},
		Detector: DetectorConfig{
			Command:             "models/run_pose_worker.sh",
			BatchWorkers:        1,
			LiveWorkers:         1,
			IndexWorkers:        1,
			RequestTimeoutMS:    5000,
			RetryAttempts:       3,
			RetryInitialBackoff: 50,
			RetryMaxBackoff:     500,
			MinConfidence:       0.5,
		},
		Scoring: ScoringConfig{
			Tolerance:       0.1,
			ClassTolerances: map[string]float64{},
			ConfidenceFloor: 0.5,
			Weighting:       "min",
		},
		Pipeline: PipelineConfig{
			ProgressEvery:     10,
			EventBuffer:       64,
			MaxConcurrentRuns: 4,
			PanelWidth:        640,
			PanelHeight:       480,
			FallbackFPS:       30,
		},
		Live: LiveConfig{
			IdleTimeoutSeconds: 30,
			MaxSessions:        16,
		},
		Library: LibraryConfig{
			DBPath:   "library.db",
			VideoDir: "references",
		},
		Media: MediaConfig{
			FFmpeg:  "ffmpeg",
			FFprobe: "ffprobe",
		},
		Logging: LoggingConfig{
			Level: "info",
			Color: "auto",
		},
	}
}

// Load reads a YAML or TOML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Scoring.Tolerance <= 0 {
		errs = append(errs, errors.New("scoring.tolerance must be positive"))
	}
	for class, tol := range c.Scoring.ClassTolerances {
		if tol <= 0 {
			errs = append(errs, fmt.Errorf("scoring.class_tolerances.%s must be positive", class))
		}
	}
	if c.Scoring.ConfidenceFloor < 0 || c.Scoring.ConfidenceFloor > 1 {
		errs = append(errs, errors.New("scoring.confidence_floor must be within [0,1]"))
	}
	switch c.Scoring.Weighting {
	case "min", "product", "none":
	default:
		errs = append(errs, fmt.Errorf("scoring.weighting: unsupported value %q", c.Scoring.Weighting))
	}
	if c.Detector.BatchWorkers < 1 || c.Detector.LiveWorkers < 1 || c.Detector.IndexWorkers < 1 {
		errs = append(errs, errors.New("detector worker counts must be at least 1"))
	}
	if c.Media.MaxFrames < 0 {
		errs = append(errs, errors.New("media.max_frames must not be negative"))
	}
	if c.Detector.RetryAttempts < 1 {
		errs = append(errs, errors.New("detector.retry_attempts must be at least 1"))
	}
	if c.Pipeline.ProgressEvery < 1 {
		errs = append(errs, errors.New("pipeline.progress_every must be at least 1"))
	}
	if c.Live.IdleTimeoutSeconds < 1 {
		errs = append(errs, errors.New("live.idle_timeout_s must be at least 1"))
	}
	switch c.Logging.Color {
	case "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("logging.color: unsupported value %q", c.Logging.Color))
	}
	return errors.Join(errs...)
}

// RequestTimeout returns the per-frame detector timeout.
func (d DetectorConfig) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutMS) * time.Millisecond
}

// Backoff returns the retry backoff bounds.
func (d DetectorConfig) Backoff() (initial, max time.Duration) {
	return time.Duration(d.RetryInitialBackoff) * time.Millisecond, time.Duration(d.RetryMaxBackoff) * time.Millisecond
}

// IdleTimeout returns the live session idle window.
func (l LiveConfig) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutSeconds) * time.Second
}

// OutputDir is where rendered videos are written.
func (c Config) OutputDir() string { return filepath.Join(c.Server.DataDir, "outputs") }

// UploadDir is where uploaded videos are staged for one run.
func (c Config) UploadDir() string { return filepath.Join(c.Server.DataDir, "uploads") }

// LibraryDBPath resolves the library database path relative to the data directory.
func (c Config) LibraryDBPath() string { return c.underData(c.Library.DBPath) }

// ReferenceVideoDir resolves the reference video directory relative to the data directory.
func (c Config) ReferenceVideoDir() string { return c.underData(c.Library.VideoDir) }

func (c Config) underData(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Server.DataDir, p)
}

// EnsureDirectories creates the data directory tree.
func (c Config) EnsureDirectories() error {
	for _, dir := range []string{c.Server.DataDir, c.OutputDir(), c.UploadDir(), c.ReferenceVideoDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure directory %s: %w", dir, err)
		}
	}
	return nil
}
