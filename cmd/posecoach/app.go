package main

import (
	"fmt"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/config"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/detector"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/library"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/metrics"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/pipeline"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/render"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/scoring"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	ffmpeg     *media.FFmpeg
	batch      *detector.Pool
	live       *detector.Pool
	index      *detector.Pool
	registry   *library.SQLite
	indexer    *library.Indexer
	comparator *scoring.Comparator
	renderer   *render.Skeleton
}

func newApp(cfg config.Config) (*app, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	classTol, err := scoring.ParseClassTolerances(cfg.Scoring.ClassTolerances)
	if err != nil {
		return nil, err
	}
	comparator, err := scoring.NewComparator(scoring.Config{
		Tolerance:       cfg.Scoring.Tolerance,
		ClassTolerances: classTol,
		ConfidenceFloor: cfg.Scoring.ConfidenceFloor,
		Weighting:       scoring.Weighting(cfg.Scoring.Weighting),
		UseDepth:        cfg.Scoring.UseDepth,
	})
	if err != nil {
		return nil, err
	}

	registry, err := library.OpenSQLite(cfg.LibraryDBPath())
	if err != nil {
		return nil, fmt.Errorf("open library: %w", err)
	}

	a := &app{
		cfg:        cfg,
		metrics:    metrics.New(),
		ffmpeg:     media.NewFFmpeg(cfg.Media.FFmpeg, cfg.Media.FFprobe, cfg.Pipeline.FallbackFPS),
		registry:   registry,
		comparator: comparator,
		renderer:   render.NewSkeleton(cfg.Pipeline.PanelWidth, cfg.Pipeline.PanelHeight),
	}
	a.ffmpeg.MaxFrames = cfg.Media.MaxFrames
	a.batch = a.newPool("batch", cfg.Detector.BatchWorkers)
	a.live = a.newPool("live", cfg.Detector.LiveWorkers)
	a.index = a.newPool("index", cfg.Detector.IndexWorkers)
	a.indexer = library.NewIndexer(registry, a.ffmpeg, a.index)
	return a, nil
}

// newPool starts size detector workers behind one pool. Batch, live and
// indexing each get their own pool so no path can hold another's slots.
func (a *app) newPool(name string, size int) *detector.Pool {
	initial, max := a.cfg.Detector.Backoff()
	workers := make([]detector.Detector, 0, size)
	for i := 0; i < size; i++ {
		workers = append(workers, detector.NewSubprocess(detector.SubprocessConfig{
			Name:          fmt.Sprintf("%s-%d", name, i),
			Command:       a.cfg.Detector.Command,
			Args:          a.cfg.Detector.Args,
			Timeout:       a.cfg.Detector.RequestTimeout(),
			MinConfidence: a.cfg.Detector.MinConfidence,
		}))
	}
	return detector.NewPool(name, workers, detector.RetryPolicy{
		Attempts:       a.cfg.Detector.RetryAttempts,
		InitialBackoff: initial,
		MaxBackoff:     max,
	}, a.metrics)
}

func (a *app) runner(outputURLPrefix string) *pipeline.Runner {
	return pipeline.NewRunner(pipeline.Config{
		ProgressEvery:   a.cfg.Pipeline.ProgressEvery,
		OutputDir:       a.cfg.OutputDir(),
		OutputURLPrefix: outputURLPrefix,
		MaxConcurrent:   a.cfg.Pipeline.MaxConcurrentRuns,
	}, pipeline.Deps{
		Decoder:    a.ffmpeg,
		Encoder:    a.ffmpeg,
		Detector:   a.batch,
		Indexer:    a.indexer,
		Comparator: a.comparator,
		Renderer:   a.renderer,
		Metrics:    a.metrics,
	})
}

func (a *app) Close() {
	if err := a.batch.Close(); err != nil {
		logger.Warn("Main", "close batch detectors: %v", err)
	}
	if err := a.live.Close(); err != nil {
		logger.Warn("Main", "close live detectors: %v", err)
	}
	if err := a.index.Close(); err != nil {
		logger.Warn("Main", "close index detectors: %v", err)
	}
	if err := a.registry.Close(); err != nil {
		logger.Warn("Main", "close library: %v", err)
	}
}
