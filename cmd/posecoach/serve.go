package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/live"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/server"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/webrtc"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr, metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP scoring server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if metricsAddr != "" {
				cfg.Server.MetricsAddr = metricsAddr
			}

			if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
			lockPath := filepath.Join(cfg.Server.DataDir, "posecoach.lock")
			lock := flock.New(lockPath)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another posecoach server is using %s", cfg.Server.DataDir)
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("Main", "release lock: %v", err)
				}
			}()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, a)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (overrides server.metrics_addr)")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger.Info("Main", "Scoring server starting...")
	logger.Info("Main", "  HTTP server: %s", cfg.Server.Addr)
	logger.Info("Main", "  Metrics server: %s", cfg.Server.MetricsAddr)
	logger.Info("Main", "  Data directory: %s", cfg.Server.DataDir)
	logger.Info("Main", "  Detector: %s (batch %d, live %d)", cfg.Detector.Command, cfg.Detector.BatchWorkers, cfg.Detector.LiveWorkers)

	manager := live.NewManager(live.Config{
		IdleTimeout: cfg.Live.IdleTimeout(),
		MaxSessions: cfg.Live.MaxSessions,
	}, live.Deps{
		Indexer:    a.indexer,
		Detector:   a.live,
		Comparator: a.comparator,
		Metrics:    a.metrics,
	})
	rtc := webrtc.NewServer(cfg.Server.STUNServers, manager)

	api := server.New(server.Config{
		AllowedOrigin:     cfg.Server.AllowedOrigin,
		UploadDir:         cfg.UploadDir(),
		OutputDir:         cfg.OutputDir(),
		ReferenceVideoDir: cfg.ReferenceVideoDir(),
		MaxUploadBytes:    int64(cfg.Server.MaxUploadMB) << 20,
		EventBuffer:       cfg.Pipeline.EventBuffer,
	}, server.Deps{
		Runner:  a.runner("/outputs/"),
		Indexer: a.indexer,
		Live:    manager,
		WebRTC:  rtc,
		Metrics: a.metrics,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := a.metrics.NewServer(cfg.Server.MetricsAddr)

	managerCtx, stopManager := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.Run(managerCtx)
	}()

	errc := make(chan error, 2)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "Metrics server error: %v", err)
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	logger.Info("Main", "Server started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Main", "Shutting down...")
	case runErr = <-errc:
		logger.Error("Main", "%v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}
	_ = rtc.Close()
	stopManager()
	wg.Wait()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "Metrics shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
	return runErr
}
