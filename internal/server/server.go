// Package server exposes the HTTP surface: batch comparison streams, the
// reference library, single-image comparison and live session signalling.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/library"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/live"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/metrics"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/pipeline"
	"github.com/google/uuid"
)

// Config holds HTTP settings.
type Config struct {
	AllowedOrigin     string
	UploadDir         string
	OutputDir         string
	ReferenceVideoDir string
	MaxUploadBytes    int64
	EventBuffer       int
	Keepalive         time.Duration
}

// Offerer answers live-session WebRTC offers.
type Offerer interface {
	HandleOffer(ctx context.Context, referenceID string, offer []byte) ([]byte, error)
	PeerCount() int
}

// Deps bundles the services behind the routes.
type Deps struct {
	Runner  *pipeline.Runner
	Indexer *library.Indexer
	Live    *live.Manager
	WebRTC  Offerer
	Metrics *metrics.Metrics
}

// Server serves the scoring API.
type Server struct {
	cfg     Config
	runner  *pipeline.Runner
	indexer *library.Indexer
	live    *live.Manager
	webrtc  Offerer
	metrics *metrics.Metrics
	started time.Time
}

// New returns a configured server.
func New(cfg Config, deps Deps) *Server {
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 15 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Server{
		cfg:     cfg,
		runner:  deps.Runner,
		indexer: deps.Indexer,
		live:    deps.Live,
		webrtc:  deps.WebRTC,
		metrics: deps.Metrics,
		started: time.Now(),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/compare/stream", s.handleCompareStream)
	mux.HandleFunc("POST /api/compare_pose", s.handleComparePose)
	mux.HandleFunc("GET /api/references", s.handleListReferences)
	mux.HandleFunc("POST /api/references", s.handleCreateReference)
	mux.HandleFunc("GET /api/references/{id}", s.handleGetReference)
	mux.HandleFunc("POST /api/references/{id}/index", s.handleIndexReference)
	mux.HandleFunc("POST /api/live/offer", s.handleLiveOffer)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /outputs/", http.StripPrefix("/outputs/", http.FileServer(http.Dir(s.cfg.OutputDir))))

	return s.cors(s.logRequests(mux))
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP", "%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"metrics":        s.metrics.Snapshot(),
		"uptime_seconds": time.Since(s.started).Seconds(),
		"timestamp":      float64(time.Now().Unix()),
	}
	if s.live != nil {
		payload["live_sessions"] = s.live.Len()
	}
	if s.webrtc != nil {
		payload["webrtc_peers"] = s.webrtc.PeerCount()
	}
	writeJSON(w, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

// saveUpload copies a multipart file into dir under a random name with the
// original extension.
func saveUpload(fh *multipart.FileHeader, dir string) (string, error) {
	if err := media.ValidateVideoName(fh.Filename); err != nil {
		return "", err
	}
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("upload directory: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+strings.ToLower(filepath.Ext(fh.Filename)))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

func formFile(r *http.Request, field string) *multipart.FileHeader {
	if r.MultipartForm == nil {
		return nil
	}
	files := r.MultipartForm.File[field]
	if len(files) == 0 {
		return nil
	}
	return files[0]
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf(format, args...)}, status)
}
