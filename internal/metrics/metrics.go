package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Batch runs
	RunsStarted    atomic.Uint64
	RunsCompleted  atomic.Uint64
	RunsFailed     atomic.Uint64
	RunsCancelled  atomic.Uint64
	RenderFailures atomic.Uint64

	// Frame processing counters
	FramesExtracted   atomic.Uint64
	DetectionDropouts atomic.Uint64
	FramesScored      atomic.Uint64

	// Live sessions
	LiveSessionsOpened atomic.Uint64
	LiveSessionsClosed atomic.Uint64
	LiveSessionsActive atomic.Int64
	LiveFramesReceived atomic.Uint64
	LiveFramesDropped  atomic.Uint64
	LiveFramesScored   atomic.Uint64

	// Detector
	DetectorRetries   atomic.Uint64
	DetectorLatencyMs atomic.Uint64 // Last observed detector call latency

	// Prometheus collectors
	registry *prometheus.Registry
}

// Snapshot is the JSON view served on /api/status.
type Snapshot struct {
	RunsStarted        uint64 `json:"runs_started"`
	RunsCompleted      uint64 `json:"runs_completed"`
	RunsFailed         uint64 `json:"runs_failed"`
	RunsCancelled      uint64 `json:"runs_cancelled"`
	RenderFailures     uint64 `json:"render_failures"`
	FramesExtracted    uint64 `json:"frames_extracted"`
	DetectionDropouts  uint64 `json:"detection_dropouts"`
	FramesScored       uint64 `json:"frames_scored"`
	LiveSessionsOpened uint64 `json:"live_sessions_opened"`
	LiveSessionsClosed uint64 `json:"live_sessions_closed"`
	LiveSessionsActive int64  `json:"live_sessions_active"`
	LiveFramesReceived uint64 `json:"live_frames_received"`
	LiveFramesDropped  uint64 `json:"live_frames_dropped"`
	LiveFramesScored   uint64 `json:"live_frames_scored"`
	DetectorRetries    uint64 `json:"detector_retries"`
	DetectorLatencyMs  uint64 `json:"detector_latency_ms"`
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, value func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		value,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	u := func(v *atomic.Uint64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}

	m.gauge("posecoach_runs_started_total", "Batch comparison runs started", u(&m.RunsStarted))
	m.gauge("posecoach_runs_completed_total", "Batch runs that produced a result", u(&m.RunsCompleted))
	m.gauge("posecoach_runs_failed_total", "Batch runs that ended with an error", u(&m.RunsFailed))
	m.gauge("posecoach_runs_cancelled_total", "Batch runs cancelled by the client", u(&m.RunsCancelled))
	m.gauge("posecoach_render_failures_total", "Batch runs whose result videos could not be produced", u(&m.RenderFailures))

	m.gauge("posecoach_frames_extracted_total", "Frames sent through keypoint extraction", u(&m.FramesExtracted))
	m.gauge("posecoach_detection_dropouts_total", "Frames where no pose was detected", u(&m.DetectionDropouts))
	m.gauge("posecoach_frames_scored_total", "Aligned frame pairs that received a score", u(&m.FramesScored))

	m.gauge("posecoach_live_sessions_opened_total", "Live sessions opened", u(&m.LiveSessionsOpened))
	m.gauge("posecoach_live_sessions_closed_total", "Live sessions closed", u(&m.LiveSessionsClosed))
	m.gauge("posecoach_live_sessions_active", "Live sessions currently open",
		func() float64 { return float64(m.LiveSessionsActive.Load()) })
	m.gauge("posecoach_live_frames_received_total", "Live frames received", u(&m.LiveFramesReceived))
	m.gauge("posecoach_live_frames_dropped_total", "Live frames replaced by a newer frame before scoring", u(&m.LiveFramesDropped))
	m.gauge("posecoach_live_frames_scored_total", "Live frames scored", u(&m.LiveFramesScored))

	m.gauge("posecoach_detector_retries_total", "Detector calls retried after the backend was unavailable", u(&m.DetectorRetries))
	m.gauge("posecoach_detector_latency_ms", "Latency of the last detector call in milliseconds", u(&m.DetectorLatencyMs))
}

// DetectorRetry counts one retried detector call.
func (m *Metrics) DetectorRetry() { m.DetectorRetries.Add(1) }

// DetectorLatency records the latency of the last detector call.
func (m *Metrics) DetectorLatency(d time.Duration) {
	m.DetectorLatencyMs.Store(uint64(d.Milliseconds()))
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		RunsStarted:        m.RunsStarted.Load(),
		RunsCompleted:      m.RunsCompleted.Load(),
		RunsFailed:         m.RunsFailed.Load(),
		RunsCancelled:      m.RunsCancelled.Load(),
		RenderFailures:     m.RenderFailures.Load(),
		FramesExtracted:    m.FramesExtracted.Load(),
		DetectionDropouts:  m.DetectionDropouts.Load(),
		FramesScored:       m.FramesScored.Load(),
		LiveSessionsOpened: m.LiveSessionsOpened.Load(),
		LiveSessionsClosed: m.LiveSessionsClosed.Load(),
		LiveSessionsActive: m.LiveSessionsActive.Load(),
		LiveFramesReceived: m.LiveFramesReceived.Load(),
		LiveFramesDropped:  m.LiveFramesDropped.Load(),
		LiveFramesScored:   m.LiveFramesScored.Load(),
		DetectorRetries:    m.DetectorRetries.Load(),
		DetectorLatencyMs:  m.DetectorLatencyMs.Load(),
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
