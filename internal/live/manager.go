// Package live coordinates real-time scoring sessions against a reference video.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/detector"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/library"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/metrics"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/scoring"
	"github.com/google/uuid"
)

var (
	ErrTooManySessions = errors.New("too many live sessions")
	ErrSessionNotFound = errors.New("live session not found")
	ErrManagerClosed   = errors.New("live manager closed")
)

// Config controls session limits.
type Config struct {
	IdleTimeout  time.Duration
	MaxSessions  int
	ReapInterval time.Duration
}

// Deps bundles the collaborators shared by all sessions.
type Deps struct {
	Indexer    *library.Indexer
	Detector   detector.Detector
	Comparator *scoring.Comparator
	Metrics    *metrics.Metrics
}

// Manager owns the set of open sessions.
type Manager struct {
	cfg        Config
	indexer    *library.Indexer
	detector   detector.Detector
	comparator *scoring.Comparator
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager. Call Run to start idle reaping.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = cfg.IdleTimeout / 4
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Manager{
		cfg:        cfg,
		indexer:    deps.Indexer,
		detector:   deps.Detector,
		comparator: deps.Comparator,
		metrics:    deps.Metrics,
		sessions:   make(map[string]*Session),
	}
}

// Open starts a session scoring against referenceID and sending replies to sink.
// The reference must already be indexed; Open never runs extraction and fails
// with library.ErrNotIndexed otherwise.
func (m *Manager) Open(ctx context.Context, referenceID string, sink Sink) (*Session, error) {
	if err := m.admit(); err != nil {
		return nil, err
	}
	indexed, err := m.indexer.Stored(ctx, referenceID)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", referenceID, err)
	}
	if indexed.Poses.Len() == 0 {
		return nil, fmt.Errorf("reference %s has no frames", referenceID)
	}

	m.mu.Lock()
	if err := m.admitLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s := newSession(uuid.NewString(), referenceID, indexed.Poses, m.detector, m.comparator, m.metrics, sink)
	s.onClose = m.forget
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.metrics.LiveSessionsOpened.Add(1)
	m.metrics.LiveSessionsActive.Add(1)
	logger.Info("Live", "session %s opened on reference %s (%d frames)", s.id, referenceID, indexed.Poses.Len())
	go s.run()
	return s, nil
}

// admit fails fast before the reference is loaded.
func (m *Manager) admit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admitLocked()
}

func (m *Manager) admitLocked() error {
	if m.closed {
		return ErrManagerClosed
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return ErrTooManySessions
	}
	return nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	_, ok := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.metrics.LiveSessionsClosed.Add(1)
	m.metrics.LiveSessionsActive.Add(-1)
	logger.Info("Live", "session %s closed", s.id)
}

// Get looks up an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close closes one session.
func (m *Manager) Close(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run reaps idle sessions until ctx is done, then closes everything.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

func (m *Manager) reap(now time.Time) {
	var idle []*Session
	m.mu.Lock()
	for _, s := range m.sessions {
		if now.Sub(s.idleSince()) > m.cfg.IdleTimeout {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()
	for _, s := range idle {
		logger.Info("Live", "session %s idle for %s, closing", s.id, m.cfg.IdleTimeout)
		s.Close()
	}
}

// CloseAll closes every session and refuses new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// CompareOnce scores a single still image against one reference frame without
// opening a session.
func (m *Manager) CompareOnce(ctx context.Context, referenceID string, image []byte, refIndex int) (Message, error) {
	indexed, err := m.indexer.Stored(ctx, referenceID)
	if err != nil {
		return Message{}, fmt.Errorf("reference %s: %w", referenceID, err)
	}
	if refIndex < 0 || refIndex >= indexed.Poses.Len() {
		return Message{}, fmt.Errorf("reference frame %d out of range [0,%d)", refIndex, indexed.Poses.Len())
	}
	frame, err := media.DecodeImage(image)
	if err != nil {
		return Message{}, err
	}
	fs, err := Evaluate(ctx, m.detector, m.comparator, indexed.Poses, frame, refIndex)
	if err != nil {
		return Message{}, err
	}
	return ComparisonMessage(fs, refIndex), nil
}
