package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/align"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/detector"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/metrics"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/scoring"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

// Sink receives the replies of one session in order.
type Sink interface {
	Send(Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message) error

// Send calls f.
func (f SinkFunc) Send(m Message) error { return f(m) }

// Input is one frame submitted by the client. When Pinned is false the
// session cursor picks the reference frame. Err carries a message that could
// not be parsed; it is answered with an error reply in queue order.
type Input struct {
	Image          []byte
	ReferenceFrame int
	Pinned         bool
	Err            error
}

// Session scores a stream of client frames against one reference.
//
// Frames go through a single-slot mailbox: a frame that arrives while another
// is waiting replaces it, so the worker always scores the newest frame and at
// most one frame is queued behind the one in flight.
type Session struct {
	id          string
	referenceID string

	ref        *types.PoseBuffer
	detector   detector.Detector
	comparator *scoring.Comparator
	metrics    *metrics.Metrics
	sink       Sink

	mu      sync.Mutex
	cond    *sync.Cond
	pending *Input
	closed  bool
	drops   uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cursor       *align.Cursor
	score        scoring.SessionScore
	lastActivity atomic.Int64
	onClose      func(*Session)
}

func newSession(id, referenceID string, ref *types.PoseBuffer, d detector.Detector, comp *scoring.Comparator, m *metrics.Metrics, sink Sink) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		referenceID: referenceID,
		ref:         ref,
		detector:    d,
		comparator:  comp,
		metrics:     m,
		sink:        sink,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		cursor:      align.NewCursor(ref.Len()),
	}
	s.cond = sync.NewCond(&s.mu)
	s.touch()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ReferenceID returns the reference the session scores against.
func (s *Session) ReferenceID() string { return s.referenceID }

// Done is closed once the worker has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Submit queues a frame. It never blocks; it returns false once the session is closed.
func (s *Session) Submit(in Input) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.metrics.LiveFramesReceived.Add(1)
	if s.pending != nil {
		s.drops++
		s.metrics.LiveFramesDropped.Add(1)
	}
	s.pending = &in
	s.touch()
	s.cond.Signal()
	return true
}

// Dropped returns how many queued frames were replaced before being scored.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Score returns the running mean over scored frames and the number scored.
// Only meaningful once the session is done.
func (s *Session) Score() (float64, int) {
	<-s.done
	return s.score.Overall(), s.score.Scored
}

// Close stops the session. An in-flight detection is cancelled. Safe to call
// more than once and from the worker itself.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.cond.Signal()
	s.mu.Unlock()
	s.cancel()
	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// next blocks until a frame is available or the session closes.
func (s *Session) next() (Input, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending == nil && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return Input{}, false
	}
	in := *s.pending
	s.pending = nil
	return in, true
}

func (s *Session) run() {
	defer close(s.done)
	defer s.release()
	for {
		in, ok := s.next()
		if !ok {
			return
		}
		msg, fatal := s.handle(in)
		if s.ctx.Err() != nil {
			return
		}
		if err := s.sink.Send(msg); err != nil {
			logger.Info("Live", "session %s: client gone: %v", s.id, err)
			s.Close()
			return
		}
		if fatal {
			logger.Warn("Live", "session %s closed: %s", s.id, msg.Text)
			s.Close()
			return
		}
	}
}

// release drops the per-session buffers.
func (s *Session) release() {
	s.mu.Lock()
	s.ref = nil
	s.mu.Unlock()
}

func (s *Session) handle(in Input) (Message, bool) {
	if in.Err != nil {
		return ErrorMessage(in.Err.Error()), false
	}
	frame, err := media.DecodeImage(in.Image)
	if err != nil {
		return ErrorMessage(fmt.Sprintf("could not decode frame: %v", err)), false
	}

	if in.Pinned {
		s.cursor.Pin(in.ReferenceFrame)
	}
	refIndex := s.cursor.Next()

	fs, err := Evaluate(s.ctx, s.detector, s.comparator, s.ref, frame, refIndex)
	switch {
	case errors.Is(err, detector.ErrAdapterUnavailable):
		return ErrorMessage("pose detector unavailable"), true
	case err != nil:
		return ErrorMessage(err.Error()), false
	}
	s.score.Add(fs)
	s.metrics.LiveFramesScored.Add(1)
	return ComparisonMessage(fs, refIndex), false
}

var (
	// ErrNoUserPose is returned by Evaluate when the frame has no detectable person.
	ErrNoUserPose = errors.New("no pose detected in frame")
	// ErrNotComparable is returned when no landmark clears the confidence floor in both poses.
	ErrNotComparable = errors.New("no comparable landmarks for this reference frame")
)

// Evaluate detects the pose in frame and compares it with reference frame refIndex.
// Frames that cannot be scored return ErrNoUserPose or ErrNotComparable.
func Evaluate(ctx context.Context, d detector.Detector, comp *scoring.Comparator, ref *types.PoseBuffer, frame types.Frame, refIndex int) (scoring.FrameScore, error) {
	pose, err := d.Detect(ctx, frame)
	if detector.IsDropout(pose, err) {
		return scoring.FrameScore{}, ErrNoUserPose
	}
	if err != nil {
		return scoring.FrameScore{}, err
	}
	fs := comp.Compare(pose, ref.At(refIndex))
	if !fs.Scored {
		return fs, ErrNotComparable
	}
	return fs, nil
}
