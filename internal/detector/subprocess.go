package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

// maxResponseBytes bounds a single worker reply.
const maxResponseBytes = 4 << 20

// SubprocessConfig describes how to launch one inference worker.
type SubprocessConfig struct {
	Name          string
	Command       string
	Args          []string
	Timeout       time.Duration
	MinConfidence float64
}

type detectRequest struct {
	FrameID       int     `msgpack:"frame_id"`
	Width         int     `msgpack:"width"`
	Height        int     `msgpack:"height"`
	Format        string  `msgpack:"format"`
	Data          []byte  `msgpack:"data"`
	MinConfidence float64 `msgpack:"min_confidence"`
}

type detectResponse struct {
	FrameID   int              `msgpack:"frame_id"`
	Landmarks []types.Landmark `msgpack:"landmarks"`
	Error     string           `msgpack:"error"`
}

// Subprocess runs the pose model in a child process and talks to it over
// stdin/stdout with 4-byte big-endian length-prefixed msgpack messages.
// Requests are serialised: one frame is in flight per process.
type Subprocess struct {
	cfg SubprocessConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	done   chan struct{}
}

// NewSubprocess creates an adapter. The worker is spawned on first use.
func NewSubprocess(cfg SubprocessConfig) *Subprocess {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "pose-worker"
	}
	return &Subprocess{cfg: cfg}
}

// Detect sends one frame to the worker and waits for its landmarks.
func (s *Subprocess) Detect(ctx context.Context, frame types.Frame) (types.KeypointSet, error) {
	payload, err := frameJPEG(frame)
	if err != nil {
		return types.KeypointSet{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRunningLocked(); err != nil {
		return types.KeypointSet{}, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	b := frame.Bounds()
	req := detectRequest{
		FrameID:       frame.Index,
		Width:         b.Dx(),
		Height:        b.Dy(),
		Format:        "jpeg",
		Data:          payload,
		MinConfidence: s.cfg.MinConfidence,
	}

	type reply struct {
		resp detectResponse
		err  error
	}
	ch := make(chan reply, 1)
	stdin, stdout := s.stdin, s.stdout
	go func() {
		var r reply
		if r.err = writeMessage(stdin, req); r.err == nil {
			r.err = readMessage(stdout, &r.resp)
		}
		ch <- r
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			s.killLocked()
			return types.KeypointSet{}, fmt.Errorf("%w: %s: %v", ErrAdapterUnavailable, s.cfg.Name, r.err)
		}
		if r.resp.Error != "" {
			return types.KeypointSet{}, fmt.Errorf("%w: frame %d: %s", ErrDetectionFailure, frame.Index, r.resp.Error)
		}
		return toKeypointSet(r.resp.Landmarks), nil
	case <-timer.C:
		// the reader goroutine still owns the pipes; the process has to go
		s.killLocked()
		return types.KeypointSet{}, fmt.Errorf("%w: %s: timed out after %s", ErrAdapterUnavailable, s.cfg.Name, s.cfg.Timeout)
	case <-ctx.Done():
		s.killLocked()
		return types.KeypointSet{}, ctx.Err()
	}
}

// Close terminates the worker process.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
	return nil
}

func (s *Subprocess) ensureRunningLocked() error {
	if s.cmd != nil {
		select {
		case <-s.done:
			logger.Warn("Detector", "%s exited, respawning", s.cfg.Name)
			s.cmd = nil
		default:
			return nil
		}
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	done := make(chan struct{})
	go s.logStderr(stderr)
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("Detector", "%s exited: %v", s.cfg.Name, err)
		}
		close(done)
	}()

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)
	s.done = done
	logger.Info("Detector", "%s started (pid %d)", s.cfg.Name, cmd.Process.Pid)
	return nil
}

func (s *Subprocess) killLocked() {
	if s.cmd == nil {
		return
	}
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		logger.Warn("Detector", "%s did not exit after kill", s.cfg.Name)
	}
	s.cmd = nil
}

func (s *Subprocess) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("Detector", "%s: %s", s.cfg.Name, scanner.Text())
	}
}

func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxResponseBytes {
		return fmt.Errorf("response too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func frameJPEG(frame types.Frame) ([]byte, error) {
	if len(frame.JPEG) > 0 {
		return frame.JPEG, nil
	}
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", frame.Index)
	}
	data, err := media.EncodeJPEG(frame.Image, 90)
	if err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", frame.Index, err)
	}
	return data, nil
}

func toKeypointSet(landmarks []types.Landmark) types.KeypointSet {
	valid := landmarks[:0:0]
	for _, lm := range landmarks {
		if lm.ID.Valid() {
			valid = append(valid, lm)
		}
	}
	return types.NewKeypointSet(valid...)
}
