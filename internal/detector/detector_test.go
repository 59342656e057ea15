package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

type countingObserver struct {
	retries   atomic.Int64
	latencies atomic.Int64
}

func (o *countingObserver) DetectorRetry()                { o.retries.Add(1) }
func (o *countingObserver) DetectorLatency(time.Duration) { o.latencies.Add(1) }

var fastRetry = RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}

func onePoint(x, y float64) types.KeypointSet {
	return types.NewKeypointSet(types.Landmark{ID: types.Nose, X: x, Y: y, Confidence: 1})
}

func TestPoolRetriesUnavailableThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	flaky := Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
		if calls.Add(1) < 3 {
			return types.KeypointSet{}, fmt.Errorf("%w: worker restarting", ErrAdapterUnavailable)
		}
		return onePoint(0.5, 0.5), nil
	})
	obs := &countingObserver{}
	pool := NewPool("batch", []Detector{flaky}, fastRetry, obs)

	set, err := pool.Detect(context.Background(), types.Frame{})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("expected one landmark, got %d", set.Len())
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if obs.retries.Load() != 2 || obs.latencies.Load() != 3 {
		t.Fatalf("observer retries=%d latencies=%d", obs.retries.Load(), obs.latencies.Load())
	}
}

func TestPoolGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int64
	down := Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
		calls.Add(1)
		return types.KeypointSet{}, ErrAdapterUnavailable
	})
	pool := NewPool("live", []Detector{down}, fastRetry, nil)

	_, err := pool.Detect(context.Background(), types.Frame{})
	if !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("err = %v, want ErrAdapterUnavailable", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestPoolDoesNotRetryOtherErrors(t *testing.T) {
	var calls atomic.Int64
	boom := errors.New("bad frame")
	d := Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
		calls.Add(1)
		return types.KeypointSet{}, boom
	})
	pool := NewPool("batch", []Detector{d}, fastRetry, nil)

	if _, err := pool.Detect(context.Background(), types.Frame{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	release := make(chan struct{})
	busy := Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
		<-release
		return types.KeypointSet{}, nil
	})
	pool := NewPool("batch", []Detector{busy}, fastRetry, nil)

	go pool.Detect(context.Background(), types.Frame{})
	// wait for the only slot to be taken
	deadline := time.Now().Add(time.Second)
	for len(pool.slots) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Detect(ctx, types.Frame{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	close(release)
}

func TestEmptyPoolIsUnavailable(t *testing.T) {
	pool := NewPool("empty", nil, fastRetry, nil)
	if _, err := pool.Detect(context.Background(), types.Frame{}); !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

// frameList is an in-memory FrameSource.
type frameList struct {
	frames []types.Frame
	next   int
}

func newFrameList(n int) *frameList {
	l := &frameList{frames: make([]types.Frame, n)}
	for i := range l.frames {
		l.frames[i].Index = i
	}
	return l
}

func (l *frameList) Next() (types.Frame, error) {
	if l.next >= len(l.frames) {
		return types.Frame{}, io.EOF
	}
	l.next++
	return l.frames[l.next-1], nil
}

func TestExtractKeepsDropoutsAsEmptySets(t *testing.T) {
	d := Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
		switch f.Index {
		case 1:
			return types.KeypointSet{}, nil
		case 2:
			return types.KeypointSet{}, ErrDetectionFailure
		}
		return onePoint(0.1, 0.2), nil
	})

	var dropouts, last, total int
	buf, err := Extract(context.Background(), d, newFrameList(4), 4, func(p FrameProgress) {
		if p.Dropout {
			dropouts++
		}
		last, total = p.Done, p.Total
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if buf.Len() != 4 || buf.Detected() != 2 {
		t.Fatalf("len=%d detected=%d", buf.Len(), buf.Detected())
	}
	if !buf.Frozen() {
		t.Fatalf("buffer must be frozen after extraction")
	}
	if dropouts != 2 || last != 4 || total != 4 {
		t.Fatalf("dropouts=%d last=%d total=%d", dropouts, last, total)
	}
}

func TestExtractGrowsUnknownTotal(t *testing.T) {
	var totals []int
	buf, err := Extract(context.Background(), Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
		return onePoint(0, 0), nil
	}), newFrameList(3), 0, func(p FrameProgress) {
		totals = append(totals, p.Total)
	})
	if err != nil || buf.Len() != 3 {
		t.Fatalf("len=%d err=%v", buf.Len(), err)
	}
	if len(totals) != 3 || totals[0] != 1 || totals[2] != 3 {
		t.Fatalf("totals = %v", totals)
	}
}

type failingSource struct{}

func (failingSource) Next() (types.Frame, error) {
	return types.Frame{}, errors.New("corrupt stream")
}

func TestExtractStopsOnSourceError(t *testing.T) {
	d := Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
		return onePoint(0, 0), nil
	})
	if _, err := Extract(context.Background(), d, failingSource{}, 3, nil); err == nil || err.Error() != "corrupt stream" {
		t.Fatalf("err = %v", err)
	}
}

func TestExtractStopsOnAdapterError(t *testing.T) {
	d := Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
		return types.KeypointSet{}, ErrAdapterUnavailable
	})
	_, err := Extract(context.Background(), d, newFrameList(3), 3, nil)
	if !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestExtractHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	d := Func(func(c context.Context, f types.Frame) (types.KeypointSet, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return onePoint(0, 0), nil
	})
	_, err := Extract(ctx, d, newFrameList(10), 10, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 {
		t.Fatalf("detector kept running after cancel: %d calls", calls)
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	in := detectResponse{FrameID: 7, Landmarks: []types.Landmark{{ID: types.LeftWrist, X: 0.25, Y: 0.75, Confidence: 0.9}}}
	if err := writeMessage(&buf, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out detectResponse
	if err := readMessage(&buf, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.FrameID != 7 || len(out.Landmarks) != 1 || out.Landmarks[0].ID != types.LeftWrist {
		t.Fatalf("decoded %+v", out)
	}
}

func TestReadMessageRejectsOversizedReply(t *testing.T) {
	r := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	var out detectResponse
	if err := readMessage(r, &out); err == nil {
		t.Fatalf("expected size error")
	}
}

func TestSubprocessRoundTrip(t *testing.T) {
	sp := NewSubprocess(SubprocessConfig{
		Name:    "helper",
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperWorker", "--"},
		Timeout: 5 * time.Second,
	})
	t.Setenv("POSE_HELPER_WORKER", "1")
	defer sp.Close()

	frame := types.Frame{Index: 3, Image: image.NewRGBA(image.Rect(0, 0, 8, 8))}
	set, err := sp.Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	lm, ok := set.Get(types.Nose)
	if !ok || lm.X != 0.5 {
		t.Fatalf("unexpected set: %+v", set.Landmarks())
	}
	// second request reuses the same process
	if _, err := sp.Detect(context.Background(), frame); err != nil {
		t.Fatalf("second Detect: %v", err)
	}
}

func TestSubprocessMissingBinaryIsUnavailable(t *testing.T) {
	sp := NewSubprocess(SubprocessConfig{Command: "/nonexistent/pose-worker"})
	frame := types.Frame{Image: image.NewRGBA(image.Rect(0, 0, 2, 2))}
	if _, err := sp.Detect(context.Background(), frame); !errors.Is(err, ErrAdapterUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

// TestHelperWorker is not a real test: it is the fake inference worker spawned by TestSubprocessRoundTrip.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("POSE_HELPER_WORKER") != "1" {
		return
	}
	for {
		var req detectRequest
		if err := readMessage(os.Stdin, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				os.Exit(0)
			}
			os.Exit(2)
		}
		resp := detectResponse{
			FrameID:   req.FrameID,
			Landmarks: []types.Landmark{{ID: types.Nose, X: 0.5, Y: 0.5, Confidence: 1}},
		}
		if req.Format != "jpeg" || len(req.Data) == 0 {
			resp = detectResponse{FrameID: req.FrameID, Error: "bad payload"}
		}
		if err := writeMessage(os.Stdout, resp); err != nil {
			os.Exit(3)
		}
	}
}
