package library

import (
	"context"
	"errors"
	"image"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/detector"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "lib", "library.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func registries(t *testing.T) map[string]Registry {
	return map[string]Registry{
		"memory": NewMemory(),
		"sqlite": openTestSQLite(t),
	}
}

func samplePoses() *types.PoseBuffer {
	return types.FrozenPoseBuffer([]types.KeypointSet{
		types.NewKeypointSet(
			types.Landmark{ID: types.Nose, X: 0.5, Y: 0.25, Confidence: 0.9},
			types.Landmark{ID: types.LeftAnkle, X: 0.4, Y: 0.9, Z: -0.1, Confidence: 0.7},
		),
		{},
		types.NewKeypointSet(types.Landmark{ID: types.RightWrist, X: 0.7, Y: 0.5, Confidence: 1}),
	})
}

func TestRegistryRegisterResolveList(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older, err := reg.Register(ctx, Reference{Name: "squat", VideoPath: "/refs/squat.mp4", CreatedAt: time.Now().Add(-time.Hour)})
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			if older.ID == "" {
				t.Fatalf("ID not assigned")
			}
			newer, err := reg.Register(ctx, Reference{Name: "lunge", VideoPath: "/refs/lunge.mp4", FPS: 30})
			if err != nil {
				t.Fatalf("Register: %v", err)
			}

			got, err := reg.Resolve(ctx, older.ID)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got.Name != "squat" || got.VideoPath != "/refs/squat.mp4" || got.Indexed {
				t.Fatalf("resolved %+v", got)
			}

			list, err := reg.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) != 2 || list[0].ID != newer.ID {
				t.Fatalf("list order = %+v", list)
			}

			if _, err := reg.Resolve(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing reference: %v", err)
			}
		})
	}
}

func TestRegistryRequiresVideoPath(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := reg.Register(context.Background(), Reference{Name: "x"}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRegistryPoseCache(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ref, err := reg.Register(ctx, Reference{Name: "jump", VideoPath: "/refs/jump.mp4"})
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			if _, err := reg.LoadPoses(ctx, ref.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound before indexing, got %v", err)
			}
			if err := reg.StorePoses(ctx, ref.ID, samplePoses()); err != nil {
				t.Fatalf("StorePoses: %v", err)
			}

			buf, err := reg.LoadPoses(ctx, ref.ID)
			if err != nil {
				t.Fatalf("LoadPoses: %v", err)
			}
			if buf.Len() != 3 || buf.Detected() != 2 || !buf.Frozen() {
				t.Fatalf("buffer len=%d detected=%d frozen=%v", buf.Len(), buf.Detected(), buf.Frozen())
			}
			ankle, ok := buf.At(0).Get(types.LeftAnkle)
			if !ok || ankle.Z != -0.1 || ankle.Confidence != 0.7 {
				t.Fatalf("ankle = %+v", ankle)
			}

			resolved, _ := reg.Resolve(ctx, ref.ID)
			if !resolved.Indexed || resolved.FrameCount != 3 {
				t.Fatalf("resolved after indexing: %+v", resolved)
			}

			if err := reg.StorePoses(ctx, "missing", samplePoses()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("store for unknown id: %v", err)
			}
		})
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	ref, err := s.Register(context.Background(), Reference{Name: "wave", VideoPath: "/refs/wave.mp4"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_ = s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Resolve(context.Background(), ref.ID); err != nil {
		t.Fatalf("Resolve after reopen: %v", err)
	}
}

type fakeDecoder struct {
	calls  atomic.Int64
	frames int
	gate   chan struct{}
}

func (d *fakeDecoder) Open(ctx context.Context, path string) (media.FrameReader, error) {
	d.calls.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	return &blankReader{
		info: types.VideoInfo{Width: 4, Height: 4, FPS: 30, FrameCount: d.frames},
	}, nil
}

type blankReader struct {
	info types.VideoInfo
	next int
}

func (r *blankReader) Info() types.VideoInfo { return r.info }

func (r *blankReader) Next() (types.Frame, error) {
	if r.next >= r.info.FrameCount {
		return types.Frame{}, io.EOF
	}
	r.next++
	return types.Frame{Index: r.next - 1, Image: image.NewRGBA(image.Rect(0, 0, 4, 4))}, nil
}

func (r *blankReader) Close() error { return nil }

var noseDetector = detector.Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
	return types.NewKeypointSet(types.Landmark{ID: types.Nose, X: float64(f.Index) / 10, Confidence: 1}), nil
})

func TestIndexerExtractsOnceAndCaches(t *testing.T) {
	reg := NewMemory()
	ref, _ := reg.Register(context.Background(), Reference{Name: "r", VideoPath: "/refs/r.mp4"})
	dec := &fakeDecoder{frames: 5, gate: make(chan struct{})}
	ix := NewIndexer(reg, dec, noseDetector)

	var wg sync.WaitGroup
	results := make([]Indexed, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ix.Poses(context.Background(), ref.ID)
		}(i)
	}
	// let every caller reach the in-flight wait before the decode finishes
	time.Sleep(20 * time.Millisecond)
	close(dec.gate)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Poses.Len() != 5 {
			t.Fatalf("caller %d: %d frames", i, results[i].Poses.Len())
		}
	}
	if dec.calls.Load() != 1 {
		t.Fatalf("decoded %d times, want 1", dec.calls.Load())
	}

	if _, err := reg.LoadPoses(context.Background(), ref.ID); err != nil {
		t.Fatalf("poses not persisted: %v", err)
	}
	if _, err := ix.Poses(context.Background(), ref.ID); err != nil || dec.calls.Load() != 1 {
		t.Fatalf("cached call: err=%v decodes=%d", err, dec.calls.Load())
	}
}

func TestIndexerUsesStoredPoses(t *testing.T) {
	reg := NewMemory()
	ref, _ := reg.Register(context.Background(), Reference{Name: "r", VideoPath: "/refs/r.mp4"})
	_ = reg.StorePoses(context.Background(), ref.ID, samplePoses())
	dec := &fakeDecoder{frames: 5}
	ix := NewIndexer(reg, dec, noseDetector)

	got, err := ix.Poses(context.Background(), ref.ID)
	if err != nil {
		t.Fatalf("Poses: %v", err)
	}
	if got.Poses.Len() != 3 || dec.calls.Load() != 0 {
		t.Fatalf("len=%d decodes=%d", got.Poses.Len(), dec.calls.Load())
	}
}

func TestIndexerUnknownReference(t *testing.T) {
	ix := NewIndexer(NewMemory(), &fakeDecoder{}, noseDetector)
	if _, err := ix.Poses(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestIndexReplacesStoredPoses(t *testing.T) {
	reg := NewMemory()
	ref, _ := reg.Register(context.Background(), Reference{Name: "r", VideoPath: "/refs/r.mp4"})
	_ = reg.StorePoses(context.Background(), ref.ID, samplePoses())
	dec := &fakeDecoder{frames: 5}
	ix := NewIndexer(reg, dec, noseDetector)

	got, err := ix.Index(context.Background(), ref.ID)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if got.Poses.Len() != 5 || dec.calls.Load() != 1 {
		t.Fatalf("len=%d decodes=%d", got.Poses.Len(), dec.calls.Load())
	}
	stored, _ := reg.LoadPoses(context.Background(), ref.ID)
	if stored.Len() != 5 {
		t.Fatalf("stored poses not replaced: %d", stored.Len())
	}
}

func TestIndexerWithoutDecoder(t *testing.T) {
	reg := NewMemory()
	ref, _ := reg.Register(context.Background(), Reference{Name: "r", VideoPath: "/refs/r.mp4"})
	ix := NewIndexer(reg, nil, nil)
	if _, err := ix.Poses(context.Background(), ref.ID); err == nil {
		t.Fatalf("expected an error without a decoder")
	}
}

// gatedRegistry holds LoadPoses until the gate is closed.
type gatedRegistry struct {
	*Memory
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedRegistry) LoadPoses(ctx context.Context, id string) (*types.PoseBuffer, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	return g.Memory.LoadPoses(ctx, id)
}

func TestIndexDoesNotReuseInFlightCachedLoad(t *testing.T) {
	reg := &gatedRegistry{Memory: NewMemory(), entered: make(chan struct{}, 1), gate: make(chan struct{})}
	ref, _ := reg.Register(context.Background(), Reference{Name: "r", VideoPath: "/refs/r.mp4"})
	_ = reg.StorePoses(context.Background(), ref.ID, samplePoses())
	dec := &fakeDecoder{frames: 5}
	ix := NewIndexer(reg, dec, noseDetector)

	cached := make(chan Indexed, 1)
	go func() {
		got, _ := ix.Poses(context.Background(), ref.ID)
		cached <- got
	}()
	<-reg.entered

	indexed := make(chan Indexed, 1)
	errs := make(chan error, 1)
	go func() {
		got, err := ix.Index(context.Background(), ref.ID)
		indexed <- got
		errs <- err
	}()
	// let Index reach the in-flight wait before the stored poses come back
	time.Sleep(20 * time.Millisecond)
	close(reg.gate)

	if got := <-cached; got.Poses.Len() != 3 {
		t.Fatalf("cached load returned %d frames", got.Poses.Len())
	}
	got := <-indexed
	if err := <-errs; err != nil {
		t.Fatalf("Index: %v", err)
	}
	if got.Poses.Len() != 5 || dec.calls.Load() != 1 {
		t.Fatalf("Index returned %d frames after %d decodes, want a fresh extraction", got.Poses.Len(), dec.calls.Load())
	}
	after, _ := ix.Poses(context.Background(), ref.ID)
	if after.Poses.Len() != 5 {
		t.Fatalf("cache holds %d frames after Index", after.Poses.Len())
	}
}

func TestStoredNeverExtracts(t *testing.T) {
	reg := NewMemory()
	ref, _ := reg.Register(context.Background(), Reference{Name: "r", VideoPath: "/refs/r.mp4"})
	dec := &fakeDecoder{frames: 5}
	ix := NewIndexer(reg, dec, noseDetector)

	if _, err := ix.Stored(context.Background(), ref.ID); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("unindexed reference: %v", err)
	}
	if _, err := ix.Stored(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown reference: %v", err)
	}
	if dec.calls.Load() != 0 {
		t.Fatalf("Stored decoded the video")
	}

	if _, err := ix.Index(context.Background(), ref.ID); err != nil {
		t.Fatalf("Index: %v", err)
	}
	got, err := ix.Stored(context.Background(), ref.ID)
	if err != nil || got.Poses.Len() != 5 {
		t.Fatalf("after Index: len=%d err=%v", got.Poses.Len(), err)
	}
}
