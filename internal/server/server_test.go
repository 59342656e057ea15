package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/detector"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/library"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/live"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/metrics"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/pipeline"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/render"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/scoring"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

// Uploaded "videos" are text files: "near" decodes to frames with the nose at
// x=0, "far" to frames with the nose at x=1, anything else fails to decode.
type contentDecoder struct{}

func (contentDecoder) Open(ctx context.Context, path string) (media.FrameReader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrDecodeFailure, err)
	}
	var red uint8
	switch strings.TrimSpace(string(raw)) {
	case "near":
	case "far":
		red = 255
	default:
		return nil, fmt.Errorf("%w: not a video", media.ErrDecodeFailure)
	}
	r := &frameList{info: types.VideoInfo{Width: 2, Height: 2, FPS: 10, FrameCount: 6}}
	for i := 0; i < 6; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				img.SetRGBA(x, y, color.RGBA{R: red, A: 255})
			}
		}
		r.frames = append(r.frames, types.Frame{Index: i, Image: img})
	}
	return r, nil
}

type frameList struct {
	info   types.VideoInfo
	frames []types.Frame
}

func (r *frameList) Info() types.VideoInfo { return r.info }

func (r *frameList) Next() (types.Frame, error) {
	if len(r.frames) == 0 {
		return types.Frame{}, io.EOF
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f, nil
}

func (r *frameList) Close() error { return nil }

// fileEncoder writes "<n> frames" to the output path on Close.
type fileEncoder struct{}

func (fileEncoder) Create(ctx context.Context, path string, fps float64, size image.Point) (media.FrameWriter, error) {
	return &countingWriter{path: path}, nil
}

type countingWriter struct {
	path   string
	frames int
}

func (w *countingWriter) WriteFrame(*image.RGBA) error {
	w.frames++
	return nil
}

func (w *countingWriter) Close() error {
	return os.WriteFile(w.path, []byte(fmt.Sprintf("%d frames", w.frames)), 0o644)
}

var colorDetector = detector.Func(func(ctx context.Context, f types.Frame) (types.KeypointSet, error) {
	b := f.Image.Bounds()
	r, _, _, a := f.Image.At(b.Min.X, b.Min.Y).RGBA()
	if a == 0 {
		return types.KeypointSet{}, nil
	}
	x := 0.0
	if r > 0x8000 {
		x = 1
	}
	return types.NewKeypointSet(types.Landmark{ID: types.Nose, X: x, Confidence: 1}), nil
})

type fakeOfferer struct {
	err    error
	gotRef string
}

func (f *fakeOfferer) HandleOffer(ctx context.Context, referenceID string, offer []byte) ([]byte, error) {
	f.gotRef = referenceID
	if f.err != nil {
		return nil, f.err
	}
	return []byte(`{"type":"answer","sdp":"v=0"}`), nil
}

func (f *fakeOfferer) PeerCount() int { return 0 }

type testEnv struct {
	srv      *httptest.Server
	registry *library.Memory
	cfg      Config
	offerer  *fakeOfferer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		UploadDir:         filepath.Join(dir, "uploads"),
		OutputDir:         filepath.Join(dir, "outputs"),
		ReferenceVideoDir: filepath.Join(dir, "references"),
		AllowedOrigin:     "http://localhost:3000",
	}
	comp, err := scoring.NewComparator(scoring.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	reg := library.NewMemory()
	ix := library.NewIndexer(reg, contentDecoder{}, colorDetector)
	runner := pipeline.NewRunner(pipeline.Config{OutputDir: cfg.OutputDir}, pipeline.Deps{
		Decoder:    contentDecoder{},
		Encoder:    fileEncoder{},
		Detector:   colorDetector,
		Indexer:    ix,
		Comparator: comp,
		Renderer:   render.NewSkeleton(8, 8),
		Metrics:    m,
	})
	mgr := live.NewManager(live.Config{}, live.Deps{Indexer: ix, Detector: colorDetector, Comparator: comp, Metrics: m})
	t.Cleanup(mgr.CloseAll)
	off := &fakeOfferer{}

	s := New(cfg, Deps{Runner: runner, Indexer: ix, Live: mgr, WebRTC: off, Metrics: m})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, registry: reg, cfg: cfg, offerer: off}
}

type part struct {
	field, filename, content string
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			_ = mw.WriteField(p.field, p.content)
			continue
		}
		fw, err := mw.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(fw, p.content)
	}
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) post(t *testing.T, path string, parts ...part) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, parts...)
	resp, err := http.Post(e.srv.URL+path, ct, body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("body is not JSON: %s", raw)
		}
	}
	return m
}

type sseEvent struct {
	name string
	data map[string]any
}

func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	defer resp.Body.Close()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.name != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data); err != nil {
				t.Fatalf("bad data line %q", line)
			}
		}
	}
	return out
}

func terminal(t *testing.T, evs []sseEvent) sseEvent {
	t.Helper()
	if len(evs) < 2 || evs[len(evs)-1].name != "done" {
		t.Fatalf("stream must end with done: %+v", evs)
	}
	return evs[len(evs)-2]
}

func TestCompareStreamWithUploadedReference(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/compare/stream",
		part{"user_video", "me.mp4", "near"},
		part{"reference_video", "coach.MOV", "near"},
	)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("status %d, content type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	evs := readSSE(t, resp)
	last := terminal(t, evs)
	if last.name != "result" || last.data["overall_accuracy"] != float64(100) || last.data["total_frames_processed"] != float64(6) {
		t.Fatalf("result = %+v", last)
	}
	if evs[0].name != "progress" {
		t.Fatalf("first event %q", evs[0].name)
	}

	url, _ := last.data["annotated_user_video_url"].(string)
	out, err := http.Get(env.srv.URL + url)
	if err != nil || out.StatusCode != http.StatusOK {
		t.Fatalf("output %s not served: %v %v", url, err, out)
	}
	out.Body.Close()

	left, _ := os.ReadDir(env.cfg.UploadDir)
	if len(left) != 0 {
		t.Fatalf("uploads not cleaned up: %v", left)
	}
}

func TestCompareStreamFarReferenceScoresZero(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/compare/stream",
		part{"user_video", "me.mp4", "near"},
		part{"reference_video", "coach.mp4", "far"},
		part{field: "tolerance", content: "0.01"},
	)
	last := terminal(t, readSSE(t, resp))
	if last.name != "result" || last.data["overall_accuracy"] != float64(0) {
		t.Fatalf("result = %+v", last)
	}
}

func TestCompareStreamDecodeFailure(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/compare/stream",
		part{"user_video", "me.mp4", "garbage"},
		part{"reference_video", "coach.mp4", "near"},
	)
	last := terminal(t, readSSE(t, resp))
	if last.name != "error" || last.data["message"] == "" {
		t.Fatalf("terminal = %+v", last)
	}
}

func TestCompareStreamWithLibraryReference(t *testing.T) {
	env := newTestEnv(t)
	refVideo := filepath.Join(t.TempDir(), "ref.mp4")
	_ = os.WriteFile(refVideo, []byte("near"), 0o644)
	ref, _ := env.registry.Register(context.Background(), library.Reference{Name: "coach", VideoPath: refVideo})

	resp := env.post(t, "/api/compare/stream",
		part{"user_video", "me.mp4", "near"},
		part{field: "reference_id", content: ref.ID},
	)
	last := terminal(t, readSSE(t, resp))
	if last.name != "result" || last.data["overall_accuracy"] != float64(100) {
		t.Fatalf("result = %+v", last)
	}
	if _, err := env.registry.LoadPoses(context.Background(), ref.ID); err != nil {
		t.Fatalf("reference poses were not cached: %v", err)
	}
}

func TestCompareStreamRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name  string
		parts []part
	}{
		{"no user video", []part{{"reference_video", "r.mp4", "near"}}},
		{"no reference", []part{{"user_video", "u.mp4", "near"}}},
		{"both references", []part{{"user_video", "u.mp4", "near"}, {"reference_video", "r.mp4", "near"}, {field: "reference_id", content: "x"}}},
		{"bad extension", []part{{"user_video", "u.gif", "near"}, {"reference_video", "r.mp4", "near"}}},
		{"bad tolerance", []part{{"user_video", "u.mp4", "near"}, {"reference_video", "r.mp4", "near"}, {field: "tolerance", content: "-1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, "/api/compare/stream", tt.parts...)
			body := decodeBody(t, resp)
			if resp.StatusCode != http.StatusBadRequest || body["error"] == nil {
				t.Fatalf("status %d body %v", resp.StatusCode, body)
			}
		})
	}
	left, _ := os.ReadDir(env.cfg.UploadDir)
	if len(left) != 0 {
		t.Fatalf("rejected uploads left behind: %v", left)
	}
}

func TestReferenceLibraryRoutes(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/api/references")
	if resp.StatusCode != http.StatusOK || len(body["references"].([]any)) != 0 {
		t.Fatalf("empty list: %d %v", resp.StatusCode, body)
	}

	created := decodeBody(t, env.post(t, "/api/references", part{"video", "squat.mp4", "near"}, part{field: "name", content: "Squat"}))
	id, _ := created["id"].(string)
	if id == "" || created["name"] != "Squat" {
		t.Fatalf("created = %v", created)
	}
	if _, leaked := created["video_path"]; leaked {
		t.Fatalf("video path exposed: %v", created)
	}

	resp, body = env.get(t, "/api/references/"+id)
	if resp.StatusCode != http.StatusOK || body["name"] != "Squat" {
		t.Fatalf("get: %d %v", resp.StatusCode, body)
	}
	resp, _ = env.get(t, "/api/references/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing reference: %d", resp.StatusCode)
	}

	resp, body = env.postJSON(t, "/api/references/"+id+"/index", nil)
	if resp.StatusCode != http.StatusOK || body["frames"] != float64(6) || body["frames_detected"] != float64(6) {
		t.Fatalf("index: %d %v", resp.StatusCode, body)
	}

	_, body = env.get(t, "/api/references")
	refs := body["references"].([]any)
	if len(refs) != 1 || refs[0].(map[string]any)["indexed"] != true {
		t.Fatalf("list after index: %v", body)
	}

	resp = env.post(t, "/api/references", part{"video", "lunge.mp4", "near"}, part{field: "index", content: "true"})
	created = decodeBody(t, resp)
	if resp.StatusCode != http.StatusCreated || created["indexed"] != true {
		t.Fatalf("create with index: %d %v", resp.StatusCode, created)
	}
	resp = env.post(t, "/api/references", part{"video", "lunge.mp4", "near"}, part{field: "index", content: "maybe"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad index flag: %d", resp.StatusCode)
	}
}

func TestComparePose(t *testing.T) {
	env := newTestEnv(t)
	ref, _ := env.registry.Register(context.Background(), library.Reference{Name: "pose", VideoPath: "unused.mp4"})
	_ = env.registry.StorePoses(context.Background(), ref.ID, types.FrozenPoseBuffer([]types.KeypointSet{
		types.NewKeypointSet(types.Landmark{ID: types.Nose, X: 0, Confidence: 1}),
		types.NewKeypointSet(types.Landmark{ID: types.Nose, X: 1, Confidence: 1}),
	}))
	jpg, err := media.EncodeJPEG(image.NewRGBA(image.Rect(0, 0, 4, 4)), 90)
	if err != nil {
		t.Fatal(err)
	}
	// transparent pixels encode as black in JPEG, so the nose lands at x=0
	img := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpg)

	resp, body := env.postJSON(t, "/api/compare_pose", map[string]any{"user_image": img, "reference_id": ref.ID, "reference_frame_index": 0})
	if resp.StatusCode != http.StatusOK || body["score"] != float64(100) || body["total_keypoints"] != float64(1) {
		t.Fatalf("frame 0: %d %v", resp.StatusCode, body)
	}
	resp, body = env.postJSON(t, "/api/compare_pose", map[string]any{"user_image": img, "reference_id": ref.ID, "reference_frame_index": 1})
	wrong, _ := body["wrong_keypoints"].([]any)
	if resp.StatusCode != http.StatusOK || body["score"] != float64(0) || len(wrong) != 1 || wrong[0] != float64(types.Nose) {
		t.Fatalf("frame 1: %d %v", resp.StatusCode, body)
	}

	resp, _ = env.postJSON(t, "/api/compare_pose", map[string]any{"user_image": img, "reference_id": "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown reference: %d", resp.StatusCode)
	}
	resp, _ = env.postJSON(t, "/api/compare_pose", map[string]any{"user_image": "%%%", "reference_id": ref.ID})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad image: %d", resp.StatusCode)
	}

	pending, _ := env.registry.Register(context.Background(), library.Reference{Name: "pending", VideoPath: "unused.mp4"})
	resp, body = env.postJSON(t, "/api/compare_pose", map[string]any{"user_image": img, "reference_id": pending.ID})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("unindexed reference: %d %v", resp.StatusCode, body)
	}
}

func TestLiveOffer(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.postJSON(t, "/api/live/offer?reference_id=abc", map[string]any{"type": "offer", "sdp": "v=0"})
	if resp.StatusCode != http.StatusOK || body["type"] != "answer" || env.offerer.gotRef != "abc" {
		t.Fatalf("offer: %d %v ref=%q", resp.StatusCode, body, env.offerer.gotRef)
	}

	resp, _ = env.postJSON(t, "/api/live/offer", map[string]any{"type": "offer", "sdp": "v=0"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing reference: %d", resp.StatusCode)
	}
	resp, _ = env.postJSON(t, "/api/live/offer?reference_id=abc", map[string]any{"sdp": "v=0"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid offer: %d", resp.StatusCode)
	}

	env.offerer.err = fmt.Errorf("reference abc: %w", library.ErrNotFound)
	resp, _ = env.postJSON(t, "/api/live/offer", map[string]any{"type": "offer", "sdp": "v=0", "reference_id": "abc"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown reference: %d", resp.StatusCode)
	}

	env.offerer.err = fmt.Errorf("reference abc: %w", library.ErrNotIndexed)
	resp, _ = env.postJSON(t, "/api/live/offer", map[string]any{"type": "offer", "sdp": "v=0", "reference_id": "abc"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("unindexed reference: %d", resp.StatusCode)
	}
}

func TestCORSAndHealth(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/compare/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("preflight: %d %v", resp.StatusCode, resp.Header)
	}

	resp, body := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
	resp, body = env.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK || body["metrics"] == nil || body["live_sessions"] != float64(0) {
		t.Fatalf("status: %d %v", resp.StatusCode, body)
	}
}
