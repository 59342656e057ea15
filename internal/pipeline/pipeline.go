// Package pipeline runs one batch comparison of a user video against a reference.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/align"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/detector"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/events"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/library"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/metrics"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/render"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/scoring"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
	"github.com/google/uuid"
)

// ErrAlignmentDegenerate rejects a run whose user or reference video has no frames.
var ErrAlignmentDegenerate = errors.New("video has no frames")

// State is a step of the run state machine.
type State string

const (
	StatePending             State = "PENDING"
	StateExtractingUser      State = "EXTRACTING_USER"
	StateExtractingReference State = "EXTRACTING_REFERENCE"
	StateAligning            State = "ALIGNING"
	StateScoring             State = "SCORING"
	StateRendering           State = "RENDERING"
	StateDone                State = "DONE"
	StateFailed              State = "FAILED"
)

// Job describes one run. Exactly one of ReferenceVideoPath and ReferenceID is set.
type Job struct {
	ID                 string
	UserVideoPath      string
	ReferenceVideoPath string
	ReferenceID        string
	// ReferenceStart resamples the reference from this frame onward.
	ReferenceStart int
	// Tolerance overrides the configured global tolerance when positive.
	Tolerance float64
	// Cleanup lists files removed when the run ends.
	Cleanup []string
}

// Config holds runner settings.
type Config struct {
	ProgressEvery   int
	OutputDir       string
	OutputURLPrefix string
	MaxConcurrent   int
}

// Runner executes jobs. It is safe for concurrent use; each Run owns its own state.
type Runner struct {
	cfg        Config
	decoder    media.Decoder
	encoder    media.Encoder
	detector   detector.Detector
	indexer    *library.Indexer
	comparator *scoring.Comparator
	renderer   render.Renderer
	metrics    *metrics.Metrics
	slots      chan struct{}
}

// Deps bundles the collaborators of a Runner.
type Deps struct {
	Decoder    media.Decoder
	Encoder    media.Encoder
	Detector   detector.Detector
	Indexer    *library.Indexer
	Comparator *scoring.Comparator
	Renderer   render.Renderer
	Metrics    *metrics.Metrics
}

// NewRunner creates a runner.
func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.ProgressEvery < 1 {
		cfg.ProgressEvery = 10
	}
	if cfg.OutputURLPrefix == "" {
		cfg.OutputURLPrefix = "/outputs/"
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	r := &Runner{
		cfg:        cfg,
		decoder:    deps.Decoder,
		encoder:    deps.Encoder,
		detector:   deps.Detector,
		indexer:    deps.Indexer,
		comparator: deps.Comparator,
		renderer:   deps.Renderer,
		metrics:    deps.Metrics,
	}
	if cfg.MaxConcurrent > 0 {
		r.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return r
}

// run is the mutable state of one job.
type run struct {
	*Runner
	job   Job
	em    *events.Emitter
	state State

	comparator *scoring.Comparator
	userInfo   types.VideoInfo
	userPoses  *types.PoseBuffer
	refPath    string
	refPoses   *types.PoseBuffer
	mapping    align.Map
	scores     []scoring.FrameScore
	session    scoring.SessionScore
	rendered   bool
}

// Run executes job, reporting on em. It emits exactly one result or error and
// always closes em, so done is the last event.
func (r *Runner) Run(ctx context.Context, job Job, em *events.Emitter) (events.Result, error) {
	defer em.Close()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	defer removeFiles(job.Cleanup)

	r.metrics.RunsStarted.Add(1)
	st := &run{Runner: r, job: job, em: em, state: StatePending}
	start := time.Now()
	logger.Info("Pipeline", "run %s started", job.ID)

	res, err := st.execute(ctx)
	if err != nil {
		st.state = StateFailed
		switch {
		case errors.Is(err, context.Canceled):
			r.metrics.RunsCancelled.Add(1)
			logger.Info("Pipeline", "run %s cancelled", job.ID)
		default:
			r.metrics.RunsFailed.Add(1)
			logger.Warn("Pipeline", "run %s failed: %v", job.ID, err)
		}
		_ = em.Fail(failureMessage(err))
		return events.Result{}, err
	}

	st.state = StateDone
	r.metrics.RunsCompleted.Add(1)
	logger.Info("Pipeline", "run %s done in %s: accuracy %.1f over %d frames", job.ID,
		time.Since(start).Round(time.Millisecond), res.OverallAccuracy, res.TotalFramesProcessed)
	if err := em.Result(res); err != nil {
		logger.Debug("Pipeline", "run %s result not delivered: %v", job.ID, err)
	}
	return res, nil
}

func (st *run) execute(ctx context.Context) (events.Result, error) {
	if err := st.validate(); err != nil {
		return events.Result{}, err
	}
	if err := st.acquire(ctx); err != nil {
		return events.Result{}, err
	}
	defer st.release()

	steps := []func(context.Context) error{
		st.extractUser,
		st.extractReference,
		st.align,
		st.score,
		st.render,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return events.Result{}, err
		}
		if err := step(ctx); err != nil {
			return events.Result{}, err
		}
	}
	return st.result(), nil
}

func (st *run) validate() error {
	if st.job.UserVideoPath == "" {
		return errors.New("user video is required")
	}
	if (st.job.ReferenceVideoPath == "") == (st.job.ReferenceID == "") {
		return errors.New("exactly one of reference video or reference id is required")
	}
	if st.job.ReferenceID != "" && st.indexer == nil {
		return errors.New("reference library is not available")
	}
	st.comparator = st.Runner.comparator
	if st.job.Tolerance > 0 {
		c, err := st.comparator.WithTolerance(st.job.Tolerance)
		if err != nil {
			return err
		}
		st.comparator = c
	}
	return nil
}

func (st *run) acquire(ctx context.Context) error {
	if st.slots == nil {
		return nil
	}
	select {
	case st.slots <- struct{}{}:
		return nil
	default:
	}
	st.progress("waiting for a free slot", 0)
	select {
	case st.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (st *run) release() {
	if st.slots != nil {
		<-st.slots
	}
}

func (st *run) enter(s State) {
	st.state = s
	logger.Debug("Pipeline", "run %s -> %s", st.job.ID, s)
}

func (st *run) progress(message string, pct float64) {
	if err := st.em.Progress(string(st.state), message, pct); err != nil {
		logger.Debug("Pipeline", "run %s progress dropped: %v", st.job.ID, err)
	}
}

// stageProgress emits throttled per-frame progress for the current stage.
func (st *run) stageProgress(what string, done, total int) {
	if done != total && done%st.cfg.ProgressEvery != 0 {
		return
	}
	st.progress(fmt.Sprintf("%s %d/%d", what, done, total), percent(done, total))
}

func (st *run) extractUser(ctx context.Context) error {
	st.enter(StateExtractingUser)
	st.progress("decoding user video", 0)
	video, err := st.decoder.Open(ctx, st.job.UserVideoPath)
	if err != nil {
		return fmt.Errorf("user video: %w", err)
	}
	defer video.Close()
	st.userInfo = video.Info()

	buf, err := st.extract(ctx, video, "user frame")
	if err != nil {
		return err
	}
	if buf.Len() == 0 {
		return fmt.Errorf("user video: %w", ErrAlignmentDegenerate)
	}
	st.userPoses = buf
	return nil
}

func (st *run) extractReference(ctx context.Context) error {
	st.enter(StateExtractingReference)

	if st.job.ReferenceID != "" {
		st.progress("loading reference poses", 0)
		indexed, err := st.indexer.Poses(ctx, st.job.ReferenceID)
		if err != nil {
			return fmt.Errorf("reference %s: %w", st.job.ReferenceID, err)
		}
		if indexed.Poses.Len() == 0 {
			return fmt.Errorf("reference video: %w", ErrAlignmentDegenerate)
		}
		st.refPath = indexed.Reference.VideoPath
		st.refPoses = indexed.Poses
		st.progress(fmt.Sprintf("loaded %d indexed reference frames", indexed.Poses.Len()), 100)
		return nil
	}

	st.refPath = st.job.ReferenceVideoPath
	st.progress("decoding reference video", 0)
	video, err := st.decoder.Open(ctx, st.refPath)
	if err != nil {
		return fmt.Errorf("reference video: %w", err)
	}
	defer video.Close()

	buf, err := st.extract(ctx, video, "reference frame")
	if err != nil {
		return err
	}
	if buf.Len() == 0 {
		return fmt.Errorf("reference video: %w", ErrAlignmentDegenerate)
	}
	st.refPoses = buf
	return nil
}

func (st *run) extract(ctx context.Context, video media.FrameReader, what string) (*types.PoseBuffer, error) {
	dropouts := 0
	buf, err := detector.Extract(ctx, st.detector, video, video.Info().FrameCount, func(p detector.FrameProgress) {
		st.metrics.FramesExtracted.Add(1)
		if p.Dropout {
			dropouts++
			st.metrics.DetectionDropouts.Add(1)
		}
		st.stageProgress(what, p.Done, p.Total)
	})
	if err != nil {
		return nil, err
	}
	if dropouts > 0 {
		st.progress(fmt.Sprintf("no pose detected in %d of %d frames; they will not be scored", dropouts, buf.Len()), 100)
	}
	return buf, nil
}

func (st *run) align(ctx context.Context) error {
	st.enter(StateAligning)
	st.mapping = align.LinearFrom(st.userPoses.Len(), st.refPoses.Len(), st.job.ReferenceStart)
	st.progress(fmt.Sprintf("aligned %d user frames to %d reference frames", st.userPoses.Len(), st.refPoses.Len()), 100)
	return nil
}

func (st *run) score(ctx context.Context) error {
	st.enter(StateScoring)
	total := st.mapping.Len()
	st.scores = make([]scoring.FrameScore, total)
	for i := 0; i < total; i++ {
		if i%st.cfg.ProgressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		refIdx, ok := st.mapping.Lookup(i)
		if !ok {
			continue
		}
		fs := st.comparator.Compare(st.userPoses.At(i), st.refPoses.At(refIdx))
		st.scores[i] = fs
		st.session.Add(fs)
		if fs.Scored {
			st.metrics.FramesScored.Add(1)
		}
		st.stageProgress("scored frame", i+1, total)
	}
	return nil
}

// render writes the result videos. A failure other than cancellation does not
// fail the run: the result is still delivered, without video URLs.
func (st *run) render(ctx context.Context) error {
	st.enter(StateRendering)
	if st.renderer == nil || st.encoder == nil {
		st.progress("rendering disabled", 100)
		return nil
	}
	err := st.renderVideos(ctx)
	if err == nil {
		st.rendered = true
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	st.metrics.RenderFailures.Add(1)
	logger.Warn("Pipeline", "run %s rendering failed: %v", st.job.ID, err)
	st.progress("rendering failed, no result videos: "+err.Error(), 100)
	return nil
}

// renderVideos re-decodes both videos and streams rendered frames into the encoder.
func (st *run) renderVideos(ctx context.Context) error {
	if err := os.MkdirAll(st.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}
	user, err := st.decoder.Open(ctx, st.job.UserVideoPath)
	if err != nil {
		return fmt.Errorf("user video: %w", err)
	}
	defer user.Close()
	ref, err := st.decoder.Open(ctx, st.refPath)
	if err != nil {
		return fmt.Errorf("reference video: %w", err)
	}
	defer ref.Close()

	out := &outputs{
		encoder: st.encoder,
		fps:     st.userInfo.FPS,
		paths: [2]string{
			filepath.Join(st.cfg.OutputDir, st.sideBySideName()),
			filepath.Join(st.cfg.OutputDir, st.annotatedName()),
		},
	}
	defer out.abort()
	refFrames := &frameCursor{src: ref}

	total := st.mapping.Len()
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		userFrame, err := user.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("user video ended at frame %d of %d", i, total)
		}
		if err != nil {
			return err
		}
		refIdx, _ := st.mapping.Lookup(i)
		refFrame, err := refFrames.at(refIdx)
		if err != nil {
			return err
		}
		composite := st.renderer.Composite(refFrame, st.refPoses.At(refIdx), userFrame, st.userPoses.At(i), st.scores[i])
		annotated := st.renderer.Annotate(userFrame, st.userPoses.At(i), st.scores[i])
		if err := out.write(ctx, composite, annotated); err != nil {
			return err
		}
		st.stageProgress("rendered frame", i+1, total)
	}
	st.progress("finishing videos", 100)
	return out.close()
}

// frameCursor advances a reader to non-decreasing frame indices. Past the end
// of the stream it keeps returning the last frame.
type frameCursor struct {
	src  media.FrameReader
	cur  types.Frame
	have bool
	eof  bool
}

func (c *frameCursor) at(idx int) (types.Frame, error) {
	for !c.eof && (!c.have || c.cur.Index < idx) {
		f, err := c.src.Next()
		if errors.Is(err, io.EOF) {
			c.eof = true
			break
		}
		if err != nil {
			return types.Frame{}, err
		}
		c.cur, c.have = f, true
	}
	return c.cur, nil
}

// outputs owns the side-by-side and annotated writers of one run. Writers
// are created on the first frame so they get the rendered size.
type outputs struct {
	encoder media.Encoder
	fps     float64
	paths   [2]string
	writers [2]media.FrameWriter
	done    bool
}

func (o *outputs) write(ctx context.Context, frames ...*image.RGBA) error {
	for i, frame := range frames {
		if o.writers[i] == nil {
			w, err := o.encoder.Create(ctx, o.paths[i], o.fps, frame.Bounds().Size())
			if err != nil {
				return err
			}
			o.writers[i] = w
		}
		if err := o.writers[i].WriteFrame(frame); err != nil {
			return fmt.Errorf("encode %s: %w", filepath.Base(o.paths[i]), err)
		}
	}
	return nil
}

func (o *outputs) close() error {
	if o.writers[0] == nil {
		return errors.New("no frames rendered")
	}
	var errs []error
	for i, w := range o.writers {
		if w != nil {
			errs = append(errs, w.Close())
			o.writers[i] = nil
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	o.done = true
	return nil
}

// abort closes any open writer and removes partial files unless close succeeded.
func (o *outputs) abort() {
	if o.done {
		return
	}
	for i, w := range o.writers {
		if w != nil {
			_ = w.Close()
			o.writers[i] = nil
		}
	}
	removeFiles(o.paths[:])
}

func (st *run) sideBySideName() string { return st.job.ID + "_side_by_side.mp4" }
func (st *run) annotatedName() string  { return st.job.ID + "_annotated.mp4" }

func (st *run) result() events.Result {
	res := events.Result{
		RunID:                st.job.ID,
		OverallAccuracy:      st.session.Overall(),
		TotalFramesProcessed: st.session.Processed,
		ScoredFrames:         st.session.Scored,
	}
	if st.rendered {
		res.SideBySideVideoURL = st.cfg.OutputURLPrefix + st.sideBySideName()
		res.AnnotatedUserVideoURL = st.cfg.OutputURLPrefix + st.annotatedName()
	}
	return res
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return 100 * float64(done) / float64(total)
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "run cancelled"
	case errors.Is(err, media.ErrDecodeFailure):
		return "could not decode video: " + err.Error()
	case errors.Is(err, detector.ErrAdapterUnavailable):
		return "pose detector unavailable: " + err.Error()
	case errors.Is(err, ErrAlignmentDegenerate):
		return "cannot compare: " + err.Error()
	default:
		return err.Error()
	}
}

func removeFiles(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("Pipeline", "cleanup %s: %v", p, err)
		}
	}
}
