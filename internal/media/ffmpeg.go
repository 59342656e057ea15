// Package media decodes uploaded videos into frames and encodes rendered frames back to video.
package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

// ErrDecodeFailure marks an unreadable or corrupt input video.
var ErrDecodeFailure = errors.New("video could not be decoded")

// Decoder opens stored videos for sequential reading.
type Decoder interface {
	Open(ctx context.Context, path string) (FrameReader, error)
}

// FrameReader yields the frames of one video in order and keeps none of them.
// Next returns io.EOF after the last frame.
type FrameReader interface {
	Info() types.VideoInfo
	Next() (types.Frame, error)
	Close() error
}

// Encoder creates a stored video that is fed one frame at a time.
type Encoder interface {
	Create(ctx context.Context, path string, fps float64, size image.Point) (FrameWriter, error)
}

// FrameWriter appends frames of the size given to Create. Close finishes the file.
type FrameWriter interface {
	WriteFrame(*image.RGBA) error
	Close() error
}

// FFmpeg decodes and encodes through the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	// FallbackFPS is used when the container does not report a frame rate.
	FallbackFPS float64
	// MaxFrames stops decoding after this many frames; 0 means no limit.
	MaxFrames int
	// Codec is the output video codec.
	Codec string
}

// NewFFmpeg returns a codec using the given binaries.
func NewFFmpeg(ffmpegPath, ffprobePath string, fallbackFPS float64) *FFmpeg {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	if fallbackFPS <= 0 {
		fallbackFPS = 30
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, FallbackFPS: fallbackFPS, Codec: "libx264"}
}

type probeResult struct {
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	NbFrames     string `json:"nb_frames"`
}

// Probe reads the first video stream's geometry and frame rate.
func (f *FFmpeg) Probe(ctx context.Context, path string) (types.VideoInfo, error) {
	cmd := exec.CommandContext(ctx, f.FFprobePath, "-v", "error", "-hide_banner",
		"-select_streams", "v:0", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return types.VideoInfo{}, fmt.Errorf("%w: ffprobe: %v: %s", ErrDecodeFailure, err, strings.TrimSpace(string(output)))
	}
	return parseProbe(output, f.FallbackFPS)
}

func parseProbe(output []byte, fallbackFPS float64) (types.VideoInfo, error) {
	var res probeResult
	if err := json.Unmarshal(output, &res); err != nil {
		return types.VideoInfo{}, fmt.Errorf("%w: parse ffprobe output: %v", ErrDecodeFailure, err)
	}
	for _, s := range res.Streams {
		if !strings.EqualFold(s.CodecType, "video") {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return types.VideoInfo{}, fmt.Errorf("%w: invalid frame size %dx%d", ErrDecodeFailure, s.Width, s.Height)
		}
		fps := ParseFrameRate(s.AvgFrameRate)
		if fps <= 0 {
			fps = ParseFrameRate(s.RFrameRate)
		}
		if fps <= 0 {
			fps = fallbackFPS
		}
		count, _ := strconv.Atoi(strings.TrimSpace(s.NbFrames))
		return types.VideoInfo{Width: s.Width, Height: s.Height, FPS: fps, FrameCount: count}, nil
	}
	return types.VideoInfo{}, fmt.Errorf("%w: no video stream", ErrDecodeFailure)
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25". It returns 0 when unknown.
func ParseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Open implements Decoder by piping rgb24 raw frames out of ffmpeg.
func (f *FFmpeg) Open(ctx context.Context, path string) (FrameReader, error) {
	info, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	args := []string{"-v", "error", "-nostdin", "-i", path}
	if f.MaxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(f.MaxFrames))
	}
	args = append(args, "-f", "rawvideo", "-pix_fmt", "rgb24", "-")
	cmd := exec.CommandContext(ctx, f.FFmpegPath, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDecodeFailure, err)
	}
	return &ffmpegReader{
		ctx:    ctx,
		path:   path,
		cmd:    cmd,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
		stderr: stderr,
		info:   info,
		limit:  f.MaxFrames,
		buf:    make([]byte, info.Width*info.Height*3),
	}, nil
}

type ffmpegReader struct {
	ctx    context.Context
	path   string
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *bytes.Buffer
	info   types.VideoInfo
	limit  int
	buf    []byte
	next   int
	done   bool
	err    error
}

func (r *ffmpegReader) Info() types.VideoInfo { return r.info }

func (r *ffmpegReader) Next() (types.Frame, error) {
	if r.done {
		return types.Frame{}, r.err
	}
	if r.limit > 0 && r.next >= r.limit {
		return types.Frame{}, r.finish(nil, true)
	}
	frame, err := readRawFrame(r.stdout, r.buf, r.info, r.next)
	if errors.Is(err, io.EOF) {
		return types.Frame{}, r.finish(nil, false)
	}
	if err != nil {
		return types.Frame{}, r.finish(err, false)
	}
	r.next++
	return frame, nil
}

// finish reaps ffmpeg and fixes the error every later Next returns.
func (r *ffmpegReader) finish(readErr error, kill bool) error {
	r.done = true
	if kill {
		_ = r.cmd.Process.Kill()
	}
	waitErr := r.cmd.Wait()
	switch {
	case r.ctx.Err() != nil:
		r.err = r.ctx.Err()
	case readErr != nil:
		r.err = fmt.Errorf("%w: %v", ErrDecodeFailure, readErr)
	case waitErr != nil && !kill:
		r.err = fmt.Errorf("%w: ffmpeg: %v: %s", ErrDecodeFailure, waitErr, strings.TrimSpace(r.stderr.String()))
	default:
		r.err = io.EOF
		logger.Debug("Media", "decoded %s: %d frames %dx%d @ %.2f fps", r.path, r.next, r.info.Width, r.info.Height, r.info.FPS)
	}
	return r.err
}

// Close stops ffmpeg if the video was not read to the end.
func (r *ffmpegReader) Close() error {
	if !r.done {
		_ = r.finish(nil, true)
	}
	return nil
}

// readRawFrame reads one rgb24 frame into buf and converts it. A clean end of
// stream is io.EOF; a partial frame is an error.
func readRawFrame(r io.Reader, buf []byte, info types.VideoInfo, idx int) (types.Frame, error) {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return types.Frame{}, fmt.Errorf("truncated frame %d", idx)
		}
		return types.Frame{}, err
	}
	return types.Frame{
		Index:     idx,
		Timestamp: time.Duration(float64(idx) / info.FPS * float64(time.Second)),
		Image:     rgb24ToRGBA(buf, info.Width, info.Height),
	}, nil
}

func rgb24ToRGBA(buf []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(buf); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// Create implements Encoder. Frames are piped to ffmpeg as they are written.
func (f *FFmpeg) Create(ctx context.Context, path string, fps float64, size image.Point) (FrameWriter, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("encode %s: invalid frame size %v", path, size)
	}
	if fps <= 0 {
		fps = f.FallbackFPS
	}
	cmd := exec.CommandContext(ctx, f.FFmpegPath, f.encodeArgs(path, fps, size)...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &ffmpegWriter{path: path, cmd: cmd, stdin: stdin, stderr: stderr, size: size}, nil
}

func (f *FFmpeg) encodeArgs(path string, fps float64, size image.Point) []string {
	codec := f.Codec
	if codec == "" {
		codec = "libx264"
	}
	return []string{"-v", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", size.X, size.Y),
		"-r", strconv.FormatFloat(fps, 'f', 3, 64),
		"-i", "-",
		// yuv420p needs even dimensions
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", codec, "-pix_fmt", "yuv420p", "-movflags", "+faststart",
		path}
}

type ffmpegWriter struct {
	path   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	size   image.Point
	frames int
	err    error
	closed bool
}

func (w *ffmpegWriter) WriteFrame(frame *image.RGBA) error {
	if w.err != nil {
		return w.err
	}
	if err := writeRawFrame(w.stdin, frame, w.size); err != nil {
		w.err = fmt.Errorf("ffmpeg encode %s: frame %d: %w", w.path, w.frames, err)
		return w.err
	}
	w.frames++
	return nil
}

func (w *ffmpegWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	_ = w.stdin.Close()
	if err := w.cmd.Wait(); err != nil && w.err == nil {
		w.err = fmt.Errorf("ffmpeg encode %s: %w: %s", w.path, err, strings.TrimSpace(w.stderr.String()))
	}
	if w.err == nil && w.frames == 0 {
		w.err = fmt.Errorf("encode %s: no frames", w.path)
	}
	if w.err == nil {
		logger.Debug("Media", "encoded %s: %d frames", w.path, w.frames)
	}
	return w.err
}

func writeRawFrame(w io.Writer, frame *image.RGBA, size image.Point) error {
	if frame.Bounds().Size() != size {
		return fmt.Errorf("frame is %v, want %v", frame.Bounds().Size(), size)
	}
	if frame.Stride == 4*size.X {
		_, err := w.Write(frame.Pix[:4*size.X*size.Y])
		return err
	}
	for y := 0; y < size.Y; y++ {
		row := frame.Pix[y*frame.Stride : y*frame.Stride+4*size.X]
		if _, err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
