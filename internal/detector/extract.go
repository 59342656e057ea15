package detector

import (
	"context"
	"errors"
	"io"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

// FrameSource yields frames in order and returns io.EOF after the last one.
type FrameSource interface {
	Next() (types.Frame, error)
}

// FrameProgress reports one processed frame during extraction.
type FrameProgress struct {
	Done    int
	Total   int
	Dropout bool
}

// Extract runs the detector over every frame of src in order and returns a
// frozen buffer. Only keypoints are kept; frames are dropped once detected.
// total is the expected frame count for progress and grows if src yields more.
// Frames without a pose get an empty set. Any other error stops extraction.
func Extract(ctx context.Context, d Detector, src FrameSource, total int, onFrame func(FrameProgress)) (*types.PoseBuffer, error) {
	buf := types.NewPoseBuffer(max(total, 0))
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		set, err := d.Detect(ctx, frame)
		dropout := IsDropout(set, err)
		if err != nil && !dropout {
			return nil, err
		}
		if dropout {
			logger.Debug("Detector", "no pose in frame %d", frame.Index)
			set = types.KeypointSet{}
		}
		if err := buf.Append(set); err != nil {
			return nil, err
		}
		if onFrame != nil {
			onFrame(FrameProgress{Done: i + 1, Total: max(total, i+1), Dropout: dropout})
		}
	}
	buf.Freeze()
	return buf, nil
}
