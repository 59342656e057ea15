// Package detector wraps the external pose keypoint model.
//
// The model is a black box: one decoded frame in, one KeypointSet out. An empty
// set means no pose was found in that frame.
package detector

import (
	"context"
	"errors"

	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

var (
	// ErrDetectionFailure marks a frame where no landmarks were found. It is never fatal.
	ErrDetectionFailure = errors.New("no pose detected")
	// ErrAdapterUnavailable means the detector could not be reached or timed out.
	ErrAdapterUnavailable = errors.New("detector unavailable")
)

// Detector turns one frame into keypoints.
// Implementations return an empty set (or ErrDetectionFailure) when no pose is present
// and an error wrapping ErrAdapterUnavailable when the backend itself failed.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) (types.KeypointSet, error)
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, frame types.Frame) (types.KeypointSet, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, frame types.Frame) (types.KeypointSet, error) {
	return f(ctx, frame)
}

// IsDropout reports whether a Detect result means "no pose in this frame".
func IsDropout(set types.KeypointSet, err error) bool {
	if err != nil {
		return errors.Is(err, ErrDetectionFailure)
	}
	return set.Empty()
}
