package types

import (
	"image"
	"time"
)

// Frame is one decoded video frame handed to the detector and renderer.
type Frame struct {
	Index     int           // Position in the source video (0-based)
	Timestamp time.Duration // Presentation time relative to the first frame
	Image     image.Image   // Decoded pixels (may be nil when only JPEG is known)
	JPEG      []byte        // Pre-encoded JPEG, reused by detectors that consume compressed frames
}

// Bounds returns the frame size, or an empty rectangle when no image is attached.
func (f Frame) Bounds() image.Rectangle {
	if f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// VideoInfo describes a decoded video stream.
type VideoInfo struct {
	Width      int     // Frame width in pixels
	Height     int     // Frame height in pixels
	FPS        float64 // Average frame rate
	FrameCount int     // Frame count reported by the container, 0 when unknown
}
