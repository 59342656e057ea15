package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

// ErrUnsupportedFormat is returned for uploads with an extension we do not decode.
var ErrUnsupportedFormat = errors.New("unsupported video format")

var videoExtensions = map[string]bool{".mp4": true, ".mov": true, ".avi": true}

// ValidateVideoName checks an upload file name against the accepted containers.
func ValidateVideoName(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !videoExtensions[ext] {
		return fmt.Errorf("%w: %q (want .mp4, .mov or .avi)", ErrUnsupportedFormat, ext)
	}
	return nil
}

// DecodeImage decodes a JPEG or PNG still into a frame. JPEG input is kept on the
// frame so detectors can reuse it without re-encoding.
func DecodeImage(data []byte) (types.Frame, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	frame := types.Frame{Image: img}
	if format == "jpeg" {
		frame.JPEG = data
	}
	return frame, nil
}

// DecodeBase64 accepts raw base64 or a data URL ("data:image/jpeg;base64,...").
func DecodeBase64(s string) ([]byte, error) {
	if _, payload, ok := strings.Cut(s, ","); ok && strings.HasPrefix(s, "data:") {
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecodeFailure, err)
	}
	return data, nil
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
