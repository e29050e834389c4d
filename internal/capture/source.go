// Package capture wraps camera devices and exposes the current frame as a
// still image on demand.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

var (
	// ErrPermissionDenied means the device exists but may not be opened.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceUnavailable means the device is missing, busy or produced no
	// frames.
	ErrDeviceUnavailable = errors.New("camera unavailable")
	// ErrClosed is returned by Frame after Close.
	ErrClosed = errors.New("capture source closed")
)

// DefaultQuality is the JPEG quality used for frames sent to inference.
const DefaultQuality = 80

// Frame is one decoded camera frame.
type Frame struct {
	Image      image.Image
	CapturedAt time.Time
}

// Width returns the source-frame width in pixels.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the source-frame height in pixels.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// JPEG encodes the frame at the given quality (1..100).
func (f *Frame) JPEG(quality int) ([]byte, error) {
	return EncodeJPEG(f.Image, quality)
}

// Source is a camera feed.
type Source interface {
	// Open acquires the device. It fails with ErrPermissionDenied or
	// ErrDeviceUnavailable.
	Open(ctx context.Context) error
	// Frame returns the most recent frame.
	Frame(ctx context.Context) (*Frame, error)
	// Lost is closed when the device stops delivering frames on its own.
	Lost() <-chan struct{}
	// Close releases the device. Safe to call more than once.
	Close() error
}

// Options configures NewSource.
type Options struct {
	Device      string
	InputFormat string // ffmpeg input format, e.g. "v4l2"; empty picks one
	Width       int
	Height      int
	FPS         int
}

// NewSource picks an implementation for the device string:
//   - "still:<path>" serves a fixed image file
//   - http(s) URLs that point at an image are polled as snapshots
//   - everything else goes through ffmpeg (V4L2 devices, RTSP, HTTP streams)
func NewSource(opts Options) Source {
	switch {
	case strings.HasPrefix(opts.Device, "still:"):
		return NewFileSource(strings.TrimPrefix(opts.Device, "still:"))
	case isSnapshotEndpoint(opts.Device):
		return NewSnapshotSource(opts.Device)
	default:
		return NewFFmpegSource(opts)
	}
}

// EncodeJPEG compresses img with the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeImage decodes any registered image format.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

func isSnapshotEndpoint(device string) bool {
	if !strings.HasPrefix(device, "http://") && !strings.HasPrefix(device, "https://") {
		return false
	}
	lower := strings.ToLower(device)
	return strings.Contains(lower, ".jpg") ||
		strings.Contains(lower, ".jpeg") ||
		strings.Contains(lower, "snapshot")
}
