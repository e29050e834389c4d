package capture

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) image.Image {
	return imaging.New(w, h, color.NRGBA{R: 90, G: 90, B: 90, A: 255})
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	data, err := EncodeJPEG(testImage(w, h), DefaultQuality)
	require.NoError(t, err)
	return data
}

func TestJPEGScannerSplitsStream(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0x03, 0xFF, 0xD9}

	var sc jpegScanner
	stream := append(append([]byte{0x00, 0x11}, a...), b...)

	// feed in awkward chunks, splitting markers
	var frames [][]byte
	for _, chunk := range [][]byte{stream[:3], stream[3:7], stream[7:9], stream[9:]} {
		sc.Write(chunk)
		for f := sc.Next(); f != nil; f = sc.Next() {
			frames = append(frames, f)
		}
	}

	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
}

func TestJPEGScannerKeepsPartialMarker(t *testing.T) {
	var sc jpegScanner
	sc.Write([]byte{0x00, 0xFF})
	assert.Nil(t, sc.Next())
	sc.Write([]byte{0xD8, 0x05, 0xFF, 0xD9})
	assert.Equal(t, []byte{0xFF, 0xD8, 0x05, 0xFF, 0xD9}, sc.Next())
}

func TestEncodeJPEGKeepsDimensions(t *testing.T) {
	data := testJPEG(t, 64, 48)
	img, err := DecodeImage(data)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
}

func TestSnapshotSource(t *testing.T) {
	jpeg := testJPEG(t, 32, 24)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpeg)
	}))
	defer srv.Close()

	src := NewSnapshotSource(srv.URL + "/snapshot.jpg")
	_, err := src.Frame(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, src.Open(context.Background()))
	frame, err := src.Frame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 32, frame.Width())
	assert.Equal(t, 24, frame.Height())
	assert.False(t, frame.CapturedAt.IsZero())

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestSnapshotSourcePermissionDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSnapshotSource(srv.URL + "/snapshot.jpg").Open(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "road.jpg")
	require.NoError(t, os.WriteFile(path, testJPEG(t, 40, 30), 0o644))

	src := NewSource(Options{Device: "still:" + path})
	require.IsType(t, &FileSource{}, src)
	require.NoError(t, src.Open(context.Background()))

	frame, err := src.Frame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, frame.Width())

	require.NoError(t, src.Close())
	_, err = src.Frame(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileSourceMissing(t *testing.T) {
	err := NewFileSource(filepath.Join(t.TempDir(), "missing.jpg")).Open(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestCheckDeviceMissing(t *testing.T) {
	err := checkDevice(filepath.Join(t.TempDir(), "video9"))
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.NoError(t, checkDevice("rtsp://camera.local/stream"))
}

func TestNewSourceDispatch(t *testing.T) {
	assert.IsType(t, &SnapshotSource{}, NewSource(Options{Device: "http://cam.local/snapshot.jpg"}))
	assert.IsType(t, &FFmpegSource{}, NewSource(Options{Device: "http://cam.local/stream"}))
	assert.IsType(t, &FFmpegSource{}, NewSource(Options{Device: "/dev/video0"}))
}

func TestFFmpegInputArgs(t *testing.T) {
	src := NewFFmpegSource(Options{Device: "/dev/video0", Width: 1280, Height: 720, FPS: 15})
	args := src.inputArgs()
	assert.Equal(t, "v4l2", args["f"])
	assert.Equal(t, "1280x720", args["video_size"])

	rtsp := NewFFmpegSource(Options{Device: "rtsp://cam/stream"}).inputArgs()
	assert.Equal(t, "tcp", rtsp["rtsp_transport"])
	assert.NotContains(t, rtsp, "f")
}
