package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
)

// firstFrameTimeout bounds how long Open waits for the device to deliver.
const firstFrameTimeout = 10 * time.Second

// FFmpegSource streams MJPEG frames out of an ffmpeg child process and
// keeps the most recent one.
type FFmpegSource struct {
	opts   Options
	logger *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{} // closed when both workers exit
	lost    chan struct{}
	stderr  *syncBuffer
	latest  atomic.Pointer[[]byte]
	stamp   atomic.Int64
	first   chan struct{}
	runErr  atomic.Value
	opened  atomic.Bool
	closing atomic.Bool
}

var _ Source = (*FFmpegSource)(nil)

// NewFFmpegSource creates a source for a V4L2 device or network stream.
func NewFFmpegSource(opts Options) *FFmpegSource {
	if opts.FPS <= 0 {
		opts.FPS = 15
	}
	return &FFmpegSource{
		opts:   opts,
		logger: zap.NewNop().Sugar(),
	}
}

// SetLogger attaches a logger.
func (s *FFmpegSource) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger.Named("ffmpeg")
}

// Open starts ffmpeg and waits for the first frame.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("camera %s is already open", s.opts.Device)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("%w: ffmpeg not found: %v", ErrDeviceUnavailable, err)
	}
	if err := checkDevice(s.opts.Device); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.first = make(chan struct{})
	s.lost = make(chan struct{})
	s.stderr = &syncBuffer{}
	s.opened.Store(false)
	s.closing.Store(false)
	lost := s.lost

	pr, pw := io.Pipe()
	var workers sync.WaitGroup
	workers.Add(2)

	go func() {
		defer workers.Done()
		stream := ffmpeg.Input(s.opts.Device, s.inputArgs()).
			Output("pipe:", ffmpeg.KwArgs{
				"format": "image2pipe",
				"vcodec": "mjpeg",
				"q:v":    5,
			})
		stream.Context = runCtx
		err := stream.WithOutput(pw).WithErrorOutput(s.stderr).Run()
		if err == nil {
			err = io.EOF
		}
		s.runErr.Store(err)
		pw.CloseWithError(err)
	}()

	go func() {
		defer workers.Done()
		s.readFrames(pr)
	}()

	go func() {
		workers.Wait()
		close(s.done)
		if s.opened.Load() && !s.closing.Load() {
			s.logger.Warnw("Camera stream ended", "device", s.opts.Device, "error", s.runErr.Load())
			close(lost)
		}
	}()

	select {
	case <-s.first:
		s.opened.Store(true)
		s.logger.Infow("Camera opened", "device", s.opts.Device)
		return nil
	case <-s.done:
		err := s.classify()
		s.reset()
		return err
	case <-ctx.Done():
		s.stopLocked()
		return ctx.Err()
	case <-time.After(firstFrameTimeout):
		s.stopLocked()
		return fmt.Errorf("%w: no frame from %s within %s", ErrDeviceUnavailable, s.opts.Device, firstFrameTimeout)
	}
}

// Frame decodes the latest frame.
func (s *FFmpegSource) Frame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := s.latest.Load()
	if data == nil {
		return nil, ErrClosed
	}
	img, err := DecodeImage(*data)
	if err != nil {
		return nil, err
	}
	return &Frame{Image: img, CapturedAt: time.Unix(0, s.stamp.Load())}, nil
}

// Lost is closed when ffmpeg exits without Close being called.
func (s *FFmpegSource) Lost() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Close stops ffmpeg and waits for the reader to exit.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *FFmpegSource) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.closing.Store(true)
	s.cancel()
	<-s.done
	s.reset()
	s.logger.Infow("Camera released", "device", s.opts.Device)
}

func (s *FFmpegSource) reset() {
	s.cancel = nil
	s.latest.Store(nil)
}

func (s *FFmpegSource) inputArgs() ffmpeg.KwArgs {
	args := ffmpeg.KwArgs{}
	switch {
	case strings.HasPrefix(s.opts.Device, "rtsp://"):
		args["rtsp_transport"] = "tcp"
	case isNetworkSource(s.opts.Device):
	default:
		args["f"] = "v4l2"
		if s.opts.Width > 0 && s.opts.Height > 0 {
			args["video_size"] = fmt.Sprintf("%dx%d", s.opts.Width, s.opts.Height)
		}
		args["framerate"] = s.opts.FPS
	}
	if s.opts.InputFormat != "" {
		args["f"] = s.opts.InputFormat
	}
	return args
}

func (s *FFmpegSource) readFrames(r io.ReadCloser) {
	defer r.Close()

	var sc jpegScanner
	chunk := make([]byte, 32*1024)
	gotFirst := false

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			sc.Write(chunk[:n])
			for {
				frame := sc.Next()
				if frame == nil {
					break
				}
				s.latest.Store(&frame)
				s.stamp.Store(time.Now().UnixNano())
				if !gotFirst {
					gotFirst = true
					close(s.first)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// classify maps an early ffmpeg exit onto the device error taxonomy.
func (s *FFmpegSource) classify() error {
	msg := strings.TrimSpace(s.stderr.String())
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "401 unauthorized"),
		strings.Contains(lower, "403 forbidden"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	default:
		return fmt.Errorf("%w: %s: %s", ErrDeviceUnavailable, s.opts.Device, msg)
	}
}

// checkDevice verifies local device nodes before ffmpeg is started.
func checkDevice(device string) error {
	if isNetworkSource(device) {
		return nil // verified by the first frame
	}

	if _, err := os.Stat(device); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrDeviceUnavailable, device)
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, device)
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return file.Close()
}

// syncBuffer collects ffmpeg's stderr.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// keep the tail only
	if b.buf.Len() > 16*1024 {
		tail := b.buf.Bytes()[b.buf.Len()-4*1024:]
		rest := append([]byte(nil), tail...)
		b.buf.Reset()
		b.buf.Write(rest)
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
