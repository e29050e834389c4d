// Package session implements the Idle / Preview / Live / Results state
// machine and owns the lifetime of a live capture session.
package session

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"potholecam/internal/buffer"
	"potholecam/internal/capture"
	"potholecam/internal/detection"
	"potholecam/internal/overlay"
	"potholecam/internal/pipeline"
	"potholecam/internal/report"
)

// Config wires a Controller to its collaborators.
type Config struct {
	Camera   capture.Source
	Detector Detector
	Locator  Locator        // optional; location stays unknown without it
	Renderer *overlay.Renderer
	Reports  ReportComposer // optional; buffers are discarded without it
	Events   *pipeline.EventBus[Event]

	Interval        time.Duration
	Quality         int
	BufferSize      int
	SeverityFromAny bool

	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// Controller is the single owner of UI mode and of the live session. All
// transitions run one at a time under a transition lock; the state lock
// guards fields read by concurrent result deliveries.
type Controller struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.SugaredLogger
	events *pipeline.EventBus[Event]

	// long-lived context for calls that must outlive the request that
	// started them; cancelled by Close
	baseCtx    context.Context
	baseCancel context.CancelFunc

	transition sync.Mutex

	mu        sync.RWMutex
	mode      Mode
	imageName string
	imageData []byte
	analysis  *detection.Analysis
	lastErr   string
	live      *Session
	closed    bool
}

// NewController creates a controller in Idle mode.
func NewController(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Events == nil {
		cfg.Events = pipeline.NewEventBus[Event]()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = overlay.NewRenderer(640, 360)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = buffer.DefaultCapacity
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("session"),
		events:     cfg.Events,
		baseCtx:    baseCtx,
		baseCancel: cancel,
	}
}

// Events returns the bus the controller publishes on.
func (c *Controller) Events() *pipeline.EventBus[Event] {
	return c.events
}

// Renderer returns the overlay surface.
func (c *Controller) Renderer() *overlay.Renderer {
	return c.cfg.Renderer
}

// Mode returns the active mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// State returns a snapshot for display.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := State{
		Mode:      c.mode,
		ImageName: c.imageName,
		Analysis:  c.analysis,
		Error:     c.lastErr,
	}
	if c.live != nil {
		stats := c.statsLocked(c.live)
		st.Live = &stats
	}
	return st
}

// LastFrame returns the most recent live frame, or nil.
func (c *Controller) LastFrame() *capture.Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.live == nil {
		return nil
	}
	return c.live.lastFrame
}

// IsImage reports whether a file looks like an image, by extension first
// and content second.
func IsImage(name string, data []byte) bool {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return strings.HasPrefix(t, "image/")
	}
	if len(data) == 0 {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(data), "image/")
}

// SelectImage moves to Preview with the given image. Non-image files are
// ignored: it returns false and the mode is unchanged.
func (c *Controller) SelectImage(name string, data []byte) (bool, error) {
	if !IsImage(name, data) {
		c.logger.Debugw("Ignoring non-image selection", "name", name)
		return false, nil
	}

	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	switch c.mode {
	case Idle, Preview, Results:
	default:
		mode := c.mode
		c.mu.Unlock()
		return false, fmt.Errorf("%w: cannot select an image in %s mode", ErrInvalidTransition, mode)
	}
	c.imageName = name
	c.imageData = data
	c.analysis = nil
	c.lastErr = ""
	c.mode = Preview
	c.mu.Unlock()

	c.publishMode(Preview)
	return true, nil
}

// Analyze submits the selected image. On success the controller moves to
// Results; on failure it stays in Preview and the error is surfaced.
func (c *Controller) Analyze(ctx context.Context) (*detection.Analysis, error) {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.RLock()
	mode, name, data := c.mode, c.imageName, c.imageData
	c.mu.RUnlock()
	if mode != Preview {
		return nil, fmt.Errorf("%w: analyze requires preview, mode is %s", ErrInvalidTransition, mode)
	}

	res, err := c.cfg.Detector.DetectImage(ctx, name, data)
	if err != nil {
		c.surface(fmt.Errorf("analysis failed: %w", err))
		return nil, err
	}
	analysis := detection.Summarize(res, c.cfg.SeverityFromAny)

	c.mu.Lock()
	c.analysis = analysis
	c.lastErr = ""
	c.mode = Results
	c.mu.Unlock()

	c.logger.Infow("Image analyzed", "name", name, "count", analysis.Count,
		"avg_confidence", analysis.AverageConfidenceLabel())
	c.publishMode(Results)
	return analysis, nil
}

// NewAnalysis clears the selected image and results and returns to Idle.
func (c *Controller) NewAnalysis() error {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.Lock()
	if c.mode == Live {
		c.mu.Unlock()
		return fmt.Errorf("%w: stop the camera first", ErrInvalidTransition)
	}
	c.imageName = ""
	c.imageData = nil
	c.analysis = nil
	c.lastErr = ""
	c.mode = Idle
	c.mu.Unlock()

	c.publishMode(Idle)
	return nil
}

// StartLive acquires the camera and starts the capture loop and location
// subscription. On any device error the controller stays Idle and nothing
// is left running.
func (c *Controller) StartLive(ctx context.Context) error {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.RLock()
	mode, closed := c.mode, c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: controller closed", ErrInvalidTransition)
	}
	if mode != Idle {
		return fmt.Errorf("%w: start camera requires idle, mode is %s", ErrInvalidTransition, mode)
	}

	if err := c.cfg.Camera.Open(ctx); err != nil {
		c.surface(fmt.Errorf("camera unavailable: %w", err))
		return err
	}

	now := c.clock.Now()
	sess := &Session{
		ID:          uuid.NewString(),
		StartedAt:   now,
		buffer:      buffer.New(c.cfg.BufferSize),
		fpsSampleAt: now,
		done:        make(chan struct{}),
	}
	sess.loop = pipeline.NewLoop(c.cfg.Camera, c.cfg.Detector,
		pipeline.ResultHandlerFunc(func(res *pipeline.Result) { c.onResult(sess, res) }),
		pipeline.LoopConfig{
			Interval: c.cfg.Interval,
			Quality:  c.cfg.Quality,
			Clock:    c.clock,
			Logger:   c.logger,
		})

	c.mu.Lock()
	c.live = sess
	c.lastErr = ""
	c.mode = Live
	c.mu.Unlock()

	if c.cfg.Locator != nil {
		c.cfg.Locator.Start(c.baseCtx)
	}
	sess.loop.Start(c.baseCtx)
	go c.watchCamera(sess, c.cfg.Camera.Lost())

	c.logger.Infow("Live session started", "session", sess.ID)
	c.publishMode(Live)
	return nil
}

// StopLive ends the live session: the loop, location subscription and
// camera are released, the overlay is cleared and the counters reset. A
// non-empty buffer is then offered to the report composer, except on
// teardown. Stopping when not live is a no-op.
func (c *Controller) StopLive(ctx context.Context, reason StopReason) error {
	c.mu.RLock()
	sess := c.live
	c.mu.RUnlock()
	if sess == nil {
		return nil
	}
	return c.stopSession(ctx, sess, reason)
}

// Close tears down any live session without prompting and waits for an
// in-flight call to finish or ctx to expire.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	sess := c.live
	c.mu.Unlock()

	var err error
	if sess != nil {
		err = c.stopSession(ctx, sess, ReasonTeardown)
	}
	// abandon the in-flight call, if any
	c.baseCancel()
	if sess != nil {
		err = multierr.Append(err, sess.loop.Wait(ctx))
	}
	return err
}

func (c *Controller) stopSession(ctx context.Context, sess *Session, reason StopReason) error {
	c.transition.Lock()

	c.mu.Lock()
	if c.live != sess {
		c.mu.Unlock()
		c.transition.Unlock()
		return nil
	}
	// no result is applied once closed is set
	sess.closed = true
	frames := sess.frames
	elapsed := FormatElapsed(c.clock.Since(sess.StartedAt))
	c.mu.Unlock()

	err := c.release(sess)

	c.mu.Lock()
	sess.frames, sess.fpsFrames, sess.fps = 0, 0, 0
	sess.StartedAt, sess.fpsSampleAt = time.Time{}, time.Time{}
	lastFrame := sess.lastFrame
	c.live = nil
	c.mode = Idle
	c.mu.Unlock()
	close(sess.done)

	c.transition.Unlock()

	c.logger.Infow("Live session stopped", "session", sess.ID, "reason", reason,
		"frames", frames, "elapsed", elapsed, "buffered", sess.buffer.Len())
	c.publishMode(Idle)

	if reason == ReasonTeardown || c.cfg.Reports == nil {
		sess.buffer.Clear()
		return err
	}
	if sess.buffer.Len() == 0 {
		return err
	}

	batch := report.Batch{
		SessionID: sess.ID,
		Buffer:    sess.buffer,
		Frame:     lastFrame,
	}
	if c.cfg.Locator != nil {
		batch.Location = c.cfg.Locator.Current()
	}
	outcome, reportErr := c.cfg.Reports.Offer(ctx, batch)
	if reportErr != nil {
		c.surface(reportErr)
	}
	c.events.Publish(Event{Type: EventReport, Mode: Idle, Report: outcome, Time: c.clock.Now()})
	return multierr.Append(err, reportErr)
}

// release stops loop, locator and camera, in that order, then clears the
// overlay. Every step runs even if an earlier one fails.
func (c *Controller) release(sess *Session) error {
	sess.loop.Stop()
	if c.cfg.Locator != nil {
		c.cfg.Locator.Stop()
	}
	var err error
	if cerr := c.cfg.Camera.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to release camera: %w", cerr))
	}
	c.cfg.Renderer.Clear()
	return err
}

func (c *Controller) watchCamera(sess *Session, lost <-chan struct{}) {
	select {
	case <-sess.done:
	case <-lost:
		c.logger.Warnw("Camera lost, stopping live session", "session", sess.ID)
		if err := c.stopSession(c.baseCtx, sess, ReasonDeviceLost); err != nil {
			c.logger.Errorw("Failed to stop session after camera loss", "error", err)
		}
	}
}

// onResult applies one completed cycle to the session.
func (c *Controller) onResult(sess *Session, res *pipeline.Result) {
	c.mu.Lock()
	if sess.closed || c.live != sess {
		c.mu.Unlock()
		return
	}

	now := c.clock.Now()
	sess.frames++
	sess.fpsFrames++
	if elapsed := now.Sub(sess.fpsSampleAt); elapsed >= time.Second {
		sess.fps = float64(sess.fpsFrames) / elapsed.Seconds()
		sess.fpsFrames = 0
		sess.fpsSampleAt = now
	}
	sess.buffer.Append(res.Detections...)
	sess.lastFrame = res.Frame

	w, h := res.Frame.Width(), res.Frame.Height()
	c.cfg.Renderer.Render(res.Detections, w, h)
	stats := c.statsLocked(sess)
	c.mu.Unlock()

	c.events.Publish(Event{
		Type:       EventResult,
		Mode:       Live,
		Detections: res.Detections,
		FrameSize:  [2]int{w, h},
		Stats:      &stats,
		Time:       now,
	})
}

func (c *Controller) statsLocked(sess *Session) Stats {
	st := Stats{
		SessionID: sess.ID,
		Frames:    sess.frames,
		FPS:       sess.fps,
		Elapsed:   FormatElapsed(c.clock.Since(sess.StartedAt)),
		Buffered:  sess.buffer.Len(),
		Evicted:   sess.buffer.Evicted(),
		Dropped:   sess.loop.Stats().Dropped,
	}
	if c.cfg.Locator != nil {
		st.Location = c.cfg.Locator.Current()
		st.Distance = c.cfg.Locator.Distance()
	}
	return st
}

// surface records an error for display and publishes it.
func (c *Controller) surface(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	mode := c.mode
	c.mu.Unlock()

	c.logger.Warnw("Operation failed", "mode", mode, "error", err)
	c.events.Publish(Event{Type: EventError, Mode: mode, Error: err.Error(), Time: c.clock.Now()})
}

func (c *Controller) publishMode(mode Mode) {
	c.events.Publish(Event{Type: EventMode, Mode: mode, Time: c.clock.Now()})
}

// IsDeviceError reports whether err came from the camera.
func IsDeviceError(err error) bool {
	return errors.Is(err, capture.ErrPermissionDenied) || errors.Is(err, capture.ErrDeviceUnavailable)
}
