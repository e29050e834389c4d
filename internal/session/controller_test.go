package session

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"potholecam/internal/capture"
	"potholecam/internal/detection"
	"potholecam/internal/location"
	"potholecam/internal/overlay"
	"potholecam/internal/report"
)

type fakeCamera struct {
	openErr error
	lost    chan struct{}
	opens   atomic.Int32
	closes  atomic.Int32
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{lost: make(chan struct{})}
}

func (f *fakeCamera) Open(ctx context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opens.Add(1)
	return nil
}

func (f *fakeCamera) Frame(ctx context.Context) (*capture.Frame, error) {
	return &capture.Frame{Image: imaging.New(1280, 720, color.NRGBA{A: 255})}, nil
}

func (f *fakeCamera) Lost() <-chan struct{} { return f.lost }

func (f *fakeCamera) Close() error {
	f.closes.Add(1)
	return nil
}

// fakeDetector answers live calls from a script; each call may be held on
// gate when one is set.
type fakeDetector struct {
	mu     sync.Mutex
	script [][]detection.Detection
	gate   chan struct{}
	calls  atomic.Int32

	still    *detection.ImageResult
	stillErr error
}

func (f *fakeDetector) DetectFrame(ctx context.Context, jpeg []byte) ([]detection.Detection, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return nil, errors.New("no more responses")
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next, nil
}

func (f *fakeDetector) DetectImage(ctx context.Context, name string, data []byte) (*detection.ImageResult, error) {
	return f.still, f.stillErr
}

type fakeLocator struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakeLocator) Start(ctx context.Context) { f.starts.Add(1) }
func (f *fakeLocator) Stop()                     { f.stops.Add(1) }
func (f *fakeLocator) Current() *location.Location {
	return &location.Location{Latitude: 45.46, Longitude: 9.19, Accuracy: 8}
}
func (f *fakeLocator) Distance() float64 { return 0 }

type fakeComposer struct {
	mu      sync.Mutex
	offers  int
	prompt  string
	batched []detection.Detection
	loc     *location.Location
}

func (f *fakeComposer) Offer(ctx context.Context, batch report.Batch) (*report.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer batch.Buffer.Clear()
	f.offers++
	f.batched = batch.Buffer.Snapshot()
	f.prompt = report.Prompt(len(f.batched))
	f.loc = batch.Location
	return &report.Outcome{Count: len(f.batched)}, nil
}

type harness struct {
	ctrl     *Controller
	clock    *clock.Mock
	camera   *fakeCamera
	detector *fakeDetector
	locator  *fakeLocator
	reports  *fakeComposer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewMock(),
		camera:   newFakeCamera(),
		detector: &fakeDetector{},
		locator:  &fakeLocator{},
		reports:  &fakeComposer{},
	}
	h.ctrl = NewController(Config{
		Camera:   h.camera,
		Detector: h.detector,
		Locator:  h.locator,
		Renderer: overlay.NewRenderer(640, 360),
		Reports:  h.reports,
		Interval: 200 * time.Millisecond,
		Clock:    h.clock,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.ctrl.Close(ctx)
	})
	return h
}

func det(conf float64) detection.Detection {
	return detection.Detection{BBox: detection.BBox{X1: 100, Y1: 100, X2: 300, Y2: 250}, Confidence: conf}
}

// tick advances the clock one period and waits for the cycle to land.
func (h *harness) tick(t *testing.T, wantFrames uint64) {
	t.Helper()
	require.Eventually(t, h.loopIdle, time.Second, time.Millisecond)
	h.clock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool {
		st := h.ctrl.State()
		return st.Live != nil && st.Live.Frames == wantFrames
	}, time.Second, time.Millisecond)
}

// loopIdle reports whether no inference call is outstanding, so the next
// tick is dispatched rather than dropped.
func (h *harness) loopIdle() bool {
	h.ctrl.mu.RLock()
	defer h.ctrl.mu.RUnlock()
	return h.ctrl.live == nil || !h.ctrl.live.loop.InFlight()
}

func blank(r *overlay.Renderer) bool {
	for _, b := range r.Snapshot().Pix {
		if b != 0 {
			return false
		}
	}
	return true
}

func TestLiveSessionScenario(t *testing.T) {
	h := newHarness(t)
	h.detector.script = [][]detection.Detection{{det(0.9)}, {det(0.6)}, {det(0.75)}}

	require.NoError(t, h.ctrl.StartLive(context.Background()))
	assert.Equal(t, Live, h.ctrl.Mode())
	assert.Equal(t, int32(1), h.locator.starts.Load())

	h.tick(t, 1)
	h.tick(t, 2)
	h.tick(t, 3)

	st := h.ctrl.State()
	assert.Equal(t, 3, st.Live.Buffered)
	assert.Equal(t, "00:00", st.Live.Elapsed)
	assert.False(t, blank(h.ctrl.Renderer()))

	require.NoError(t, h.ctrl.StopLive(context.Background(), ReasonUser))

	assert.Equal(t, Idle, h.ctrl.Mode())
	assert.Equal(t, 1, h.reports.offers)
	assert.Equal(t, "Generate a report for 3 pothole(s)?", h.reports.prompt)
	require.Len(t, h.reports.batched, 3)
	assert.Equal(t, 0.9, h.reports.batched[0].Confidence)
	assert.Equal(t, 0.6, h.reports.batched[1].Confidence)
	assert.Equal(t, 0.75, h.reports.batched[2].Confidence)
	assert.NotNil(t, h.reports.loc)

	assert.Equal(t, int32(1), h.locator.stops.Load())
	assert.Equal(t, int32(1), h.camera.closes.Load())
	assert.True(t, blank(h.ctrl.Renderer()))
	assert.Nil(t, h.ctrl.State().Live)
}

func TestFPSRecomputedOncePerSecond(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 6; i++ {
		h.detector.script = append(h.detector.script, []detection.Detection{})
	}
	require.NoError(t, h.ctrl.StartLive(context.Background()))

	for i := uint64(1); i <= 4; i++ {
		h.tick(t, i)
	}
	assert.Zero(t, h.ctrl.State().Live.FPS, "no estimate before a full second")

	h.tick(t, 5)
	assert.InDelta(t, 5.0, h.ctrl.State().Live.FPS, 1e-9)
	assert.Equal(t, "00:01", h.ctrl.State().Live.Elapsed)
}

func TestFailedCycleKeepsOverlayAndCounters(t *testing.T) {
	h := newHarness(t)
	h.detector.script = [][]detection.Detection{{det(0.8)}}
	require.NoError(t, h.ctrl.StartLive(context.Background()))
	h.tick(t, 1)
	before := h.ctrl.Renderer().Snapshot()

	// script exhausted: the next call fails
	require.Eventually(t, h.loopIdle, time.Second, time.Millisecond)
	h.clock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool { return h.detector.calls.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	st := h.ctrl.State()
	assert.Equal(t, uint64(1), st.Live.Frames)
	assert.Equal(t, 1, st.Live.Buffered)
	assert.Equal(t, before.Pix, h.ctrl.Renderer().Snapshot().Pix)
}

func TestLateResponseIgnoredAfterStop(t *testing.T) {
	h := newHarness(t)
	h.detector.gate = make(chan struct{})
	h.detector.script = [][]detection.Detection{{det(0.95)}}

	require.NoError(t, h.ctrl.StartLive(context.Background()))
	h.clock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool { return h.detector.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.StopLive(context.Background(), ReasonUser))
	close(h.detector.gate)

	assert.Never(t, func() bool { return !blank(h.ctrl.Renderer()) }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, h.reports.offers, "empty buffer is not offered")
	assert.Equal(t, Idle, h.ctrl.Mode())
}

func TestCameraDeniedStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.camera.openErr = fmt.Errorf("%w: /dev/video0", capture.ErrPermissionDenied)

	err := h.ctrl.StartLive(context.Background())
	require.ErrorIs(t, err, capture.ErrPermissionDenied)
	assert.True(t, IsDeviceError(err))

	st := h.ctrl.State()
	assert.Equal(t, Idle, st.Mode)
	assert.NotEmpty(t, st.Error)
	assert.Nil(t, st.Live)
	assert.Zero(t, h.locator.starts.Load())

	h.clock.Add(time.Second)
	assert.Zero(t, h.detector.calls.Load(), "no loop was started")
}

func TestCameraLostStopsSession(t *testing.T) {
	h := newHarness(t)
	h.detector.script = [][]detection.Detection{{det(0.7)}}
	require.NoError(t, h.ctrl.StartLive(context.Background()))
	h.tick(t, 1)

	close(h.camera.lost)

	require.Eventually(t, func() bool { return h.ctrl.Mode() == Idle }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		h.reports.mu.Lock()
		defer h.reports.mu.Unlock()
		return h.reports.offers == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), h.camera.closes.Load())
}

func TestTeardownDiscardsWithoutPrompt(t *testing.T) {
	h := newHarness(t)
	h.detector.script = [][]detection.Detection{{det(0.7), det(0.8)}}
	require.NoError(t, h.ctrl.StartLive(context.Background()))
	h.tick(t, 1)

	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Zero(t, h.reports.offers)
	assert.Equal(t, Idle, h.ctrl.Mode())

	err := h.ctrl.StartLive(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.StopLive(context.Background(), ReasonUser))

	require.NoError(t, h.ctrl.StartLive(context.Background()))
	require.NoError(t, h.ctrl.StopLive(context.Background(), ReasonUser))
	require.NoError(t, h.ctrl.StopLive(context.Background(), ReasonUser))
	assert.Equal(t, int32(1), h.camera.closes.Load())
}

func TestNonImageSelectionIgnored(t *testing.T) {
	h := newHarness(t)

	ok, err := h.ctrl.SelectImage("notes.txt", []byte("just some text"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Idle, h.ctrl.Mode())

	// unknown extension falls back to content sniffing
	jpeg, err := capture.EncodeJPEG(imaging.New(4, 4, color.NRGBA{A: 255}), 80)
	require.NoError(t, err)
	ok, err = h.ctrl.SelectImage("upload", jpeg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Preview, h.ctrl.Mode())
}

func TestStillImagePath(t *testing.T) {
	h := newHarness(t)
	h.detector.still = &detection.ImageResult{
		Count: 2,
		Detections: []detection.Detection{
			{Confidence: 0.8, Severity: &detection.Severity{Level: "High", Color: "#ef4444", Emoji: "🔴"}},
			{Confidence: 0.6},
		},
		ResultImage: "/results/result_1.jpg",
	}

	_, err := h.ctrl.Analyze(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)

	ok, err := h.ctrl.SelectImage("road.jpg", []byte{0xFF, 0xD8})
	require.NoError(t, err)
	require.True(t, ok)

	// modes are exclusive: no live session from preview
	require.ErrorIs(t, h.ctrl.StartLive(context.Background()), ErrInvalidTransition)

	analysis, err := h.ctrl.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Results, h.ctrl.Mode())
	assert.InDelta(t, 0.7, analysis.AverageConfidence, 1e-9)
	require.Len(t, analysis.SeverityPanel, 2)

	require.NoError(t, h.ctrl.NewAnalysis())
	st := h.ctrl.State()
	assert.Equal(t, Idle, st.Mode)
	assert.Empty(t, st.ImageName)
	assert.Nil(t, st.Analysis)
}

func TestStillImageFailureStaysInPreview(t *testing.T) {
	h := newHarness(t)
	h.detector.stillErr = &detection.ServiceError{StatusCode: 500, Message: "model not loaded"}

	_, err := h.ctrl.SelectImage("road.png", []byte("x"))
	require.NoError(t, err)

	_, err = h.ctrl.Analyze(context.Background())
	require.Error(t, err)

	st := h.ctrl.State()
	assert.Equal(t, Preview, st.Mode)
	assert.Contains(t, st.Error, "model not loaded")
}

func TestStillImageWithNoDetections(t *testing.T) {
	h := newHarness(t)
	h.detector.still = &detection.ImageResult{}

	_, err := h.ctrl.SelectImage("road.jpg", []byte("x"))
	require.NoError(t, err)
	analysis, err := h.ctrl.Analyze(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0%", analysis.AverageConfidenceLabel())
	assert.Nil(t, analysis.SeverityPanel)
}

func TestSelectImageRejectedWhileLive(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.StartLive(context.Background()))

	_, err := h.ctrl.SelectImage("road.jpg", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, h.ctrl.NewAnalysis(), ErrInvalidTransition)
	assert.Equal(t, Live, h.ctrl.Mode())
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t)
	events, unsubscribe := h.ctrl.Events().SubscribeChannel(32)
	defer unsubscribe()

	h.detector.script = [][]detection.Detection{{det(0.9)}}
	require.NoError(t, h.ctrl.StartLive(context.Background()))
	h.tick(t, 1)
	// the result event is published just after the counters move
	require.Eventually(t, func() bool { return len(events) == 2 }, time.Second, time.Millisecond)
	require.NoError(t, h.ctrl.StopLive(context.Background(), ReasonUser))

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []EventType{EventMode, EventResult, EventMode, EventReport}, types)
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00", FormatElapsed(0))
	assert.Equal(t, "01:05", FormatElapsed(65*time.Second))
	assert.Equal(t, "12:00", FormatElapsed(12*time.Minute+300*time.Millisecond))
}
