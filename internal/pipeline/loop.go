package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"potholecam/internal/capture"
)

// DefaultInterval is the capture period (5 cycles per second).
const DefaultInterval = 200 * time.Millisecond

// LoopConfig configures a Loop.
type LoopConfig struct {
	Interval time.Duration
	Quality  int // JPEG quality for frames sent to inference
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
}

// Loop fires a fixed-period timer and, on each tick, captures a frame and
// submits it for inference. At most one inference call is in flight; ticks
// that arrive while one is outstanding are dropped, not queued.
//
// Stop prevents further ticks and further result delivery but does not
// cancel the call already in flight. Its response is discarded.
type Loop struct {
	source   FrameSource
	detector Detector
	handler  ResultHandler
	interval time.Duration
	quality  int
	clock    clock.Clock
	logger   *zap.SugaredLogger

	inFlight atomic.Bool
	started  atomic.Bool
	stopped  atomic.Bool
	seq      atomic.Uint64
	done     chan struct{}
	calls    sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// NewLoop creates a stopped loop.
func NewLoop(source FrameSource, detector Detector, handler ResultHandler, cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Quality <= 0 {
		cfg.Quality = capture.DefaultQuality
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Loop{
		source:   source,
		detector: detector,
		handler:  handler,
		interval: cfg.Interval,
		quality:  cfg.Quality,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("loop"),
		done:     make(chan struct{}),
	}
}

// Start begins ticking. ctx is used for capture and inference calls; it is
// not cancelled by Stop. Start may only be called once.
func (l *Loop) Start(ctx context.Context) {
	if l.stopped.Load() || !l.started.CompareAndSwap(false, true) {
		return
	}

	ticker := l.clock.Ticker(l.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	}()

	l.logger.Debugw("Capture loop started", "interval", l.interval)
}

// Stop cancels the timer. Safe to call more than once and mid-cycle.
func (l *Loop) Stop() {
	if l.stopped.Swap(true) {
		return
	}
	close(l.done)
	l.logger.Debugw("Capture loop stopped", "in_flight", l.inFlight.Load())
}

// Stopped reports whether Stop was called.
func (l *Loop) Stopped() bool {
	return l.stopped.Load()
}

// InFlight reports whether an inference call is outstanding.
func (l *Loop) InFlight() bool {
	return l.inFlight.Load()
}

// Wait blocks until the outstanding call, if any, has returned.
func (l *Loop) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one timer firing. It reports whether a cycle was dispatched.
func (l *Loop) Tick(ctx context.Context) bool {
	if l.stopped.Load() {
		return false
	}

	l.statsMu.Lock()
	l.stats.Ticks++
	l.statsMu.Unlock()

	if !l.inFlight.CompareAndSwap(false, true) {
		l.statsMu.Lock()
		l.stats.Dropped++
		l.statsMu.Unlock()
		return false
	}

	l.statsMu.Lock()
	l.stats.Dispatched++
	l.statsMu.Unlock()

	l.calls.Add(1)
	go func() {
		defer l.calls.Done()
		defer l.inFlight.Store(false)
		l.cycle(ctx)
	}()
	return true
}

// Stats returns a copy of the counters.
func (l *Loop) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

func (l *Loop) cycle(ctx context.Context) {
	frame, err := l.source.Frame(ctx)
	if err != nil {
		l.fail("capture", err)
		return
	}
	jpeg, err := frame.JPEG(l.quality)
	if err != nil {
		l.fail("encode", err)
		return
	}

	capturedAt := frame.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = l.clock.Now()
	}

	start := l.clock.Now()
	dets, err := l.detector.DetectFrame(ctx, jpeg)
	took := l.clock.Since(start)
	if err != nil {
		l.fail("inference", err)
		return
	}

	if l.stopped.Load() {
		l.statsMu.Lock()
		l.stats.Discarded++
		l.statsMu.Unlock()
		l.logger.Debugw("Discarding late response", "detections", len(dets))
		return
	}

	for i := range dets {
		dets[i] = dets[i].WithTimestamp(capturedAt)
	}

	l.statsMu.Lock()
	l.stats.Completed++
	ms := float64(took) / float64(time.Millisecond)
	if l.stats.Completed == 1 {
		l.stats.AvgInferenceMs = ms
	} else {
		l.stats.AvgInferenceMs = (l.stats.AvgInferenceMs + ms) / 2
	}
	l.statsMu.Unlock()

	l.handler.OnResult(&Result{
		Seq:        l.seq.Add(1),
		Frame:      frame,
		Detections: dets,
		CapturedAt: capturedAt,
		Inference:  took,
	})
}

// fail skips the cycle; counters other than Failed are untouched.
func (l *Loop) fail(stage string, err error) {
	l.statsMu.Lock()
	l.stats.Failed++
	l.statsMu.Unlock()
	l.logger.Debugw("Cycle skipped", "stage", stage, "error", err)
}
