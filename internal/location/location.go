// Package location samples the device position during a live session.
package location

import (
	"context"
	"sync"
	"sync/atomic"

	geo "github.com/kellydunn/golang-geo"
	"go.uber.org/zap"
)

// Location is one position sample. Accuracy is the horizontal error
// radius in meters.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// Point converts the sample for distance calculations.
func (l Location) Point() *geo.Point {
	return geo.NewPoint(l.Latitude, l.Longitude)
}

// Provider produces position samples until ctx is cancelled. It calls
// update for each fix and fail when the position becomes unknown.
type Provider interface {
	Run(ctx context.Context, update func(Location), fail func(error)) error
}

// Sampler keeps the most recent location from a Provider. Readers never
// block and never see a partial update.
type Sampler struct {
	provider Provider
	logger   *zap.SugaredLogger

	current  atomic.Pointer[Location]
	distance atomic.Uint64 // meters * 1000

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *geo.Point
}

// NewSampler creates a sampler around provider.
func NewSampler(provider Provider, logger *zap.SugaredLogger) *Sampler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sampler{
		provider: provider,
		logger:   logger.Named("location"),
	}
}

// Start subscribes to the provider. Calling Start on a running sampler is a
// no-op. Provider failures are logged and leave the location unknown.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	s.current.Store(nil)
	s.distance.Store(0)
	s.last = nil

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := s.provider.Run(runCtx, s.update, s.fail); err != nil && runCtx.Err() == nil {
			s.fail(err)
		}
	}(s.done)
}

// Stop cancels the subscription and waits for the provider to return. Safe
// to call when not running. The last known location is kept.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a subscription is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Current returns the latest sample, or nil when unknown.
func (s *Sampler) Current() *Location {
	loc := s.current.Load()
	if loc == nil {
		return nil
	}
	cp := *loc
	return &cp
}

// Distance returns the track length covered since Start, in meters.
func (s *Sampler) Distance() float64 {
	return float64(s.distance.Load()) / 1000
}

func (s *Sampler) update(loc Location) {
	s.current.Store(&loc)

	p := loc.Point()
	s.mu.Lock()
	if s.last != nil {
		meters := s.last.GreatCircleDistance(p) * 1000
		s.distance.Add(uint64(meters * 1000))
	}
	s.last = p
	s.mu.Unlock()
}

func (s *Sampler) fail(err error) {
	if s.current.Swap(nil) != nil || err != nil {
		s.logger.Warnw("Location unavailable", "error", err)
	}
}
