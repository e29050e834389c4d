package session

import (
	"time"

	"potholecam/internal/buffer"
	"potholecam/internal/capture"
	"potholecam/internal/pipeline"
)

// Session is one live-detection lifetime. At most one exists at a time; the
// Controller creates it on StartLive and drops it on stop. Its mutable
// fields are guarded by the Controller's state lock.
type Session struct {
	ID        string
	StartedAt time.Time

	loop   *pipeline.Loop
	buffer *buffer.Buffer

	frames      uint64
	fpsFrames   uint64 // completed cycles since fpsSampleAt
	fpsSampleAt time.Time
	fps         float64
	lastFrame   *capture.Frame

	closed bool
	done   chan struct{}
}
