package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"potholecam/internal/detection"
	"potholecam/internal/location"
	"potholecam/internal/pipeline"
	"potholecam/internal/report"
)

// Mode is the active UI mode. Exactly one is active at a time.
type Mode int

const (
	Idle Mode = iota
	Preview
	Live
	Results
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Preview:
		return "preview"
	case Live:
		return "live"
	case Results:
		return "results"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText renders the mode name in JSON.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (m *Mode) UnmarshalText(text []byte) error {
	for _, candidate := range []Mode{Idle, Preview, Live, Results} {
		if candidate.String() == string(text) {
			*m = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", text)
}

// StopReason says why a live session ended.
type StopReason string

const (
	ReasonUser       StopReason = "user"
	ReasonDeviceLost StopReason = "device_lost"
	ReasonTeardown   StopReason = "teardown"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// current mode.
var ErrInvalidTransition = errors.New("invalid transition")

// StillDetector analyzes a single uploaded image.
type StillDetector interface {
	DetectImage(ctx context.Context, filename string, data []byte) (*detection.ImageResult, error)
}

// Detector covers both inference paths.
type Detector interface {
	StillDetector
	pipeline.Detector
}

// Locator is the geolocation subscription owned by a live session.
type Locator interface {
	Start(ctx context.Context)
	Stop()
	Current() *location.Location
	Distance() float64
}

// ReportComposer is offered the buffer when a live session ends.
type ReportComposer interface {
	Offer(ctx context.Context, batch report.Batch) (*report.Outcome, error)
}

// Stats are the live-session counters shown to the user.
type Stats struct {
	SessionID string             `json:"session_id"`
	Frames    uint64             `json:"frames"`
	FPS       float64            `json:"fps"`
	Elapsed   string             `json:"elapsed"` // mm:ss
	Buffered  int                `json:"buffered"`
	Evicted   int                `json:"evicted"`
	Dropped   uint64             `json:"dropped_ticks"`
	Location  *location.Location `json:"location"`
	Distance  float64            `json:"distance_m"`
}

// State is a point-in-time view of the controller.
type State struct {
	Mode      Mode                `json:"mode"`
	ImageName string              `json:"image_name,omitempty"`
	Analysis  *detection.Analysis `json:"analysis,omitempty"`
	Live      *Stats              `json:"live,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// EventType tags controller events.
type EventType string

const (
	EventMode   EventType = "mode"
	EventResult EventType = "result"
	EventError  EventType = "error"
	EventReport EventType = "report"
)

// Event is published on the controller's event bus.
type Event struct {
	Type       EventType             `json:"type"`
	Mode       Mode                  `json:"mode"`
	Detections []detection.Detection `json:"detections,omitempty"`
	FrameSize  [2]int                `json:"frame_size,omitempty"`
	Stats      *Stats                `json:"stats,omitempty"`
	Report     *report.Outcome       `json:"report,omitempty"`
	Error      string                `json:"error,omitempty"`
	Time       time.Time             `json:"time"`
}

// FormatElapsed renders a duration as mm:ss.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
