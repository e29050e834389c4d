package pipeline

import (
	"context"
	"time"

	"potholecam/internal/capture"
	"potholecam/internal/detection"
)

// FrameSource yields the current camera frame.
type FrameSource interface {
	Frame(ctx context.Context) (*capture.Frame, error)
}

// Detector runs live inference on one compressed frame.
type Detector interface {
	DetectFrame(ctx context.Context, jpeg []byte) ([]detection.Detection, error)
}

// Result is the outcome of one completed capture cycle.
type Result struct {
	Seq        uint64
	Frame      *capture.Frame
	Detections []detection.Detection // tagged with the capture time
	CapturedAt time.Time
	Inference  time.Duration
}

// ResultHandler receives completed cycles.
type ResultHandler interface {
	OnResult(result *Result)
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(result *Result)

// OnResult implements ResultHandler
func (f ResultHandlerFunc) OnResult(result *Result) { f(result) }

// Stats counts loop activity.
type Stats struct {
	Ticks          uint64  `json:"ticks"`
	Dispatched     uint64  `json:"dispatched"`
	Dropped        uint64  `json:"dropped"` // ticks skipped while a call was in flight
	Completed      uint64  `json:"completed"`
	Failed         uint64  `json:"failed"`
	Discarded      uint64  `json:"discarded"` // responses that arrived after Stop
	AvgInferenceMs float64 `json:"avg_inference_ms"`
}
