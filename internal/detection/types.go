package detection

import (
	"encoding/json"
	"fmt"
	"time"
)

// BBox is a bounding box in source-frame pixel coordinates.
type BBox struct {
	X1 float64 // Left
	Y1 float64 // Top
	X2 float64 // Right
	Y2 float64 // Bottom
}

// Width returns the horizontal extent of the box.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Severity is the depth-based classification attached by the service.
type Severity struct {
	Level string `json:"level"` // "Low", "Medium", "High" or "Unknown"
	Color string `json:"color"` // hex colour, e.g. "#ef4444"
	Emoji string `json:"emoji"`
}

// Detection is one inference result. It is a value type and is never
// mutated after the client builds it.
type Detection struct {
	BBox       BBox
	Confidence float64
	Class      int
	Severity   *Severity
	DepthScore float64
	Timestamp  time.Time // zero for still-image results
}

// WithTimestamp returns a copy tagged with the capture time.
func (d Detection) WithTimestamp(ts time.Time) Detection {
	d.Timestamp = ts
	return d
}

// wireDetection is the service's JSON shape for a detection.
type wireDetection struct {
	BBox          []float64  `json:"bbox"`
	Confidence    float64    `json:"confidence"`
	Class         int        `json:"class"`
	Severity      string     `json:"severity,omitempty"`
	SeverityColor string     `json:"severity_color,omitempty"`
	SeverityEmoji string     `json:"severity_emoji,omitempty"`
	DepthScore    *float64   `json:"depth_score,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// MarshalJSON encodes the detection in the service's wire format.
func (d Detection) MarshalJSON() ([]byte, error) {
	w := wireDetection{
		BBox:       []float64{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2},
		Confidence: d.Confidence,
		Class:      d.Class,
	}
	if d.Severity != nil {
		w.Severity = d.Severity.Level
		w.SeverityColor = d.Severity.Color
		w.SeverityEmoji = d.Severity.Emoji
	}
	if d.DepthScore != 0 {
		score := d.DepthScore
		w.DepthScore = &score
	}
	if !d.Timestamp.IsZero() {
		ts := d.Timestamp
		w.Timestamp = &ts
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and normalizes a detection from the wire format.
func (d *Detection) UnmarshalJSON(data []byte) error {
	var w wireDetection
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.BBox) != 4 {
		return fmt.Errorf("bbox must have 4 coordinates, got %d", len(w.BBox))
	}

	*d = Detection{
		BBox:       BBox{X1: w.BBox[0], Y1: w.BBox[1], X2: w.BBox[2], Y2: w.BBox[3]},
		Confidence: clamp01(w.Confidence),
		Class:      w.Class,
	}
	if w.Severity != "" {
		d.Severity = &Severity{
			Level: w.Severity,
			Color: w.SeverityColor,
			Emoji: w.SeverityEmoji,
		}
	}
	if w.DepthScore != nil {
		d.DepthScore = *w.DepthScore
	}
	if w.Timestamp != nil {
		d.Timestamp = *w.Timestamp
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
