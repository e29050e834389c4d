package detection

import (
	"fmt"
	"math"
)

// SeverityRow is one line of the severity panel.
type SeverityRow struct {
	Color      string
	Emoji      string
	Level      string
	Confidence float64
}

// Analysis is the display summary of a still-image result.
type Analysis struct {
	Count             int
	Detections        []Detection
	ResultImage       string
	AverageConfidence float64
	// SeverityPanel is nil when the panel is suppressed.
	SeverityPanel []SeverityRow
}

// Summarize builds the display summary for a still-image result. The
// severity panel is driven by the first detection alone unless anySeverity
// is set, in which case any detection carrying severity enables it.
func Summarize(res *ImageResult, anySeverity bool) *Analysis {
	a := &Analysis{
		Count:       res.Count,
		Detections:  res.Detections,
		ResultImage: res.ResultImage,
	}
	if len(res.Detections) == 0 {
		return a
	}

	var sum float64
	for _, d := range res.Detections {
		sum += d.Confidence
	}
	a.AverageConfidence = sum / float64(len(res.Detections))

	if !severityPanelEnabled(res.Detections, anySeverity) {
		return a
	}
	a.SeverityPanel = make([]SeverityRow, 0, len(res.Detections))
	for _, d := range res.Detections {
		row := SeverityRow{Confidence: d.Confidence, Level: "Unknown"}
		if d.Severity != nil {
			row.Color = d.Severity.Color
			row.Emoji = d.Severity.Emoji
			row.Level = d.Severity.Level
		}
		a.SeverityPanel = append(a.SeverityPanel, row)
	}
	return a
}

func severityPanelEnabled(dets []Detection, anySeverity bool) bool {
	if !anySeverity {
		return dets[0].Severity != nil
	}
	for _, d := range dets {
		if d.Severity != nil {
			return true
		}
	}
	return false
}

// FormatPercent renders a [0,1] confidence as a rounded percentage.
func FormatPercent(v float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(v*100)))
}

// AverageConfidenceLabel is the display form of AverageConfidence.
func (a *Analysis) AverageConfidenceLabel() string {
	return FormatPercent(a.AverageConfidence)
}
