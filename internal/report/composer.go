package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"potholecam/internal/buffer"
	"potholecam/internal/capture"
	"potholecam/internal/detection"
	"potholecam/internal/location"
)

// Confirmer asks the user whether to generate a report.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// AutoConfirm answers every prompt with its own value. Used when nobody is
// at a terminal.
type AutoConfirm bool

// Confirm implements Confirmer
func (a AutoConfirm) Confirm(context.Context, string) (bool, error) {
	return bool(a), nil
}

// Notifier delivers a saved report somewhere else, e.g. a chat.
type Notifier interface {
	SendReport(ctx context.Context, path string, caption string) error
}

// Batch is what a finished session hands to the composer.
type Batch struct {
	SessionID string
	Buffer    *buffer.Buffer
	Location  *location.Location
	Frame     *capture.Frame // representative frame, may be nil
}

// Outcome describes what Offer did.
type Outcome struct {
	Count    int    `json:"count"`
	Accepted bool   `json:"accepted"`
	Path     string `json:"path,omitempty"`
}

// Composer turns a session's buffered detections into a saved report.
type Composer struct {
	generator Generator
	confirmer Confirmer
	notifier  Notifier
	dir       string
	quality   int
	clock     clock.Clock
	logger    *zap.SugaredLogger
}

// ComposerConfig configures a Composer.
type ComposerConfig struct {
	Dir      string
	Quality  int
	Notifier Notifier // optional
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
}

// NewComposer creates a composer.
func NewComposer(generator Generator, confirmer Confirmer, cfg ComposerConfig) *Composer {
	if cfg.Dir == "" {
		cfg.Dir = "."
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
	return &Composer{
		generator: generator,
		confirmer: confirmer,
		notifier:  cfg.Notifier,
		dir:       cfg.Dir,
		quality:   cfg.Quality,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("report"),
	}
}

// Prompt is the confirmation text for n buffered detections.
func Prompt(n int) string {
	return fmt.Sprintf("Generate a report for %d pothole(s)?", n)
}

// FileName is the saved document name for the given instant.
func FileName(epochMillis int64) string {
	return fmt.Sprintf("pothole_report_%d.pdf", epochMillis)
}

// Offer asks for confirmation and, if accepted, generates and saves the
// report. The buffer is cleared on every path.
func (c *Composer) Offer(ctx context.Context, batch Batch) (*Outcome, error) {
	defer batch.Buffer.Clear()

	dets := batch.Buffer.Snapshot()
	out := &Outcome{Count: len(dets)}
	if len(dets) == 0 {
		return out, nil
	}

	ok, err := c.confirmer.Confirm(ctx, Prompt(len(dets)))
	if err != nil {
		return out, fmt.Errorf("report confirmation failed: %w", err)
	}
	if !ok {
		c.logger.Infow("Report declined", "session", batch.SessionID, "detections", len(dets))
		return out, nil
	}
	out.Accepted = true

	req := &Request{Detections: dets, Location: batch.Location}
	if img := c.encodeFrame(batch.Frame); img != "" {
		req.Image = &img
	}

	doc, err := c.generator.Generate(ctx, req)
	if err != nil {
		return out, fmt.Errorf("report generation failed: %w", err)
	}

	path, err := c.save(doc)
	if err != nil {
		return out, err
	}
	out.Path = path
	c.logger.Infow("Report saved", "session", batch.SessionID, "path", path, "detections", len(dets))

	if c.notifier != nil {
		caption := fmt.Sprintf("Pothole report: %d detection(s)", len(dets))
		if batch.Location != nil {
			caption += fmt.Sprintf(" near %.5f, %.5f", batch.Location.Latitude, batch.Location.Longitude)
		}
		if err := c.notifier.SendReport(ctx, path, caption); err != nil {
			c.logger.Warnw("Failed to deliver report", "path", path, "error", err)
		}
	}
	return out, nil
}

// encodeFrame returns a data URL, or "" when no frame is available.
func (c *Composer) encodeFrame(frame *capture.Frame) string {
	if frame == nil || frame.Image == nil {
		return ""
	}
	data, err := frame.JPEG(c.quality)
	if err != nil {
		c.logger.Debugw("Report frame unavailable", "error", err)
		return ""
	}
	return detection.EncodeDataURL("image/jpeg", data)
}

func (c *Composer) save(doc []byte) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	path := filepath.Join(c.dir, FileName(c.clock.Now().UnixMilli()))
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}
	return path, nil
}
