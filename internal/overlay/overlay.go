// Package overlay draws detection boxes onto a transparent surface that is
// composited over the live video.
package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"potholecam/internal/detection"
)

const (
	lineWidth    = 3
	labelPadding = 4
)

var (
	defaultBoxColor = color.RGBA{0, 255, 0, 255}
	labelTextColor  = color.RGBA{0, 0, 0, 255}
)

// Renderer owns the presentation surface. Every Render call fully
// redraws it; nothing is kept between calls.
type Renderer struct {
	mu      sync.RWMutex
	surface *image.RGBA
	face    font.Face
	renders uint64
}

// NewRenderer creates a transparent surface of the given size.
func NewRenderer(width, height int) *Renderer {
	return &Renderer{
		surface: image.NewRGBA(image.Rect(0, 0, width, height)),
		face:    basicfont.Face7x13,
	}
}

// Size returns the surface dimensions.
func (r *Renderer) Size() (int, int) {
	b := r.surface.Bounds()
	return b.Dx(), b.Dy()
}

// Render clears the surface and draws dets. Box coordinates are in the
// source frame (srcW x srcH) and are scaled to the surface.
func (r *Renderer) Render(dets []detection.Detection, srcW, srcH int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.surface.Pix)
	r.renders++

	w, h := r.surface.Bounds().Dx(), r.surface.Bounds().Dy()
	sx, sy := 1.0, 1.0
	if srcW > 0 && srcH > 0 {
		sx = float64(w) / float64(srcW)
		sy = float64(h) / float64(srcH)
	}

	for _, d := range dets {
		box := image.Rect(
			int(math.Round(d.BBox.X1*sx)),
			int(math.Round(d.BBox.Y1*sy)),
			int(math.Round(d.BBox.X2*sx)),
			int(math.Round(d.BBox.Y2*sy)),
		)
		c := BoxColor(d)
		r.drawBox(box, c)
		r.drawLabel(box.Min, detection.FormatPercent(d.Confidence), c)
	}
}

// Clear restores the transparent surface.
func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.surface.Pix)
}

// Renders returns how many times Render was called.
func (r *Renderer) Renders() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.renders
}

// Snapshot returns a copy of the surface.
func (r *Renderer) Snapshot() *image.RGBA {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := image.NewRGBA(r.surface.Bounds())
	copy(cp.Pix, r.surface.Pix)
	return cp
}

// PNG encodes the surface with its alpha channel.
func (r *Renderer) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.Snapshot()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Composite scales frame to the surface size and draws the overlay on top.
func (r *Renderer) Composite(frame image.Image) *image.RGBA {
	w, h := r.Size()
	scaled := imaging.Resize(frame, w, h, imaging.Linear)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), scaled, image.Point{}, draw.Src)

	r.mu.RLock()
	draw.Draw(out, out.Bounds(), r.surface, image.Point{}, draw.Over)
	r.mu.RUnlock()
	return out
}

// BoxColor picks the severity colour, falling back to green.
func BoxColor(d detection.Detection) color.RGBA {
	if d.Severity == nil || d.Severity.Color == "" {
		return defaultBoxColor
	}
	c, err := colorful.Hex(d.Severity.Color)
	if err != nil {
		return defaultBoxColor
	}
	cr, cg, cb := c.RGB255()
	return color.RGBA{cr, cg, cb, 255}
}

func (r *Renderer) drawBox(box image.Rectangle, c color.RGBA) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(box.Min.X, box.Min.Y, box.Max.X, box.Min.Y+lineWidth), // top
		image.Rect(box.Min.X, box.Max.Y-lineWidth, box.Max.X, box.Max.Y), // bottom
		image.Rect(box.Min.X, box.Min.Y, box.Min.X+lineWidth, box.Max.Y), // left
		image.Rect(box.Max.X-lineWidth, box.Min.Y, box.Max.X, box.Max.Y), // right
	}
	for _, e := range edges {
		draw.Draw(r.surface, e.Intersect(r.surface.Bounds()), src, image.Point{}, draw.Src)
	}
}

// drawLabel puts the label on a filled backdrop just above the box corner.
func (r *Renderer) drawLabel(at image.Point, label string, c color.RGBA) {
	metrics := r.face.Metrics()
	textW := font.MeasureString(r.face, label).Ceil()
	textH := (metrics.Ascent + metrics.Descent).Ceil()

	bg := image.Rect(0, 0, textW+2*labelPadding, textH+2*labelPadding)
	bg = bg.Add(image.Pt(at.X, at.Y-bg.Dy()))
	if bg.Min.Y < 0 {
		bg = bg.Add(image.Pt(0, -bg.Min.Y))
	}
	if bg.Min.X < 0 {
		bg = bg.Add(image.Pt(-bg.Min.X, 0))
	}
	draw.Draw(r.surface, bg.Intersect(r.surface.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  r.surface,
		Src:  image.NewUniform(labelTextColor),
		Face: r.face,
		Dot: fixed.Point26_6{
			X: fixed.I(bg.Min.X + labelPadding),
			Y: fixed.I(bg.Min.Y+labelPadding) + metrics.Ascent,
		},
	}
	d.DrawString(label)
}
