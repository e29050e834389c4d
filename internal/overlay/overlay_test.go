package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"potholecam/internal/detection"
)

func isBlank(img *image.RGBA) bool {
	for _, b := range img.Pix {
		if b != 0 {
			return false
		}
	}
	return true
}

func TestRenderThenClearRoundTrip(t *testing.T) {
	cases := [][]detection.Detection{
		nil,
		{{BBox: detection.BBox{X1: 10, Y1: 10, X2: 100, Y2: 80}, Confidence: 0.9}},
		{
			{BBox: detection.BBox{X1: -20, Y1: -5, X2: 2000, Y2: 1000}, Confidence: 0.4},
			{BBox: detection.BBox{X1: 600, Y1: 300, X2: 700, Y2: 400}, Confidence: 0.75,
				Severity: &detection.Severity{Level: "High", Color: "#ef4444"}},
		},
	}

	for _, dets := range cases {
		r := NewRenderer(320, 180)
		before := r.Snapshot()

		r.Render(dets, 1280, 720)
		r.Clear()

		assert.Equal(t, before.Pix, r.Snapshot().Pix)
	}
}

func TestRenderScalesIndependently(t *testing.T) {
	r := NewRenderer(640, 360)
	// source is 4x wider but only 2x taller than the surface
	r.Render([]detection.Detection{
		{BBox: detection.BBox{X1: 400, Y1: 200, X2: 800, Y2: 400}, Confidence: 0.5},
	}, 2560, 720)

	s := r.Snapshot()
	// box maps to (100,100)-(200,200); check the bottom-right edge pixel
	assert.Equal(t, defaultBoxColor, s.RGBAAt(199, 150))
	assert.Equal(t, defaultBoxColor, s.RGBAAt(150, 199))
	// outside the box stays transparent
	assert.Equal(t, color.RGBA{}, s.RGBAAt(250, 250))
}

func TestRenderReplacesPreviousFrame(t *testing.T) {
	r := NewRenderer(200, 200)
	r.Render([]detection.Detection{
		{BBox: detection.BBox{X1: 10, Y1: 100, X2: 50, Y2: 150}, Confidence: 0.6},
	}, 200, 200)
	require.False(t, isBlank(r.Snapshot()))

	r.Render(nil, 200, 200)
	assert.True(t, isBlank(r.Snapshot()))
	assert.Equal(t, uint64(2), r.Renders())
}

func TestBoxColorFromSeverity(t *testing.T) {
	d := detection.Detection{Severity: &detection.Severity{Color: "#ef4444"}}
	assert.Equal(t, color.RGBA{0xef, 0x44, 0x44, 255}, BoxColor(d))

	d.Severity.Color = "not-a-colour"
	assert.Equal(t, defaultBoxColor, BoxColor(d))
	assert.Equal(t, defaultBoxColor, BoxColor(detection.Detection{}))
}

func TestLabelBackdropDrawn(t *testing.T) {
	r := NewRenderer(300, 300)
	r.Render([]detection.Detection{
		{BBox: detection.BBox{X1: 50, Y1: 100, X2: 150, Y2: 200}, Confidence: 0.87},
	}, 300, 300)

	s := r.Snapshot()
	// backdrop sits directly above the top-left corner
	assert.Equal(t, uint8(255), s.RGBAAt(51, 98).A)
	assert.Equal(t, color.RGBA{}, s.RGBAAt(51, 60))
}

func TestCompositeAndPNG(t *testing.T) {
	r := NewRenderer(64, 36)
	r.Render([]detection.Detection{
		{BBox: detection.BBox{X1: 0, Y1: 0, X2: 128, Y2: 72}, Confidence: 1},
	}, 128, 72)

	frame := imaging.New(128, 72, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	out := r.Composite(frame)
	assert.Equal(t, image.Rect(0, 0, 64, 36), out.Bounds())
	assert.Equal(t, defaultBoxColor, out.RGBAAt(32, 35))

	data, err := r.PNG()
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}
