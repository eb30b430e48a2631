package geom

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIoU(t *testing.T) {
	a := image.Rect(0, 0, 10, 10)
	b := image.Rect(5, 0, 15, 10)

	assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	assert.InDelta(t, 50.0/150.0, IoU(a, b), 1e-9)
	assert.Equal(t, IoU(a, b), IoU(b, a))
	assert.Zero(t, IoU(a, image.Rect(20, 20, 30, 30)))
	// touching edges share no area
	assert.Zero(t, IoU(a, image.Rect(10, 0, 20, 10)))
	assert.Zero(t, IoU(image.Rectangle{}, image.Rectangle{}))
}

func TestIoUBounds(t *testing.T) {
	boxes := []image.Rectangle{
		image.Rect(0, 0, 4, 4),
		image.Rect(2, 2, 9, 9),
		image.Rect(3, 0, 5, 20),
		image.Rect(100, 100, 101, 101),
	}
	for _, a := range boxes {
		for _, b := range boxes {
			v := IoU(a, b)
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
			assert.Equal(t, v, IoU(b, a))
		}
	}
}

func TestClip(t *testing.T) {
	got := Clip(image.Rect(-5, 10, 50, 700), image.Pt(40, 480))
	assert.Equal(t, image.Rect(0, 10, 40, 480), got)
	assert.True(t, Clip(image.Rect(100, 100, 120, 120), image.Pt(50, 50)).Empty())
}

func TestFromCenter(t *testing.T) {
	r := image.Rect(10, 20, 30, 60)
	cx, cy := Center(r)
	assert.Equal(t, r, FromCenter(cx, cy, float64(r.Dx()), float64(r.Dy())))
}

func TestScaleToFit(t *testing.T) {
	assert.Equal(t, image.Pt(1024, 576), ScaleToFit(image.Pt(1920, 1080), 1024))
	assert.Equal(t, image.Pt(640, 480), ScaleToFit(image.Pt(640, 480), 1024))
	assert.Equal(t, image.Pt(1920, 1080), ScaleToFit(image.Pt(1920, 1080), 0))
}

func TestScaleToFitKeepsDimensionsEven(t *testing.T) {
	assert.Equal(t, image.Pt(1024, 574), ScaleToFit(image.Pt(1366, 768), 1024))
	assert.Equal(t, image.Pt(1000, 562), ScaleToFit(image.Pt(1366, 768), 1001))
	assert.Equal(t, image.Pt(640, 480), ScaleToFit(image.Pt(641, 481), 0))
	assert.Equal(t, image.Pt(1, 1), ScaleToFit(image.Pt(1, 1), 1024))
}
