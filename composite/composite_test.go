package composite

import (
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"anoncam/logger"
)

func checkerFrame(t *testing.T, rows, cols int) gocv.Mat {
	t.Helper()
	data := make([]byte, rows*cols*3)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if (x/4+y/4)%2 == 0 {
				i := (y*cols + x) * 3
				data[i], data[i+1], data[i+2] = 255, 200, 100
			}
		}
	}
	view, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC3, data)
	require.NoError(t, err)
	defer view.Close()
	return view.Clone()
}

func boxCoverage(rows, cols int, boxes ...image.Rectangle) gocv.Mat {
	cov := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC1)
	for _, b := range boxes {
		region := cov.Region(b)
		region.SetTo(gocv.NewScalar(255, 0, 0, 0))
		region.Close()
	}
	return cov
}

func pixel(m gocv.Mat, row, col int) [3]uint8 {
	v := m.GetVecbAt(row, col)
	return [3]uint8{v[0], v[1], v[2]}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("solid")
	require.NoError(t, err)
	assert.Equal(t, ModeSolid, m)
	_, err = ParseMode("pixelate")
	assert.Error(t, err)
}

func TestAdaptiveKernel(t *testing.T) {
	assert.Equal(t, 41, AdaptiveKernel(41, 0, 1000))
	assert.Equal(t, 83, AdaptiveKernel(41, 1000, 3000))
	assert.Equal(t, 41, AdaptiveKernel(40, 10, 100000))
	assert.Equal(t, 21, AdaptiveKernel(21, 5, 0))
	for area := 0; area <= 10000; area += 250 {
		assert.Equal(t, 1, AdaptiveKernel(41, area, 10000)%2)
	}
}

func TestCompositeEmptyCoverageReturnsCopy(t *testing.T) {
	frame := checkerFrame(t, 60, 80)
	defer frame.Close()
	cov := boxCoverage(60, 80)
	defer cov.Close()

	c := New(logger.NewNopLogger())
	for _, mode := range []Mode{ModeBlur, ModeBackground, ModeSolid} {
		out := c.Composite(frame, cov, mode, gocv.NewMat(), 41, nil)
		assert.Equal(t, frame.ToBytes(), out.ToBytes(), "mode %s", mode)
		out.Close()
	}
}

func TestSolidFillAndIdempotence(t *testing.T) {
	frame := checkerFrame(t, 60, 80)
	defer frame.Close()
	cov := boxCoverage(60, 80, image.Rect(10, 10, 30, 40))
	defer cov.Close()

	c := New(logger.NewNopLogger())
	once := c.Composite(frame, cov, ModeSolid, gocv.NewMat(), 41, nil)
	defer once.Close()
	twice := c.Composite(once, cov, ModeSolid, gocv.NewMat(), 41, nil)
	defer twice.Close()

	assert.Equal(t, [3]uint8{127, 127, 127}, pixel(once, 20, 20))
	assert.Equal(t, pixel(frame, 50, 70), pixel(once, 50, 70))
	assert.Equal(t, once.ToBytes(), twice.ToBytes())
}

func TestBackgroundFill(t *testing.T) {
	frame := checkerFrame(t, 60, 80)
	defer frame.Close()
	cov := boxCoverage(60, 80, image.Rect(0, 0, 20, 20))
	defer cov.Close()
	bg := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 60, 80, gocv.MatTypeCV8UC3)
	defer bg.Close()

	c := New(logger.NewNopLogger())
	out := c.Composite(frame, cov, ModeBackground, bg, 41, nil)
	defer out.Close()

	assert.Equal(t, [3]uint8{10, 20, 30}, pixel(out, 5, 5))
	assert.Equal(t, pixel(frame, 40, 40), pixel(out, 40, 40))
}

func TestBackgroundFillResizes(t *testing.T) {
	frame := checkerFrame(t, 60, 80)
	defer frame.Close()
	cov := boxCoverage(60, 80, image.Rect(0, 0, 20, 20))
	defer cov.Close()
	small := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 30, 40, gocv.MatTypeCV8UC3)
	defer small.Close()

	out, err := FillBackground(frame, cov, small)
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, 60, out.Rows())
	assert.Equal(t, [3]uint8{10, 20, 30}, pixel(out, 5, 5))
}

func TestBackgroundChannelMismatchFallsBackToBlur(t *testing.T) {
	frame := checkerFrame(t, 60, 80)
	defer frame.Close()
	cov := boxCoverage(60, 80, image.Rect(20, 10, 50, 50))
	defer cov.Close()
	gray := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 0, 0, 0), 60, 80, gocv.MatTypeCV8UC1)
	defer gray.Close()
	boxes := []image.Rectangle{image.Rect(20, 10, 50, 50)}

	_, err := FillBackground(frame, cov, gray)
	assert.True(t, errors.Is(err, ErrCompositing))

	c := New(logger.NewNopLogger())
	out := c.Composite(frame, cov, ModeBackground, gray, 15, boxes)
	defer out.Close()
	want, err := Blur(frame, cov, 15, boxes)
	require.NoError(t, err)
	defer want.Close()
	assert.Equal(t, want.ToBytes(), out.ToBytes())
}

func TestBackgroundMissingFallsBackToBlur(t *testing.T) {
	frame := checkerFrame(t, 60, 80)
	defer frame.Close()
	cov := boxCoverage(60, 80, image.Rect(20, 10, 50, 50))
	defer cov.Close()

	c := New(logger.NewNopLogger())
	out := c.Composite(frame, cov, ModeBackground, gocv.NewMat(), 15, nil)
	defer out.Close()
	want, err := Blur(frame, cov, 15, nil)
	require.NoError(t, err)
	defer want.Close()
	assert.Equal(t, want.ToBytes(), out.ToBytes())
}

func TestBlurOnlyTouchesCoveredPixels(t *testing.T) {
	frame := checkerFrame(t, 120, 160)
	defer frame.Close()
	boxes := []image.Rectangle{image.Rect(10, 10, 50, 60), image.Rect(100, 40, 150, 110)}
	cov := boxCoverage(120, 160, boxes...)
	defer cov.Close()

	out, err := Blur(frame, cov, 9, boxes)
	require.NoError(t, err)
	defer out.Close()

	assert.Equal(t, pixel(frame, 5, 5), pixel(out, 5, 5))
	assert.Equal(t, pixel(frame, 80, 70), pixel(out, 80, 70))
	// a checkerboard blurred with a 9+ kernel is no longer saturated inside
	assert.NotEqual(t, pixel(frame, 30, 30), pixel(out, 30, 30))
	assert.NotEqual(t, pixel(frame, 75, 125), pixel(out, 75, 125))
}

func TestCompositeRejectsMismatchedCoverage(t *testing.T) {
	frame := checkerFrame(t, 60, 80)
	defer frame.Close()
	cov := boxCoverage(30, 40, image.Rect(0, 0, 10, 10))
	defer cov.Close()

	_, err := Blur(frame, cov, 9, nil)
	assert.True(t, errors.Is(err, ErrCompositing))

	c := New(logger.NewNopLogger())
	out := c.Composite(frame, cov, ModeSolid, gocv.NewMat(), 9, nil)
	defer out.Close()
	assert.Equal(t, frame.ToBytes(), out.ToBytes())
}
