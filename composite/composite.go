// Package composite replaces covered pixels of a frame with a
// privacy-preserving substitute.
package composite

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"anoncam/logger"
)

// ErrCompositing is wrapped by every mode failure.
var ErrCompositing = errors.New("compositing error")

// Mode selects the replacement for covered pixels.
type Mode string

const (
	ModeBlur       Mode = "blur"
	ModeBackground Mode = "background"
	ModeSolid      Mode = "solid"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeBlur, ModeBackground, ModeSolid:
		return m, nil
	}
	return "", errors.Errorf("unknown anonymization mode %q", s)
}

// SolidGray fills covered pixels in solid mode.
var SolidGray = gocv.NewScalar(127, 127, 127, 0)

// column of the area statistic in ConnectedComponentsWithStats output
const ccStatArea = 4

// Compositor applies a mode and walks the fallback chain
// background/solid -> blur -> original frame.
type Compositor struct {
	log *logger.Logger
}

// New returns a compositor.
func New(log *logger.Logger) *Compositor {
	return &Compositor{log: log}
}

// Composite returns a new Mat owned by the caller. Nothing covered means
// a plain copy of the frame. boxes are the active region boxes; without
// them blur falls back to one global kernel.
func (c *Compositor) Composite(frame, coverage gocv.Mat, mode Mode, background gocv.Mat, blurStrength int, boxes []image.Rectangle) gocv.Mat {
	if coverage.Empty() {
		return frame.Clone()
	}
	if coverage.Type() == gocv.MatTypeCV8UC1 && gocv.CountNonZero(coverage) == 0 {
		return frame.Clone()
	}

	var out gocv.Mat
	var err error
	switch mode {
	case ModeBackground:
		out, err = FillBackground(frame, coverage, background)
	case ModeSolid:
		out, err = Fill(frame, coverage, SolidGray)
	default:
		out, err = Blur(frame, coverage, blurStrength, boxes)
	}
	if err == nil {
		return out
	}
	out.Close()

	if mode == ModeBackground || mode == ModeSolid {
		c.log.Warn("compositing failed, falling back to blur", "mode", string(mode), "error", err)
		if out, err = Blur(frame, coverage, blurStrength, boxes); err == nil {
			return out
		}
	}
	c.log.Warn("blur failed, passing frame through", "error", err)
	return frame.Clone()
}

// AdaptiveKernel grows the blur kernel with the component's share of the
// frame: max(bs, int(bs*(1+3*area/frameArea))), forced odd.
func AdaptiveKernel(bs, area, frameArea int) int {
	k := bs
	if frameArea > 0 {
		if scaled := int(float64(bs) * (1 + 3*float64(area)/float64(frameArea))); scaled > k {
			k = scaled
		}
	}
	return odd(k)
}

func odd(k int) int {
	if k < 1 {
		return 1
	}
	if k%2 == 0 {
		return k + 1
	}
	return k
}

// Blur blurs covered pixels. With boxes, every connected component of the
// coverage mask gets its own size-adaptive kernel.
func Blur(frame, coverage gocv.Mat, blurStrength int, boxes []image.Rectangle) (out gocv.Mat, err error) {
	defer recoverInto(&out, &err)
	if err := checkInputs(frame, coverage); err != nil {
		return gocv.NewMat(), err
	}

	out = frame.Clone()
	if len(boxes) == 0 {
		k := odd(blurStrength)
		blurred := gocv.NewMat()
		defer blurred.Close()
		gocv.GaussianBlur(frame, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)
		blurred.CopyToWithMask(&out, coverage)
		return out, nil
	}

	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()
	n := gocv.ConnectedComponentsWithStats(coverage, &labels, &stats, &centroids)

	frameArea := frame.Rows() * frame.Cols()
	blurredBySize := make(map[int]gocv.Mat)
	defer func() {
		for _, m := range blurredBySize {
			m.Close()
		}
	}()

	component := gocv.NewMat()
	defer component.Close()
	for label := 1; label < n; label++ {
		area := int(stats.GetIntAt(label, ccStatArea))
		k := AdaptiveKernel(blurStrength, area, frameArea)

		blurred, ok := blurredBySize[k]
		if !ok {
			blurred = gocv.NewMat()
			gocv.GaussianBlur(frame, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)
			blurredBySize[k] = blurred
		}

		v := float64(label)
		gocv.InRangeWithScalar(labels, gocv.NewScalar(v, 0, 0, 0), gocv.NewScalar(v, 0, 0, 0), &component)
		blurred.CopyToWithMask(&out, component)
	}
	return out, nil
}

// FillBackground copies the background through the coverage mask. A
// background of another size is resized first; an empty background or one
// with a different pixel type is an error.
func FillBackground(frame, coverage, background gocv.Mat) (out gocv.Mat, err error) {
	defer recoverInto(&out, &err)
	if err := checkInputs(frame, coverage); err != nil {
		return gocv.NewMat(), err
	}
	if background.Empty() {
		return gocv.NewMat(), errors.Wrap(ErrCompositing, "no background available")
	}
	if background.Type() != frame.Type() {
		return gocv.NewMat(), errors.Wrapf(ErrCompositing, "background type %v does not match frame type %v", background.Type(), frame.Type())
	}

	bg := background
	if background.Rows() != frame.Rows() || background.Cols() != frame.Cols() {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(background, &resized, image.Pt(frame.Cols(), frame.Rows()), 0, 0, gocv.InterpolationLinear)
		bg = resized
	}

	out = frame.Clone()
	bg.CopyToWithMask(&out, coverage)
	return out, nil
}

// Fill paints covered pixels with a flat color.
func Fill(frame, coverage gocv.Mat, color gocv.Scalar) (out gocv.Mat, err error) {
	defer recoverInto(&out, &err)
	if err := checkInputs(frame, coverage); err != nil {
		return gocv.NewMat(), err
	}
	solid := gocv.NewMatWithSizeFromScalar(color, frame.Rows(), frame.Cols(), frame.Type())
	defer solid.Close()

	out = frame.Clone()
	solid.CopyToWithMask(&out, coverage)
	return out, nil
}

func checkInputs(frame, coverage gocv.Mat) error {
	if frame.Empty() {
		return errors.Wrap(ErrCompositing, "empty frame")
	}
	if coverage.Empty() || coverage.Type() != gocv.MatTypeCV8UC1 {
		return errors.Wrap(ErrCompositing, "coverage must be a single-channel 8-bit mask")
	}
	if coverage.Rows() != frame.Rows() || coverage.Cols() != frame.Cols() {
		return errors.Wrapf(ErrCompositing, "coverage %dx%d does not match frame %dx%d",
			coverage.Cols(), coverage.Rows(), frame.Cols(), frame.Rows())
	}
	return nil
}

func recoverInto(out *gocv.Mat, err *error) {
	if r := recover(); r != nil {
		*out = gocv.NewMat()
		*err = errors.Wrapf(ErrCompositing, "panic: %v", r)
	}
}
