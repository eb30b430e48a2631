// Package background keeps a human-free background image up to date.
package background

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"anoncam/composite"
	"anoncam/mask"
)

// ErrBackgroundUpdate is wrapped by every failed update. The previous
// background is kept when it is returned.
var ErrBackgroundUpdate = errors.New("background update failed")

// Phase of the background model.
type Phase int

const (
	PhaseWarmUp Phase = iota
	PhaseSteadyState
)

func (p Phase) String() string {
	if p == PhaseWarmUp {
		return "warmup"
	}
	return "steady"
}

const (
	warmupOcclusionLimit = 0.8
	warmupBlurKernel     = 21
	warmupLearningRate   = 0.5
	warmupSnapshotEvery  = 5
	steadyBlendEvery     = 10
	resetLearningRate    = -1
)

// neutralGray fills heavily occluded warm-up frames.
var neutralGray = gocv.NewScalar(120, 120, 120, 0)

// Config tunes the maintainer.
type Config struct {
	WarmupFrames   int
	LearningRate   float64
	WarmupDilation mask.DilationParams
}

// Maintainer owns the background image of one pipeline.
type Maintainer struct {
	cfg           Config
	newSubtractor func() (Subtractor, error)
	subtractor    Subtractor
	builder       *mask.CoverageBuilder

	background gocv.Mat
	frameCount int
}

// NewMaintainer creates the first subtractor through newSubtractor. The
// same function is used again on Reset.
func NewMaintainer(cfg Config, newSubtractor func() (Subtractor, error), builder *mask.CoverageBuilder) (*Maintainer, error) {
	s, err := newSubtractor()
	if err != nil {
		return nil, errors.Wrap(err, "create background subtractor")
	}
	return &Maintainer{
		cfg:           cfg,
		newSubtractor: newSubtractor,
		subtractor:    s,
		builder:       builder,
		background:    gocv.NewMat(),
	}, nil
}

// Phase reports warm-up until WarmupFrames frames have been seen.
func (m *Maintainer) Phase() Phase {
	if m.frameCount < m.cfg.WarmupFrames {
		return PhaseWarmUp
	}
	return PhaseSteadyState
}

// FrameCount returns the number of frames fed since creation or reset.
func (m *Maintainer) FrameCount() int {
	return m.frameCount
}

// Background returns the current background image. The Mat is owned by
// the maintainer and valid until the next Update or Reset.
func (m *Maintainer) Background() gocv.Mat {
	return m.background
}

// NativeBackground renders the subtractor's own estimate when it has one.
func (m *Maintainer) NativeBackground(dst *gocv.Mat) (bool, error) {
	imager, ok := m.subtractor.(BackgroundImager)
	if !ok {
		return false, nil
	}
	return true, imager.BackgroundImage(dst)
}

// Update feeds one frame. masks are the active region masks and coverage
// their dilated union at frame resolution. Failures leave the previous
// background in place and are returned wrapped in ErrBackgroundUpdate; the
// frame still counts towards warm-up.
func (m *Maintainer) Update(frame gocv.Mat, masks []*mask.Mask, coverage gocv.Mat) error {
	defer func() { m.frameCount++ }()

	if frame.Empty() || frame.Type() != gocv.MatTypeCV8UC3 {
		return errors.Wrap(ErrBackgroundUpdate, "frame must be non-empty BGR")
	}
	if err := guard(func() error { return m.repair(frame) }); err != nil {
		return err
	}

	if m.Phase() == PhaseWarmUp {
		return guard(func() error { return m.warmUp(frame, masks) })
	}
	return guard(func() error { return m.steadyState(frame, len(masks) > 0, coverage) })
}

// repair seeds the background from the first frame and keeps it at frame
// resolution.
func (m *Maintainer) repair(frame gocv.Mat) error {
	if m.background.Empty() {
		frame.CopyTo(&m.background)
		return nil
	}
	if m.background.Rows() == frame.Rows() && m.background.Cols() == frame.Cols() {
		return nil
	}
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(m.background, &resized, image.Pt(frame.Cols(), frame.Rows()), 0, 0, gocv.InterpolationLinear)
	if resized.Empty() {
		return errors.New("resize of background failed")
	}
	resized.CopyTo(&m.background)
	return nil
}

func (m *Maintainer) warmUp(frame gocv.Mat, masks []*mask.Mask) error {
	fg := gocv.NewMat()
	defer fg.Close()

	if len(masks) == 0 {
		if err := m.subtractor.Apply(frame, resetLearningRate, &fg); err != nil {
			return err
		}
		if m.frameCount%warmupSnapshotEvery == 0 {
			frame.CopyTo(&m.background)
		}
		return nil
	}

	size := image.Pt(frame.Cols(), frame.Rows())
	coverage, err := m.builder.Build(size, masks, m.cfg.WarmupDilation)
	if err != nil {
		return err
	}
	defer coverage.Close()

	clean, err := flatFill(frame, coverage)
	if err != nil {
		return err
	}
	defer clean.Close()

	if err := m.subtractor.Apply(clean, warmupLearningRate, &fg); err != nil {
		return err
	}
	clean.CopyTo(&m.background)
	return nil
}

// flatFill replaces covered pixels with one color and softens the seams.
// The color is the mean of the uncovered pixels, or neutral gray when most
// of the frame is covered.
func flatFill(frame, coverage gocv.Mat) (gocv.Mat, error) {
	total := frame.Rows() * frame.Cols()
	covered := gocv.CountNonZero(coverage)

	color := neutralGray
	if float64(covered)/float64(total) <= warmupOcclusionLimit {
		color = meanUncovered(frame, coverage)
	}
	filled, err := composite.Fill(frame, coverage, color)
	if err != nil {
		return filled, err
	}
	gocv.GaussianBlur(filled, &filled, image.Pt(warmupBlurKernel, warmupBlurKernel), 0, 0, gocv.BorderDefault)
	return filled, nil
}

// meanUncovered averages the BGR values of pixels outside coverage.
func meanUncovered(frame, coverage gocv.Mat) gocv.Scalar {
	uncovered := gocv.NewMat()
	defer uncovered.Close()
	gocv.BitwiseNot(coverage, &uncovered)
	return frame.MeanWithMask(uncovered)
}

func (m *Maintainer) steadyState(frame gocv.Mat, hasRegions bool, coverage gocv.Mat) error {
	lr := m.cfg.LearningRate
	src := frame
	alpha := math.Min(10*lr, 0.1)
	if hasRegions {
		clean, err := composite.FillBackground(frame, coverage, m.background)
		if err != nil {
			return err
		}
		defer clean.Close()
		src = clean
		alpha = math.Min(2*lr, 0.2)
	}

	fg := gocv.NewMat()
	defer fg.Close()
	if err := m.subtractor.Apply(src, lr, &fg); err != nil {
		return err
	}
	if m.frameCount%steadyBlendEvery == 0 {
		m.blend(src, alpha, nil)
	}

	if _, native := m.subtractor.(BackgroundImager); !native {
		return m.refreshUncovered(src, coverage, lr)
	}
	return nil
}

// refreshUncovered refreshes the background from pixels that are neither foreground
// nor covered by a region. Used when the subtractor cannot render its own
// background.
func (m *Maintainer) refreshUncovered(src, coverage gocv.Mat, lr float64) error {
	fg := gocv.NewMat()
	defer fg.Close()
	if err := m.subtractor.Apply(src, 0, &fg); err != nil {
		return err
	}
	if fg.Empty() {
		return errors.New("subtractor returned no foreground mask")
	}

	keep := gocv.NewMat()
	defer keep.Close()
	gocv.BitwiseNot(fg, &keep)
	if !coverage.Empty() {
		uncovered := gocv.NewMat()
		defer uncovered.Close()
		gocv.BitwiseNot(coverage, &uncovered)
		gocv.BitwiseAnd(keep, uncovered, &keep)
	}
	m.blend(src, math.Min(5*lr, 0.05), &keep)
	return nil
}

// blend moves the background towards src by alpha. A non-nil where limits
// the update to its non-zero pixels.
func (m *Maintainer) blend(src gocv.Mat, alpha float64, where *gocv.Mat) {
	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(m.background, 1-alpha, src, alpha, 0, &blended)
	if where == nil {
		blended.CopyTo(&m.background)
		return
	}
	blended.CopyToWithMask(&m.background, *where)
}

// Reset rebuilds the subtractor, clears the background and restarts warm-up.
func (m *Maintainer) Reset() error {
	s, err := m.newSubtractor()
	if err != nil {
		return errors.Wrap(err, "recreate background subtractor")
	}
	_ = m.subtractor.Close()
	m.subtractor = s
	m.background.Close()
	m.background = gocv.NewMat()
	m.frameCount = 0
	return nil
}

// Close releases the subtractor and background.
func (m *Maintainer) Close() error {
	m.background.Close()
	return m.subtractor.Close()
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrBackgroundUpdate, "panic: %v", r)
		}
	}()
	if err := fn(); err != nil {
		if errors.Is(err, ErrBackgroundUpdate) {
			return err
		}
		return errors.Wrap(ErrBackgroundUpdate, err.Error())
	}
	return nil
}
