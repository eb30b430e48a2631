package mask

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"anoncam/logger"
)

// DilationParams controls how far each region mask grows before fusion.
type DilationParams struct {
	Factor     float64
	Min        int
	Max        int
	Iterations int
}

// KernelSize picks an odd structuring-element size for a region whose
// largest bounding dimension is dim. The size scales with dim, is clamped to
// [Min, Max] and is never even. An even size rounds up unless that would
// pass Max. A zero dim (empty mask) uses Min.
func KernelSize(dim int, p DilationParams) int {
	k := p.Min
	if dim > 0 {
		k = int(math.Round(float64(dim) * p.Factor))
	}
	if k < p.Min {
		k = p.Min
	}
	if k > p.Max {
		k = p.Max
	}
	if k%2 == 0 {
		if k+1 <= p.Max || k-1 < p.Min || k-1 < 1 {
			k++
		} else {
			k--
		}
	}
	return k
}

// CoverageBuilder fuses region masks into one dilated coverage mask.
type CoverageBuilder struct {
	log *logger.Logger
}

// NewCoverageBuilder returns a builder that reports skipped regions to log.
func NewCoverageBuilder(log *logger.Logger) *CoverageBuilder {
	return &CoverageBuilder{log: log}
}

// Build returns a CV_8UC1 Mat of the given frame size holding the union of
// every dilated mask. Masks that fail are skipped and logged. An empty
// input yields an all-zero mask. The caller owns the returned Mat.
func (b *CoverageBuilder) Build(size image.Point, masks []*Mask, p DilationParams) (gocv.Mat, error) {
	if size.X <= 0 || size.Y <= 0 {
		return gocv.NewMat(), errors.Errorf("invalid frame size %v", size)
	}
	coverage := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), size.Y, size.X, gocv.MatTypeCV8UC1)

	for i, m := range masks {
		dilated, err := Dilate(size, m, p)
		if err != nil {
			b.log.Warn("skipping region mask", "index", i, "error", err)
			continue
		}
		gocv.BitwiseOr(coverage, dilated, &coverage)
		dilated.Close()
	}
	return coverage, nil
}

// Dilate resizes m to the frame, binarizes it and grows it with an adaptive
// rectangular kernel. Failures wrap ErrTransientMask.
func Dilate(size image.Point, m *Mask, p DilationParams) (out gocv.Mat, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = gocv.NewMat()
			err = errors.Wrapf(ErrTransientMask, "dilate panicked: %v", r)
		}
	}()

	src, err := m.ToMat()
	if err != nil {
		return src, err
	}
	defer src.Close()

	scaled := gocv.NewMat()
	defer scaled.Close()
	if m.Width != size.X || m.Height != size.Y {
		gocv.Resize(src, &scaled, size, 0, 0, gocv.InterpolationLinear)
	} else {
		src.CopyTo(&scaled)
	}
	if scaled.Empty() {
		return gocv.NewMat(), errors.Wrap(ErrTransientMask, "resize produced an empty mask")
	}

	binary := gocv.NewMat()
	gocv.Threshold(scaled, &binary, float32(Threshold), float32(On), gocv.ThresholdBinary)

	bounds := nonZeroBounds(binary)
	dim := bounds.Dx()
	if bounds.Dy() > dim {
		dim = bounds.Dy()
	}
	k := KernelSize(dim, p)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(k, k))
	defer kernel.Close()
	iterations := p.Iterations
	if iterations < 1 {
		iterations = 1
	}
	for i := 0; i < iterations; i++ {
		gocv.Dilate(binary, &binary, kernel)
	}
	return binary, nil
}
