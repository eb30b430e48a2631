// Package mask provides the binary region mask used across the pipeline and
// builds the per-frame coverage mask from a set of region masks.
package mask

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ErrTransientMask marks a single region mask that could not be converted,
// resized or dilated. The region is skipped for the frame.
var ErrTransientMask = errors.New("transient mask error")

// On is the value of a covered pixel. Anything above Threshold counts as covered.
const (
	On        uint8 = 255
	Threshold uint8 = 127
)

// Source records where a mask came from.
type Source int

const (
	SourceBox Source = iota
	SourceDetector
	SourceTracker
)

func (s Source) String() string {
	switch s {
	case SourceDetector:
		return "detector"
	case SourceTracker:
		return "tracker"
	default:
		return "box"
	}
}

// Mask is a single-channel 8-bit mask stored row-major. It may be at any
// resolution; consumers resize it to the frame on use.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
	Source Source
}

// New returns an empty mask.
func New(width, height int, src Source) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]uint8, width*height), Source: src}
}

// FromBox synthesizes a rectangular mask at frame resolution. The box is
// clipped to the frame.
func FromBox(size image.Point, box image.Rectangle, src Source) *Mask {
	m := New(size.X, size.Y, src)
	r := box.Canon().Intersect(image.Rect(0, 0, size.X, size.Y))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := m.Pix[y*m.Width : (y+1)*m.Width]
		for x := r.Min.X; x < r.Max.X; x++ {
			row[x] = On
		}
	}
	return m
}

// FromFloat32 converts a probability mask with values in [0, 1].
func FromFloat32(width, height int, values []float32, src Source) (*Mask, error) {
	if width <= 0 || height <= 0 || len(values) != width*height {
		return nil, errors.Wrapf(ErrTransientMask, "float mask %dx%d with %d values", width, height, len(values))
	}
	m := New(width, height, src)
	for i, v := range values {
		switch {
		case v <= 0:
		case v >= 1:
			m.Pix[i] = On
		default:
			m.Pix[i] = uint8(v*255 + 0.5)
		}
	}
	return m, nil
}

// FromMat copies a CV_8UC1 or CV_32FC1 Mat into a mask.
func FromMat(mat gocv.Mat, src Source) (*Mask, error) {
	if mat.Empty() {
		return nil, errors.Wrap(ErrTransientMask, "empty mask mat")
	}
	switch mat.Type() {
	case gocv.MatTypeCV8UC1:
		c := mat.Clone()
		defer c.Close()
		return &Mask{Width: c.Cols(), Height: c.Rows(), Pix: c.ToBytes(), Source: src}, nil
	case gocv.MatTypeCV32FC1:
		c := mat.Clone()
		defer c.Close()
		values, err := c.DataPtrFloat32()
		if err != nil {
			return nil, errors.Wrap(ErrTransientMask, err.Error())
		}
		return FromFloat32(c.Cols(), c.Rows(), values, src)
	default:
		return nil, errors.Wrapf(ErrTransientMask, "unsupported mask type %v", mat.Type())
	}
}

// Validate reports whether the pixel buffer matches the dimensions.
func (m *Mask) Validate() error {
	if m == nil {
		return errors.Wrap(ErrTransientMask, "nil mask")
	}
	if m.Width <= 0 || m.Height <= 0 || len(m.Pix) != m.Width*m.Height {
		return errors.Wrapf(ErrTransientMask, "mask %dx%d with %d bytes", m.Width, m.Height, len(m.Pix))
	}
	return nil
}

// Size returns the mask resolution.
func (m *Mask) Size() image.Point {
	return image.Pt(m.Width, m.Height)
}

// Bounds returns the bounding box of covered pixels, or an empty rectangle.
func (m *Mask) Bounds() image.Rectangle {
	src, err := m.ToMat()
	if err != nil {
		return image.Rectangle{}
	}
	defer src.Close()

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(src, &binary, float32(Threshold), float32(On), gocv.ThresholdBinary)
	return nonZeroBounds(binary)
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	c := *m
	c.Pix = append([]uint8(nil), m.Pix...)
	return &c
}

// Translate returns a copy shifted by (dx, dy). Pixels moved outside are lost.
func (m *Mask) Translate(dx, dy int) *Mask {
	out := New(m.Width, m.Height, m.Source)
	for y := 0; y < m.Height; y++ {
		ty := y + dy
		if ty < 0 || ty >= m.Height {
			continue
		}
		for x := 0; x < m.Width; x++ {
			tx := x + dx
			if tx < 0 || tx >= m.Width {
				continue
			}
			out.Pix[ty*m.Width+tx] = m.Pix[y*m.Width+x]
		}
	}
	return out
}

// ToMat copies the mask into a new CV_8UC1 Mat owned by the caller.
func (m *Mask) ToMat() (gocv.Mat, error) {
	if err := m.Validate(); err != nil {
		return gocv.NewMat(), err
	}
	view, err := gocv.NewMatFromBytes(m.Height, m.Width, gocv.MatTypeCV8UC1, append([]uint8(nil), m.Pix...))
	if err != nil {
		return gocv.NewMat(), errors.Wrap(ErrTransientMask, err.Error())
	}
	defer view.Close()
	return view.Clone(), nil
}

// nonZeroBounds returns the bounding box of the non-zero pixels of a
// single-channel Mat, or an empty rectangle.
func nonZeroBounds(binary gocv.Mat) image.Rectangle {
	if binary.Empty() || gocv.CountNonZero(binary) == 0 {
		return image.Rectangle{}
	}
	points := gocv.NewMat()
	defer points.Close()
	gocv.FindNonZero(binary, &points)

	pv := gocv.NewPointVectorFromMat(points)
	defer pv.Close()
	return gocv.BoundingRect(pv)
}
