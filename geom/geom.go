// Package geom holds box geometry shared by detection and tracking.
package geom

import (
	"image"
	"math"
)

// IoU returns the intersection over union of two boxes.
// Non-overlapping boxes and an empty union give 0.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := area(inter)
	union := area(a) + area(b) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

func area(r image.Rectangle) float64 {
	if r.Empty() {
		return 0
	}
	return float64(r.Dx()) * float64(r.Dy())
}

// Clip restricts r to a frame of the given size.
func Clip(r image.Rectangle, size image.Point) image.Rectangle {
	return r.Canon().Intersect(image.Rect(0, 0, size.X, size.Y))
}

// Center returns the box center as floats.
func Center(r image.Rectangle) (float64, float64) {
	return float64(r.Min.X+r.Max.X) / 2, float64(r.Min.Y+r.Max.Y) / 2
}

// FromCenter builds a box from center and size, rounding to whole pixels.
func FromCenter(cx, cy, w, h float64) image.Rectangle {
	x0 := int(math.Round(cx - w/2))
	y0 := int(math.Round(cy - h/2))
	return image.Rect(x0, y0, x0+int(math.Round(w)), y0+int(math.Round(h)))
}

// ScaleToFit returns the size of a frame downscaled to maxWidth keeping the
// aspect ratio. Frames already narrow enough, or maxWidth <= 0, keep their
// size. Both dimensions are rounded down to even values since 4:2:0
// encoders reject odd frame sizes.
func ScaleToFit(size image.Point, maxWidth int) image.Point {
	if maxWidth > 0 && size.X > maxWidth {
		scale := float64(maxWidth) / float64(size.X)
		size = image.Pt(maxWidth, int(float64(size.Y)*scale))
	}
	return image.Pt(even(size.X), even(size.Y))
}

func even(v int) int {
	if v < 2 {
		return v
	}
	return v &^ 1
}
