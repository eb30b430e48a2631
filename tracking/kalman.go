package tracking

import (
	"image"

	kalman_filter "github.com/LdDl/kalman-filter"
	"gocv.io/x/gocv"

	"anoncam/geom"
)

// KalmanTracker is a motion-only tracker. It extrapolates the box with a
// constant-velocity bbox filter and reports failure once it has coasted
// more than maxCoast frames without a correction.
type KalmanTracker struct {
	kf       *kalman_filter.KalmanBBox
	maxCoast int
	coasted  int
}

// NewKalmanTracker returns an uninitialised tracker.
func NewKalmanTracker(maxCoast int) *KalmanTracker {
	if maxCoast < 1 {
		maxCoast = 1
	}
	return &KalmanTracker{maxCoast: maxCoast}
}

// Init seeds the filter on first use and corrects it afterwards, so
// repeated detections of the same track teach it a velocity.
func (k *KalmanTracker) Init(_ gocv.Mat, box image.Rectangle) bool {
	if box.Empty() {
		return false
	}
	cx, cy := geom.Center(box)
	w, h := float64(box.Dx()), float64(box.Dy())

	k.coasted = 0
	if k.kf != nil {
		if err := k.kf.Update(cx, cy, w, h); err == nil {
			return true
		}
	}
	k.kf = kalman_filter.NewKalmanBBox(
		1.0, 0, 0, 0, 0,
		2.0, 0.1, 0.1, 0.1, 0.1,
		kalman_filter.WithStateBBox(cx, cy, w, h),
	)
	return true
}

// Update advances the filter by one frame.
func (k *KalmanTracker) Update(_ gocv.Mat) (image.Rectangle, bool) {
	if k.kf == nil {
		return image.Rectangle{}, false
	}
	k.kf.Predict()
	k.coasted++
	cx, cy, w, h := k.kf.GetState()
	box := geom.FromCenter(cx, cy, w, h)
	if k.coasted > k.maxCoast || box.Empty() {
		return box, false
	}
	return box, true
}

// Close drops the filter state.
func (k *KalmanTracker) Close() error {
	k.kf = nil
	return nil
}
