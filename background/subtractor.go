package background

import (
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Subtractor is a background-subtraction primitive. Apply feeds a frame
// into the model and writes the foreground mask (CV_8UC1, 255 = moving)
// into fg when fg is non-nil. A negative learning rate asks for the model
// to be rebuilt from this frame.
type Subtractor interface {
	Apply(frame gocv.Mat, learningRate float64, fg *gocv.Mat) error
	Close() error
}

// BackgroundImager is implemented by subtractors that can render their
// current background estimate.
type BackgroundImager interface {
	BackgroundImage(dst *gocv.Mat) error
}

// Method names accepted by NewSubtractor.
const (
	MethodAverage = "AVG"
	MethodMOG2    = "MOG2"
	MethodKNN     = "KNN"
)

// NewSubtractor builds the named subtractor. A zero threshold selects the
// method's default.
func NewSubtractor(method string, history int, threshold float64) (Subtractor, error) {
	switch strings.ToUpper(method) {
	case MethodAverage:
		if threshold <= 0 {
			threshold = 30
		}
		return NewRunningAverage(threshold), nil
	case MethodMOG2:
		if threshold <= 0 {
			threshold = 16
		}
		return NewMOG2(history, threshold), nil
	case MethodKNN:
		if threshold <= 0 {
			threshold = 400
		}
		return NewKNN(history, threshold), nil
	default:
		return nil, errors.Errorf("unknown background method %q", method)
	}
}

// RunningAverage keeps a float exponential moving average of the frames
// and flags pixels that differ from it by more than a fixed threshold.
// It honours the learning rate and can render its background.
type RunningAverage struct {
	model     gocv.Mat // CV_32FC3
	threshold float64
}

// NewRunningAverage returns an empty model.
func NewRunningAverage(threshold float64) *RunningAverage {
	return &RunningAverage{model: gocv.NewMat(), threshold: threshold}
}

// Apply updates the average. Rates above 1 are treated as 1, and a rate
// of 0 only computes the foreground.
func (a *RunningAverage) Apply(frame gocv.Mat, learningRate float64, fg *gocv.Mat) error {
	if frame.Empty() || frame.Type() != gocv.MatTypeCV8UC3 {
		return errors.New("running average needs a non-empty BGR frame")
	}
	current := gocv.NewMat()
	defer current.Close()
	frame.ConvertTo(&current, gocv.MatTypeCV32FC3)

	reseed := a.model.Empty() || learningRate < 0 ||
		a.model.Rows() != frame.Rows() || a.model.Cols() != frame.Cols()
	if reseed {
		current.CopyTo(&a.model)
		if fg != nil {
			zero := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), frame.Rows(), frame.Cols(), gocv.MatTypeCV8UC1)
			zero.CopyTo(fg)
			zero.Close()
		}
		return nil
	}

	if fg != nil {
		bg := gocv.NewMat()
		defer bg.Close()
		a.model.ConvertTo(&bg, gocv.MatTypeCV8UC3)

		diff := gocv.NewMat()
		defer diff.Close()
		gocv.AbsDiff(frame, bg, &diff)

		gray := gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(diff, &gray, gocv.ColorBGRToGray)
		gocv.Threshold(gray, fg, float32(a.threshold), 255, gocv.ThresholdBinary)
	}

	if learningRate > 0 {
		if learningRate > 1 {
			learningRate = 1
		}
		gocv.AddWeighted(a.model, 1-learningRate, current, learningRate, 0, &a.model)
	}
	return nil
}

// BackgroundImage renders the average as CV_8UC3.
func (a *RunningAverage) BackgroundImage(dst *gocv.Mat) error {
	if a.model.Empty() {
		return errors.New("running average has no frames yet")
	}
	a.model.ConvertTo(dst, gocv.MatTypeCV8UC3)
	return nil
}

// Close releases the model.
func (a *RunningAverage) Close() error {
	return a.model.Close()
}

// MOG2 adapts gocv's Gaussian-mixture subtractor. The binding always uses
// OpenCV's automatic learning rate, so the requested rate is ignored, and
// it has no background image accessor.
type MOG2 struct {
	bs gocv.BackgroundSubtractorMOG2
}

// NewMOG2 returns a MOG2 subtractor without shadow detection.
func NewMOG2(history int, varThreshold float64) *MOG2 {
	return &MOG2{bs: gocv.NewBackgroundSubtractorMOG2WithParams(history, varThreshold, false)}
}

func (m *MOG2) Apply(frame gocv.Mat, _ float64, fg *gocv.Mat) error {
	return applyInto(frame, fg, m.bs.Apply)
}

func (m *MOG2) Close() error {
	return m.bs.Close()
}

// KNN adapts gocv's k-nearest-neighbours subtractor. Same learning rate
// caveat as MOG2.
type KNN struct {
	bs gocv.BackgroundSubtractorKNN
}

// NewKNN returns a KNN subtractor without shadow detection.
func NewKNN(history int, dist2Threshold float64) *KNN {
	return &KNN{bs: gocv.NewBackgroundSubtractorKNNWithParams(history, dist2Threshold, false)}
}

func (k *KNN) Apply(frame gocv.Mat, _ float64, fg *gocv.Mat) error {
	return applyInto(frame, fg, k.bs.Apply)
}

func (k *KNN) Close() error {
	return k.bs.Close()
}

func applyInto(frame gocv.Mat, fg *gocv.Mat, apply func(gocv.Mat, *gocv.Mat)) error {
	if frame.Empty() {
		return errors.New("empty frame")
	}
	if fg != nil {
		apply(frame, fg)
		return nil
	}
	scratch := gocv.NewMat()
	defer scratch.Close()
	apply(frame, &scratch)
	return nil
}
