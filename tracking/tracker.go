package tracking

import (
	"image"
	"strings"

	"gocv.io/x/gocv"
	"gocv.io/x/gocv/contrib"

	"anoncam/logger"
)

// Tracker follows one object between detections. gocv.Tracker satisfies it.
type Tracker interface {
	Init(frame gocv.Mat, box image.Rectangle) bool
	Update(frame gocv.Mat) (image.Rectangle, bool)
	Close() error
}

// Factory creates a fresh tracker for a new track.
type Factory func() (Tracker, error)

// Tracker type names accepted by NewFactory.
const (
	TypeKCF    = "KCF"
	TypeCSRT   = "CSRT"
	TypeMIL    = "MIL"
	TypeKalman = "KALMAN"
)

// NewFactory returns a factory for the named tracker type. Unknown names
// fall back to KCF. maxCoast only applies to the KALMAN type.
func NewFactory(kind string, maxCoast int, log *logger.Logger) Factory {
	switch strings.ToUpper(kind) {
	case TypeKCF:
		return kcf
	case TypeCSRT:
		return func() (Tracker, error) { return contrib.NewTrackerCSRT(), nil }
	case TypeMIL:
		return func() (Tracker, error) { return gocv.NewTrackerMIL(), nil }
	case TypeKalman:
		return func() (Tracker, error) { return NewKalmanTracker(maxCoast), nil }
	default:
		log.Warn("unknown tracker type, using KCF", "tracker_type", kind)
		return kcf
	}
}

func kcf() (Tracker, error) {
	return contrib.NewTrackerKCF(), nil
}
