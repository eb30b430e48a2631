package tracking

import (
	"image"

	"anoncam/mask"
)

// Untracked is the track id of a region that has no track behind it.
const Untracked = -1

// Region is a candidate human region for one frame. Snapshots handed out by
// the manager are copies; mutating them does not affect the tracks.
type Region struct {
	Box        image.Rectangle
	Mask       *mask.Mask // optional, any resolution
	MaskBox    image.Rectangle
	ClassID    int
	Confidence float64
	TrackID    int
	LastSeen   int
}

// Track is a Region persisted across frames with a tracker attached.
type Track struct {
	Region
	tracker Tracker
}

// Snapshot returns a copy of the track's region.
func (t *Track) Snapshot() Region {
	return t.Region
}

func (t *Track) release() {
	if t.tracker != nil {
		_ = t.tracker.Close()
		t.tracker = nil
	}
}
