// Package fusion merges per-frame detections with tracker predictions into
// the set of regions that get anonymized.
package fusion

import (
	"image"

	"anoncam/detection"
	"anoncam/geom"
	"anoncam/mask"
	"anoncam/tracking"
)

// Input is everything fusion needs for one frame.
type Input struct {
	Result      *detection.DetectionResult
	PersonClass int
	// TrackIDs maps an index into Result.Detections to the track it joined.
	TrackIDs   map[int]int
	Tracks     []tracking.Region
	FrameIndex int
	FrameSize  image.Point
}

// Output holds the regions to anonymize and, in debug mode, every
// detection for visualization.
type Output struct {
	Active []tracking.Region
	Debug  []tracking.Region
}

// Boxes returns the boxes of the active regions.
func (o Output) Boxes() []image.Rectangle {
	boxes := make([]image.Rectangle, 0, len(o.Active))
	for _, r := range o.Active {
		boxes = append(boxes, r.Box)
	}
	return boxes
}

// Masks returns the masks of the active regions.
func (o Output) Masks() []*mask.Mask {
	masks := make([]*mask.Mask, 0, len(o.Active))
	for _, r := range o.Active {
		masks = append(masks, r.Mask)
	}
	return masks
}

// Fuse builds the active regions for a frame. Person detections come first,
// each tagged with its track id. Tracks not re-confirmed this frame add
// their predicted region. No two active regions share a track id, and every
// active region carries a mask.
func Fuse(in Input, debug bool) Output {
	var out Output
	seen := make(map[int]bool)

	if in.Result != nil {
		for i, d := range in.Result.Detections {
			box := geom.Clip(d.Box, in.FrameSize)
			if box.Empty() {
				continue
			}
			id, tracked := in.TrackIDs[i]
			if !tracked {
				id = tracking.Untracked
			}
			r := tracking.Region{
				Box:        box,
				Mask:       d.Mask,
				MaskBox:    box,
				ClassID:    d.ClassID,
				Confidence: d.Confidence,
				TrackID:    id,
				LastSeen:   in.FrameIndex,
			}
			if r.Mask == nil {
				r.Mask = mask.FromBox(in.FrameSize, box, mask.SourceBox)
			}

			if debug {
				out.Debug = append(out.Debug, r)
			}
			if d.ClassID != in.PersonClass {
				continue
			}
			if tracked {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			out.Active = append(out.Active, r)
		}
	}

	for _, t := range in.Tracks {
		if seen[t.TrackID] || t.LastSeen >= in.FrameIndex {
			continue
		}
		box := geom.Clip(t.Box, in.FrameSize)
		if box.Empty() {
			continue
		}
		seen[t.TrackID] = true
		r := t
		r.Box = box
		r.Mask = predictedMask(t, box, in.FrameSize)
		out.Active = append(out.Active, r)
	}
	return out
}

// predictedMask moves a track's stored mask along with its box. Masks not
// at frame resolution cannot be shifted in pixel space, so the box is used.
func predictedMask(t tracking.Region, box image.Rectangle, frame image.Point) *mask.Mask {
	if t.Mask == nil || t.Mask.Size() != frame || t.MaskBox.Empty() {
		return mask.FromBox(frame, box, mask.SourceTracker)
	}
	if t.MaskBox == box {
		return t.Mask
	}
	d := box.Min.Sub(t.MaskBox.Min)
	moved := t.Mask.Translate(d.X, d.Y)
	moved.Source = mask.SourceTracker
	return moved
}
