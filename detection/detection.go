package detection

import (
	"image"
	"strings"

	"anoncam/mask"
)

// PersonClassName is the label the pipeline anonymizes.
const PersonClassName = "person"

// DefaultPersonClassID is the COCO person index, used when no class table is loaded.
const DefaultPersonClassID = 0

// Detection is one object found in a frame.
type Detection struct {
	Box        image.Rectangle
	Confidence float64
	ClassID    int
	Mask       *mask.Mask // segmentation mask when the model provides one
}

// DetectionResult represents the output of object detection
type DetectionResult struct {
	Detections []Detection
	ClassNames []string
}

// ClassName returns the label for id, or "" when unknown.
func (r *DetectionResult) ClassName(id int) string {
	if r == nil || id < 0 || id >= len(r.ClassNames) {
		return ""
	}
	return r.ClassNames[id]
}

// PersonClassID finds "person" in a class table, falling back to the COCO index.
func PersonClassID(names []string) int {
	for i, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), PersonClassName) {
			return i
		}
	}
	return DefaultPersonClassID
}

// OfClass returns the detections with the given class id.
func (r *DetectionResult) OfClass(id int) []Detection {
	if r == nil {
		return nil
	}
	var out []Detection
	for _, d := range r.Detections {
		if d.ClassID == id {
			out = append(out, d)
		}
	}
	return out
}
