package detection

import (
	"image"
	"sort"

	"gocv.io/x/gocv"
)

// suppress runs non-maximum suppression separately for every class. Of any
// two detections of the same class overlapping by more than iouThreshold,
// the weaker one is dropped. The result is ordered by descending confidence.
func suppress(dets []Detection, iouThreshold float64) []Detection {
	kept := make([]Detection, 0, len(dets))
	for _, i := range suppressIndices(dets, iouThreshold) {
		kept = append(kept, dets[i])
	}
	return kept
}

// suppressIndices is suppress returning indices into dets.
func suppressIndices(dets []Detection, iouThreshold float64) []int {
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Confidence > dets[order[b]].Confidence
	})

	byClass := make(map[int][]int)
	for _, i := range order {
		byClass[dets[i].ClassID] = append(byClass[dets[i].ClassID], i)
	}

	keep := make([]bool, len(dets))
	for _, members := range byClass {
		boxes := make([]image.Rectangle, len(members))
		scores := make([]float32, len(members))
		for k, i := range members {
			boxes[k] = dets[i].Box
			scores[k] = float32(dets[i].Confidence)
		}
		for _, k := range gocv.NMSBoxes(boxes, scores, 0, float32(iouThreshold)) {
			keep[members[k]] = true
		}
	}

	kept := make([]int, 0, len(dets))
	for _, i := range order {
		if keep[i] {
			kept = append(kept, i)
		}
	}
	return kept
}
