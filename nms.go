package mtcnn

import (
	"sort"

	"github.com/esimov/mtcnn/utils"
)

// Overlap modes supported by the non-maximum suppression.
const (
	nmsUnion = "union"
	nmsMin   = "min"
)

// nms runs a greedy non-maximum suppression over the scored boxes and returns
// the indices of the kept boxes, highest score first. Each round keeps the
// highest scoring remaining box and discards every remaining box overlapping
// it strictly above the threshold; boxes exactly at the threshold survive.
// Equal scores are resolved by the insertion order of the boxes, which keeps
// the output deterministic.
func nms(boxes []Box, threshold float64, mode string) []int {
	keep := make([]int, 0, len(boxes))
	if len(boxes) <= 1 {
		for i := range boxes {
			keep = append(keep, i)
		}
		return keep
	}

	// Sort the box indices by ascending score and consume them from the back
	// of the list, so the highest scores are processed first.
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return boxes[order[i]].Score < boxes[order[j]].Score
	})

	for len(order) > 0 {
		last := len(order) - 1
		cur := order[last]
		order = order[:last]
		keep = append(keep, cur)

		rem := order[:0]
		for _, idx := range order {
			if overlap(boxes[cur], boxes[idx], mode) <= threshold {
				rem = append(rem, idx)
			}
		}
		order = rem
	}
	return keep
}

// overlap computes the overlap ratio between two boxes: the intersection over
// the union for the "union" mode and the intersection over the smaller of the
// two areas for the "min" mode. The areas follow the inclusive pixel convention.
func overlap(a, b Box, mode string) float64 {
	ix1 := utils.Max(a.X1, b.X1)
	iy1 := utils.Max(a.Y1, b.Y1)
	ix2 := utils.Min(a.X2, b.X2)
	iy2 := utils.Min(a.Y2, b.Y2)

	iw := utils.Max(ix2-ix1+1, 0)
	ih := utils.Max(iy2-iy1+1, 0)

	inter := float64(iw) * float64(ih)
	if inter == 0 {
		return 0
	}

	if mode == nmsMin {
		return inter / float64(utils.Min(a.area(), b.area()))
	}
	return inter / (float64(a.area()) + float64(b.area()) - inter)
}
