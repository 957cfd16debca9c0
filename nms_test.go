package mtcnn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNMS_SingleBoxIsKept(t *testing.T) {
	boxes := []Box{{X1: 10, Y1: 10, X2: 30, Y2: 30, Score: 0.9}}

	assert.Equal(t, []int{0}, nms(boxes, 0.5, nmsUnion))
	assert.Equal(t, []int{0}, nms(boxes, 0.5, nmsMin))
	assert.Empty(t, nms(nil, 0.5, nmsUnion))
}

func TestNMS_SuppressesOverlappingLowerScores(t *testing.T) {
	assert := assert.New(t)

	boxes := []Box{
		{X1: 0, Y1: 0, X2: 9, Y2: 9, Score: 0.9},
		{X1: 1, Y1: 1, X2: 10, Y2: 10, Score: 0.8},
		{X1: 50, Y1: 50, X2: 59, Y2: 59, Score: 0.7},
	}

	// The nested pair overlaps at 81/119, well above 0.5, so only the
	// stronger of the two survives alongside the distant box.
	keep := nms(boxes, 0.5, nmsUnion)
	assert.Equal([]int{0, 2}, keep)

	// Raising the threshold above their overlap keeps all three.
	keep = nms(boxes, 0.7, nmsUnion)
	assert.Equal([]int{0, 1, 2}, keep)
}

func TestNMS_KeptCountGrowsWithThreshold(t *testing.T) {
	boxes := []Box{
		{X1: 0, Y1: 0, X2: 19, Y2: 19, Score: 0.9},
		{X1: 2, Y1: 2, X2: 21, Y2: 21, Score: 0.6},
		{X1: 5, Y1: 5, X2: 24, Y2: 24, Score: 0.8},
		{X1: 10, Y1: 0, X2: 29, Y2: 19, Score: 0.5},
		{X1: 40, Y1: 40, X2: 59, Y2: 59, Score: 0.7},
		{X1: 42, Y1: 38, X2: 61, Y2: 57, Score: 0.4},
	}

	prev := 0
	for _, threshold := range []float64{0.1, 0.3, 0.5, 0.7, 0.9} {
		kept := len(nms(boxes, threshold, nmsUnion))
		assert.GreaterOrEqual(t, kept, prev)
		prev = kept
	}
	assert.Equal(t, len(boxes), len(nms(boxes, 0.99, nmsUnion)))
}

func TestNMS_IsIdempotentOnItsOwnOutput(t *testing.T) {
	assert := assert.New(t)

	boxes := []Box{
		{X1: 0, Y1: 0, X2: 19, Y2: 19, Score: 0.9},
		{X1: 4, Y1: 4, X2: 23, Y2: 23, Score: 0.7},
		{X1: 30, Y1: 0, X2: 49, Y2: 19, Score: 0.8},
		{X1: 33, Y1: 2, X2: 52, Y2: 21, Score: 0.6},
		{X1: 0, Y1: 40, X2: 19, Y2: 59, Score: 0.5},
	}

	keep := nms(boxes, 0.4, nmsUnion)
	survivors := make([]Box, 0, len(keep))
	for _, idx := range keep {
		survivors = append(survivors, boxes[idx])
	}

	// A second pass over the survivors suppresses nothing.
	again := nms(survivors, 0.4, nmsUnion)
	assert.Equal(len(survivors), len(again))
	for i, idx := range again {
		assert.Equal(i, idx)
	}
}

func TestNMS_MinModeSuppressesNestedBoxes(t *testing.T) {
	boxes := []Box{
		{X1: 0, Y1: 0, X2: 19, Y2: 19, Score: 0.9},
		{X1: 5, Y1: 5, X2: 9, Y2: 9, Score: 0.8},
	}

	// The nested box covers 25/400 of the union but all of its own area,
	// so only min mode treats it as a duplicate.
	assert.Equal(t, []int{0, 1}, nms(boxes, 0.5, nmsUnion))
	assert.Equal(t, []int{0}, nms(boxes, 0.5, nmsMin))
}

func TestNMS_OverlapAtThresholdSurvives(t *testing.T) {
	// Exactly half of each box overlaps the other, so the min mode ratio
	// is exactly 0.5 and suppression requires strictly greater overlap.
	boxes := []Box{
		{X1: 0, Y1: 0, X2: 9, Y2: 9, Score: 0.9},
		{X1: 5, Y1: 0, X2: 14, Y2: 9, Score: 0.8},
	}

	assert.Equal(t, []int{0, 1}, nms(boxes, 0.5, nmsMin))
	assert.Equal(t, []int{0}, nms(boxes, 0.49, nmsMin))
}

func TestNMS_EqualScoresResolveDeterministically(t *testing.T) {
	boxes := []Box{
		{X1: 0, Y1: 0, X2: 9, Y2: 9, Score: 0.5},
		{X1: 1, Y1: 1, X2: 10, Y2: 10, Score: 0.5},
	}

	first := nms(boxes, 0.3, nmsUnion)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, nms(boxes, 0.3, nmsUnion))
	}
	assert.Equal(t, 1, len(first))
}

func TestNMS_DisjointBoxesNeverOverlap(t *testing.T) {
	a := Box{X1: 0, Y1: 0, X2: 9, Y2: 9}
	b := Box{X1: 20, Y1: 20, X2: 29, Y2: 29}

	assert.Zero(t, overlap(a, b, nmsUnion))
	assert.Zero(t, overlap(a, b, nmsMin))
	assert.InDelta(t, 1.0, overlap(a, a, nmsUnion), 1e-9)
}
