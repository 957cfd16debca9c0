package mtcnn

import (
	"math"

	"github.com/esimov/mtcnn/utils"
)

// Box is a candidate face region in absolute image coordinates with its
// confidence score. The coordinates follow the inclusive pixel convention:
// the box covers the pixel columns [X1,X2] and rows [Y1,Y2].
type Box struct {
	X1, Y1, X2, Y2 float32
	Score          float32
}

// Width returns the box width under the inclusive pixel convention.
func (b Box) Width() float32 {
	return b.X2 - b.X1 + 1
}

// Height returns the box height under the inclusive pixel convention.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1 + 1
}

// area returns the number of pixels covered by the box.
func (b Box) area() float32 {
	return b.Width() * b.Height()
}

// Offset holds the box regression deltas predicted by a network for the four
// box corners, expressed relative to the box size. An offset is applied to
// its box exactly once, then discarded.
type Offset struct {
	DX1, DY1, DX2, DY2 float32
}

// Landmark holds the five facial landmark points of a detected face. The
// networks predict the points in box relative normalized coordinates, the
// cascade reprojects them into absolute image coordinates before returning.
type Landmark struct {
	X [5]float32
	Y [5]float32
}

// candidate bundles a box with its regression offsets and landmark points.
// The cascade filters and reorders candidates as a whole, which keeps the
// three parts index aligned through every suppression and threshold step.
type candidate struct {
	box      Box
	offset   Offset
	landmark Landmark
}

// calibrate shifts the box corners by the regression deltas, proportionally
// to the box size. The score is left untouched.
func calibrate(b Box, off Offset) Box {
	w, h := b.Width(), b.Height()

	return Box{
		X1:    b.X1 + off.DX1*w,
		Y1:    b.Y1 + off.DY1*h,
		X2:    b.X2 + off.DX2*w,
		Y2:    b.Y2 + off.DY2*h,
		Score: b.Score,
	}
}

// square converts the box to a square of side max(width, height), keeping the
// box centered on its original center and preserving the score.
func square(b Box) Box {
	w, h := b.Width(), b.Height()
	side := utils.Max(w, h)

	nb := Box{Score: b.Score}
	nb.X1 = b.X1 + w*0.5 - side*0.5
	nb.Y1 = b.Y1 + h*0.5 - side*0.5
	nb.X2 = nb.X1 + side - 1
	nb.Y2 = nb.Y1 + side - 1

	return nb
}

// roundBox rounds the box corners to the nearest integer coordinates.
func roundBox(b Box) Box {
	return Box{
		X1:    float32(math.Round(float64(b.X1))),
		Y1:    float32(math.Round(float64(b.Y1))),
		X2:    float32(math.Round(float64(b.X2))),
		Y2:    float32(math.Round(float64(b.Y2))),
		Score: b.Score,
	}
}

// boxesOf returns the boxes of the candidate set as a flat slice.
func boxesOf(cands []candidate) []Box {
	boxes := make([]Box, len(cands))
	for i, c := range cands {
		boxes[i] = c.box
	}
	return boxes
}

// filter compacts the candidate set to the given indices, preserving their order.
func filter(cands []candidate, keep []int) []candidate {
	out := make([]candidate, len(keep))
	for i, idx := range keep {
		out[i] = cands[idx]
	}
	return out
}
