package mtcnn

import "math"

const (
	// minDetectionSize is the smallest face the proposal network can score,
	// set by its receptive field.
	minDetectionSize = 12.0
	// scaleFactor is the downscale step between two consecutive pyramid
	// levels, roughly the square root of 0.5.
	scaleFactor = 0.707
)

// scalePyramid returns the geometric scale sequence used to rescan the image
// for faces of decreasing size, largest scale first. Scaling the image by the
// first element maps faces of minFaceSize onto the detection window of the
// proposal network; every further element halves the covered image area. The
// sequence is empty when the image is too small to fit a single detection
// window over a face of minFaceSize.
func scalePyramid(minDim, minFaceSize float64) []float64 {
	var scales []float64

	m := minDetectionSize / minFaceSize
	minLength := minDim * m

	for k := 0; minLength > minDetectionSize; k++ {
		scales = append(scales, m*math.Pow(scaleFactor, float64(k)))
		minLength *= scaleFactor
	}
	return scales
}
