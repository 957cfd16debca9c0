package mtcnn

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"math"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

// iouOracleNet mimics an ideal proposal network: every scan window scores the
// overlap between its back projected region and a fixed target box, so grid
// positions covering the target light up and the background stays silent.
type iouOracleNet struct {
	origWidth int
	target    Box
}

func (n *iouOracleNet) Forward(in *Tensor) (*Tensor, *Tensor, error) {
	scale := float64(in.Width) / float64(n.origWidth)
	mapH := (in.Height-cellSize)/stride + 1
	mapW := (in.Width-cellSize)/stride + 1

	probs := NewTensor(1, mapH, mapW)
	offsets := NewTensor(4, mapH, mapW)
	for i := 0; i < mapH; i++ {
		for j := 0; j < mapW; j++ {
			window := Box{
				X1: float32(math.Round(float64(j*stride) / scale)),
				Y1: float32(math.Round(float64(i*stride) / scale)),
				X2: float32(math.Round(float64(j*stride+cellSize-1) / scale)),
				Y2: float32(math.Round(float64(i*stride+cellSize-1) / scale)),
			}
			probs.Set(0, i, j, float32(overlap(window, n.target, nmsUnion)))
		}
	}
	return probs, offsets, nil
}

// brightnessNet mimics the crop scoring networks: a crop scores its mean
// pixel intensity, so crops filled by a bright object approach 1 while crops
// of mostly dark background approach 0.
type brightnessNet struct {
	landmark Landmark
}

func (n *brightnessNet) Forward(crops []*Tensor) ([]Prediction, error) {
	preds := make([]Prediction, len(crops))
	for i, crop := range crops {
		preds[i] = Prediction{Score: meanBrightness(crop), Landmark: n.landmark}
	}
	return preds, nil
}

// meanBrightness recovers the average [0,1] intensity from a normalized crop.
func meanBrightness(t *Tensor) float32 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)/0.0078125/255 + 0.5
	}
	return float32(sum / float64(len(t.Data)))
}

type zeroProposalNet struct{}

func (zeroProposalNet) Forward(in *Tensor) (*Tensor, *Tensor, error) {
	mapH := (in.Height-cellSize)/stride + 1
	mapW := (in.Width-cellSize)/stride + 1
	return NewTensor(1, mapH, mapW), NewTensor(4, mapH, mapW), nil
}

type failProposalNet struct{}

func (failProposalNet) Forward(*Tensor) (*Tensor, *Tensor, error) {
	return nil, nil, errors.New("proposal run not expected")
}

type failBatchNet struct{}

func (failBatchNet) Forward([]*Tensor) ([]Prediction, error) {
	return nil, errors.New("batch run not expected")
}

type shortBatchNet struct{}

func (shortBatchNet) Forward([]*Tensor) ([]Prediction, error) {
	return nil, nil
}

// rawSoftmaxNet returns the full two channel softmax map instead of the
// extracted face channel.
type rawSoftmaxNet struct{}

func (rawSoftmaxNet) Forward(in *Tensor) (*Tensor, *Tensor, error) {
	mapH := (in.Height-cellSize)/stride + 1
	mapW := (in.Width-cellSize)/stride + 1
	return NewTensor(2, mapH, mapW), NewTensor(4, mapH, mapW), nil
}

// testImage draws a white rectangle over a black background.
func testImage(w, h int, bright image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(img, bright, image.White, image.Point{}, draw.Src)
	return img
}

func brightSquareDetector(t *testing.T, marks Landmark) *Detector {
	det, err := NewDetector(
		&iouOracleNet{origWidth: 100, target: Box{X1: 30, Y1: 30, X2: 69, Y2: 69}},
		&brightnessNet{},
		&brightnessNet{landmark: marks},
		&DetectorOptions{Concurrency: 4},
	)
	assert.NoError(t, err)
	return det
}

func TestDetector_DetectsBrightSquareRegion(t *testing.T) {
	assert := assert.New(t)

	marksLayout := Landmark{
		X: [5]float32{0.3, 0.7, 0.5, 0.35, 0.65},
		Y: [5]float32{0.3, 0.3, 0.5, 0.7, 0.7},
	}
	det := brightSquareDetector(t, marksLayout)
	img := testImage(100, 100, image.Rect(30, 30, 70, 70))

	faces, marks, err := det.Detect(img)
	assert.NoError(err)
	assert.Equal(1, len(faces))
	assert.Equal(1, len(marks))

	// The strongest proposal window snaps onto the square; weaker windows at
	// other positions and scales are suppressed or rescored away.
	box := faces[0]
	assert.InDelta(33, box.X1, 1e-3)
	assert.InDelta(33, box.Y1, 1e-3)
	assert.InDelta(70, box.X2, 1e-3)
	assert.InDelta(70, box.Y2, 1e-3)
	assert.Greater(box.Score, float32(0.85))

	// The landmark layout is reprojected through the box geometry.
	for k := 0; k < 5; k++ {
		wantX := box.X1 + box.Width()*marksLayout.X[k]
		wantY := box.Y1 + box.Height()*marksLayout.Y[k]
		assert.InDelta(wantX, marks[0].X[k], 1e-3)
		assert.InDelta(wantY, marks[0].Y[k], 1e-3)

		assert.GreaterOrEqual(marks[0].X[k], box.X1)
		assert.LessOrEqual(marks[0].X[k], box.X2)
		assert.GreaterOrEqual(marks[0].Y[k], box.Y1)
		assert.LessOrEqual(marks[0].Y[k], box.Y2)
	}
}

func TestDetector_ResultsAreDeterministic(t *testing.T) {
	det := brightSquareDetector(t, Landmark{})
	img := testImage(100, 100, image.Rect(30, 30, 70, 70))

	firstFaces, firstMarks, err := det.Detect(img)
	assert.NoError(t, err)
	assert.NotEmpty(t, firstFaces)

	for i := 0; i < 5; i++ {
		faces, marks, err := det.Detect(img)
		assert.NoError(t, err)
		assert.Equal(t, firstFaces, faces)
		assert.Equal(t, firstMarks, marks)
	}
}

func TestDetector_BlankImageYieldsNoDetections(t *testing.T) {
	det, err := NewDetector(zeroProposalNet{}, failBatchNet{}, failBatchNet{}, nil)
	assert.NoError(t, err)

	faces, marks, err := det.Detect(image.NewNRGBA(image.Rect(0, 0, 100, 100)))
	assert.NoError(t, err)
	assert.Empty(t, faces)
	assert.Empty(t, marks)
}

func TestDetector_TinyImageSkipsTheNetworks(t *testing.T) {
	det, err := NewDetector(failProposalNet{}, failBatchNet{}, failBatchNet{}, nil)
	assert.NoError(t, err)

	// A 20px minimum dimension lands exactly on the detection window size
	// after the first rescale, so the pyramid is empty and no network runs.
	faces, marks, err := det.Detect(image.NewNRGBA(image.Rect(0, 0, 20, 40)))
	assert.NoError(t, err)
	assert.Empty(t, faces)
	assert.Empty(t, marks)
}

func TestDetector_ShouldRejectInvalidImages(t *testing.T) {
	det := brightSquareDetector(t, Landmark{})

	_, _, err := det.Detect(nil)
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, _, err = det.Detect(image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestDetector_CanceledContextStopsTheCascade(t *testing.T) {
	det := brightSquareDetector(t, Landmark{})
	img := testImage(100, 100, image.Rect(30, 30, 70, 70))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	faces, marks, err := det.DetectContext(ctx, img)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, faces)
	assert.Empty(t, marks)
}

func TestDetector_MismatchedPredictionCountIsAnError(t *testing.T) {
	det, err := NewDetector(
		&iouOracleNet{origWidth: 100, target: Box{X1: 30, Y1: 30, X2: 69, Y2: 69}},
		shortBatchNet{},
		failBatchNet{},
		nil,
	)
	assert.NoError(t, err)

	_, _, err = det.Detect(testImage(100, 100, image.Rect(30, 30, 70, 70)))
	assert.ErrorContains(t, err, "refinement network")
}

func TestDetector_TwoChannelProbabilityMapIsAnError(t *testing.T) {
	det, err := NewDetector(rawSoftmaxNet{}, failBatchNet{}, failBatchNet{}, nil)
	assert.NoError(t, err)

	// A backend handing over the raw softmax pair must be rejected, not
	// silently read at the wrong channel.
	_, _, err = det.Detect(image.NewNRGBA(image.Rect(0, 0, 100, 100)))
	assert.ErrorContains(t, err, "mismatched output maps")
}

func TestDetector_DefaultOptions(t *testing.T) {
	assert := assert.New(t)

	det, err := NewDetector(zeroProposalNet{}, failBatchNet{}, failBatchNet{}, nil)
	assert.NoError(err)

	opts := det.Options()
	assert.Equal(20.0, opts.MinFaceSize)
	assert.Equal([3]float64{0.6, 0.7, 0.8}, opts.Thresholds)
	assert.Equal([3]float64{0.7, 0.7, 0.7}, opts.NMSThresholds)
	assert.Equal(runtime.NumCPU(), opts.Concurrency)

	// Partial options keep the remaining defaults.
	det, err = NewDetector(zeroProposalNet{}, failBatchNet{}, failBatchNet{}, &DetectorOptions{MinFaceSize: 40})
	assert.NoError(err)
	assert.Equal(40.0, det.Options().MinFaceSize)
	assert.Equal([3]float64{0.6, 0.7, 0.8}, det.Options().Thresholds)
}

func TestDetector_OptionValidation(t *testing.T) {
	assert := assert.New(t)

	_, err := NewDetector(nil, failBatchNet{}, failBatchNet{}, nil)
	assert.Error(err)

	_, err = NewDetector(zeroProposalNet{}, failBatchNet{}, failBatchNet{}, &DetectorOptions{MinFaceSize: -1})
	assert.Error(err)

	_, err = NewDetector(zeroProposalNet{}, failBatchNet{}, failBatchNet{}, &DetectorOptions{Thresholds: [3]float64{1.5, 0.7, 0.8}})
	assert.Error(err)

	_, err = NewDetector(zeroProposalNet{}, failBatchNet{}, failBatchNet{}, &DetectorOptions{NMSThresholds: [3]float64{-0.1, 0.7, 0.7}})
	assert.Error(err)
}
