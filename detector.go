package mtcnn

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/esimov/mtcnn/utils"
)

// The receptive field geometry of the proposal network: the network scores
// one cellSize wide window for every stride step over the rescaled image.
const (
	cellSize = 12
	stride   = 2
)

// Crop sizes consumed by the refinement and the output network.
const (
	refineSize = 24
	outputSize = 48
)

// scaleNMSThreshold is the overlap threshold of the local suppression applied
// to each pyramid scale before the cross scale merge.
const scaleNMSThreshold = 0.5

// ErrInvalidImage is returned when the source image is missing or has no pixels.
var ErrInvalidImage = errors.New("invalid source image dimensions")

// FaceDetector locates face regions and their facial landmark points on an image.
type FaceDetector interface {
	Detect(img image.Image) ([]Box, []Landmark, error)
}

var _ FaceDetector = (*Detector)(nil)

// DetectorOptions holds the tunable parameters of the detection cascade.
type DetectorOptions struct {
	// MinFaceSize is the smallest face size in pixels the cascade searches for.
	MinFaceSize float64
	// Thresholds holds the per stage face probability cutoffs. A candidate
	// needs to score strictly above the cutoff to survive the stage.
	Thresholds [3]float64
	// NMSThresholds holds the per stage overlap cutoffs of the non-maximum
	// suppression.
	NMSThresholds [3]float64
	// Concurrency caps the number of proposal network runs executed in
	// parallel. Zero or negative values fall back to the number of CPUs.
	Concurrency int
}

// Detector chains the three cascade networks into a face detector. The
// networks are consumed through their interfaces, so any backend producing
// the expected probability and regression maps can drive the cascade.
// A Detector holds no per image state and is safe for concurrent use,
// provided the injected networks are.
type Detector struct {
	pnet ProposalNet
	rnet RefineNet
	onet OutputNet
	opts DetectorOptions
}

// NewDetector instantiates a detection cascade over the three provided
// networks. Zero valued options fall back to the defaults: a minimum face
// size of 20px, stage thresholds (0.6, 0.7, 0.8) and suppression thresholds
// (0.7, 0.7, 0.7).
func NewDetector(pnet ProposalNet, rnet RefineNet, onet OutputNet, opts *DetectorOptions) (*Detector, error) {
	if pnet == nil || rnet == nil || onet == nil {
		return nil, errors.New("all three cascade networks must be provided")
	}

	o := DetectorOptions{
		MinFaceSize:   20.0,
		Thresholds:    [3]float64{0.6, 0.7, 0.8},
		NMSThresholds: [3]float64{0.7, 0.7, 0.7},
		Concurrency:   runtime.NumCPU(),
	}
	if opts != nil {
		if opts.MinFaceSize < 0 {
			return nil, fmt.Errorf("negative minimum face size: %v", opts.MinFaceSize)
		}
		if opts.MinFaceSize > 0 {
			o.MinFaceSize = opts.MinFaceSize
		}
		if opts.Thresholds != [3]float64{} {
			for _, t := range opts.Thresholds {
				if t < 0 || t > 1 {
					return nil, fmt.Errorf("stage threshold out of range: %v", t)
				}
			}
			o.Thresholds = opts.Thresholds
		}
		if opts.NMSThresholds != [3]float64{} {
			for _, t := range opts.NMSThresholds {
				if t < 0 || t > 1 {
					return nil, fmt.Errorf("suppression threshold out of range: %v", t)
				}
			}
			o.NMSThresholds = opts.NMSThresholds
		}
		if opts.Concurrency > 0 {
			o.Concurrency = opts.Concurrency
		}
	}

	return &Detector{
		pnet: pnet,
		rnet: rnet,
		onet: onet,
		opts: o,
	}, nil
}

// Options returns a copy of the effective detector options.
func (d *Detector) Options() DetectorOptions {
	return d.opts
}

// Detect runs the full cascade over the image and returns the detected face
// boxes together with their landmark points, index aligned. Both slices are
// empty when the image contains no detectable face, which is a normal
// outcome and not an error.
func (d *Detector) Detect(img image.Image) ([]Box, []Landmark, error) {
	return d.DetectContext(context.Background(), img)
}

// DetectContext runs the cascade like Detect, checking the context between
// the stages and before every proposal network run, so long running batch
// callers can cancel between the inference calls.
func (d *Detector) DetectContext(ctx context.Context, img image.Image) ([]Box, []Landmark, error) {
	if img == nil {
		return nil, nil, ErrInvalidImage
	}
	src := imgToNRGBA(img)
	width, height := src.Bounds().Dx(), src.Bounds().Dy()
	if width <= 0 || height <= 0 {
		return nil, nil, ErrInvalidImage
	}

	scales := scalePyramid(float64(utils.Min(width, height)), d.opts.MinFaceSize)
	if len(scales) == 0 {
		return nil, nil, nil
	}

	cands, err := d.proposalStage(ctx, src, scales)
	if err != nil || len(cands) == 0 {
		return nil, nil, err
	}

	cands, err = d.refineStage(ctx, src, cands)
	if err != nil || len(cands) == 0 {
		return nil, nil, err
	}

	cands, err = d.outputStage(ctx, src, cands)
	if err != nil || len(cands) == 0 {
		return nil, nil, err
	}

	boxes := make([]Box, len(cands))
	marks := make([]Landmark, len(cands))
	for i, c := range cands {
		boxes[i] = c.box
		marks[i] = c.landmark
	}
	return boxes, marks, nil
}

// proposalStage runs the proposal network once per pyramid scale and merges
// the surviving candidates into a single set, suppressed across the scales,
// calibrated and squared. The per scale runs are independent and execute in
// parallel; each run stores its result into the slot of its scale, so the
// merge order is the scale order no matter how the runs are scheduled.
func (d *Detector) proposalStage(ctx context.Context, src *image.NRGBA, scales []float64) ([]candidate, error) {
	var (
		wg      sync.WaitGroup
		results = make([][]candidate, len(scales))
		errs    = make([]error, len(scales))
	)

	sem := make(chan struct{}, d.opts.Concurrency)
	for i, scale := range scales {
		wg.Add(1)
		go func(i int, scale float64) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = d.scanScale(src, scale)
		}(i, scale)
	}
	wg.Wait()

	var cands []candidate
	for i := range results {
		if errs[i] != nil {
			return nil, errs[i]
		}
		cands = append(cands, results[i]...)
	}
	if len(cands) == 0 {
		return nil, nil
	}

	keep := nms(boxesOf(cands), d.opts.NMSThresholds[0], nmsUnion)
	cands = filter(cands, keep)

	for i, c := range cands {
		cands[i].box = roundBox(square(calibrate(c.box, c.offset)))
	}
	return cands, nil
}

// scanScale rescales the source image by the given scale, runs the proposal
// network over it and collects the grid positions scoring above the first
// stage threshold. The resulting boxes are mapped back to original image
// coordinates and suppressed locally before entering the cross scale merge.
func (d *Detector) scanScale(src *image.NRGBA, scale float64) ([]candidate, error) {
	bounds := src.Bounds()
	sw := int(math.Ceil(float64(bounds.Dx()) * scale))
	sh := int(math.Ceil(float64(bounds.Dy()) * scale))

	scaled := imaging.Resize(src, sw, sh, imaging.Linear)
	in := imageToTensor(scaled)
	normalizeTensor(in)

	probs, offsets, err := d.pnet.Forward(in)
	if err != nil {
		return nil, fmt.Errorf("proposal network: %w", err)
	}
	if probs == nil || offsets == nil || probs.Channels != 1 || offsets.Channels != 4 ||
		probs.Width != offsets.Width || probs.Height != offsets.Height {
		return nil, errors.New("proposal network returned mismatched output maps")
	}

	cands := generateCandidates(probs, offsets, scale, d.opts.Thresholds[0])
	if len(cands) <= 1 {
		return cands, nil
	}

	keep := nms(boxesOf(cands), scaleNMSThreshold, nmsUnion)
	return filter(cands, keep), nil
}

// generateCandidates emits one candidate for every spatial position of the
// probability map scoring above the threshold. The grid positions are mapped
// back to original image coordinates through the receptive field geometry of
// the proposal network and the pyramid scale of the run.
func generateCandidates(probs, offsets *Tensor, scale, threshold float64) []candidate {
	var cands []candidate

	for i := 0; i < probs.Height; i++ {
		for j := 0; j < probs.Width; j++ {
			score := probs.At(0, i, j)
			if float64(score) <= threshold {
				continue
			}

			b := Box{
				X1:    float32(math.Round(float64(j*stride) / scale)),
				Y1:    float32(math.Round(float64(i*stride) / scale)),
				X2:    float32(math.Round(float64(j*stride+cellSize-1) / scale)),
				Y2:    float32(math.Round(float64(i*stride+cellSize-1) / scale)),
				Score: score,
			}
			off := Offset{
				DX1: offsets.At(0, i, j),
				DY1: offsets.At(1, i, j),
				DX2: offsets.At(2, i, j),
				DY2: offsets.At(3, i, j),
			}
			cands = append(cands, candidate{box: b, offset: off})
		}
	}
	return cands
}

// refineStage rescores the candidates through the refinement network on
// 24x24 crops, keeps the ones passing the second stage threshold and returns
// them suppressed, calibrated and squared.
func (d *Detector) refineStage(ctx context.Context, src *image.NRGBA, cands []candidate) ([]candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	crops, kept := cropTensors(src, boxesOf(cands), refineSize)
	cands = filter(cands, kept)
	if len(cands) == 0 {
		return nil, nil
	}
	for _, crop := range crops {
		normalizeTensor(crop)
	}

	preds, err := d.rnet.Forward(crops)
	if err != nil {
		return nil, fmt.Errorf("refinement network: %w", err)
	}
	if len(preds) != len(cands) {
		return nil, fmt.Errorf("refinement network returned %d predictions for %d crops", len(preds), len(cands))
	}

	next := make([]candidate, 0, len(cands))
	for i, p := range preds {
		if float64(p.Score) <= d.opts.Thresholds[1] {
			continue
		}
		c := cands[i]
		c.box.Score = p.Score
		c.offset = p.Offset
		next = append(next, c)
	}
	if len(next) == 0 {
		return nil, nil
	}

	keep := nms(boxesOf(next), d.opts.NMSThresholds[1], nmsUnion)
	next = filter(next, keep)

	for i, c := range next {
		next[i].box = roundBox(square(calibrate(c.box, c.offset)))
	}
	return next, nil
}

// outputStage rescores the candidates through the output network on 48x48
// crops, projects the predicted landmark points into absolute image
// coordinates, calibrates the boxes and applies the final suppression in
// "min" mode, which collapses nested detections of the same face.
func (d *Detector) outputStage(ctx context.Context, src *image.NRGBA, cands []candidate) ([]candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	crops, kept := cropTensors(src, boxesOf(cands), outputSize)
	cands = filter(cands, kept)
	if len(cands) == 0 {
		return nil, nil
	}
	for _, crop := range crops {
		normalizeTensor(crop)
	}

	preds, err := d.onet.Forward(crops)
	if err != nil {
		return nil, fmt.Errorf("output network: %w", err)
	}
	if len(preds) != len(cands) {
		return nil, fmt.Errorf("output network returned %d predictions for %d crops", len(preds), len(cands))
	}

	next := make([]candidate, 0, len(cands))
	for i, p := range preds {
		if float64(p.Score) <= d.opts.Thresholds[2] {
			continue
		}
		c := cands[i]
		c.box.Score = p.Score
		c.offset = p.Offset
		c.landmark = p.Landmark
		next = append(next, c)
	}
	if len(next) == 0 {
		return nil, nil
	}

	// The landmark points are predicted relative to the box, so they are
	// projected through the box geometry before the final calibration
	// changes it.
	for i, c := range next {
		w, h := c.box.Width(), c.box.Height()
		for k := 0; k < 5; k++ {
			next[i].landmark.X[k] = c.box.X1 + w*c.landmark.X[k]
			next[i].landmark.Y[k] = c.box.Y1 + h*c.landmark.Y[k]
		}
	}
	for i, c := range next {
		next[i].box = calibrate(c.box, c.offset)
	}

	keep := nms(boxesOf(next), d.opts.NMSThresholds[2], nmsMin)
	return filter(next, keep), nil
}
