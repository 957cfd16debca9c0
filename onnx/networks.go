package onnx

import (
	"fmt"

	"github.com/esimov/mtcnn"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	_ mtcnn.ProposalNet = (*PNet)(nil)
	_ mtcnn.RefineNet   = (*RNet)(nil)
	_ mtcnn.OutputNet   = (*ONet)(nil)
)

// PNet is the ONNX backed proposal network. The underlying session binds its
// values per call, so a PNet is safe for the concurrent per scale runs of
// the cascade.
type PNet struct {
	session *ort.DynamicAdvancedSession
}

// NewPNet loads the proposal network from its model file.
func NewPNet(modelPath string, names TensorNames) (*PNet, error) {
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{names.Input},
		[]string{names.Offsets, names.Probs},
		nil)
	if err != nil {
		return nil, fmt.Errorf("loading the proposal network: %w", err)
	}
	return &PNet{session: session}, nil
}

// Forward scans the rescaled image tensor and returns the face probability
// map together with the box regression map.
func (p *PNet) Forward(in *mtcnn.Tensor) (*mtcnn.Tensor, *mtcnn.Tensor, error) {
	shape := ort.NewShape(1, int64(in.Channels), int64(in.Height), int64(in.Width))
	input, err := ort.NewTensor(shape, in.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("creating the input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := p.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, nil, fmt.Errorf("proposal network run: %w", err)
	}
	defer destroyValues(outputs)

	offData, offShape, err := tensorData(outputs[0])
	if err != nil {
		return nil, nil, err
	}
	probData, probShape, err := tensorData(outputs[1])
	if err != nil {
		return nil, nil, err
	}
	if len(probShape) != 4 || probShape[1] != 2 || len(offShape) != 4 || offShape[1] != 4 ||
		probShape[2] != offShape[2] || probShape[3] != offShape[3] {
		return nil, nil, fmt.Errorf("unexpected proposal network output shapes: %v and %v", probShape, offShape)
	}

	height, width := int(probShape[2]), int(probShape[3])

	// The probability map carries two softmax channels, the face class is
	// the second one.
	probs := mtcnn.NewTensor(1, height, width)
	copy(probs.Data, probData[height*width:2*height*width])

	offsets := mtcnn.NewTensor(4, height, width)
	copy(offsets.Data, offData)

	return probs, offsets, nil
}

// Close releases the network session.
func (p *PNet) Close() error {
	return p.session.Destroy()
}

// RNet is the ONNX backed refinement network.
type RNet struct {
	session *ort.DynamicAdvancedSession
}

// NewRNet loads the refinement network from its model file.
func NewRNet(modelPath string, names TensorNames) (*RNet, error) {
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{names.Input},
		[]string{names.Offsets, names.Probs},
		nil)
	if err != nil {
		return nil, fmt.Errorf("loading the refinement network: %w", err)
	}
	return &RNet{session: session}, nil
}

// Forward rescores a batch of candidate crops in a single network run.
func (r *RNet) Forward(crops []*mtcnn.Tensor) ([]mtcnn.Prediction, error) {
	if len(crops) == 0 {
		return nil, nil
	}

	input, err := batchTensor(crops)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := r.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("refinement network run: %w", err)
	}
	defer destroyValues(outputs)

	offData, offShape, err := tensorData(outputs[0])
	if err != nil {
		return nil, err
	}
	probData, probShape, err := tensorData(outputs[1])
	if err != nil {
		return nil, err
	}

	n := len(crops)
	if len(offShape) != 2 || offShape[0] != int64(n) || offShape[1] != 4 ||
		len(probShape) != 2 || probShape[0] != int64(n) || probShape[1] != 2 {
		return nil, fmt.Errorf("unexpected refinement network output shapes: %v and %v", offShape, probShape)
	}

	preds := make([]mtcnn.Prediction, n)
	for i := range preds {
		preds[i] = mtcnn.Prediction{
			Score: probData[i*2+1],
			Offset: mtcnn.Offset{
				DX1: offData[i*4+0],
				DY1: offData[i*4+1],
				DX2: offData[i*4+2],
				DY2: offData[i*4+3],
			},
		}
	}
	return preds, nil
}

// Close releases the network session.
func (r *RNet) Close() error {
	return r.session.Destroy()
}

// ONet is the ONNX backed output network.
type ONet struct {
	session *ort.DynamicAdvancedSession
}

// NewONet loads the output network from its model file.
func NewONet(modelPath string, names TensorNames) (*ONet, error) {
	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{names.Input},
		[]string{names.Offsets, names.Landmarks, names.Probs},
		nil)
	if err != nil {
		return nil, fmt.Errorf("loading the output network: %w", err)
	}
	return &ONet{session: session}, nil
}

// Forward rescores a batch of candidate crops and localizes the five facial
// landmark points of each.
func (o *ONet) Forward(crops []*mtcnn.Tensor) ([]mtcnn.Prediction, error) {
	if len(crops) == 0 {
		return nil, nil
	}

	input, err := batchTensor(crops)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	outputs := []ort.Value{nil, nil, nil}
	if err := o.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("output network run: %w", err)
	}
	defer destroyValues(outputs)

	offData, offShape, err := tensorData(outputs[0])
	if err != nil {
		return nil, err
	}
	lmData, lmShape, err := tensorData(outputs[1])
	if err != nil {
		return nil, err
	}
	probData, probShape, err := tensorData(outputs[2])
	if err != nil {
		return nil, err
	}

	n := len(crops)
	if len(offShape) != 2 || offShape[0] != int64(n) || offShape[1] != 4 ||
		len(lmShape) != 2 || lmShape[0] != int64(n) || lmShape[1] != 10 ||
		len(probShape) != 2 || probShape[0] != int64(n) || probShape[1] != 2 {
		return nil, fmt.Errorf("unexpected output network shapes: %v, %v and %v", offShape, lmShape, probShape)
	}

	preds := make([]mtcnn.Prediction, n)
	for i := range preds {
		p := mtcnn.Prediction{
			Score: probData[i*2+1],
			Offset: mtcnn.Offset{
				DX1: offData[i*4+0],
				DY1: offData[i*4+1],
				DX2: offData[i*4+2],
				DY2: offData[i*4+3],
			},
		}
		// The landmark output packs the five x coordinates first, then the
		// five y coordinates.
		for k := 0; k < 5; k++ {
			p.Landmark.X[k] = lmData[i*10+k]
			p.Landmark.Y[k] = lmData[i*10+5+k]
		}
		preds[i] = p
	}
	return preds, nil
}

// Close releases the network session.
func (o *ONet) Close() error {
	return o.session.Destroy()
}
