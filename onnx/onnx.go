// Package onnx implements the cascade network interfaces of the mtcnn
// package on top of the ONNX runtime, so the detector can be driven by the
// pretrained pnet/rnet/onet model files.
package onnx

import (
	"fmt"

	"github.com/esimov/mtcnn"
	ort "github.com/yalue/onnxruntime_go"
)

// TensorNames identifies the input and output tensors of a cascade network
// inside its ONNX graph.
type TensorNames struct {
	Input     string
	Probs     string
	Offsets   string
	Landmarks string
}

// The graph tensor names of the widely used Caffe based ONNX exports, which
// keep the layer names of the original cascade definition.
var (
	DefaultPNetNames = TensorNames{Input: "input", Probs: "prob1", Offsets: "conv4-2"}
	DefaultRNetNames = TensorNames{Input: "input", Probs: "prob1", Offsets: "conv5-2"}
	DefaultONetNames = TensorNames{Input: "input", Probs: "prob1", Offsets: "conv6-2", Landmarks: "conv6-3"}
)

// Initialize prepares the process wide ONNX runtime environment. It must be
// called once before creating any of the cascade networks. The libPath may
// be left empty when the runtime shared library is reachable through the
// standard loader paths.
func Initialize(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initializing the onnx runtime environment: %w", err)
	}
	return nil
}

// Destroy tears down the process wide ONNX runtime environment.
func Destroy() error {
	return ort.DestroyEnvironment()
}

// Cascade bundles the three ONNX backed cascade networks of a detector.
type Cascade struct {
	PNet *PNet
	RNet *RNet
	ONet *ONet
}

// NewCascade loads the three cascade models from their files, wiring the
// default graph tensor names.
func NewCascade(pnetPath, rnetPath, onetPath string) (*Cascade, error) {
	pnet, err := NewPNet(pnetPath, DefaultPNetNames)
	if err != nil {
		return nil, err
	}
	rnet, err := NewRNet(rnetPath, DefaultRNetNames)
	if err != nil {
		pnet.Close()
		return nil, err
	}
	onet, err := NewONet(onetPath, DefaultONetNames)
	if err != nil {
		pnet.Close()
		rnet.Close()
		return nil, err
	}

	return &Cascade{PNet: pnet, RNet: rnet, ONet: onet}, nil
}

// Detector instantiates a detection cascade over the loaded networks.
func (c *Cascade) Detector(opts *mtcnn.DetectorOptions) (*mtcnn.Detector, error) {
	return mtcnn.NewDetector(c.PNet, c.RNet, c.ONet, opts)
}

// Close releases the sessions of all three networks.
func (c *Cascade) Close() error {
	var first error
	for _, closer := range []interface{ Close() error }{c.PNet, c.RNet, c.ONet} {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// tensorData asserts a runtime output value to a float32 tensor and returns
// its data together with its shape. The data slice is backed by runtime
// owned memory, it has to be copied out before the value is destroyed.
func tensorData(v ort.Value) ([]float32, ort.Shape, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("unexpected output value type %T", v)
	}
	return t.GetData(), t.GetShape(), nil
}

// destroyValues releases the runtime allocated output values.
func destroyValues(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

// batchTensor flattens the crop tensors into a single batched runtime tensor
// of shape [N,C,H,W]. All crops must share the same dimensions.
func batchTensor(crops []*mtcnn.Tensor) (*ort.Tensor[float32], error) {
	c, h, w := crops[0].Channels, crops[0].Height, crops[0].Width

	data := make([]float32, 0, len(crops)*c*h*w)
	for _, crop := range crops {
		if crop.Channels != c || crop.Height != h || crop.Width != w {
			return nil, fmt.Errorf("mixed crop dimensions in one batch: %dx%dx%d and %dx%dx%d",
				c, h, w, crop.Channels, crop.Height, crop.Width)
		}
		data = append(data, crop.Data...)
	}

	shape := ort.NewShape(int64(len(crops)), int64(c), int64(h), int64(w))
	input, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("creating the input tensor: %w", err)
	}
	return input, nil
}
