package mtcnn

// Tensor is a dense float32 array in channel-first (CHW) layout.
// It is the exchange format between the cascade and the network backends:
// the cascade hands the networks normalized image tensors and receives
// probability and regression maps in the same representation.
type Tensor struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// NewTensor allocates a zero filled tensor of the given dimensions.
func NewTensor(channels, height, width int) *Tensor {
	return &Tensor{
		Data:     make([]float32, channels*height*width),
		Channels: channels,
		Height:   height,
		Width:    width,
	}
}

// At returns the value stored at the given channel and spatial position.
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[c*t.Height*t.Width+y*t.Width+x]
}

// Set stores a value at the given channel and spatial position.
func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[c*t.Height*t.Width+y*t.Width+x] = v
}

// Prediction is the per-crop output of the refinement and output networks.
// The refinement network leaves the landmark points empty, only the output
// network localizes them.
type Prediction struct {
	Score    float32
	Offset   Offset
	Landmark Landmark
}

// ProposalNet scans a whole, already rescaled image and returns a dense face
// probability map together with the bounding box regression map. The network
// is expected to be a pure function without internal state between the calls.
type ProposalNet interface {
	// Forward runs the network over the input tensor and returns a 1xHxW
	// probability map and a 4xHxW regression map sharing the same spatial grid.
	Forward(in *Tensor) (probs, offsets *Tensor, err error)
}

// RefineNet rescores a batch of 24x24 face candidate crops, returning one
// prediction per crop in input order.
type RefineNet interface {
	Forward(crops []*Tensor) ([]Prediction, error)
}

// OutputNet rescores a batch of 48x48 face candidate crops and additionally
// localizes the five facial landmark points, returning one prediction per
// crop in input order.
type OutputNet interface {
	Forward(crops []*Tensor) ([]Prediction, error)
}

// Normalize remaps a [0,1] ranged pixel value to the roughly [-1,1] centered
// range the cascade networks were trained on.
func Normalize(v float32) float32 {
	return (v*255 - 127.5) * 0.0078125
}

// normalizeTensor applies the Normalize function over the tensor values in place.
func normalizeTensor(t *Tensor) {
	for i, v := range t.Data {
		t.Data[i] = Normalize(v)
	}
}
