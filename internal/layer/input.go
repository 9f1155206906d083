package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/tensor"
)

// Input declares a graph input slot. It has nothing to compute: reaching it
// during evaluation means the caller never provided the slot.
type Input struct {
	W, H, C int
}

// LoadParam implements Layer.
func (l *Input) LoadParam(pd *param.Dict) error {
	l.W = pd.GetInt(0, 0)
	l.H = pd.GetInt(1, 0)
	l.C = pd.GetInt(2, 0)
	return nil
}

// LoadModel implements Layer.
func (l *Input) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (l *Input) Properties() Properties {
	return Properties{SupportGPU: true, SupportPacking: true, SupportFP16Storage: true}
}

// Shape returns the declared shape hint, or nil when none was declared.
func (l *Input) Shape() tensor.Shape {
	var s tensor.Shape
	for _, d := range []int{l.C, l.H, l.W} {
		if d > 0 {
			s = append(s, d)
		}
	}
	return s
}

// Forward implements Layer.
func (l *Input) Forward([]*tensor.Tensor, *Option) ([]*tensor.Tensor, error) {
	return nil, errors.Wrap(ErrMissingRequiredInput, "input slot was not provided")
}

// CreatePipeline implements GPULayer.
func (l *Input) CreatePipeline(gpu.Device, *Option) error { return nil }

// DestroyPipeline implements GPULayer.
func (l *Input) DestroyPipeline() {}

// UploadModel implements GPULayer.
func (l *Input) UploadModel(gpu.Command, gpu.Allocator) error { return nil }

// ForwardGPU implements GPULayer.
func (l *Input) ForwardGPU(gpu.Command, []*gpu.Tensor, *Option) ([]*gpu.Tensor, error) {
	return nil, errors.Wrap(ErrMissingRequiredInput, "input slot was not provided")
}
