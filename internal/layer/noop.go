package layer

import (
	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/tensor"
)

// Noop forwards its inputs unchanged.
type Noop struct{}

// LoadParam implements Layer.
func (l *Noop) LoadParam(*param.Dict) error { return nil }

// LoadModel implements Layer.
func (l *Noop) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (l *Noop) Properties() Properties {
	return Properties{SupportInplace: true, SupportGPU: true, SupportPacking: true, SupportFP16Storage: true}
}

// Forward implements Layer.
func (l *Noop) Forward(bottoms []*tensor.Tensor, _ *Option) ([]*tensor.Tensor, error) {
	tops := make([]*tensor.Tensor, len(bottoms))
	for i, b := range bottoms {
		tops[i] = b.Clone()
	}
	return tops, nil
}

// ForwardInplace implements InplaceLayer.
func (l *Noop) ForwardInplace(*tensor.Tensor, *Option) error { return nil }

// CreatePipeline implements GPULayer.
func (l *Noop) CreatePipeline(gpu.Device, *Option) error { return nil }

// DestroyPipeline implements GPULayer.
func (l *Noop) DestroyPipeline() {}

// UploadModel implements GPULayer.
func (l *Noop) UploadModel(gpu.Command, gpu.Allocator) error { return nil }

// ForwardGPU implements GPULayer.
func (l *Noop) ForwardGPU(_ gpu.Command, bottoms []*gpu.Tensor, _ *Option) ([]*gpu.Tensor, error) {
	tops := make([]*gpu.Tensor, len(bottoms))
	for i, b := range bottoms {
		tops[i] = b.Clone()
	}
	return tops, nil
}

// Split fans one input out to several outputs sharing its storage.
type Split struct {
	outputs int
}

// SetOutputs fixes the fan-out width. The graph calls it with the declared
// output count before the first forward.
func (l *Split) SetOutputs(n int) {
	l.outputs = n
}

// LoadParam implements Layer.
func (l *Split) LoadParam(*param.Dict) error { return nil }

// LoadModel implements Layer.
func (l *Split) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (l *Split) Properties() Properties {
	return Properties{SupportGPU: true, SupportPacking: true, SupportFP16Storage: true}
}

// Forward implements Layer.
func (l *Split) Forward(bottoms []*tensor.Tensor, _ *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("Split", bottoms)
	if err != nil {
		return nil, err
	}
	tops := make([]*tensor.Tensor, max(l.outputs, 1))
	for i := range tops {
		tops[i] = in.Clone()
	}
	return tops, nil
}

// CreatePipeline implements GPULayer.
func (l *Split) CreatePipeline(gpu.Device, *Option) error { return nil }

// DestroyPipeline implements GPULayer.
func (l *Split) DestroyPipeline() {}

// UploadModel implements GPULayer.
func (l *Split) UploadModel(gpu.Command, gpu.Allocator) error { return nil }

// ForwardGPU implements GPULayer.
func (l *Split) ForwardGPU(_ gpu.Command, bottoms []*gpu.Tensor, _ *Option) ([]*gpu.Tensor, error) {
	if len(bottoms) != 1 {
		return nil, forwardError("Split: expected 1 input, got %d", len(bottoms))
	}
	tops := make([]*gpu.Tensor, max(l.outputs, 1))
	for i := range tops {
		tops[i] = bottoms[0].Clone()
	}
	return tops, nil
}
