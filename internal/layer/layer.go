// Package layer defines the operator contract, the weight binding, the type
// registry and the built-in operators.
//
// An operator is created once per graph by its factory, configured from its
// parameter block and bound to its weights during load, and thereafter only
// read. Forward must not mutate operator state: one instance serves every
// session of the graph concurrently.
package layer

import (
	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/tensor"
)

// Properties declares what an operator supports.
type Properties struct {
	// OneBlobOnly marks single-input single-output operators.
	OneBlobOnly bool
	// SupportInplace marks operators implementing InplaceLayer.
	SupportInplace bool
	// SupportGPU marks operators implementing GPULayer.
	SupportGPU bool
	// SupportPacking means the device path accepts elempack 4 inputs.
	SupportPacking bool
	// SupportFP16Storage means the device path accepts float16 inputs.
	SupportFP16Storage bool
}

// Layer is one computation step.
type Layer interface {
	// LoadParam configures the operator from its parameter block.
	LoadParam(pd *param.Dict) error
	// LoadModel binds weights, in declaration order.
	LoadModel(mb ModelBin) error
	// Forward computes outputs from inputs. Inputs must not be modified.
	Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error)
	// Properties reports capabilities.
	Properties() Properties
}

// InplaceLayer operators can overwrite their single input.
type InplaceLayer interface {
	ForwardInplace(t *tensor.Tensor, opt *Option) error
}

// GPULayer operators can record their computation on a device.
type GPULayer interface {
	// CreatePipeline compiles the device programs. Called once per graph.
	CreatePipeline(dev gpu.Device, opt *Option) error
	// DestroyPipeline releases programs and device weights.
	DestroyPipeline()
	// UploadModel records weight uploads.
	UploadModel(cmd gpu.Command, a gpu.Allocator) error
	// ForwardGPU records the computation. Inputs arrive in the precision and
	// packing the operator's Properties accept.
	ForwardGPU(cmd gpu.Command, bottoms []*gpu.Tensor, opt *Option) ([]*gpu.Tensor, error)
}

// Base provides no-op defaults for parameter and weight loading. Custom
// operators can embed it and implement only Forward.
type Base struct{}

// LoadParam implements Layer.
func (Base) LoadParam(*param.Dict) error { return nil }

// LoadModel implements Layer.
func (Base) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (Base) Properties() Properties { return Properties{} }

// singleInput checks the input arity of one-blob operators.
func singleInput(name string, bottoms []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(bottoms) != 1 || bottoms[0] == nil {
		return nil, forwardError("%s: expected 1 input, got %d", name, len(bottoms))
	}
	return bottoms[0], nil
}

// requireDType checks an input element type.
func requireDType(name string, t *tensor.Tensor, dt tensor.DataType) error {
	if t.DType() != dt {
		return forwardError("%s: input is %s, want %s", name, t.DType(), dt)
	}
	return nil
}

// unpacked returns t with elempack 1, repacking into the workspace when needed.
// The caller releases the result.
func unpacked(t *tensor.Tensor, opt *Option) (*tensor.Tensor, error) {
	return tensor.Repack(t, 1, opt.Workspace())
}
