package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/parallel"
	"github.com/born-ml/netrun/internal/tensor"
)

// InnerProduct is a fully connected layer over the flattened input.
type InnerProduct struct {
	NumOutput      int
	BiasTerm       bool
	WeightDataSize int

	Weight *tensor.Tensor // NumOutput x inner, row-major
	Bias   *tensor.Tensor

	pipelines    []gpu.Pipeline
	weightDevice *gpu.Tensor
	biasDevice   *gpu.Tensor
}

// LoadParam implements Layer.
func (l *InnerProduct) LoadParam(pd *param.Dict) error {
	l.NumOutput = pd.GetInt(0, 0)
	l.BiasTerm = pd.GetInt(1, 0) != 0
	l.WeightDataSize = pd.GetInt(2, 0)
	if l.NumOutput <= 0 || l.WeightDataSize <= 0 || l.WeightDataSize%l.NumOutput != 0 {
		return errors.Wrapf(ErrMalformedStructure, "InnerProduct: num_output %d, weight_data_size %d", l.NumOutput, l.WeightDataSize)
	}
	return nil
}

// LoadModel implements Layer.
func (l *InnerProduct) LoadModel(mb ModelBin) error {
	w, err := mb.Load(l.WeightDataSize, WeightTagged)
	if err != nil {
		return errors.Wrap(err, "InnerProduct weight")
	}
	if w.DType() != tensor.Float32 {
		w.Release()
		return errors.Wrapf(ErrWeightBufferMismatch, "InnerProduct: %s weights are not supported", w.DType())
	}
	l.Weight = w
	if l.BiasTerm {
		if l.Bias, err = mb.Load(l.NumOutput, WeightFloat32); err != nil {
			return errors.Wrap(err, "InnerProduct bias")
		}
	}
	return nil
}

// Properties implements Layer.
func (l *InnerProduct) Properties() Properties {
	return Properties{OneBlobOnly: true, SupportGPU: true}
}

func (l *InnerProduct) inner() int {
	return l.WeightDataSize / l.NumOutput
}

// Forward implements Layer.
func (l *InnerProduct) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("InnerProduct", bottoms)
	if err != nil {
		return nil, err
	}
	if err := requireDType("InnerProduct", in, tensor.Float32); err != nil {
		return nil, err
	}
	if l.Weight == nil {
		return nil, forwardError("InnerProduct: weights not loaded")
	}
	inner := l.inner()
	if in.NumElements() != inner {
		return nil, forwardError("InnerProduct: input has %d elements, want %d", in.NumElements(), inner)
	}
	flat, err := unpacked(in, opt)
	if err != nil {
		return nil, forwardError("InnerProduct: %v", err)
	}
	defer flat.Release()

	out, err := tensor.New(tensor.Shape{l.NumOutput}, tensor.Float32, opt.Blob())
	if err != nil {
		return nil, forwardError("InnerProduct: %v", err)
	}
	x, w, dst := flat.Float32s(), l.Weight.Float32s(), out.Float32s()
	var bias []float32
	if l.Bias != nil {
		bias = l.Bias.Float32s()
	}
	parallel.For(l.NumOutput, func(o int) {
		var sum float32
		if bias != nil {
			sum = bias[o]
		}
		row := w[o*inner : (o+1)*inner]
		for i, v := range x {
			sum += row[i] * v
		}
		dst[o] = sum
	}, opt.Parallel())
	return []*tensor.Tensor{out}, nil
}

func innerProductKernel(id int, bindings [][]byte, params []uint32) {
	if id >= int(params[0]) {
		return
	}
	inner := int(params[1])
	x, w := gpu.F32(bindings[0]), gpu.F32(bindings[1])
	var sum float32
	if params[2] != 0 {
		sum = gpu.F32(bindings[2])[id]
	}
	row := w[id*inner : (id+1)*inner]
	for i := 0; i < inner; i++ {
		sum += row[i] * x[i]
	}
	gpu.F32(bindings[3])[id] = sum
}

// CreatePipeline implements GPULayer.
func (l *InnerProduct) CreatePipeline(dev gpu.Device, _ *Option) error {
	ps, err := createPipelines(dev,
		gpu.ShaderSpec{Name: "inner_product", WGSL: innerProductShader, Kernel: innerProductKernel},
	)
	if err != nil {
		return err
	}
	l.pipelines = ps
	return nil
}

// DestroyPipeline implements GPULayer.
func (l *InnerProduct) DestroyPipeline() {
	releasePipelines(l.pipelines)
	l.pipelines = nil
	if l.weightDevice != nil {
		l.weightDevice.Release()
		l.weightDevice = nil
	}
	if l.biasDevice != nil {
		l.biasDevice.Release()
		l.biasDevice = nil
	}
}

// UploadModel implements GPULayer.
func (l *InnerProduct) UploadModel(cmd gpu.Command, a gpu.Allocator) error {
	if l.Weight == nil {
		return errors.Wrap(ErrWeightBufferMismatch, "InnerProduct: weights not loaded")
	}
	var err error
	if l.weightDevice, err = gpu.Upload(cmd, l.Weight, a); err != nil {
		return err
	}
	if l.Bias != nil {
		if l.biasDevice, err = gpu.Upload(cmd, l.Bias, a); err != nil {
			return err
		}
	}
	return nil
}

// ForwardGPU implements GPULayer. Input must be float32 with elempack 1.
func (l *InnerProduct) ForwardGPU(cmd gpu.Command, bottoms []*gpu.Tensor, opt *Option) ([]*gpu.Tensor, error) {
	if len(bottoms) != 1 {
		return nil, forwardError("InnerProduct: expected 1 input, got %d", len(bottoms))
	}
	in := bottoms[0]
	if in.DType() != tensor.Float32 || in.Elempack() != 1 {
		return nil, forwardError("InnerProduct: device input is %s pack%d", in.DType(), in.Elempack())
	}
	if in.NumElements() != l.inner() {
		return nil, forwardError("InnerProduct: input has %d elements, want %d", in.NumElements(), l.inner())
	}
	if len(l.pipelines) == 0 || l.weightDevice == nil {
		return nil, errors.Wrap(ErrDeviceCapabilityUnavailable, "InnerProduct: device not prepared")
	}
	out, err := newDeviceTensor(tensor.Shape{l.NumOutput}, tensor.Float32, 1, opt)
	if err != nil {
		return nil, err
	}
	bias, biasTerm := l.weightDevice, uint32(0)
	if l.biasDevice != nil {
		bias, biasTerm = l.biasDevice, 1
	}
	bindings := []gpu.Buffer{in.Buffer(), l.weightDevice.Buffer(), bias.Buffer(), out.Buffer()}
	params := []uint32{uint32(l.NumOutput), uint32(l.inner()), biasTerm}
	cmd.RecordDispatch(l.pipelines[0], bindings, params, l.NumOutput)
	return []*gpu.Tensor{out}, nil
}
