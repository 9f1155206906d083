package layer

import (
	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/parallel"
	"github.com/born-ml/netrun/internal/tensor"
)

// ReLU is the rectifier with optional negative slope (leaky ReLU).
type ReLU struct {
	Slope float32

	pipelines []gpu.Pipeline
}

// LoadParam implements Layer.
func (l *ReLU) LoadParam(pd *param.Dict) error {
	l.Slope = pd.GetFloat(0, 0)
	return nil
}

// LoadModel implements Layer.
func (l *ReLU) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (l *ReLU) Properties() Properties {
	return Properties{
		OneBlobOnly:        true,
		SupportInplace:     true,
		SupportGPU:         true,
		SupportPacking:     true,
		SupportFP16Storage: true,
	}
}

func (l *ReLU) apply(x float32) float32 {
	if x > 0 {
		return x
	}
	return x * l.Slope
}

// Forward implements Layer.
func (l *ReLU) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("ReLU", bottoms)
	if err != nil {
		return nil, err
	}
	if err := requireDType("ReLU", in, tensor.Float32); err != nil {
		return nil, err
	}
	out, err := tensor.NewPacked(in.Shape(), tensor.Float32, in.Elempack(), opt.Blob())
	if err != nil {
		return nil, forwardError("ReLU: %v", err)
	}
	src, dst := in.Float32s(), out.Float32s()
	parallel.For(len(src), func(i int) {
		dst[i] = l.apply(src[i])
	}, opt.Parallel())
	return []*tensor.Tensor{out}, nil
}

// ForwardInplace implements InplaceLayer.
func (l *ReLU) ForwardInplace(t *tensor.Tensor, opt *Option) error {
	if err := requireDType("ReLU", t, tensor.Float32); err != nil {
		return err
	}
	data := t.Float32s()
	parallel.For(len(data), func(i int) {
		data[i] = l.apply(data[i])
	}, opt.Parallel())
	return nil
}

func reluKernel(id int, bindings [][]byte, params []uint32) {
	if id >= int(params[0]) {
		return
	}
	l := ReLU{Slope: fromBits(params[1])}
	gpu.F32(bindings[1])[id] = l.apply(gpu.F32(bindings[0])[id])
}

func reluKernelFP16(id int, bindings [][]byte, params []uint32) {
	if id >= int(params[0]) {
		return
	}
	l := ReLU{Slope: fromBits(params[1])}
	lo, hi := unpackHalf2(gpu.U32(bindings[0])[id])
	gpu.U32(bindings[1])[id] = packHalf2(l.apply(lo), l.apply(hi))
}

// CreatePipeline implements GPULayer.
func (l *ReLU) CreatePipeline(dev gpu.Device, _ *Option) error {
	ps, err := createPipelines(dev,
		gpu.ShaderSpec{Name: "relu", WGSL: reluShader, Kernel: reluKernel},
		gpu.ShaderSpec{Name: "relu_fp16", WGSL: reluShaderFP16, Kernel: reluKernelFP16},
	)
	if err != nil {
		return err
	}
	l.pipelines = ps
	return nil
}

// DestroyPipeline implements GPULayer.
func (l *ReLU) DestroyPipeline() {
	releasePipelines(l.pipelines)
	l.pipelines = nil
}

// UploadModel implements GPULayer.
func (l *ReLU) UploadModel(gpu.Command, gpu.Allocator) error { return nil }

// ForwardGPU implements GPULayer.
func (l *ReLU) ForwardGPU(cmd gpu.Command, bottoms []*gpu.Tensor, opt *Option) ([]*gpu.Tensor, error) {
	if len(bottoms) != 1 {
		return nil, forwardError("ReLU: expected 1 input, got %d", len(bottoms))
	}
	in := bottoms[0]
	p, err := pipelineFor(l.pipelines, in.DType())
	if err != nil {
		return nil, err
	}
	out, err := newDeviceTensor(in.Shape(), in.DType(), in.Elempack(), opt)
	if err != nil {
		return nil, err
	}
	n := elementInvocations(in)
	cmd.RecordDispatch(p, []gpu.Buffer{in.Buffer(), out.Buffer()}, []uint32{uint32(n), f32bits(l.Slope)}, n)
	return []*gpu.Tensor{out}, nil
}
