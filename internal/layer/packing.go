package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/tensor"
)

// Packing converts the channel layout between elempack 1 and 4.
type Packing struct {
	OutElempack int

	pipelines []gpu.Pipeline
}

// NewPacking builds a packing operator without a parameter block.
func NewPacking(outElempack int) *Packing {
	return &Packing{OutElempack: outElempack}
}

// LoadParam implements Layer.
func (l *Packing) LoadParam(pd *param.Dict) error {
	l.OutElempack = pd.GetInt(0, 1)
	if l.OutElempack != 1 && l.OutElempack != 4 {
		return errors.Wrapf(ErrMalformedStructure, "Packing: out_elempack %d", l.OutElempack)
	}
	return nil
}

// LoadModel implements Layer.
func (l *Packing) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (l *Packing) Properties() Properties {
	return Properties{OneBlobOnly: true, SupportGPU: true, SupportPacking: true, SupportFP16Storage: true}
}

// Forward implements Layer.
func (l *Packing) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("Packing", bottoms)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Repack(in, l.OutElempack, opt.Blob())
	if err != nil {
		return nil, forwardError("Packing: %v", err)
	}
	return []*tensor.Tensor{out}, nil
}

// packedSource maps an output element index to its input index.
func packedSource(dst, inner int, toPack4 bool) int {
	if toPack4 {
		g := dst / 4
		o := (g/inner)*4 + dst%4
		return o*inner + g%inner
	}
	return tensor.PackedIndex(dst/inner, dst%inner, inner)
}

func packingKernel(id int, bindings [][]byte, params []uint32) {
	if id >= int(params[0]) {
		return
	}
	src := packedSource(id, int(params[1]), params[2] != 0)
	gpu.F32(bindings[1])[id] = gpu.F32(bindings[0])[src]
}

func packingKernelFP16(id int, bindings [][]byte, params []uint32) {
	if id >= int(params[0]) {
		return
	}
	inner, toPack4 := int(params[1]), params[2] != 0
	in := gpu.U16(bindings[0])
	lo := in[packedSource(id*2, inner, toPack4)]
	hi := in[packedSource(id*2+1, inner, toPack4)]
	gpu.U32(bindings[1])[id] = uint32(lo) | uint32(hi)<<16
}

// CreatePipeline implements GPULayer.
func (l *Packing) CreatePipeline(dev gpu.Device, _ *Option) error {
	ps, err := createPipelines(dev,
		gpu.ShaderSpec{Name: "packing", WGSL: packingShader, Kernel: packingKernel},
		gpu.ShaderSpec{Name: "packing_fp16", WGSL: packingShaderFP16, Kernel: packingKernelFP16},
	)
	if err != nil {
		return err
	}
	l.pipelines = ps
	return nil
}

// DestroyPipeline implements GPULayer.
func (l *Packing) DestroyPipeline() {
	releasePipelines(l.pipelines)
	l.pipelines = nil
}

// UploadModel implements GPULayer.
func (l *Packing) UploadModel(gpu.Command, gpu.Allocator) error { return nil }

// ForwardGPU implements GPULayer.
func (l *Packing) ForwardGPU(cmd gpu.Command, bottoms []*gpu.Tensor, opt *Option) ([]*gpu.Tensor, error) {
	if len(bottoms) != 1 {
		return nil, forwardError("Packing: expected 1 input, got %d", len(bottoms))
	}
	in := bottoms[0]
	if in.Elempack() == l.OutElempack {
		return []*gpu.Tensor{in.Clone()}, nil
	}
	p, err := pipelineFor(l.pipelines, in.DType())
	if err != nil {
		return nil, err
	}
	out, err := newDeviceTensor(in.Shape(), in.DType(), l.OutElempack, opt)
	if err != nil {
		return nil, forwardError("Packing: %v", err)
	}
	var toPack4 uint32
	if l.OutElempack == 4 {
		toPack4 = 1
	}
	n := elementInvocations(in)
	params := []uint32{uint32(n), uint32(in.Shape().Inner()), toPack4}
	cmd.RecordDispatch(p, []gpu.Buffer{in.Buffer(), out.Buffer()}, params, n)
	return []*gpu.Tensor{out}, nil
}
