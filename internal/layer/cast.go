package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/tensor"
)

// Cast type codes in parameter blocks.
const (
	castFloat32 = 1
	castFloat16 = 2
)

// Cast converts between float32 and float16 storage.
type Cast struct {
	From tensor.DataType
	To   tensor.DataType

	pipeline gpu.Pipeline
}

// NewCast builds a cast operator without a parameter block.
func NewCast(from, to tensor.DataType) *Cast {
	return &Cast{From: from, To: to}
}

func castType(code int) (tensor.DataType, error) {
	switch code {
	case castFloat32:
		return tensor.Float32, nil
	case castFloat16:
		return tensor.Float16, nil
	default:
		return 0, errors.Wrapf(ErrMalformedStructure, "Cast: unsupported type code %d", code)
	}
}

// LoadParam implements Layer.
func (l *Cast) LoadParam(pd *param.Dict) error {
	var err error
	if l.From, err = castType(pd.GetInt(0, 0)); err != nil {
		return err
	}
	l.To, err = castType(pd.GetInt(1, 0))
	return err
}

// LoadModel implements Layer.
func (l *Cast) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (l *Cast) Properties() Properties {
	return Properties{OneBlobOnly: true, SupportGPU: true, SupportPacking: true, SupportFP16Storage: true}
}

// Forward implements Layer.
func (l *Cast) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("Cast", bottoms)
	if err != nil {
		return nil, err
	}
	if err := requireDType("Cast", in, l.From); err != nil {
		return nil, err
	}
	var out *tensor.Tensor
	switch {
	case l.From == l.To:
		out = in.Clone()
	case l.To == tensor.Float16:
		out, err = tensor.CastFloat32ToFloat16(in, opt.Blob())
	default:
		out, err = tensor.CastFloat16ToFloat32(in, opt.Blob())
	}
	if err != nil {
		return nil, forwardError("Cast: %v", err)
	}
	return []*tensor.Tensor{out}, nil
}

func castFP32ToFP16Kernel(id int, bindings [][]byte, params []uint32) {
	if id >= int(params[0]) {
		return
	}
	src := gpu.F32(bindings[0])
	lo, hi := src[id*2], float32(0)
	if id*2+1 < int(params[1]) {
		hi = src[id*2+1]
	}
	gpu.U32(bindings[1])[id] = packHalf2(lo, hi)
}

func castFP16ToFP32Kernel(id int, bindings [][]byte, params []uint32) {
	if id >= int(params[0]) {
		return
	}
	lo, hi := unpackHalf2(gpu.U32(bindings[0])[id])
	dst := gpu.F32(bindings[1])
	dst[id*2] = lo
	if id*2+1 < int(params[1]) {
		dst[id*2+1] = hi
	}
}

// CreatePipeline implements GPULayer.
func (l *Cast) CreatePipeline(dev gpu.Device, _ *Option) error {
	var spec gpu.ShaderSpec
	switch {
	case l.From == l.To:
		return nil
	case l.To == tensor.Float16:
		spec = gpu.ShaderSpec{Name: "cast_fp32_to_fp16", WGSL: castFP32ToFP16Shader, Kernel: castFP32ToFP16Kernel}
	default:
		spec = gpu.ShaderSpec{Name: "cast_fp16_to_fp32", WGSL: castFP16ToFP32Shader, Kernel: castFP16ToFP32Kernel}
	}
	ps, err := createPipelines(dev, spec)
	if err != nil {
		return err
	}
	l.pipeline = ps[0]
	return nil
}

// DestroyPipeline implements GPULayer.
func (l *Cast) DestroyPipeline() {
	if l.pipeline != nil {
		l.pipeline.Release()
		l.pipeline = nil
	}
}

// UploadModel implements GPULayer.
func (l *Cast) UploadModel(gpu.Command, gpu.Allocator) error { return nil }

// ForwardGPU implements GPULayer.
func (l *Cast) ForwardGPU(cmd gpu.Command, bottoms []*gpu.Tensor, opt *Option) ([]*gpu.Tensor, error) {
	if len(bottoms) != 1 {
		return nil, forwardError("Cast: expected 1 input, got %d", len(bottoms))
	}
	in := bottoms[0]
	if in.DType() != l.From {
		return nil, forwardError("Cast: device input is %s, want %s", in.DType(), l.From)
	}
	if l.From == l.To {
		return []*gpu.Tensor{in.Clone()}, nil
	}
	if l.pipeline == nil {
		return nil, errors.Wrap(ErrDeviceCapabilityUnavailable, "Cast: pipeline not created")
	}
	out, err := newDeviceTensor(in.Shape(), l.To, in.Elempack(), opt)
	if err != nil {
		return nil, err
	}
	n := halfWords(in.NumElements())
	cmd.RecordDispatch(l.pipeline, []gpu.Buffer{in.Buffer(), out.Buffer()}, []uint32{uint32(n), uint32(in.NumElements())}, n)
	return []*gpu.Tensor{out}, nil
}
