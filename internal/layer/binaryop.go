package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/parallel"
	"github.com/born-ml/netrun/internal/tensor"
)

// BinaryOp operation types.
const (
	OpAdd = iota
	OpSub
	OpMul
	OpDiv
	OpMax
	OpMin
)

// BinaryOp combines two tensors element-wise, or one tensor with a scalar.
// The second operand may also be a single-element tensor, broadcast over the first.
type BinaryOp struct {
	OpType     int
	WithScalar bool
	B          float32

	pipelines []gpu.Pipeline
}

// LoadParam implements Layer.
func (l *BinaryOp) LoadParam(pd *param.Dict) error {
	l.OpType = pd.GetInt(0, OpAdd)
	l.WithScalar = pd.GetInt(1, 0) != 0
	l.B = pd.GetFloat(2, 0)
	if l.OpType < OpAdd || l.OpType > OpMin {
		return errors.Wrapf(ErrMalformedStructure, "BinaryOp: unsupported op_type %d", l.OpType)
	}
	return nil
}

// LoadModel implements Layer.
func (l *BinaryOp) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (l *BinaryOp) Properties() Properties {
	return Properties{
		SupportInplace:     l.WithScalar,
		OneBlobOnly:        l.WithScalar,
		SupportGPU:         true,
		SupportPacking:     true,
		SupportFP16Storage: true,
	}
}

func binaryApply(op int, x, y float32) float32 {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpDiv:
		return x / y
	case OpMax:
		return max(x, y)
	default:
		return min(x, y)
	}
}

// Forward implements Layer.
func (l *BinaryOp) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	if l.WithScalar {
		in, err := singleInput("BinaryOp", bottoms)
		if err != nil {
			return nil, err
		}
		if err := requireDType("BinaryOp", in, tensor.Float32); err != nil {
			return nil, err
		}
		out := in.Copy(opt.Blob())
		if err := l.ForwardInplace(out, opt); err != nil {
			out.Release()
			return nil, err
		}
		return []*tensor.Tensor{out}, nil
	}

	if len(bottoms) != 2 {
		return nil, forwardError("BinaryOp: expected 2 inputs, got %d", len(bottoms))
	}
	a, b := bottoms[0], bottoms[1]
	if a.DType() != tensor.Float32 || b.DType() != tensor.Float32 {
		return nil, forwardError("BinaryOp: inputs are %s and %s, want float32", a.DType(), b.DType())
	}
	broadcast := b.NumElements() == 1
	if !broadcast && !a.Shape().Equal(b.Shape()) {
		return nil, forwardError("BinaryOp: shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	if !broadcast && a.Elempack() != b.Elempack() {
		var err error
		if b, err = tensor.Repack(b, a.Elempack(), opt.Workspace()); err != nil {
			return nil, forwardError("BinaryOp: %v", err)
		}
		defer b.Release()
	}

	out, err := tensor.NewPacked(a.Shape(), tensor.Float32, a.Elempack(), opt.Blob())
	if err != nil {
		return nil, forwardError("BinaryOp: %v", err)
	}
	x, y, dst := a.Float32s(), b.Float32s(), out.Float32s()
	parallel.For(len(dst), func(i int) {
		if broadcast {
			dst[i] = binaryApply(l.OpType, x[i], y[0])
		} else {
			dst[i] = binaryApply(l.OpType, x[i], y[i])
		}
	}, opt.Parallel())
	return []*tensor.Tensor{out}, nil
}

// ForwardInplace implements InplaceLayer for the scalar form.
func (l *BinaryOp) ForwardInplace(t *tensor.Tensor, opt *Option) error {
	if !l.WithScalar {
		return forwardError("BinaryOp: in-place forward needs with_scalar")
	}
	if err := requireDType("BinaryOp", t, tensor.Float32); err != nil {
		return err
	}
	data := t.Float32s()
	parallel.For(len(data), func(i int) {
		data[i] = binaryApply(l.OpType, data[i], l.B)
	}, opt.Parallel())
	return nil
}

// binaryOperand returns the second operand of invocation element i.
func binaryOperand(b []float32, params []uint32, i int) float32 {
	switch {
	case params[2] != 0:
		return fromBits(params[3])
	case params[4] != 0:
		return b[0]
	default:
		return b[i]
	}
}

func binaryOpKernel(id int, bindings [][]byte, params []uint32) {
	if id >= int(params[0]) {
		return
	}
	a, b := gpu.F32(bindings[0]), gpu.F32(bindings[1])
	gpu.F32(bindings[2])[id] = binaryApply(int(params[1]), a[id], binaryOperand(b, params, id))
}

func binaryOpKernelFP16(id int, bindings [][]byte, params []uint32) {
	if id >= int(params[0]) {
		return
	}
	a, b := gpu.U32(bindings[0]), gpu.U32(bindings[1])
	x0, x1 := unpackHalf2(a[id])
	var y0, y1 float32
	switch {
	case params[2] != 0:
		y0 = fromBits(params[3])
		y1 = y0
	case params[4] != 0:
		y0, _ = unpackHalf2(b[0])
		y1 = y0
	default:
		y0, y1 = unpackHalf2(b[id])
	}
	op := int(params[1])
	gpu.U32(bindings[2])[id] = packHalf2(binaryApply(op, x0, y0), binaryApply(op, x1, y1))
}

// CreatePipeline implements GPULayer.
func (l *BinaryOp) CreatePipeline(dev gpu.Device, _ *Option) error {
	ps, err := createPipelines(dev,
		gpu.ShaderSpec{Name: "binary_op", WGSL: binaryOpShader, Kernel: binaryOpKernel},
		gpu.ShaderSpec{Name: "binary_op_fp16", WGSL: binaryOpShaderFP16, Kernel: binaryOpKernelFP16},
	)
	if err != nil {
		return err
	}
	l.pipelines = ps
	return nil
}

// DestroyPipeline implements GPULayer.
func (l *BinaryOp) DestroyPipeline() {
	releasePipelines(l.pipelines)
	l.pipelines = nil
}

// UploadModel implements GPULayer.
func (l *BinaryOp) UploadModel(gpu.Command, gpu.Allocator) error { return nil }

// ForwardGPU implements GPULayer. Both operands must share dtype and packing
// unless the second holds a single element.
func (l *BinaryOp) ForwardGPU(cmd gpu.Command, bottoms []*gpu.Tensor, opt *Option) ([]*gpu.Tensor, error) {
	want := 2
	if l.WithScalar {
		want = 1
	}
	if len(bottoms) != want {
		return nil, forwardError("BinaryOp: expected %d inputs, got %d", want, len(bottoms))
	}
	a, b := bottoms[0], bottoms[0]
	var broadcast uint32
	if !l.WithScalar {
		b = bottoms[1]
		switch {
		case b.NumElements() == 1:
			broadcast = 1
		case !a.Shape().Equal(b.Shape()):
			return nil, forwardError("BinaryOp: shape mismatch %v vs %v", a.Shape(), b.Shape())
		case a.Elempack() != b.Elempack():
			return nil, forwardError("BinaryOp: packing mismatch %d vs %d", a.Elempack(), b.Elempack())
		}
		if a.DType() != b.DType() {
			return nil, forwardError("BinaryOp: dtype mismatch %s vs %s", a.DType(), b.DType())
		}
	}
	p, err := pipelineFor(l.pipelines, a.DType())
	if err != nil {
		return nil, err
	}
	out, err := newDeviceTensor(a.Shape(), a.DType(), a.Elempack(), opt)
	if err != nil {
		return nil, err
	}
	var withScalar uint32
	if l.WithScalar {
		withScalar = 1
	}
	n := elementInvocations(a)
	params := []uint32{uint32(n), uint32(l.OpType), withScalar, f32bits(l.B), broadcast}
	cmd.RecordDispatch(p, []gpu.Buffer{a.Buffer(), b.Buffer(), out.Buffer()}, params, n)
	return []*gpu.Tensor{out}, nil
}
