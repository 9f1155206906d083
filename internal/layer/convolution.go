package layer

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/parallel"
	"github.com/born-ml/netrun/internal/tensor"
)

// ConvAlgorithm identifies a convolution implementation.
type ConvAlgorithm int

// Convolution algorithms.
const (
	ConvDirect ConvAlgorithm = iota
	ConvSgemm
	ConvWinograd
)

// String returns the algorithm name.
func (a ConvAlgorithm) String() string {
	switch a {
	case ConvSgemm:
		return "sgemm"
	case ConvWinograd:
		return "winograd"
	default:
		return "direct"
	}
}

// Convolution is a 2-D convolution over {C, H, W} inputs.
type Convolution struct {
	NumOutput      int
	KernelW        int
	KernelH        int
	DilationW      int
	DilationH      int
	StrideW        int
	StrideH        int
	PadW           int
	PadH           int
	BiasTerm       bool
	WeightDataSize int

	Weight *tensor.Tensor // NumOutput x C x KernelH x KernelW
	Bias   *tensor.Tensor

	algo ConvAlgorithm
	// winogradU holds the transformed kernel, NumOutput x C x 16.
	winogradU []float32
}

// LoadParam implements Layer.
func (l *Convolution) LoadParam(pd *param.Dict) error {
	l.NumOutput = pd.GetInt(0, 0)
	l.KernelW = pd.GetInt(1, 0)
	l.KernelH = pd.GetInt(11, l.KernelW)
	l.DilationW = pd.GetInt(2, 1)
	l.DilationH = pd.GetInt(12, l.DilationW)
	l.StrideW = pd.GetInt(3, 1)
	l.StrideH = pd.GetInt(13, l.StrideW)
	l.PadW = pd.GetInt(4, 0)
	l.PadH = pd.GetInt(14, l.PadW)
	l.BiasTerm = pd.GetInt(5, 0) != 0
	l.WeightDataSize = pd.GetInt(6, 0)

	switch {
	case l.NumOutput <= 0 || l.KernelW <= 0 || l.KernelH <= 0:
		return errors.Wrapf(ErrMalformedStructure, "Convolution: num_output %d kernel %dx%d", l.NumOutput, l.KernelH, l.KernelW)
	case l.DilationW <= 0 || l.DilationH <= 0 || l.StrideW <= 0 || l.StrideH <= 0 || l.PadW < 0 || l.PadH < 0:
		return errors.Wrap(ErrMalformedStructure, "Convolution: invalid dilation, stride or pad")
	case l.WeightDataSize <= 0 || !fitsKernel(l.WeightDataSize, l.NumOutput, l.KernelW, l.KernelH):
		return errors.Wrapf(ErrMalformedStructure, "Convolution: weight_data_size %d for num_output %d kernel %dx%d",
			l.WeightDataSize, l.NumOutput, l.KernelH, l.KernelW)
	}
	return nil
}

// fitsKernel reports whether size is a whole multiple of the product of
// factors. The product is built one factor at a time and never exceeds size.
func fitsKernel(size int, factors ...int) bool {
	per := 1
	for _, f := range factors {
		if f > size/per {
			return false
		}
		per *= f
	}
	return size%per == 0
}

// LoadModel implements Layer.
func (l *Convolution) LoadModel(mb ModelBin) error {
	w, err := mb.Load(l.WeightDataSize, WeightTagged)
	if err != nil {
		return errors.Wrap(err, "Convolution weight")
	}
	if w.DType() != tensor.Float32 {
		w.Release()
		return errors.Wrapf(ErrWeightBufferMismatch, "Convolution: %s weights are not supported", w.DType())
	}
	l.Weight = w
	if l.BiasTerm {
		if l.Bias, err = mb.Load(l.NumOutput, WeightFloat32); err != nil {
			return errors.Wrap(err, "Convolution bias")
		}
	}
	return nil
}

// Properties implements Layer.
func (l *Convolution) Properties() Properties {
	return Properties{OneBlobOnly: true}
}

// Algorithm returns the selected implementation.
func (l *Convolution) Algorithm() ConvAlgorithm {
	return l.algo
}

// SelectAlgorithm picks the implementation from the static parameters:
// Winograd F(2x2,3x3) for 3x3 stride-1 undilated kernels, im2col+gemm for
// 1x1 stride-1 kernels, direct otherwise. It must run before the operator is
// shared by sessions.
func (l *Convolution) SelectAlgorithm(opt *Option) {
	l.algo = ConvDirect
	l.winogradU = nil
	switch {
	case opt.UseWinogradConvolution && l.KernelW == 3 && l.KernelH == 3 &&
		l.StrideW == 1 && l.StrideH == 1 && l.DilationW == 1 && l.DilationH == 1:
		if l.Weight != nil {
			l.winogradU = winogradTransformKernel(l.Weight.Float32s(), l.NumOutput, l.inChannels())
			l.algo = ConvWinograd
		}
	case opt.UseSgemmConvolution && l.KernelW == 1 && l.KernelH == 1 && l.StrideW == 1 && l.StrideH == 1:
		l.algo = ConvSgemm
	}
	klog.V(1).Infof("convolution %dx%d s%d d%d -> %s", l.KernelH, l.KernelW, l.StrideW, l.DilationW, l.algo)
}

func (l *Convolution) inChannels() int {
	return l.WeightDataSize / (l.NumOutput * l.KernelW * l.KernelH)
}

// outputSize returns the spatial output extent, or an error when the padded
// input is smaller than the dilated kernel.
func (l *Convolution) outputSize(h, w int) (int, int, error) {
	extH := l.DilationH*(l.KernelH-1) + 1
	extW := l.DilationW*(l.KernelW-1) + 1
	ph, pw := h+2*l.PadH, w+2*l.PadW
	if ph < extH || pw < extW {
		return 0, 0, forwardError("Convolution: input %dx%d smaller than kernel extent %dx%d", h, w, extH, extW)
	}
	return (ph-extH)/l.StrideH + 1, (pw-extW)/l.StrideW + 1, nil
}

// Forward implements Layer.
func (l *Convolution) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("Convolution", bottoms)
	if err != nil {
		return nil, err
	}
	if err := requireDType("Convolution", in, tensor.Float32); err != nil {
		return nil, err
	}
	if l.Weight == nil {
		return nil, forwardError("Convolution: weights not loaded")
	}
	shape := in.Shape()
	if len(shape) != 3 || shape[0] != l.inChannels() {
		return nil, forwardError("Convolution: input %v, want {%d, H, W}", shape, l.inChannels())
	}
	outH, outW, err := l.outputSize(shape[1], shape[2])
	if err != nil {
		return nil, err
	}
	flat, err := unpacked(in, opt)
	if err != nil {
		return nil, forwardError("Convolution: %v", err)
	}
	defer flat.Release()

	out, err := tensor.New(tensor.Shape{l.NumOutput, outH, outW}, tensor.Float32, opt.Blob())
	if err != nil {
		return nil, forwardError("Convolution: %v", err)
	}
	g := convGeometry{c: shape[0], h: shape[1], w: shape[2], outH: outH, outW: outW}
	switch l.algo {
	case ConvWinograd:
		l.forwardWinograd(flat.Float32s(), out.Float32s(), g, opt)
	case ConvSgemm:
		l.forwardSgemm(flat.Float32s(), out.Float32s(), g, opt)
	default:
		l.forwardDirect(flat.Float32s(), out.Float32s(), g, opt)
	}
	return []*tensor.Tensor{out}, nil
}

type convGeometry struct {
	c, h, w    int
	outH, outW int
}

func (l *Convolution) bias(oc int) float32 {
	if l.Bias == nil {
		return 0
	}
	return l.Bias.Float32s()[oc]
}

func (l *Convolution) forwardDirect(x, y []float32, g convGeometry, opt *Option) {
	w := l.Weight.Float32s()
	kSize := l.KernelH * l.KernelW
	parallel.For(l.NumOutput, func(oc int) {
		dst := y[oc*g.outH*g.outW : (oc+1)*g.outH*g.outW]
		for oy := 0; oy < g.outH; oy++ {
			for ox := 0; ox < g.outW; ox++ {
				sum := l.bias(oc)
				for ic := 0; ic < g.c; ic++ {
					kernel := w[(oc*g.c+ic)*kSize:]
					plane := x[ic*g.h*g.w:]
					for ky := 0; ky < l.KernelH; ky++ {
						iy := oy*l.StrideH + ky*l.DilationH - l.PadH
						if iy < 0 || iy >= g.h {
							continue
						}
						for kx := 0; kx < l.KernelW; kx++ {
							ix := ox*l.StrideW + kx*l.DilationW - l.PadW
							if ix < 0 || ix >= g.w {
								continue
							}
							sum += kernel[ky*l.KernelW+kx] * plane[iy*g.w+ix]
						}
					}
				}
				dst[oy*g.outW+ox] = sum
			}
		}
	}, opt.Parallel())
}

// forwardSgemm lowers the input with im2col into the workspace and multiplies
// by the weight matrix.
func (l *Convolution) forwardSgemm(x, y []float32, g convGeometry, opt *Option) {
	kSize := l.KernelH * l.KernelW
	rows, cols := g.c*kSize, g.outH*g.outW

	ws, err := tensor.New(tensor.Shape{rows, cols}, tensor.Float32, opt.Workspace())
	if err != nil {
		// Shape is validated above; fall back to the direct loop.
		l.forwardDirect(x, y, g, opt)
		return
	}
	defer ws.Release()
	col := ws.Float32s()

	parallel.For(rows, func(r int) {
		ic, k := r/kSize, r%kSize
		ky, kx := k/l.KernelW, k%l.KernelW
		dst := col[r*cols : (r+1)*cols]
		plane := x[ic*g.h*g.w:]
		for oy := 0; oy < g.outH; oy++ {
			iy := oy*l.StrideH + ky*l.DilationH - l.PadH
			for ox := 0; ox < g.outW; ox++ {
				ix := ox*l.StrideW + kx*l.DilationW - l.PadW
				if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
					dst[oy*g.outW+ox] = 0
					continue
				}
				dst[oy*g.outW+ox] = plane[iy*g.w+ix]
			}
		}
	}, opt.Parallel())

	w := l.Weight.Float32s()
	parallel.For(l.NumOutput, func(oc int) {
		dst := y[oc*cols : (oc+1)*cols]
		b := l.bias(oc)
		for p := range dst {
			dst[p] = b
		}
		row := w[oc*rows : (oc+1)*rows]
		for r, wv := range row {
			src := col[r*cols : (r+1)*cols]
			for p, v := range src {
				dst[p] += wv * v
			}
		}
	}, opt.Parallel())
}
