package layer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/parallel"
	"github.com/born-ml/netrun/internal/tensor"
)

// float2int8 rounds half away from zero and saturates to [-127, 127].
func float2int8(v float32) int8 {
	r := math.Round(float64(v))
	if r > 127 {
		return 127
	}
	if r < -127 {
		return -127
	}
	return int8(r)
}

// biasAt returns the bias for outer channel c: a scalar bias applies everywhere.
func biasAt(bias []float32, c int) float32 {
	switch len(bias) {
	case 0:
		return 0
	case 1:
		return bias[0]
	default:
		return bias[c]
	}
}

// channelOf maps a flat element index to its outer channel for packing elempack.
func channelOf(i, inner, elempack int) int {
	if elempack == 4 {
		g := i / 4
		return (g/inner)*4 + i%4
	}
	return i / inner
}

func checkBias(name string, bias []float32, t *tensor.Tensor) error {
	if len(bias) > 1 && len(bias) != t.Shape().Outer() {
		return forwardError("%s: %d bias values for %d channels", name, len(bias), t.Shape().Outer())
	}
	return nil
}

// Quantize converts float32 to int8: round(x * scale).
type Quantize struct {
	Scale float32
}

// LoadParam implements Layer.
func (l *Quantize) LoadParam(pd *param.Dict) error {
	l.Scale = pd.GetFloat(0, 1)
	return nil
}

// LoadModel implements Layer.
func (l *Quantize) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (l *Quantize) Properties() Properties {
	return Properties{OneBlobOnly: true}
}

// Forward implements Layer.
func (l *Quantize) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("Quantize", bottoms)
	if err != nil {
		return nil, err
	}
	if err := requireDType("Quantize", in, tensor.Float32); err != nil {
		return nil, err
	}
	out, err := tensor.NewPacked(in.Shape(), tensor.Int8, in.Elempack(), opt.Blob())
	if err != nil {
		return nil, forwardError("Quantize: %v", err)
	}
	src, dst := in.Float32s(), out.Int8s()
	parallel.For(len(src), func(i int) {
		dst[i] = float2int8(src[i] * l.Scale)
	}, opt.Parallel())
	return []*tensor.Tensor{out}, nil
}

// Dequantize converts int8 to float32: x * scale + bias.
type Dequantize struct {
	Scale        float32
	BiasTerm     bool
	BiasDataSize int

	Bias *tensor.Tensor
}

// LoadParam implements Layer.
func (l *Dequantize) LoadParam(pd *param.Dict) error {
	l.Scale = pd.GetFloat(0, 1)
	l.BiasTerm = pd.GetInt(1, 0) != 0
	l.BiasDataSize = pd.GetInt(2, 0)
	if l.BiasTerm && l.BiasDataSize <= 0 {
		return errors.Wrapf(ErrMalformedStructure, "Dequantize: bias_data_size %d", l.BiasDataSize)
	}
	return nil
}

// LoadModel implements Layer.
func (l *Dequantize) LoadModel(mb ModelBin) error {
	if !l.BiasTerm {
		return nil
	}
	b, err := mb.Load(l.BiasDataSize, WeightFloat32)
	if err != nil {
		return errors.Wrap(err, "Dequantize bias")
	}
	l.Bias = b
	return nil
}

// Properties implements Layer.
func (l *Dequantize) Properties() Properties {
	return Properties{OneBlobOnly: true}
}

func (l *Dequantize) biasValues() []float32 {
	if l.Bias == nil {
		return nil
	}
	return l.Bias.Float32s()
}

// Forward implements Layer.
func (l *Dequantize) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("Dequantize", bottoms)
	if err != nil {
		return nil, err
	}
	if err := requireDType("Dequantize", in, tensor.Int8); err != nil {
		return nil, err
	}
	bias := l.biasValues()
	if err := checkBias("Dequantize", bias, in); err != nil {
		return nil, err
	}
	out, err := tensor.NewPacked(in.Shape(), tensor.Float32, in.Elempack(), opt.Blob())
	if err != nil {
		return nil, forwardError("Dequantize: %v", err)
	}
	src, dst := in.Int8s(), out.Float32s()
	inner, pack := in.Shape().Inner(), in.Elempack()
	parallel.For(len(src), func(i int) {
		// Explicit conversion keeps the product rounded, matching Requantize.
		dst[i] = float32(float32(src[i])*l.Scale) + biasAt(bias, channelOf(i, inner, pack))
	}, opt.Parallel())
	return []*tensor.Tensor{out}, nil
}

// Requantize converts int8 to int8 with a new scale:
// round(act(x * ScaleIn + bias) * ScaleOut), act being ReLU when FusionReLU is set.
type Requantize struct {
	ScaleIn      float32
	ScaleOut     float32
	BiasTerm     bool
	BiasDataSize int
	FusionReLU   bool

	Bias *tensor.Tensor
}

// NewRequantize builds the operator replacing a Dequantize [-> ReLU] -> Quantize chain.
func NewRequantize(deq *Dequantize, q *Quantize, relu bool) *Requantize {
	r := &Requantize{
		ScaleIn:      deq.Scale,
		ScaleOut:     q.Scale,
		BiasTerm:     deq.BiasTerm,
		BiasDataSize: deq.BiasDataSize,
		FusionReLU:   relu,
	}
	if deq.Bias != nil {
		r.Bias = deq.Bias.Clone()
	}
	return r
}

// LoadParam implements Layer.
func (l *Requantize) LoadParam(pd *param.Dict) error {
	l.ScaleIn = pd.GetFloat(0, 1)
	l.ScaleOut = pd.GetFloat(1, 1)
	l.BiasTerm = pd.GetInt(2, 0) != 0
	l.BiasDataSize = pd.GetInt(3, 0)
	l.FusionReLU = pd.GetInt(4, 0) != 0
	if l.BiasTerm && l.BiasDataSize <= 0 {
		return errors.Wrapf(ErrMalformedStructure, "Requantize: bias_data_size %d", l.BiasDataSize)
	}
	return nil
}

// LoadModel implements Layer.
func (l *Requantize) LoadModel(mb ModelBin) error {
	if !l.BiasTerm {
		return nil
	}
	b, err := mb.Load(l.BiasDataSize, WeightFloat32)
	if err != nil {
		return errors.Wrap(err, "Requantize bias")
	}
	l.Bias = b
	return nil
}

// Properties implements Layer.
func (l *Requantize) Properties() Properties {
	return Properties{OneBlobOnly: true}
}

// Forward implements Layer.
func (l *Requantize) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("Requantize", bottoms)
	if err != nil {
		return nil, err
	}
	if err := requireDType("Requantize", in, tensor.Int8); err != nil {
		return nil, err
	}
	var bias []float32
	if l.Bias != nil {
		bias = l.Bias.Float32s()
	}
	if err := checkBias("Requantize", bias, in); err != nil {
		return nil, err
	}
	out, err := tensor.NewPacked(in.Shape(), tensor.Int8, in.Elempack(), opt.Blob())
	if err != nil {
		return nil, forwardError("Requantize: %v", err)
	}
	src, dst := in.Int8s(), out.Int8s()
	inner, pack := in.Shape().Inner(), in.Elempack()
	parallel.For(len(src), func(i int) {
		v := float32(float32(src[i])*l.ScaleIn) + biasAt(bias, channelOf(i, inner, pack))
		if l.FusionReLU && v < 0 {
			v = 0
		}
		dst[i] = float2int8(v * l.ScaleOut)
	}, opt.Parallel())
	return []*tensor.Tensor{out}, nil
}
