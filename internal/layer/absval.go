package layer

import (
	"math"

	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/parallel"
	"github.com/born-ml/netrun/internal/tensor"
)

// AbsVal computes |x|. It has no device implementation.
type AbsVal struct{}

// LoadParam implements Layer.
func (l *AbsVal) LoadParam(*param.Dict) error { return nil }

// LoadModel implements Layer.
func (l *AbsVal) LoadModel(ModelBin) error { return nil }

// Properties implements Layer.
func (l *AbsVal) Properties() Properties {
	return Properties{OneBlobOnly: true, SupportInplace: true}
}

// Forward implements Layer.
func (l *AbsVal) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	in, err := singleInput("AbsVal", bottoms)
	if err != nil {
		return nil, err
	}
	if err := requireDType("AbsVal", in, tensor.Float32); err != nil {
		return nil, err
	}
	out := in.Copy(opt.Blob())
	if err := l.ForwardInplace(out, opt); err != nil {
		out.Release()
		return nil, err
	}
	return []*tensor.Tensor{out}, nil
}

// ForwardInplace implements InplaceLayer.
func (l *AbsVal) ForwardInplace(t *tensor.Tensor, opt *Option) error {
	if err := requireDType("AbsVal", t, tensor.Float32); err != nil {
		return err
	}
	data := t.Float32s()
	parallel.For(len(data), func(i int) {
		data[i] = float32(math.Abs(float64(data[i])))
	}, opt.Parallel())
	return nil
}
