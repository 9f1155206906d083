package layer

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/tensor"
)

// weightWriter assembles a 4-byte aligned weight buffer.
type weightWriter struct {
	words []uint32
}

func (w *weightWriter) floats(v ...float32) *weightWriter {
	for _, f := range v {
		w.words = append(w.words, math.Float32bits(f))
	}
	return w
}

func (w *weightWriter) word(v uint32) *weightWriter {
	w.words = append(w.words, v)
	return w
}

func (w *weightWriter) raw(b []byte) *weightWriter {
	padded := make([]byte, (len(b)+3)&^3)
	copy(padded, b)
	for i := 0; i < len(padded); i += 4 {
		w.words = append(w.words, binary.LittleEndian.Uint32(padded[i:]))
	}
	return w
}

func (w *weightWriter) bytes() []byte {
	if len(w.words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&w.words[0])), len(w.words)*4)
}

func dict(kv map[int]any) *param.Dict {
	d := param.NewDict()
	for k, v := range kv {
		switch x := v.(type) {
		case int:
			d.SetInt(k, x)
		case float32:
			d.SetFloat(k, x)
		case float64:
			d.SetFloat(k, float32(x))
		}
	}
	return d
}

func randomTensor(t *testing.T, rng *rand.Rand, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	out, err := tensor.FromFloat32(shape, data)
	require.NoError(t, err)
	return out
}

func newLayer(t *testing.T, l Layer, pd *param.Dict, weights ...*tensor.Tensor) Layer {
	t.Helper()
	require.NoError(t, l.LoadParam(pd))
	require.NoError(t, l.LoadModel(NewArrayModelBin(weights...)))
	return l
}

func forward1(t *testing.T, l Layer, opt *Option, in ...*tensor.Tensor) *tensor.Tensor {
	t.Helper()
	out, err := l.Forward(in, opt)
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func defaultOption() *Option {
	return &Option{NumThreads: 2, LightMode: true}
}
