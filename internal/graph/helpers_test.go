package graph

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/tensor"
)

func init() {
	klog.InitFlags(nil)
}

// weights packs float32 regions into a 4-byte aligned buffer.
type weights struct {
	words []uint32
}

func (w *weights) tagged(v ...float32) *weights {
	w.words = append(w.words, 0)
	return w.raw(v...)
}

func (w *weights) raw(v ...float32) *weights {
	for _, f := range v {
		w.words = append(w.words, math.Float32bits(f))
	}
	return w
}

func (w *weights) bytes() []byte {
	if len(w.words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&w.words[0])), len(w.words)*4)
}

func testOptions() Options {
	return Options{
		LightMode:              true,
		NumThreads:             2,
		UseWinogradConvolution: true,
		UseSgemmConvolution:    true,
		UseInt8Inference:       true,
		UsePackingLayout:       true,
		EnableFusion:           true,
	}
}

// load builds a ready graph from a text structure and a weight buffer.
func load(t *testing.T, opts Options, structure string, w []byte) *Graph {
	t.Helper()
	g := New(opts)
	n, err := g.LoadParamMem([]byte(structure))
	require.NoError(t, err)
	require.Equal(t, len(structure), n)
	_, err = g.LoadModelMem(w)
	require.NoError(t, err)
	return g
}

func floats(t *testing.T, shape tensor.Shape, v ...float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromFloat32(shape, v)
	require.NoError(t, err)
	return out
}

func run(t *testing.T, g *Graph, in map[string]*tensor.Tensor, out string) []float32 {
	t.Helper()
	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	for name, v := range in {
		require.NoError(t, s.InputByName(name, v))
	}
	res, err := s.ExtractByName(out)
	require.NoError(t, err)
	return res.Float32s()
}

// sentinel is a custom operator writing a constant the built-ins never produce.
type sentinel struct {
	layer.Base
	value float32
}

func (l *sentinel) Forward(bottoms []*tensor.Tensor, opt *layer.Option) ([]*tensor.Tensor, error) {
	out, err := tensor.New(bottoms[0].Shape(), tensor.Float32, opt.Blob())
	if err != nil {
		return nil, err
	}
	for i := range out.Float32s() {
		out.Float32s()[i] = l.value
	}
	return []*tensor.Tensor{out}, nil
}

// counter passes its input through and counts invocations.
type counter struct {
	layer.Base
	calls *int
}

func (l *counter) Forward(bottoms []*tensor.Tensor, _ *layer.Option) ([]*tensor.Tensor, error) {
	*l.calls++
	return []*tensor.Tensor{bottoms[0].Clone()}, nil
}
