package graph

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/param"
	"github.com/born-ml/netrun/internal/tensor"
)

const mlpText = `7767517
4 4
Input        data   0 1 data 0=4
InnerProduct fc     1 1 data fc 0=8 1=1 2=32
ReLU         relu   1 1 fc relu 0=0.1
BinaryOp     scale  1 1 relu out 0=2 1=1 2=0.5
`

// mlpWeights returns fc weights (row o holds o+1 at column o%4) and bias -o.
func mlpWeights() (*weights, []float32, []float32) {
	w := make([]float32, 32)
	b := make([]float32, 8)
	for o := 0; o < 8; o++ {
		w[o*4+o%4] = float32(o + 1)
		b[o] = -float32(o)
	}
	ww := &weights{}
	ww.tagged(w...).raw(b...)
	return ww, w, b
}

func mlpReference(x, w, b []float32) []float32 {
	out := make([]float32, 8)
	for o := range out {
		sum := b[o]
		for i := range x {
			sum += w[o*4+i] * x[i]
		}
		if sum < 0 {
			sum *= 0.1
		}
		out[o] = sum * 0.5
	}
	return out
}

func TestLoadStructureIdempotent(t *testing.T) {
	ww, _, _ := mlpWeights()
	g1 := load(t, testOptions(), mlpText, ww.bytes())
	g2 := load(t, testOptions(), mlpText, ww.bytes())

	assert.Equal(t, 4, g1.LayerCount())
	assert.Equal(t, 4, g1.SlotCount())
	assert.Equal(t, g1.SlotCount(), g2.SlotCount())
	ignoreInstance := cmpopts.IgnoreFields(LayerInfo{}, "Layer")
	if diff := cmp.Diff(g1.Layers(), g2.Layers(), ignoreInstance); diff != "" {
		t.Errorf("layers differ (-g1 +g2):\n%s", diff)
	}
	if diff := cmp.Diff(g1.Slots(), g2.Slots()); diff != "" {
		t.Errorf("slots differ (-g1 +g2):\n%s", diff)
	}
	assert.Equal(t, []int{0}, g1.Inputs())
	assert.Equal(t, []int{3}, g1.Outputs())
}

func TestLoadBinaryMatchesText(t *testing.T) {
	s, _, err := param.ParseTextMem([]byte(mlpText))
	require.NoError(t, err)
	bin, err := param.AppendBinary(nil, s, func(d param.Decl) (int, error) {
		idx, ok := layer.BuiltinIndex(d.TypeName)
		if !ok {
			return 0, errors.Errorf("no index for %s", d.TypeName)
		}
		return idx, nil
	})
	require.NoError(t, err)

	ww, w, b := mlpWeights()
	text := load(t, testOptions(), mlpText, ww.bytes())
	g := New(testOptions())
	n, err := g.LoadParamBinMem(bin)
	require.NoError(t, err)
	assert.Equal(t, len(bin), n)
	_, err = g.LoadModelMem(ww.bytes())
	require.NoError(t, err)

	ignore := cmpopts.IgnoreFields(LayerInfo{}, "Layer", "Name")
	if diff := cmp.Diff(text.Layers(), g.Layers(), ignore); diff != "" {
		t.Errorf("layers differ (-text +binary):\n%s", diff)
	}

	// The binary variant has no names, so address slots by index.
	x := []float32{1, -2, 3, -4}
	sess, err := g.NewSession()
	require.NoError(t, err)
	defer sess.Release()
	require.NoError(t, sess.Input(0, floats(t, tensor.Shape{4}, x...)))
	out, err := sess.Extract(3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, mlpReference(x, w, b), out.Float32s(), 1e-6)
	_, err = sess.ExtractByName("out")
	assert.True(t, errors.Is(err, layer.ErrUnknownSlotName))
}

func TestLoadParamMemChained(t *testing.T) {
	buf := append([]byte(mlpText), mlpText...)
	g1, g2 := New(testOptions()), New(testOptions())
	n, err := g1.LoadParamMem(buf)
	require.NoError(t, err)
	require.Equal(t, len(mlpText), n)
	_, err = g2.LoadParamMem(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, g1.LayerCount(), g2.LayerCount())
}

func TestUnknownOperatorType(t *testing.T) {
	const text = `7767517
3 3
Input   data 0 1 data
ReLU    relu 1 1 data r
Bogus   b    1 1 r out
`
	g := New(testOptions())
	_, err := g.LoadParamMem([]byte(text))
	require.Error(t, err)
	assert.True(t, errors.Is(err, layer.ErrUnknownOperatorType), err)
	assert.Zero(t, g.LayerCount())
	assert.Zero(t, g.SlotCount())

	_, err = g.LoadModelMem(nil)
	assert.True(t, errors.Is(err, layer.ErrGraphNotReady))
	_, err = g.NewSession()
	assert.True(t, errors.Is(err, layer.ErrGraphNotReady))

	s := &param.Structure{
		Decls:     []param.Decl{{TypeIndex: 200, Inputs: []int{}, Outputs: []int{0}, Params: param.NewDict()}},
		SlotNames: []string{""},
	}
	bin, err := param.AppendBinary(nil, s, func(d param.Decl) (int, error) { return d.TypeIndex, nil })
	require.NoError(t, err)
	_, err = New(testOptions()).LoadParamBinMem(bin)
	assert.True(t, errors.Is(err, layer.ErrUnknownOperatorType), err)
}

func TestMalformedStructure(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"bad magic", "1234\n1 1\nInput data 0 1 data\n"},
		{"produced twice", "7767517\n2 1\nInput a 0 1 data\nInput b 0 1 data\n"},
		{"bad params", "7767517\n2 2\nInput data 0 1 data\nInnerProduct fc 1 1 data fc 0=0\n"},
		{"kernel size overflow", "7767517\n2 2\nInput data 0 1 data\nConvolution c 1 1 data out 0=1073741824 1=131072 11=131072 6=1\n"},
		{"kernel larger than weights", "7767517\n2 2\nInput data 0 1 data\nConvolution c 1 1 data out 0=2 1=3 6=9\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(testOptions()).LoadParamMem([]byte(tt.text))
			assert.True(t, errors.Is(err, layer.ErrMalformedStructure), err)
		})
	}
}

func TestWeightBufferMismatch(t *testing.T) {
	ww, _, _ := mlpWeights()
	data := ww.bytes()

	t.Run("truncated", func(t *testing.T) {
		g := New(testOptions())
		_, err := g.LoadParamMem([]byte(mlpText))
		require.NoError(t, err)
		_, err = g.LoadModelMem(data[:len(data)-4])
		assert.True(t, errors.Is(err, layer.ErrWeightBufferMismatch), err)
		_, err = g.NewSession()
		assert.True(t, errors.Is(err, layer.ErrGraphNotReady))
	})

	t.Run("misaligned", func(t *testing.T) {
		g := New(testOptions())
		_, err := g.LoadParamMem([]byte(mlpText))
		require.NoError(t, err)
		shifted := append([]byte{0}, data...)
		_, err = g.LoadModelMem(shifted[1:])
		if err == nil {
			t.Skip("allocation happened to be aligned at offset 1")
		}
		assert.True(t, errors.Is(err, layer.ErrWeightBufferMismatch), err)
	})

	t.Run("unknown tag", func(t *testing.T) {
		g := New(testOptions())
		_, err := g.LoadParamMem([]byte(mlpText))
		require.NoError(t, err)
		bad := &weights{words: append([]uint32{0xdeadbeef}, ww.words[1:]...)}
		_, err = g.LoadModelMem(bad.bytes())
		assert.True(t, errors.Is(err, layer.ErrWeightBufferMismatch), err)
	})
}

func TestLoadModelSources(t *testing.T) {
	ww, w, b := mlpWeights()
	x := []float32{0.5, 1, -1, 2}
	want := mlpReference(x, w, b)

	path := filepath.Join(t.TempDir(), "mlp.bin")
	require.NoError(t, os.WriteFile(path, ww.bytes(), 0o600))
	paramPath := filepath.Join(t.TempDir(), "mlp.param")
	require.NoError(t, os.WriteFile(paramPath, []byte(mlpText), 0o600))

	fromFile := New(testOptions())
	require.NoError(t, fromFile.LoadParamFile(paramPath))
	require.NoError(t, fromFile.LoadModelFile(path))
	assert.InDeltaSlice(t, want, run(t, fromFile, map[string]*tensor.Tensor{"data": floats(t, tensor.Shape{4}, x...)}, "out"), 1e-6)
	require.NoError(t, fromFile.Clear())

	fromReader := New(testOptions())
	_, err := fromReader.LoadParam(bytes.NewReader([]byte(mlpText)))
	require.NoError(t, err)
	n, err := fromReader.LoadModel(bytes.NewReader(ww.bytes()))
	require.NoError(t, err)
	assert.Equal(t, len(ww.bytes()), n)
	assert.InDeltaSlice(t, want, run(t, fromReader, map[string]*tensor.Tensor{"data": floats(t, tensor.Shape{4}, x...)}, "out"), 1e-6)
}

func TestClearWithOutstandingSession(t *testing.T) {
	ww, _, _ := mlpWeights()
	g := load(t, testOptions(), mlpText, ww.bytes())

	s, err := g.NewSession()
	require.NoError(t, err)
	err = g.Clear()
	assert.True(t, errors.Is(err, layer.ErrSessionsOutstanding), err)
	_, err = g.LoadParamMem([]byte(mlpText))
	assert.True(t, errors.Is(err, layer.ErrSessionsOutstanding), err)

	s.Release()
	s.Release()
	require.NoError(t, g.Clear())
	assert.Zero(t, g.LayerCount())
	_, err = g.NewSession()
	assert.True(t, errors.Is(err, layer.ErrGraphNotReady))

	// A cleared graph can be loaded again.
	_, err = g.LoadParamMem([]byte(mlpText))
	require.NoError(t, err)
	_, err = g.LoadModelMem(ww.bytes())
	require.NoError(t, err)
	assert.True(t, g.Ready())
}

func TestCustomOperatorOverride(t *testing.T) {
	ww, _, _ := mlpWeights()
	g := New(testOptions())
	require.NoError(t, g.RegisterCustomLayer(layer.TypeReLU, func() layer.Layer { return &sentinel{value: -777} }))
	_, err := g.LoadParamMem([]byte(mlpText))
	require.NoError(t, err)
	_, err = g.LoadModelMem(ww.bytes())
	require.NoError(t, err)

	out := run(t, g, map[string]*tensor.Tensor{"data": floats(t, tensor.Shape{4}, 1, 2, 3, 4)}, "out")
	for _, v := range out {
		assert.Equal(t, float32(-777*0.5), v)
	}

	// Other graphs keep the built-in.
	plain := load(t, testOptions(), mlpText, ww.bytes())
	for _, v := range run(t, plain, map[string]*tensor.Tensor{"data": floats(t, tensor.Shape{4}, 1, 2, 3, 4)}, "out") {
		assert.NotEqual(t, float32(-777*0.5), v)
	}

	assert.Error(t, g.RegisterCustomLayer(layer.TypeReLU, func() layer.Layer { return &sentinel{} }))
}

func TestCustomOperatorByName(t *testing.T) {
	const text = `7767517
2 2
Input   data 0 1 data
MyOp    my   1 1 data out
`
	g := New(testOptions())
	idx, err := g.RegisterCustomLayerByName("MyOp", func() layer.Layer { return &sentinel{value: 9} })
	require.NoError(t, err)
	assert.Equal(t, layer.CustomBit, idx)
	_, err = g.LoadParamMem([]byte(text))
	require.NoError(t, err)
	_, err = g.LoadModelMem(nil)
	require.NoError(t, err)

	assert.Equal(t, "MyOp", g.Layers()[1].TypeName)
	assert.Equal(t, idx, g.Layers()[1].Type)
	li, err := g.LayerIndex("my")
	require.NoError(t, err)
	assert.Equal(t, 1, li)
	assert.Equal(t, []float32{9, 9}, run(t, g, map[string]*tensor.Tensor{"data": floats(t, tensor.Shape{2}, 1, 2)}, "out"))
}

func TestSetDeviceAfterLoad(t *testing.T) {
	ww, _, _ := mlpWeights()
	g := load(t, testOptions(), mlpText, ww.bytes())
	assert.Error(t, g.SetDevice(nil))
}
