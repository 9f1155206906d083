package graph

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/tensor"
)

const deviceText = `7767517
5 6
Input        data   0 1 data 0=4
InnerProduct fc     1 1 data fc 0=8 1=1 2=32
ReLU         relu   1 1 fc relu 0=0.1
Split        split  1 2 relu s1 s2
BinaryOp     add    2 1 s1 s2 out 0=0
`

func deviceReference(x []float32) []float32 {
	_, w, b := mlpWeights()
	ref := mlpReference(x, w, b)
	for i := range ref {
		ref[i] *= 4 // mlpReference halves, the split branches add up to 2x
	}
	return ref
}

func loadOnDevice(t *testing.T, dev gpu.Device, opts Options, text string, w []byte) *Graph {
	t.Helper()
	opts.UseGPUCompute = true
	g := New(opts)
	require.NoError(t, g.SetDevice(dev))
	_, err := g.LoadParamMem([]byte(text))
	require.NoError(t, err)
	_, err = g.LoadModelMem(w)
	require.NoError(t, err)
	return g
}

func TestDeviceMatchesHost(t *testing.T) {
	ww, _, _ := mlpWeights()
	x := []float32{1.5, -2, 0.25, 3}
	want := deviceReference(x)

	for _, tc := range []struct {
		fp16, packing bool
		delta         float64
	}{
		{false, false, 1e-5},
		{false, true, 1e-5},
		{true, false, 0.05},
		{true, true, 0.05},
	} {
		t.Run(fmt.Sprintf("fp16=%v/packing=%v", tc.fp16, tc.packing), func(t *testing.T) {
			dev := gpu.NewSoftDevice(2)
			defer dev.Release()
			opts := testOptions()
			opts.UseFP16Storage = tc.fp16
			opts.UsePackingLayout = tc.packing
			g := loadOnDevice(t, dev, opts, deviceText, ww.bytes())

			s, err := g.NewSession()
			require.NoError(t, err)
			assert.True(t, s.Option().UseGPUCompute)
			require.NoError(t, s.InputByName("data", floats(t, tensor.Shape{4}, x...)))
			out, err := s.ExtractByName("out")
			require.NoError(t, err)
			assert.Equal(t, tensor.Float32, out.DType())
			assert.Equal(t, 1, out.Elempack())
			assert.InDeltaSlice(t, want, out.Float32s(), tc.delta)
			assert.Equal(t, 1, s.Stats().Submits)

			// A second extract of the same slot is served from the cache.
			_, err = s.ExtractByName("out")
			require.NoError(t, err)
			assert.Equal(t, 1, s.Stats().Submits)

			cpu, err := g.NewSession()
			require.NoError(t, err)
			cpu.SetGPUCompute(false)
			require.NoError(t, cpu.InputByName("data", floats(t, tensor.Shape{4}, x...)))
			host, err := cpu.ExtractByName("out")
			require.NoError(t, err)
			assert.InDeltaSlice(t, host.Float32s(), out.Float32s(), tc.delta)

			s.Release()
			cpu.Release()
			assert.Positive(t, dev.LivePipelines())
			require.NoError(t, g.Clear())
			assert.Zero(t, dev.LivePipelines())
			assert.Zero(t, dev.LiveBuffers())
		})
	}
}

func TestDeviceSessionsConcurrent(t *testing.T) {
	ww, _, _ := mlpWeights()
	dev := gpu.NewSoftDevice(2)
	defer dev.Release()
	g := loadOnDevice(t, dev, testOptions(), deviceText, ww.bytes())
	defer func() {
		require.NoError(t, g.Clear())
	}()

	const workers = 4
	results := make([][]float32, workers)
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			s, err := g.NewSession()
			if err != nil {
				return err
			}
			defer s.Release()
			in, err := tensor.FromFloat32(tensor.Shape{4}, []float32{float32(i), 1, -1, 0.5})
			if err != nil {
				return err
			}
			if err := s.InputByName("data", in); err != nil {
				return err
			}
			out, err := s.ExtractByName("out")
			if err != nil {
				return err
			}
			results[i] = out.Float32s()
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for i, r := range results {
		assert.InDeltaSlice(t, deviceReference([]float32{float32(i), 1, -1, 0.5}), r, 0.05, "worker %d", i)
	}
}

func TestDeviceUnsupportedOperator(t *testing.T) {
	const text = `7767517
3 3
Input  data 0 1 data
ReLU   relu 1 1 data r
AbsVal abs  1 1 r out
`
	dev := gpu.NewSoftDevice(1)
	defer dev.Release()
	g := loadOnDevice(t, dev, testOptions(), text, nil)

	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	require.NoError(t, s.InputByName("data", floats(t, tensor.Shape{2}, -1, 2)))
	_, err = s.ExtractByName("out")
	assert.True(t, errors.Is(err, layer.ErrDeviceCapabilityUnavailable), err)

	// The supported prefix still works, and the host path runs everything.
	r, err := s.ExtractByName("r")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 2}, r.Float32s())
	s.SetGPUCompute(false)
	out, err := s.ExtractByName("out")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 2}, out.Float32s())
}

func TestGPUComputeWithoutDevice(t *testing.T) {
	opts := testOptions()
	opts.UseGPUCompute = true
	g := load(t, opts, chainText(1), nil)

	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	assert.False(t, s.Option().UseGPUCompute)
	require.NoError(t, s.InputByName("data", floats(t, tensor.Shape{1}, 3)))

	s.SetGPUCompute(true)
	_, err = s.ExtractByName("r1")
	assert.True(t, errors.Is(err, layer.ErrDeviceCapabilityUnavailable), err)
	_, err = s.ExtractDevice(1, nil)
	assert.True(t, errors.Is(err, layer.ErrDeviceCapabilityUnavailable), err)

	s.SetGPUCompute(false)
	r1, err := s.ExtractByName("r1")
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, r1.Float32s())
}

func TestExtractDeviceOnCallerCommand(t *testing.T) {
	ww, _, _ := mlpWeights()
	dev := gpu.NewSoftDevice(2)
	defer dev.Release()
	opts := testOptions()
	opts.UseFP16Storage = false
	opts.UsePackingLayout = false
	g := loadOnDevice(t, dev, opts, deviceText, ww.bytes())
	defer func() {
		require.NoError(t, g.Clear())
	}()

	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	x := []float32{2, 0, -1, 1}
	out, err := g.SlotIndex("out")
	require.NoError(t, err)

	cmd := dev.NewCommand()
	pool := gpu.NewBufferPool(dev)
	defer pool.Clear()
	in, err := gpu.Upload(cmd, floats(t, tensor.Shape{4}, x...), pool)
	require.NoError(t, err)
	require.NoError(t, s.InputDevice(0, in))
	in.Release()

	d, err := s.ExtractDevice(out, cmd)
	require.NoError(t, err)
	host, err := tensor.New(d.Shape(), d.DType(), nil)
	require.NoError(t, err)
	require.NoError(t, gpu.Download(cmd, d, host))
	d.Release()
	require.NoError(t, cmd.SubmitAndWait())
	assert.InDeltaSlice(t, deviceReference(x), host.Float32s(), 1e-5)
	assert.Zero(t, s.Stats().Submits)
}

func TestDeviceFailureKeepsEviction(t *testing.T) {
	const text = `7767517
5 5
Input    data 0 1 data
ReLU     r1   1 1 data r1
ReLU     r2   1 1 r1 r2
AbsVal   abs  1 1 data a
BinaryOp add  2 1 r2 a out 0=0
`
	dev := gpu.NewSoftDevice(1)
	defer dev.Release()
	g := loadOnDevice(t, dev, testOptions(), text, nil)

	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	s.SetLightMode(true)
	require.NoError(t, s.InputByName("data", floats(t, tensor.Shape{2}, -1, 2)))

	// r1 is recorded and consumed before abs fails.
	_, err = s.ExtractByName("out")
	require.True(t, errors.Is(err, layer.ErrDeviceCapabilityUnavailable), err)
	assert.Equal(t, 1, s.Stats().Evictions)

	r2, err := s.ExtractByName("r2")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 2}, r2.Float32s())
	r1, err := g.SlotIndex("r1")
	require.NoError(t, err)
	assert.False(t, s.held(r1))
	assert.Equal(t, 2, s.Stats().Evictions)
}

func TestDiscardDeviceAfterReset(t *testing.T) {
	ww, _, _ := mlpWeights()
	dev := gpu.NewSoftDevice(2)
	defer dev.Release()
	opts := testOptions()
	opts.UseFP16Storage = false
	opts.UsePackingLayout = false
	g := loadOnDevice(t, dev, opts, deviceText, ww.bytes())
	defer func() {
		require.NoError(t, g.Clear())
	}()

	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	x := []float32{1, -1, 0.5, 2}
	require.NoError(t, s.InputByName("data", floats(t, tensor.Shape{4}, x...)))
	out, err := g.SlotIndex("out")
	require.NoError(t, err)

	cmd := dev.NewCommand()
	d, err := s.ExtractDevice(out, cmd)
	require.NoError(t, err)
	d.Release()
	cmd.Reset()
	s.DiscardDevice()
	assert.Nil(t, s.device[out])
	assert.Nil(t, s.device[0])
	assert.NotNil(t, s.host[0])

	cmd = dev.NewCommand()
	d, err = s.ExtractDevice(out, cmd)
	require.NoError(t, err)
	host, err := tensor.New(d.Shape(), d.DType(), nil)
	require.NoError(t, err)
	require.NoError(t, gpu.Download(cmd, d, host))
	d.Release()
	require.NoError(t, cmd.SubmitAndWait())
	assert.InDeltaSlice(t, deviceReference(x), host.Float32s(), 1e-5)
}

func TestDiscardDeviceKeepsDeviceInput(t *testing.T) {
	ww, _, _ := mlpWeights()
	dev := gpu.NewSoftDevice(1)
	defer dev.Release()
	opts := testOptions()
	opts.UseFP16Storage = false
	opts.UsePackingLayout = false
	g := loadOnDevice(t, dev, opts, deviceText, ww.bytes())
	defer func() {
		require.NoError(t, g.Clear())
	}()

	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	fc, err := g.SlotIndex("fc")
	require.NoError(t, err)
	require.NoError(t, s.InputByName("data", floats(t, tensor.Shape{4}, 1, 2, 3, 4)))

	cmd := dev.NewCommand()
	d, err := s.ExtractDevice(fc, cmd)
	require.NoError(t, err)
	require.NoError(t, s.InputDevice(fc, d))
	d.Release()
	s.DiscardDevice()
	assert.NotNil(t, s.device[fc])
	require.NoError(t, cmd.SubmitAndWait())
}
