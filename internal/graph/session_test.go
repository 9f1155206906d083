package graph

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/netrun/internal/alloc"
	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/tensor"
)

// chainText builds Input -> n leaky ReLUs, slots data, r1..rn.
func chainText(n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "7767517\n%d %d\nInput data 0 1 data\n", n+1, n+1)
	prev := "data"
	for i := 1; i <= n; i++ {
		cur := fmt.Sprintf("r%d", i)
		fmt.Fprintf(&b, "ReLU relu%d 1 1 %s %s 0=0.5\n", i, prev, cur)
		prev = cur
	}
	return b.String()
}

func TestSessionIsolation(t *testing.T) {
	ww, w, b := mlpWeights()
	g := load(t, testOptions(), mlpText, ww.bytes())

	const workers = 8
	inputs := make([][]float32, workers)
	for i := range inputs {
		inputs[i] = []float32{float32(i), -float32(i), float32(i) / 2, 1}
	}
	results := make([][]float32, workers)
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			s, err := g.NewSession()
			if err != nil {
				return err
			}
			defer s.Release()
			in, err := tensor.FromFloat32(tensor.Shape{4}, inputs[i])
			if err != nil {
				return err
			}
			for round := 0; round < 20; round++ {
				if err := s.InputByName("data", in); err != nil {
					return err
				}
				out, err := s.ExtractByName("out")
				if err != nil {
					return err
				}
				results[i] = append([]float32(nil), out.Float32s()...)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for i := range inputs {
		assert.InDeltaSlice(t, mlpReference(inputs[i], w, b), results[i], 1e-6, "worker %d", i)
	}
}

func TestLightModeBoundsLiveSlots(t *testing.T) {
	const n = 10
	g := load(t, testOptions(), chainText(n), nil)
	x := floats(t, tensor.Shape{4}, -4, -2, 2, 4)
	last := fmt.Sprintf("r%d", n)

	s, err := g.NewSession()
	require.NoError(t, err)
	require.NoError(t, s.InputByName("data", x))
	out, err := s.ExtractByName(last)
	require.NoError(t, err)
	scale := float32(1)
	for i := 0; i < n; i++ {
		scale *= 0.5
	}
	assert.InDeltaSlice(t, []float32{-4 * scale, -2 * scale, 2, 4}, out.Float32s(), 1e-6)
	stats := s.Stats()
	assert.LessOrEqual(t, stats.PeakSlots, 3)
	assert.Equal(t, 2, stats.LiveSlots)
	assert.Equal(t, n, stats.Forwards)
	assert.Equal(t, n-1, stats.InplaceForwards)
	s.Release()

	// The caller's tensor is never written.
	assert.Equal(t, []float32{-4, -2, 2, 4}, x.Float32s())

	heavy, err := g.NewSession()
	require.NoError(t, err)
	defer heavy.Release()
	heavy.SetLightMode(false)
	require.NoError(t, heavy.InputByName("data", x))
	_, err = heavy.ExtractByName(last)
	require.NoError(t, err)
	assert.Equal(t, n+1, heavy.Stats().PeakSlots)
	assert.Zero(t, heavy.Stats().InplaceForwards)
}

func TestEvictedIntermediateIsRecomputed(t *testing.T) {
	g := load(t, testOptions(), chainText(3), nil)
	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	require.NoError(t, s.InputByName("data", floats(t, tensor.Shape{2}, -8, 8)))

	_, err = s.ExtractByName("r3")
	require.NoError(t, err)
	r1, err := s.ExtractByName("r1")
	require.NoError(t, err)
	assert.Equal(t, []float32{-4, 8}, r1.Float32s())
	assert.Equal(t, 4, s.Stats().Forwards)
}

func TestLazyEvaluation(t *testing.T) {
	const text = `7767517
3 3
Input   data  0 1 data
Counter count 1 1 data left
ReLU    relu  1 1 data right
`
	calls := 0
	g := New(testOptions())
	_, err := g.RegisterCustomLayerByName("Counter", func() layer.Layer { return &counter{calls: &calls} })
	require.NoError(t, err)
	_, err = g.LoadParamMem([]byte(text))
	require.NoError(t, err)
	_, err = g.LoadModelMem(nil)
	require.NoError(t, err)

	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	require.NoError(t, s.InputByName("data", floats(t, tensor.Shape{2}, -1, 1)))
	right, err := s.ExtractByName("right")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, right.Float32s())
	assert.Zero(t, calls)
	assert.Equal(t, 1, s.Stats().Forwards)

	_, err = s.ExtractByName("left")
	require.NoError(t, err)
	_, err = s.ExtractByName("left")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestMissingRequiredInput(t *testing.T) {
	const text = `7767517
4 4
Input a  0 1 a
Input b  0 1 b
ReLU  ra 1 1 a outa
ReLU  rb 1 1 b outb
`
	g := load(t, testOptions(), text, nil)
	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	require.NoError(t, s.InputByName("a", floats(t, tensor.Shape{2}, -1, 3)))

	_, err = s.ExtractByName("outb")
	assert.True(t, errors.Is(err, layer.ErrMissingRequiredInput), err)

	outa, err := s.ExtractByName("outa")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3}, outa.Float32s())

	// The failed request can be retried once the input is there.
	require.NoError(t, s.InputByName("b", floats(t, tensor.Shape{1}, 5)))
	outb, err := s.ExtractByName("outb")
	require.NoError(t, err)
	assert.Equal(t, []float32{5}, outb.Float32s())
}

func TestOperatorForwardFailureKeepsSiblings(t *testing.T) {
	const text = `7767517
5 5
Input    a   0 1 a
Input    b   0 1 b
ReLU     ra  1 1 a ra
ReLU     rb  1 1 b rb
BinaryOp add 2 1 ra rb sum 0=0
`
	g := load(t, testOptions(), text, nil)
	s, err := g.NewSession()
	require.NoError(t, err)
	defer s.Release()
	require.NoError(t, s.InputByName("a", floats(t, tensor.Shape{2}, 1, 2)))
	require.NoError(t, s.InputByName("b", floats(t, tensor.Shape{3}, 1, 2, 3)))

	_, err = s.ExtractByName("sum")
	assert.True(t, errors.Is(err, layer.ErrOperatorForwardFailure), err)
	forwards := s.Stats().Forwards

	ra, err := s.ExtractByName("ra")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, ra.Float32s())
	assert.Equal(t, forwards, s.Stats().Forwards)
}

func TestSplitBranchesStayIndependent(t *testing.T) {
	const text = `7767517
4 5
Input    data  0 1 data
Split    split 1 2 data s1 s2
ReLU     relu  1 1 s1 r1
BinaryOp add   2 1 r1 s2 out 0=0
`
	g := load(t, testOptions(), text, nil)
	out := run(t, g, map[string]*tensor.Tensor{"data": floats(t, tensor.Shape{4}, -1, -2, 3, 4)}, "out")
	assert.Equal(t, []float32{-1, -2, 6, 8}, out)
}

func TestSessionSlotErrors(t *testing.T) {
	g := load(t, testOptions(), chainText(1), nil)
	s, err := g.NewSession()
	require.NoError(t, err)

	_, err = s.Extract(-1)
	assert.True(t, errors.Is(err, layer.ErrSlotIndexOutOfRange))
	_, err = s.Extract(2)
	assert.True(t, errors.Is(err, layer.ErrSlotIndexOutOfRange))
	assert.True(t, errors.Is(s.Input(7, floats(t, tensor.Shape{1}, 1)), layer.ErrSlotIndexOutOfRange))
	_, err = s.ExtractByName("nope")
	assert.True(t, errors.Is(err, layer.ErrUnknownSlotName))
	assert.True(t, errors.Is(s.InputByName("nope", nil), layer.ErrUnknownSlotName))
	assert.Error(t, s.Input(0, nil))

	s.Release()
	_, err = s.Extract(0)
	assert.True(t, errors.Is(err, layer.ErrSessionReleased))
	assert.True(t, errors.Is(s.InputByName("data", nil), layer.ErrSessionReleased))
}

func TestSessionAllocators(t *testing.T) {
	g := load(t, testOptions(), chainText(4), nil)
	blobs := alloc.NewUnlockedPoolAllocator()
	s, err := g.NewSession()
	require.NoError(t, err)
	s.SetBlobAllocator(blobs)
	s.SetWorkspaceAllocator(alloc.NewPoolAllocator())
	s.SetNumThreads(1)
	assert.Equal(t, 1, s.Option().NumThreads)

	require.NoError(t, s.InputByName("data", floats(t, tensor.Shape{4}, 1, 2, 3, 4)))
	out, err := s.ExtractByName("r4")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, out.Float32s())
	assert.Positive(t, blobs.Stats().Allocs)
	s.Release()
	assert.Contains(t, s.Stats().String(), "forwards=4")
}
