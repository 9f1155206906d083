package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/netrun/internal/tensor"
)

type sentinelLayer struct {
	Base
}

func (sentinelLayer) Forward(bottoms []*tensor.Tensor, opt *Option) ([]*tensor.Tensor, error) {
	out, err := tensor.FromFloat32(tensor.Shape{1}, []float32{-12345})
	return []*tensor.Tensor{out}, err
}

func TestBuiltinTable(t *testing.T) {
	idx, ok := BuiltinIndex("Convolution")
	assert.True(t, ok)
	assert.Equal(t, TypeConvolution, idx)
	_, ok = BuiltinIndex("Softmax")
	assert.False(t, ok)

	names := BuiltinNames()
	assert.Equal(t, "AbsVal", names[0])
	assert.Contains(t, names, "Requantize")
	assert.Len(t, names, 13)

	l, err := CreateBuiltin(TypeReLU)
	require.NoError(t, err)
	assert.IsType(t, &ReLU{}, l)
}

func TestRegistryFallsBackToBuiltins(t *testing.T) {
	r := NewRegistry()
	l, err := r.Create(TypeInnerProduct)
	require.NoError(t, err)
	assert.IsType(t, &InnerProduct{}, l)
	assert.False(t, r.IsCustom(TypeInnerProduct))
	assert.Equal(t, "InnerProduct", r.Name(TypeInnerProduct))

	_, err = r.Create(999)
	assert.ErrorIs(t, err, ErrUnknownOperatorType)
	_, err = r.Resolve("Softmax")
	assert.ErrorIs(t, err, ErrUnknownOperatorType)
}

func TestRegistryOverride(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(TypeReLU, "", func() Layer { return &sentinelLayer{} }))
	assert.True(t, r.IsCustom(TypeReLU))
	assert.Equal(t, "ReLU", r.Name(TypeReLU))

	l, err := r.Create(TypeReLU)
	require.NoError(t, err)
	assert.IsType(t, &sentinelLayer{}, l)

	// Re-registering replaces the mapping.
	require.NoError(t, r.Register(TypeReLU, "", func() Layer { return &AbsVal{} }))
	l, err = r.Create(TypeReLU)
	require.NoError(t, err)
	assert.IsType(t, &AbsVal{}, l)

	// Other registries are unaffected.
	l, err = NewRegistry().Create(TypeReLU)
	require.NoError(t, err)
	assert.IsType(t, &ReLU{}, l)
}

func TestRegistryByName(t *testing.T) {
	r := NewRegistry()
	idx, err := r.RegisterByName("MySigmoid", func() Layer { return &sentinelLayer{} })
	require.NoError(t, err)
	assert.Equal(t, CustomBit, idx)

	idx2, err := r.RegisterByName("MyTanh", func() Layer { return &sentinelLayer{} })
	require.NoError(t, err)
	assert.Equal(t, CustomBit|1, idx2)

	again, err := r.RegisterByName("MySigmoid", func() Layer { return &AbsVal{} })
	require.NoError(t, err)
	assert.Equal(t, idx, again)

	resolved, err := r.Resolve("MySigmoid")
	require.NoError(t, err)
	assert.Equal(t, idx, resolved)

	builtin, err := r.RegisterByName("BinaryOp", func() Layer { return &sentinelLayer{} })
	require.NoError(t, err)
	assert.Equal(t, TypeBinaryOp, builtin)
	assert.True(t, r.IsCustom(TypeBinaryOp))

	_, err = r.RegisterByName("", nil)
	assert.Error(t, err)
	assert.Error(t, r.Register(1, "x", nil))
}
