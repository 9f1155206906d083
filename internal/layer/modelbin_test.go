package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/born-ml/netrun/internal/tensor"
)

func TestBufferModelBinFloat32Borrowed(t *testing.T) {
	w := (&weightWriter{}).floats(1, 2, 3).word(tagFloat32).floats(4, 5)
	buf := w.bytes()
	mb, err := NewBufferModelBin(buf)
	require.NoError(t, err)

	raw, err := mb.Load(3, WeightFloat32)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, raw.Float32s())

	tagged, err := mb.Load(2, WeightTagged)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5}, tagged.Float32s())
	assert.Equal(t, len(buf), mb.Consumed())

	// Views alias the caller buffer.
	w.words[0] = 0x41200000 // 10.0
	assert.Equal(t, float32(10), raw.Float32s()[0])
}

func TestBufferModelBinFloat16AndInt8(t *testing.T) {
	half := make([]byte, 6)
	for i, v := range []float32{0.5, -2, 3} {
		bits := float16.Fromfloat32(v).Bits()
		half[i*2], half[i*2+1] = byte(bits), byte(bits>>8)
	}
	w := (&weightWriter{}).word(tagFloat16).raw(half).word(tagInt8).raw([]byte{1, 0xff, 7}).floats(9)
	mb, err := NewBufferModelBin(w.bytes())
	require.NoError(t, err)

	f16, err := mb.Load(3, WeightTagged)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float32, f16.DType())
	assert.Equal(t, []float32{0.5, -2, 3}, f16.Float32s())

	i8, err := mb.Load(3, WeightTagged)
	require.NoError(t, err)
	assert.Equal(t, []int8{1, -1, 7}, i8.Int8s())

	// Payloads are padded to 4 bytes.
	next, err := mb.Load(1, WeightFloat32)
	require.NoError(t, err)
	assert.Equal(t, []float32{9}, next.Float32s())
}

func TestBufferModelBinErrors(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		mb, err := NewBufferModelBin((&weightWriter{}).floats(1, 2).bytes())
		require.NoError(t, err)
		_, err = mb.Load(3, WeightFloat32)
		assert.ErrorIs(t, err, ErrWeightBufferMismatch)
	})
	t.Run("misaligned", func(t *testing.T) {
		buf := (&weightWriter{}).floats(1, 2).bytes()
		_, err := NewBufferModelBin(buf[1:])
		assert.ErrorIs(t, err, ErrWeightBufferMismatch)
	})
	t.Run("unknown tag", func(t *testing.T) {
		mb, err := NewBufferModelBin((&weightWriter{}).word(0x12345678).floats(1).bytes())
		require.NoError(t, err)
		_, err = mb.Load(1, WeightTagged)
		assert.ErrorIs(t, err, ErrWeightBufferMismatch)
	})
	t.Run("empty", func(t *testing.T) {
		mb, err := NewBufferModelBin(nil)
		require.NoError(t, err)
		_, err = mb.Load(1, WeightFloat32)
		assert.ErrorIs(t, err, ErrWeightBufferMismatch)
	})
}

func TestArrayModelBin(t *testing.T) {
	w, err := tensor.FromFloat32(tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	mb := NewArrayModelBin(w)

	got, err := mb.Load(4, WeightTagged)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4}, got.Shape())

	_, err = mb.Load(4, WeightTagged)
	assert.ErrorIs(t, err, ErrWeightBufferMismatch)

	_, err = NewArrayModelBin(w).Load(3, WeightTagged)
	assert.ErrorIs(t, err, ErrWeightBufferMismatch)
}
