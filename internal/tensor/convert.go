package tensor

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/born-ml/netrun/internal/alloc"
)

// PackedIndex maps a pack1 (outer, inner) coordinate to its offset in a
// pack4 buffer with the given inner size.
func PackedIndex(outer, inner, innerSize int) int {
	return ((outer/4)*innerSize+inner)*4 + outer%4
}

// Repack converts t to the requested elempack. When t already has that packing
// a shared handle is returned.
func Repack(t *Tensor, elempack int, a alloc.Allocator) (*Tensor, error) {
	if t.elempack == elempack {
		return t.Clone(), nil
	}
	out, err := NewPacked(t.shape, t.dtype, elempack, a)
	if err != nil {
		return nil, err
	}
	size := t.dtype.Size()
	src, dst := t.Data(), out.buffer.data
	outerN, innerN := t.shape.Outer(), t.shape.Inner()
	for o := 0; o < outerN; o++ {
		for i := 0; i < innerN; i++ {
			plain := (o*innerN + i) * size
			packed := PackedIndex(o, i, innerN) * size
			if elempack == 4 {
				copy(dst[packed:packed+size], src[plain:plain+size])
			} else {
				copy(dst[plain:plain+size], src[packed:packed+size])
			}
		}
	}
	return out, nil
}

// CastFloat32ToFloat16 converts a float32 tensor to half precision, keeping its packing.
func CastFloat32ToFloat16(t *Tensor, a alloc.Allocator) (*Tensor, error) {
	if t.dtype != Float32 {
		return nil, errors.Errorf("cast fp32->fp16: input is %s", t.dtype)
	}
	out, err := NewPacked(t.shape, Float16, t.elempack, a)
	if err != nil {
		return nil, err
	}
	dst := out.Float16s()
	for i, v := range t.Float32s() {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
	return out, nil
}

// CastFloat16ToFloat32 converts a half precision tensor to float32, keeping its packing.
func CastFloat16ToFloat32(t *Tensor, a alloc.Allocator) (*Tensor, error) {
	if t.dtype != Float16 {
		return nil, errors.Errorf("cast fp16->fp32: input is %s", t.dtype)
	}
	out, err := NewPacked(t.shape, Float32, t.elempack, a)
	if err != nil {
		return nil, err
	}
	dst := out.Float32s()
	for i, v := range t.Float16s() {
		dst[i] = float16.Frombits(v).Float32()
	}
	return out, nil
}
