package tensor

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/alloc"
)

// tensorBuffer is a reference-counted buffer. Storage returns to its allocator
// when the last reference is released. Borrowed buffers have no allocator and
// are never freed by the engine.
type tensorBuffer struct {
	data      []byte
	refCount  atomic.Int32
	allocator alloc.Allocator
}

func newTensorBuffer(size int, a alloc.Allocator) *tensorBuffer {
	if a == nil {
		a = alloc.Default()
	}
	buf := &tensorBuffer{data: a.Alloc(size), allocator: a}
	buf.refCount.Store(1)
	return buf
}

func (tb *tensorBuffer) addRef() {
	tb.refCount.Add(1)
}

func (tb *tensorBuffer) release() {
	if tb.refCount.Add(-1) == 0 && tb.allocator != nil {
		tb.allocator.Free(tb.data)
		tb.data = nil
	}
}

// Tensor is the host-side value of one tensor slot.
//
// The element layout is controlled by elempack: with elempack 1 the data is
// plain row-major; with elempack 4 groups of four consecutive outer slices are
// interleaved so that element (o, i) lives at ((o/4)*inner+i)*4 + o%4.
type Tensor struct {
	buffer   *tensorBuffer
	shape    Shape
	dtype    DataType
	elempack int
}

// New allocates a zeroed tensor with elempack 1 from a.
// A nil allocator selects the process default.
func New(shape Shape, dtype DataType, a alloc.Allocator) (*Tensor, error) {
	return NewPacked(shape, dtype, 1, a)
}

// NewPacked allocates a zeroed tensor with the given element packing.
func NewPacked(shape Shape, dtype DataType, elempack int, a alloc.Allocator) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	if elempack != 1 && elempack != 4 {
		return nil, errors.Errorf("invalid elempack %d", elempack)
	}
	if elempack == 4 && shape.Outer()%4 != 0 {
		return nil, errors.Errorf("outer dimension %d not divisible by elempack 4", shape.Outer())
	}
	return &Tensor{
		buffer:   newTensorBuffer(shape.NumElements()*dtype.Size(), a),
		shape:    shape.Clone(),
		dtype:    dtype,
		elempack: elempack,
	}, nil
}

// FromFloat32 creates a float32 tensor holding a copy of data.
func FromFloat32(shape Shape, data []float32) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, errors.Errorf("shape %v needs %d elements, got %d", shape, shape.NumElements(), len(data))
	}
	t, err := New(shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	copy(t.Float32s(), data)
	return t, nil
}

// FromInt8 creates an int8 tensor holding a copy of data.
func FromInt8(shape Shape, data []int8) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, errors.Errorf("shape %v needs %d elements, got %d", shape, shape.NumElements(), len(data))
	}
	t, err := New(shape, Int8, nil)
	if err != nil {
		return nil, err
	}
	copy(t.Int8s(), data)
	return t, nil
}

// Borrow wraps externally owned memory without copying it.
// The caller must keep data alive and unmodified for the tensor's lifetime,
// and data must be 4-byte aligned when dtype is wider than one byte.
func Borrow(shape Shape, dtype DataType, data []byte) (*Tensor, error) {
	if len(shape) == 0 || shape.NumElements()*dtype.Size() > len(data) {
		return nil, errors.Errorf("borrowed buffer of %d bytes too small for %v %s", len(data), shape, dtype)
	}
	buf := &tensorBuffer{data: data}
	buf.refCount.Store(1)
	return &Tensor{buffer: buf, shape: shape.Clone(), dtype: dtype, elempack: 1}, nil
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// DType returns the element type.
func (t *Tensor) DType() DataType {
	return t.dtype
}

// Elempack returns the channel packing factor (1 or 4).
func (t *Tensor) Elempack() int {
	return t.elempack
}

// NumElements returns the total number of scalar elements.
func (t *Tensor) NumElements() int {
	return t.shape.NumElements()
}

// ByteSize returns the payload size in bytes.
func (t *Tensor) ByteSize() int {
	return t.NumElements() * t.dtype.Size()
}

// Data returns the raw payload. Direct access to underlying memory.
func (t *Tensor) Data() []byte {
	return t.buffer.data[:t.ByteSize()]
}

// Float32s interprets the payload as []float32.
// Panics if the tensor's dtype is not Float32.
func (t *Tensor) Float32s() []float32 {
	if t.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", t.dtype))
	}
	if t.NumElements() == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, buffers are 4-byte aligned.
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.buffer.data[0])), t.NumElements())
}

// Float16s returns the raw IEEE half-precision bit patterns.
// Panics if the tensor's dtype is not Float16.
func (t *Tensor) Float16s() []uint16 {
	if t.dtype != Float16 {
		panic(fmt.Sprintf("tensor dtype is %s, not float16", t.dtype))
	}
	if t.NumElements() == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, buffers are 4-byte aligned.
	return unsafe.Slice((*uint16)(unsafe.Pointer(&t.buffer.data[0])), t.NumElements())
}

// Int8s interprets the payload as []int8.
// Panics if the tensor's dtype is not Int8.
func (t *Tensor) Int8s() []int8 {
	if t.dtype != Int8 {
		panic(fmt.Sprintf("tensor dtype is %s, not int8", t.dtype))
	}
	if t.NumElements() == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access.
	return unsafe.Slice((*int8)(unsafe.Pointer(&t.buffer.data[0])), t.NumElements())
}

// Clone returns a new handle sharing the same buffer (reference counted).
func (t *Tensor) Clone() *Tensor {
	t.buffer.addRef()
	return &Tensor{buffer: t.buffer, shape: t.shape.Clone(), dtype: t.dtype, elempack: t.elempack}
}

// Copy returns a deep copy whose storage comes from a.
func (t *Tensor) Copy(a alloc.Allocator) *Tensor {
	out := &Tensor{
		buffer:   newTensorBuffer(t.ByteSize(), a),
		shape:    t.shape.Clone(),
		dtype:    t.dtype,
		elempack: t.elempack,
	}
	copy(out.buffer.data, t.Data())
	return out
}

// Reshape returns a handle sharing the buffer with a different shape of the
// same element count. Only valid for elempack 1.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if shape.NumElements() != t.NumElements() || t.elempack != 1 {
		return nil, errors.Errorf("cannot reshape %v (elempack %d) to %v", t.shape, t.elempack, shape)
	}
	out := t.Clone()
	out.shape = shape.Clone()
	return out, nil
}

// Release drops this handle's reference. When it was the last one the storage
// goes back to the allocator that provided it.
func (t *Tensor) Release() {
	t.buffer.release()
}

// IsUnique returns true if this handle is the only reference to the buffer.
func (t *Tensor) IsUnique() bool {
	return t.buffer.refCount.Load() == 1
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %s, pack%d)", t.shape, t.dtype, t.elempack)
}
