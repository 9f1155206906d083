package gpu

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/tensor"
)

// Allocator provides device buffers for tensors.
type Allocator interface {
	Alloc(size int) (Buffer, error)
	Free(b Buffer)
}

// DirectAllocator creates and destroys a device buffer per request.
type DirectAllocator struct {
	Device Device
}

// Alloc implements Allocator.
func (a DirectAllocator) Alloc(size int) (Buffer, error) {
	return a.Device.CreateBuffer(alignedSize(size))
}

// Free implements Allocator.
func (a DirectAllocator) Free(b Buffer) {
	b.Release()
}

type deviceBuffer struct {
	buf       Buffer
	refCount  atomic.Int32
	allocator Allocator
}

func (db *deviceBuffer) release() {
	if db.refCount.Add(-1) == 0 && db.allocator != nil {
		db.allocator.Free(db.buf)
	}
}

// Tensor is a device-resident tensor, tagged with its element type and packing.
type Tensor struct {
	buffer   *deviceBuffer
	shape    tensor.Shape
	dtype    tensor.DataType
	elempack int
}

// NewTensor allocates a device tensor from a.
func NewTensor(shape tensor.Shape, dtype tensor.DataType, elempack int, a Allocator) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	if elempack == 4 && shape.Outer()%4 != 0 {
		return nil, errors.Errorf("outer dimension %d not divisible by elempack 4", shape.Outer())
	}
	buf, err := a.Alloc(alignedSize(shape.NumElements() * dtype.Size()))
	if err != nil {
		return nil, err
	}
	db := &deviceBuffer{buf: buf, allocator: a}
	db.refCount.Store(1)
	return &Tensor{buffer: db, shape: shape.Clone(), dtype: dtype, elempack: elempack}, nil
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() tensor.Shape { return t.shape }

// DType returns the element type.
func (t *Tensor) DType() tensor.DataType { return t.dtype }

// Elempack returns the channel packing factor.
func (t *Tensor) Elempack() int { return t.elempack }

// NumElements returns the number of scalar elements.
func (t *Tensor) NumElements() int { return t.shape.NumElements() }

// ByteSize returns the payload size in bytes.
func (t *Tensor) ByteSize() int { return t.NumElements() * t.dtype.Size() }

// Buffer returns the underlying device buffer.
func (t *Tensor) Buffer() Buffer { return t.buffer.buf }

// Clone returns a new handle sharing the device buffer.
func (t *Tensor) Clone() *Tensor {
	t.buffer.refCount.Add(1)
	return &Tensor{buffer: t.buffer, shape: t.shape.Clone(), dtype: t.dtype, elempack: t.elempack}
}

// IsUnique returns true if this handle is the only reference to the buffer.
func (t *Tensor) IsUnique() bool {
	return t.buffer.refCount.Load() == 1
}

// Release drops this handle's reference.
func (t *Tensor) Release() {
	t.buffer.release()
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("DeviceTensor(%v, %s, pack%d)", t.shape, t.dtype, t.elempack)
}

// Upload records a copy of host tensor h into a new device tensor with the same layout.
func Upload(cmd Command, h *tensor.Tensor, a Allocator) (*Tensor, error) {
	d, err := NewTensor(h.Shape(), h.DType(), h.Elempack(), a)
	if err != nil {
		return nil, err
	}
	cmd.RecordUpload(d.Buffer(), h.Data())
	return d, nil
}

// Download records a copy of d into dst, which must have the same size.
func Download(cmd Command, d *Tensor, dst *tensor.Tensor) error {
	if dst.ByteSize() != d.ByteSize() {
		return errors.Errorf("download size mismatch: device %d bytes, host %d bytes", d.ByteSize(), dst.ByteSize())
	}
	cmd.Retain(d)
	cmd.RecordDownload(d.Buffer(), dst.Data())
	return nil
}
