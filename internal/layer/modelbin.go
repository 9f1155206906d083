package layer

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/born-ml/netrun/internal/tensor"
)

// Weight payload kinds passed to ModelBin.Load.
const (
	// WeightTagged payloads start with a 4-byte storage tag.
	WeightTagged = 0
	// WeightFloat32 payloads are raw float32 values.
	WeightFloat32 = 1
)

// Storage tags of WeightTagged payloads.
const (
	tagFloat32 = 0x00000000
	tagFloat16 = 0x01306B47
	tagInt8    = 0x000D4B38
)

// ModelBin hands out weight regions in the order operators request them.
type ModelBin interface {
	// Load returns the next n weight values as a 1-D tensor.
	Load(n int, kind int) (*tensor.Tensor, error)
}

// BufferModelBin reads weights from a caller-owned buffer. Float32 regions
// are returned as borrowed views: the buffer must stay alive and unmodified
// for as long as any operator bound from it.
type BufferModelBin struct {
	data []byte
	off  int
}

// NewBufferModelBin wraps data, which must start on a 4-byte boundary.
func NewBufferModelBin(data []byte) (*BufferModelBin, error) {
	if len(data) > 0 && uintptr(unsafe.Pointer(&data[0]))%4 != 0 {
		return nil, errors.Wrap(ErrWeightBufferMismatch, "weight buffer is not 4-byte aligned")
	}
	return &BufferModelBin{data: data}, nil
}

// Consumed returns the number of bytes handed out so far, padding included.
func (mb *BufferModelBin) Consumed() int {
	return mb.off
}

func (mb *BufferModelBin) take(size int) ([]byte, error) {
	if size < 0 || mb.off+size > len(mb.data) {
		return nil, errors.Wrapf(ErrWeightBufferMismatch, "need %d bytes at offset %d, buffer has %d", size, mb.off, len(mb.data))
	}
	b := mb.data[mb.off : mb.off+size : mb.off+size]
	mb.off += (size + 3) &^ 3
	if mb.off > len(mb.data) {
		mb.off = len(mb.data)
	}
	return b, nil
}

// Load implements ModelBin.
func (mb *BufferModelBin) Load(n int, kind int) (*tensor.Tensor, error) {
	if n <= 0 {
		return nil, errors.Wrapf(ErrWeightBufferMismatch, "invalid weight count %d", n)
	}
	shape := tensor.Shape{n}
	switch kind {
	case WeightFloat32:
		b, err := mb.take(n * 4)
		if err != nil {
			return nil, err
		}
		return tensor.Borrow(shape, tensor.Float32, b)
	case WeightTagged:
		hdr, err := mb.take(4)
		if err != nil {
			return nil, err
		}
		switch tag := binary.LittleEndian.Uint32(hdr); tag {
		case tagFloat32:
			b, err := mb.take(n * 4)
			if err != nil {
				return nil, err
			}
			return tensor.Borrow(shape, tensor.Float32, b)
		case tagFloat16:
			b, err := mb.take(n * 2)
			if err != nil {
				return nil, err
			}
			out, err := tensor.New(shape, tensor.Float32, nil)
			if err != nil {
				return nil, err
			}
			dst := out.Float32s()
			for i := range dst {
				dst[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
			}
			return out, nil
		case tagInt8:
			b, err := mb.take(n)
			if err != nil {
				return nil, err
			}
			return tensor.Borrow(shape, tensor.Int8, b)
		default:
			return nil, errors.Wrapf(ErrWeightBufferMismatch, "unknown weight tag 0x%08x at offset %d", tag, mb.off-4)
		}
	default:
		return nil, errors.Wrapf(ErrWeightBufferMismatch, "unknown weight kind %d", kind)
	}
}

// ArrayModelBin hands out pre-built tensors in order, for weights assembled
// in memory rather than read from a buffer.
type ArrayModelBin struct {
	weights []*tensor.Tensor
	next    int
}

// NewArrayModelBin creates a ModelBin over weights.
func NewArrayModelBin(weights ...*tensor.Tensor) *ArrayModelBin {
	return &ArrayModelBin{weights: weights}
}

// Load implements ModelBin. The kind is ignored.
func (mb *ArrayModelBin) Load(n int, _ int) (*tensor.Tensor, error) {
	if mb.next >= len(mb.weights) {
		return nil, errors.Wrapf(ErrWeightBufferMismatch, "weight region %d requested, %d available", mb.next, len(mb.weights))
	}
	w := mb.weights[mb.next]
	if w.NumElements() != n {
		return nil, errors.Wrapf(ErrWeightBufferMismatch, "weight region %d has %d values, want %d", mb.next, w.NumElements(), n)
	}
	mb.next++
	return w.Reshape(tensor.Shape{n})
}
