// Package gpu is the device side of the execution backend.
//
// A Device owns memory and compiled compute pipelines. Work is never executed
// when it is recorded: a Command accumulates uploads, dispatches and downloads,
// and results only become visible after SubmitAndWait returns. A Command belongs
// to one session at a time and must not be used from several goroutines.
//
// Two devices are provided: SoftDevice, a host-memory reference device that runs
// the Go kernel of each shader at submission time, and the WebGPU device (Windows
// builds) that compiles the WGSL source of each shader.
package gpu

import (
	"unsafe"

	"github.com/pkg/errors"
)

// ErrDeviceCapabilityUnavailable is returned when the device path is requested
// but no device is attached or an operator has no device implementation.
var ErrDeviceCapabilityUnavailable = errors.New("device capability unavailable")

// WorkgroupSize is the number of invocations per workgroup in every shader.
const WorkgroupSize = 256

// Kernel is the host implementation of one shader invocation. bindings are the
// storage buffers in binding order; params are the uniform words.
type Kernel func(id int, bindings [][]byte, params []uint32)

// ShaderSpec describes a compute program. Devices compile whichever form they
// support: WGSL for real devices, Kernel for the software device. The WGSL
// entry point is "main", storage buffers use bindings 0..n-1 and the uniform
// parameter block binding n.
type ShaderSpec struct {
	Name   string
	WGSL   string
	Kernel Kernel
}

// Buffer is device memory.
type Buffer interface {
	Size() int
	Release()
}

// Pipeline is a compiled compute program.
type Pipeline interface {
	Name() string
	Release()
}

// Command records device work for deferred execution.
type Command interface {
	// RecordUpload copies src into dst when the command executes. src must stay
	// unchanged until SubmitAndWait returns.
	RecordUpload(dst Buffer, src []byte)
	// RecordDispatch runs invocations instances of p over bindings.
	RecordDispatch(p Pipeline, bindings []Buffer, params []uint32, invocations int)
	// RecordDownload copies src into dst when the command executes.
	RecordDownload(src Buffer, dst []byte)
	// Retain keeps t alive until the command has executed or been reset.
	Retain(t *Tensor)
	// SubmitAndWait executes everything recorded so far, in order, and resets the command.
	SubmitAndWait() error
	// Reset drops recorded work without executing it.
	Reset()
}

// Device is a compute device.
type Device interface {
	Name() string
	CreateBuffer(size int) (Buffer, error)
	CreatePipeline(spec ShaderSpec) (Pipeline, error)
	NewCommand() Command
	Release()
}

// F32 reinterprets device bytes as float32 values.
func F32(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	//nolint:gosec // device buffers are 4-byte aligned.
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// U16 reinterprets device bytes as raw half precision values.
func U16(b []byte) []uint16 {
	if len(b) < 2 {
		return nil
	}
	//nolint:gosec // device buffers are 4-byte aligned.
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// U32 reinterprets device bytes as 32-bit words.
func U32(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	//nolint:gosec // device buffers are 4-byte aligned.
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// alignedSize rounds size up to a multiple of 4, the device copy granularity.
func alignedSize(size int) int {
	return (size + 3) &^ 3
}
