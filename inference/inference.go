// Package inference is the public API of the netrun inference engine.
//
// A Graph is loaded once from a structure description and a weight buffer
// and is then shared read-only by any number of Sessions. Each Session
// evaluates lazily: only the operators needed for the requested outputs run.
//
// # Example Usage
//
//	g, err := inference.Open("squeezenet.param", "squeezenet.bin", inference.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer g.Clear()
//
//	s, err := g.NewSession()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Release()
//
//	in, _ := inference.FromFloat32(inference.Shape{3, 227, 227}, pixels)
//	if err := s.InputByName("data", in); err != nil {
//	    log.Fatal(err)
//	}
//	out, err := s.ExtractByName("prob")
//
// # Device Compute
//
// Attach a device with Graph.SetDevice before loading weights and enable
// Options.UseGPUCompute. Operators without a device implementation make the
// session fail with ErrDeviceCapabilityUnavailable; switch the session back to
// the host with Session.SetGPUCompute(false).
package inference

import (
	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/alloc"
	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/graph"
	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/tensor"
)

// Graph is a loaded network shared by sessions.
type Graph = graph.Graph

// Session is a single inference request against a Graph.
type Session = graph.Session

// Options configures graph loading and session defaults.
type Options = graph.Options

// Stats reports a session's cache and forward counters.
type Stats = graph.Stats

// SlotInfo and LayerInfo describe the loaded structure.
type (
	SlotInfo  = graph.SlotInfo
	LayerInfo = graph.LayerInfo
)

// Tensor is a host tensor.
type Tensor = tensor.Tensor

// Shape lists tensor dimensions, channel first.
type Shape = tensor.Shape

// DataType is a tensor element type.
type DataType = tensor.DataType

// Element types.
const (
	Float32 DataType = tensor.Float32
	Float16 DataType = tensor.Float16
	Int8    DataType = tensor.Int8
)

// Layer is the operator interface implemented by custom operators.
type Layer = layer.Layer

// LayerCreator builds a fresh operator instance.
type LayerCreator = layer.Creator

// LayerBase gives custom operators no-op LoadParam, LoadModel and
// Properties methods.
type LayerBase = layer.Base

type (
	// LayerOption carries per-session execution settings into Forward.
	LayerOption = layer.Option
	// LayerProperties declares what an operator supports.
	LayerProperties = layer.Properties
)

// Device is a compute device a Graph can run on.
type Device = gpu.Device

// Allocator provides host buffers for tensors.
type Allocator = alloc.Allocator

// Error kinds. Test with errors.Is.
var (
	ErrMalformedStructure          = layer.ErrMalformedStructure
	ErrUnknownOperatorType         = layer.ErrUnknownOperatorType
	ErrWeightBufferMismatch        = layer.ErrWeightBufferMismatch
	ErrSlotIndexOutOfRange         = layer.ErrSlotIndexOutOfRange
	ErrUnknownSlotName             = layer.ErrUnknownSlotName
	ErrMissingRequiredInput        = layer.ErrMissingRequiredInput
	ErrOperatorForwardFailure      = layer.ErrOperatorForwardFailure
	ErrDeviceCapabilityUnavailable = layer.ErrDeviceCapabilityUnavailable
	ErrGraphNotReady               = layer.ErrGraphNotReady
	ErrSessionsOutstanding         = layer.ErrSessionsOutstanding
	ErrSessionReleased             = layer.ErrSessionReleased
)

// DefaultOptions returns options seeded from the NETRUN_* environment and
// the host CPU.
func DefaultOptions() Options {
	return graph.DefaultOptions()
}

// New returns an empty Graph.
func New(opts Options) *Graph {
	return graph.New(opts)
}

// Open loads a text structure description and a weight file. The weight
// file stays memory-mapped until Clear.
func Open(paramPath, modelPath string, opts Options) (*Graph, error) {
	g := graph.New(opts)
	if err := g.LoadParamFile(paramPath); err != nil {
		return nil, err
	}
	if err := g.LoadModelFile(modelPath); err != nil {
		_ = g.Clear()
		return nil, err
	}
	return g, nil
}

// OpenDevice attaches the best available device to a new Graph and enables
// device compute. Load the graph afterwards; after Clear the caller releases
// g.Device().
func OpenDevice(opts Options) (*Graph, error) {
	opts.UseGPUCompute = true
	g := graph.New(opts)
	if err := g.SetDevice(gpu.Open(opts.NumThreads)); err != nil {
		return nil, errors.Wrap(err, "attach device")
	}
	return g, nil
}

// FromFloat32 copies data into a new float32 tensor.
func FromFloat32(shape Shape, data []float32) (*Tensor, error) {
	return tensor.FromFloat32(shape, data)
}

// FromInt8 copies data into a new int8 tensor.
func FromInt8(shape Shape, data []int8) (*Tensor, error) {
	return tensor.FromInt8(shape, data)
}

// NewPoolAllocator returns a thread-safe recycling allocator that can be
// shared by sessions.
func NewPoolAllocator() Allocator {
	return alloc.NewPoolAllocator()
}

// NewUnlockedPoolAllocator returns a recycling allocator for use by a
// single session.
func NewUnlockedPoolAllocator() Allocator {
	return alloc.NewUnlockedPoolAllocator()
}

// BuiltinLayers lists the operator type names available without registration.
func BuiltinLayers() []string {
	return layer.BuiltinNames()
}
