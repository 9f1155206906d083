package layer

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/tensor"
)

// halfWords returns the number of u32 words holding n half values.
func halfWords(n int) int {
	return (n + 1) / 2
}

func unpackHalf2(w uint32) (float32, float32) {
	return float16.Frombits(uint16(w)).Float32(), float16.Frombits(uint16(w >> 16)).Float32()
}

func packHalf2(lo, hi float32) uint32 {
	return uint32(float16.Fromfloat32(lo).Bits()) | uint32(float16.Fromfloat32(hi).Bits())<<16
}

// newDeviceTensor allocates an operator output on the session's device allocator.
func newDeviceTensor(shape tensor.Shape, dtype tensor.DataType, elempack int, opt *Option) (*gpu.Tensor, error) {
	if opt.DeviceAllocator == nil {
		return nil, errors.Wrap(ErrDeviceCapabilityUnavailable, "no device allocator")
	}
	return gpu.NewTensor(shape, dtype, elempack, opt.DeviceAllocator)
}

// createPipelines compiles specs in order. On failure the ones already
// compiled are released.
func createPipelines(dev gpu.Device, specs ...gpu.ShaderSpec) ([]gpu.Pipeline, error) {
	ps := make([]gpu.Pipeline, 0, len(specs))
	for _, spec := range specs {
		p, err := dev.CreatePipeline(spec)
		if err != nil {
			releasePipelines(ps)
			return nil, errors.Wrapf(err, "create pipeline %s", spec.Name)
		}
		ps = append(ps, p)
	}
	return ps, nil
}

func releasePipelines(ps []gpu.Pipeline) {
	for _, p := range ps {
		if p != nil {
			p.Release()
		}
	}
}

// pipelineFor picks the fp32 or fp16 storage variant.
func pipelineFor(ps []gpu.Pipeline, dtype tensor.DataType) (gpu.Pipeline, error) {
	if len(ps) == 0 {
		return nil, errors.Wrap(ErrDeviceCapabilityUnavailable, "pipeline not created")
	}
	switch dtype {
	case tensor.Float32:
		return ps[0], nil
	case tensor.Float16:
		if len(ps) > 1 {
			return ps[1], nil
		}
	}
	return nil, errors.Wrapf(ErrDeviceCapabilityUnavailable, "no %s pipeline", dtype)
}

// elementInvocations returns the dispatch size of an element-wise shader.
func elementInvocations(t *gpu.Tensor) int {
	if t.DType() == tensor.Float16 {
		return halfWords(t.NumElements())
	}
	return t.NumElements()
}

func fromBits(w uint32) float32 {
	return math.Float32frombits(w)
}

func f32bits(f float32) uint32 {
	return math.Float32bits(f)
}
