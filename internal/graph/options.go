package graph

import (
	"github.com/born-ml/netrun/internal/alloc"
	"github.com/born-ml/netrun/internal/envconfig"
	"github.com/born-ml/netrun/internal/layer"
)

// Options configures a graph. They are fixed at New and copied into every
// session, which may then override the per-session fields.
type Options struct {
	// LightMode evicts intermediates once every consumer has run (default: on).
	LightMode bool
	// NumThreads bounds the worker fan-out inside one operator.
	NumThreads int

	// UseWinogradConvolution selects the transform-based 3x3 stride-1 algorithm.
	UseWinogradConvolution bool
	// UseSgemmConvolution selects im2col+gemm for 1x1 stride-1 convolutions.
	UseSgemmConvolution bool
	// UseInt8Inference enables the quantized path and requantize fusion.
	UseInt8Inference bool

	// UseGPUCompute runs sessions on the attached device.
	UseGPUCompute bool
	// UseFP16Storage keeps device tensors in half precision where operators accept it.
	UseFP16Storage bool
	// UsePackingLayout keeps device tensors in elempack 4 where operators accept it.
	UsePackingLayout bool

	// EnableFusion runs the fusion pass after weights are bound.
	EnableFusion bool

	// BlobAllocator and WorkspaceAllocator are the session defaults.
	// Nil selects the process heap allocator.
	BlobAllocator      alloc.Allocator
	WorkspaceAllocator alloc.Allocator
}

// DefaultOptions returns options seeded from the environment.
func DefaultOptions() Options {
	return Options{
		LightMode:              envconfig.LightMode(true),
		NumThreads:             envconfig.NumThreads(),
		UseWinogradConvolution: envconfig.Winograd(true),
		UseSgemmConvolution:    envconfig.Sgemm(true),
		UseInt8Inference:       envconfig.Int8(true),
		UseGPUCompute:          envconfig.GPUCompute(false),
		UseFP16Storage:         envconfig.FP16(envconfig.HostSupportsFP16()),
		UsePackingLayout:       true,
		EnableFusion:           true,
	}
}

// layerOption converts to the snapshot operators see.
func (o Options) layerOption() layer.Option {
	return layer.Option{
		LightMode:              o.LightMode,
		NumThreads:             o.NumThreads,
		BlobAllocator:          o.BlobAllocator,
		WorkspaceAllocator:     o.WorkspaceAllocator,
		UseWinogradConvolution: o.UseWinogradConvolution,
		UseSgemmConvolution:    o.UseSgemmConvolution,
		UseInt8Inference:       o.UseInt8Inference,
		UseGPUCompute:          o.UseGPUCompute,
		UseFP16Storage:         o.UseFP16Storage,
		UsePackingLayout:       o.UsePackingLayout,
	}
}
