package layer

import (
	"github.com/born-ml/netrun/internal/alloc"
	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/parallel"
)

// Option is the configuration snapshot an operator sees while loading and
// running. Sessions pass a private copy; operators must not retain it.
type Option struct {
	LightMode  bool
	NumThreads int

	// BlobAllocator provides output tensors, WorkspaceAllocator scratch memory.
	// Nil selects the process default heap allocator.
	BlobAllocator      alloc.Allocator
	WorkspaceAllocator alloc.Allocator

	UseWinogradConvolution bool
	UseSgemmConvolution    bool
	UseInt8Inference       bool

	UseGPUCompute    bool
	UseFP16Storage   bool
	UsePackingLayout bool

	// DeviceAllocator provides device tensors; StagingAllocator the host
	// buffers used to move data across the device boundary.
	DeviceAllocator  gpu.Allocator
	StagingAllocator alloc.Allocator
}

// Parallel returns the worker fan-out for this option's thread count.
func (o *Option) Parallel() parallel.Config {
	return parallel.WithThreads(o.NumThreads)
}

// Blob returns the blob allocator or the default.
func (o *Option) Blob() alloc.Allocator {
	if o.BlobAllocator != nil {
		return o.BlobAllocator
	}
	return alloc.Default()
}

// Workspace returns the workspace allocator or the default.
func (o *Option) Workspace() alloc.Allocator {
	if o.WorkspaceAllocator != nil {
		return o.WorkspaceAllocator
	}
	return alloc.Default()
}

// Staging returns the staging allocator or the default.
func (o *Option) Staging() alloc.Allocator {
	if o.StagingAllocator != nil {
		return o.StagingAllocator
	}
	return alloc.Default()
}
