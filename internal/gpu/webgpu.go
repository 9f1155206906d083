//go:build windows

package gpu

import (
	"encoding/binary"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WebGPUDevice runs shaders through their WGSL source on the first adapter
// reported by the native WebGPU runtime.
type WebGPUDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
}

// NewWebGPUDevice opens the default adapter.
// Returns ErrDeviceCapabilityUnavailable if WebGPU is not available.
func NewWebGPUDevice() (dev *WebGPUDevice, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = errors.Wrapf(ErrDeviceCapabilityUnavailable, "webgpu: native library not available: %v", r)
		}
	}()

	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, errors.Wrap(ErrDeviceCapabilityUnavailable, err.Error())
	}
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		instance.Release()
		return nil, errors.Wrapf(ErrDeviceCapabilityUnavailable, "webgpu: failed to request adapter: %v", err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrapf(ErrDeviceCapabilityUnavailable, "webgpu: failed to request device: %v", err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(ErrDeviceCapabilityUnavailable, "webgpu: failed to get queue")
	}
	klog.V(1).Info("webgpu device opened")
	return &WebGPUDevice{instance: instance, adapter: adapter, device: device, queue: queue}, nil
}

// Name implements Device.
func (d *WebGPUDevice) Name() string { return "webgpu" }

// CreateBuffer implements Device.
func (d *WebGPUDevice) CreateBuffer(size int) (Buffer, error) {
	size = alignedSize(max(size, 4))
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  uint64(size),
	})
	if buffer == nil {
		return nil, errors.Errorf("webgpu: failed to create buffer of %d bytes", size)
	}
	return &wgpuBuffer{buffer: buffer, size: size}, nil
}

// CreatePipeline implements Device.
func (d *WebGPUDevice) CreatePipeline(spec ShaderSpec) (Pipeline, error) {
	if spec.WGSL == "" {
		return nil, errors.Wrapf(ErrDeviceCapabilityUnavailable, "shader %q has no WGSL source", spec.Name)
	}
	shader := d.device.CreateShaderModuleWGSL(spec.WGSL)
	// Auto layout (nil layout).
	pipeline := d.device.CreateComputePipelineSimple(nil, shader, "main")
	return &wgpuPipeline{name: spec.Name, shader: shader, pipeline: pipeline}, nil
}

// NewCommand implements Device.
func (d *WebGPUDevice) NewCommand() Command {
	return &wgpuCommand{dev: d}
}

// Release implements Device.
func (d *WebGPUDevice) Release() {
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

// createMapped creates a buffer initialized with data through MappedAtCreation.
func (d *WebGPUDevice) createMapped(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(alignedSize(max(len(data), 4)))
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafe.Slice((*byte)(mappedPtr), size), data)
	buffer.Unmap()
	return buffer
}

type wgpuBuffer struct {
	buffer *wgpu.Buffer
	size   int
}

func (b *wgpuBuffer) Size() int { return b.size }
func (b *wgpuBuffer) Release() { b.buffer.Release() }

type wgpuPipeline struct {
	name     string
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

func (p *wgpuPipeline) Name() string { return p.name }

func (p *wgpuPipeline) Release() {
	p.pipeline.Release()
	p.shader.Release()
}

type wgpuOp struct {
	kind        int // 0 upload, 1 dispatch, 2 download
	buffer      Buffer
	host        []byte
	pipeline    Pipeline
	bindings    []Buffer
	params      []uint32
	invocations int
}

type wgpuCommand struct {
	dev      *WebGPUDevice
	ops      []wgpuOp
	retained []*Tensor
}

func (c *wgpuCommand) RecordUpload(dst Buffer, src []byte) {
	c.ops = append(c.ops, wgpuOp{kind: 0, buffer: dst, host: src})
}

func (c *wgpuCommand) RecordDispatch(p Pipeline, bindings []Buffer, params []uint32, invocations int) {
	c.ops = append(c.ops, wgpuOp{
		kind:        1,
		pipeline:    p,
		bindings:    append([]Buffer(nil), bindings...),
		params:      append([]uint32(nil), params...),
		invocations: invocations,
	})
}

func (c *wgpuCommand) RecordDownload(src Buffer, dst []byte) {
	c.ops = append(c.ops, wgpuOp{kind: 2, buffer: src, host: dst})
}

func (c *wgpuCommand) Retain(t *Tensor) {
	c.retained = append(c.retained, t.Clone())
}

func (c *wgpuCommand) SubmitAndWait() (err error) {
	defer c.Reset()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("webgpu: submit failed: %v", r)
		}
	}()

	d := c.dev
	var temporaries []*wgpu.Buffer
	var bindGroups []*wgpu.BindGroup
	defer func() {
		for _, bg := range bindGroups {
			bg.Release()
		}
		for _, b := range temporaries {
			b.Release()
		}
	}()
	type readback struct {
		staging *wgpu.Buffer
		dst     []byte
	}
	var readbacks []readback

	encoder := d.device.CreateCommandEncoder(nil)
	for _, op := range c.ops {
		switch op.kind {
		case 0:
			dst := op.buffer.(*wgpuBuffer)
			staging := d.createMapped(op.host, wgpu.BufferUsageCopySrc)
			temporaries = append(temporaries, staging)
			encoder.CopyBufferToBuffer(staging, 0, dst.buffer, 0, uint64(alignedSize(len(op.host))))
		case 1:
			p := op.pipeline.(*wgpuPipeline)
			// Uniform buffers require 16-byte alignment.
			params := make([]byte, (len(op.params)*4+15)&^15)
			if len(params) == 0 {
				params = make([]byte, 16)
			}
			for i, v := range op.params {
				binary.LittleEndian.PutUint32(params[i*4:], v)
			}
			uniform := d.createMapped(params, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
			temporaries = append(temporaries, uniform)

			entries := make([]wgpu.BindGroupEntry, 0, len(op.bindings)+1)
			for i, b := range op.bindings {
				wb := b.(*wgpuBuffer)
				entries = append(entries, wgpu.BufferBindingEntry(uint32(i), wb.buffer, 0, uint64(wb.size)))
			}
			entries = append(entries, wgpu.BufferBindingEntry(uint32(len(op.bindings)), uniform, 0, uint64(len(params))))
			bindGroup := d.device.CreateBindGroupSimple(p.pipeline.GetBindGroupLayout(0), entries)
			bindGroups = append(bindGroups, bindGroup)

			computePass := encoder.BeginComputePass(nil)
			computePass.SetPipeline(p.pipeline)
			computePass.SetBindGroup(0, bindGroup, nil)
			//nolint:gosec // G115: workgroup count is non-negative
			computePass.DispatchWorkgroups(uint32((op.invocations+WorkgroupSize-1)/WorkgroupSize), 1, 1)
			computePass.End()
		case 2:
			src := op.buffer.(*wgpuBuffer)
			size := uint64(alignedSize(len(op.host)))
			staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
				Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
				Size:  size,
			})
			temporaries = append(temporaries, staging)
			encoder.CopyBufferToBuffer(src.buffer, 0, staging, 0, size)
			readbacks = append(readbacks, readback{staging: staging, dst: op.host})
		}
	}
	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)

	for _, rb := range readbacks {
		size := uint64(alignedSize(len(rb.dst)))
		if err := rb.staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
			return errors.Wrap(err, "webgpu: failed to map staging buffer")
		}
		mappedPtr := rb.staging.GetMappedRange(0, size)
		//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
		copy(rb.dst, unsafe.Slice((*byte)(mappedPtr), size))
		rb.staging.Unmap()
	}
	return nil
}

func (c *wgpuCommand) Reset() {
	c.ops = c.ops[:0]
	for _, t := range c.retained {
		t.Release()
	}
	c.retained = c.retained[:0]
}
