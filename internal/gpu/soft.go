package gpu

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/netrun/internal/parallel"
)

// SoftDevice is a device backed by host memory. Shaders run through their Go
// kernel, fanned out over the configured worker count when a command is
// submitted. It is the reference device for the GPU execution path and is
// always available.
type SoftDevice struct {
	cfg parallel.Config

	liveBuffers   atomic.Int64
	livePipelines atomic.Int64
	submits       atomic.Uint64

	mu       sync.Mutex
	released bool
}

// NewSoftDevice creates a software device running kernels on numThreads workers.
func NewSoftDevice(numThreads int) *SoftDevice {
	return &SoftDevice{cfg: parallel.WithThreads(numThreads)}
}

// Name implements Device.
func (d *SoftDevice) Name() string { return "soft" }

// LiveBuffers returns the number of buffers created and not yet released.
func (d *SoftDevice) LiveBuffers() int { return int(d.liveBuffers.Load()) }

// LivePipelines returns the number of pipelines created and not yet released.
func (d *SoftDevice) LivePipelines() int { return int(d.livePipelines.Load()) }

// Submits returns the number of commands executed.
func (d *SoftDevice) Submits() uint64 { return d.submits.Load() }

// CreateBuffer implements Device.
func (d *SoftDevice) CreateBuffer(size int) (Buffer, error) {
	d.mu.Lock()
	released := d.released
	d.mu.Unlock()
	if released {
		return nil, errors.New("soft device: released")
	}
	words := make([]uint32, alignedSize(size)/4)
	var data []byte
	if len(words) > 0 {
		//nolint:gosec // view uint32 storage as bytes for 4-byte alignment.
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
	}
	d.liveBuffers.Add(1)
	return &softBuffer{dev: d, data: data}, nil
}

// CreatePipeline implements Device.
func (d *SoftDevice) CreatePipeline(spec ShaderSpec) (Pipeline, error) {
	if spec.Kernel == nil {
		return nil, errors.Wrapf(ErrDeviceCapabilityUnavailable, "shader %q has no host kernel", spec.Name)
	}
	d.livePipelines.Add(1)
	return &softPipeline{dev: d, name: spec.Name, kernel: spec.Kernel}, nil
}

// NewCommand implements Device.
func (d *SoftDevice) NewCommand() Command {
	return &softCommand{dev: d}
}

// Release implements Device.
func (d *SoftDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.liveBuffers.Load(); n > 0 {
		klog.V(2).Infof("soft device released with %d live buffers", n)
	}
	d.released = true
}

type softBuffer struct {
	dev      *SoftDevice
	data     []byte
	released atomic.Bool
}

func (b *softBuffer) Size() int { return len(b.data) }

func (b *softBuffer) Release() {
	if b.released.CompareAndSwap(false, true) {
		b.dev.liveBuffers.Add(-1)
	}
}

type softPipeline struct {
	dev      *SoftDevice
	name     string
	kernel   Kernel
	released atomic.Bool
}

func (p *softPipeline) Name() string { return p.name }

func (p *softPipeline) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.dev.livePipelines.Add(-1)
	}
}

type softCommand struct {
	dev      *SoftDevice
	ops      []func() error
	retained []*Tensor
}

func (c *softCommand) RecordUpload(dst Buffer, src []byte) {
	c.ops = append(c.ops, func() error {
		b, ok := dst.(*softBuffer)
		if !ok || len(src) > len(b.data) {
			return errors.Errorf("soft upload: %d bytes into buffer of %d", len(src), dst.Size())
		}
		copy(b.data, src)
		return nil
	})
}

func (c *softCommand) RecordDispatch(p Pipeline, bindings []Buffer, params []uint32, invocations int) {
	params = append([]uint32(nil), params...)
	bindings = append([]Buffer(nil), bindings...)
	c.ops = append(c.ops, func() error {
		sp, ok := p.(*softPipeline)
		if !ok {
			return errors.Errorf("soft dispatch: foreign pipeline %T", p)
		}
		if sp.released.Load() {
			return errors.Errorf("soft dispatch: pipeline %q was released", sp.name)
		}
		views := make([][]byte, len(bindings))
		for i, b := range bindings {
			sb, ok := b.(*softBuffer)
			if !ok {
				return errors.Errorf("soft dispatch: foreign buffer %T at binding %d", b, i)
			}
			views[i] = sb.data
		}
		parallel.For(invocations, func(id int) {
			sp.kernel(id, views, params)
		}, c.dev.cfg)
		return nil
	})
}

func (c *softCommand) RecordDownload(src Buffer, dst []byte) {
	c.ops = append(c.ops, func() error {
		b, ok := src.(*softBuffer)
		if !ok || len(dst) > len(b.data) {
			return errors.Errorf("soft download: %d bytes from buffer of %d", len(dst), src.Size())
		}
		copy(dst, b.data)
		return nil
	})
}

func (c *softCommand) Retain(t *Tensor) {
	c.retained = append(c.retained, t.Clone())
}

func (c *softCommand) SubmitAndWait() error {
	defer c.Reset()
	c.dev.submits.Add(1)
	for i, op := range c.ops {
		if err := op(); err != nil {
			return errors.Wrapf(err, "command op %d", i)
		}
	}
	return nil
}

func (c *softCommand) Reset() {
	c.ops = c.ops[:0]
	for _, t := range c.retained {
		t.Release()
	}
	c.retained = c.retained[:0]
}
