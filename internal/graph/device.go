package graph

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/tensor"
)

// deviceState is what the graph owns on the attached device.
type deviceState struct {
	dev gpu.Device
	// blobs serves session intermediates; weights holds uploaded weights.
	blobs   *gpu.BufferPool
	weights gpu.Allocator

	prepared []layer.GPULayer

	// Housekeeping operators bridging precision and packing between layers.
	toFP16 *layer.Cast
	toFP32 *layer.Cast
	pack1  *layer.Packing
	pack4  *layer.Packing
}

// gpuLayer returns the device side of an operator that declares device support.
func gpuLayer(l layer.Layer) (layer.GPULayer, bool) {
	if !l.Properties().SupportGPU {
		return nil, false
	}
	gl, ok := l.(layer.GPULayer)
	return gl, ok
}

// prepareDevice compiles pipelines and uploads weights. g.mu must be held.
func (g *Graph) prepareDevice() error {
	ds := &deviceState{
		dev:     g.device,
		blobs:   gpu.NewBufferPool(g.device),
		weights: gpu.DirectAllocator{Device: g.device},
		toFP16:  layer.NewCast(tensor.Float32, tensor.Float16),
		toFP32:  layer.NewCast(tensor.Float16, tensor.Float32),
		pack1:   layer.NewPacking(1),
		pack4:   layer.NewPacking(4),
	}
	g.dev = ds
	opt := g.opts.layerOption()

	for _, hk := range []layer.GPULayer{ds.toFP16, ds.toFP32, ds.pack1, ds.pack4} {
		if err := hk.CreatePipeline(g.device, &opt); err != nil {
			return errors.Wrap(err, "housekeeping pipeline")
		}
		ds.prepared = append(ds.prepared, hk)
	}

	cmd := g.device.NewCommand()
	for i := range g.nodes {
		n := &g.nodes[i]
		gl, ok := gpuLayer(n.layer)
		if !ok {
			klog.V(1).Infof("layer %s (%s) has no device implementation", n.name, n.typeName)
			continue
		}
		if err := gl.CreatePipeline(g.device, &opt); err != nil {
			cmd.Reset()
			return errors.Wrapf(err, "layer %d %s (%s) pipeline", i, n.name, n.typeName)
		}
		ds.prepared = append(ds.prepared, gl)
		if err := gl.UploadModel(cmd, ds.weights); err != nil {
			cmd.Reset()
			return errors.Wrapf(err, "layer %d %s (%s) upload", i, n.name, n.typeName)
		}
	}
	if err := cmd.SubmitAndWait(); err != nil {
		return errors.Wrap(err, "upload weights")
	}
	klog.V(1).Infof("prepared %d device layers on %s", len(ds.prepared)-4, g.device.Name())
	return nil
}

// destroyDevice releases pipelines, device weights and pooled buffers.
func (g *Graph) destroyDevice() {
	if g.dev == nil {
		return
	}
	for _, gl := range g.dev.prepared {
		gl.DestroyPipeline()
	}
	g.dev.blobs.Clear()
	g.dev = nil
}

// deviceReady reports whether sessions can record device work.
func (g *Graph) deviceReady() bool {
	return g.dev != nil
}
