package graph

import (
	"bytes"
	"io"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/mmap"
	"github.com/born-ml/netrun/internal/param"
)

// LoadParam reads a text structure description and returns the bytes consumed.
func (g *Graph) LoadParam(r io.Reader) (int, error) {
	s, n, err := param.ParseText(r)
	if err != nil {
		return n, err
	}
	return n, g.loadStructure(s)
}

// LoadParamMem parses a text structure description held in memory and
// returns the bytes consumed, so several sections can share one buffer.
func (g *Graph) LoadParamMem(b []byte) (int, error) {
	s, n, err := param.ParseTextMem(b)
	if err != nil {
		return n, err
	}
	return n, g.loadStructure(s)
}

// LoadParamFile reads a text structure description from path.
func (g *Graph) LoadParamFile(path string) error {
	//nolint:gosec // G304: model paths come from the caller
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open structure")
	}
	defer func() {
		_ = f.Close()
	}()
	_, err = g.LoadParam(f)
	return errors.Wrapf(err, "load %s", path)
}

// LoadParamBin reads a binary structure description and returns the bytes consumed.
func (g *Graph) LoadParamBin(r io.Reader) (int, error) {
	s, n, err := param.ParseBinary(r)
	if err != nil {
		return n, err
	}
	return n, g.loadStructure(s)
}

// LoadParamBinMem parses a binary structure description held in memory.
func (g *Graph) LoadParamBinMem(b []byte) (int, error) {
	s, n, err := param.ParseBinaryMem(b)
	if err != nil {
		return n, err
	}
	return n, g.loadStructure(s)
}

// LoadParamBinFile reads a binary structure description from path.
func (g *Graph) LoadParamBinFile(path string) error {
	//nolint:gosec // G304: model paths come from the caller
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open structure")
	}
	defer func() {
		_ = f.Close()
	}()
	_, err = g.LoadParamBin(f)
	return errors.Wrapf(err, "load %s", path)
}

// loadStructure replaces the graph contents with s. Every operator is
// created before any is configured, so an unknown type leaves nothing behind.
func (g *Graph) loadStructure(s *param.Structure) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions > 0 {
		return errors.Wrap(layer.ErrSessionsOutstanding, "load structure")
	}
	if err := g.clearLocked(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}

	nodes := make([]node, len(s.Decls))
	for i, d := range s.Decls {
		idx := d.TypeIndex
		if d.TypeName != "" && idx < 0 {
			var err error
			if idx, err = g.registry.Resolve(d.TypeName); err != nil {
				return errors.Wrapf(err, "layer %d (%s)", i, d.Name)
			}
		}
		l, err := g.registry.Create(idx)
		if err != nil {
			return errors.Wrapf(err, "layer %d (%s)", i, d.Name)
		}
		name := d.TypeName
		if name == "" {
			name = g.registry.Name(idx)
		}
		nodes[i] = node{
			typeIndex: idx,
			typeName:  name,
			name:      d.Name,
			inputs:    d.Inputs,
			outputs:   d.Outputs,
			layer:     l,
		}
	}

	for i := range nodes {
		n := &nodes[i]
		if sp, ok := n.layer.(*layer.Split); ok {
			sp.SetOutputs(len(n.outputs))
		}
		pd := s.Decls[i].Params
		if pd == nil {
			pd = param.NewDict()
		}
		if err := n.layer.LoadParam(pd); err != nil {
			return errors.Wrapf(err, "layer %d %s (%s) params", i, n.name, n.typeName)
		}
	}

	g.nodes = nodes
	g.slots = make([]slot, s.SlotCount())
	g.slotIndex = make(map[string]int, len(g.slots))
	for i, name := range s.SlotNames {
		g.slots[i].name = name
		if name != "" {
			g.slotIndex[name] = i
		}
	}
	g.link()
	g.loaded = true
	klog.V(1).Infof("loaded structure: %d layers, %d slots", len(g.nodes), len(g.slots))
	return nil
}

// LoadModelMem binds weights from data without copying it. data must be
// 4-byte aligned and must outlive the graph and every session. Graphs
// without weights may pass nil. Returns the bytes consumed.
func (g *Graph) LoadModelMem(data []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loadWeights(data)
}

// LoadModel reads weights from r into memory owned by the graph.
func (g *Graph) LoadModel(r io.Reader) (int, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return 0, errors.Wrap(err, "read weights")
	}
	words := make([]uint32, (buf.Len()+3)/4)
	var data []byte
	if len(words) > 0 {
		//nolint:gosec // word-backed storage keeps float32 views aligned
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), buf.Len())
		copy(data, buf.Bytes())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.loadWeights(data)
	if err != nil {
		return n, err
	}
	g.owned = words
	return n, nil
}

// LoadModelFile memory-maps path and binds weights from the mapping, which
// the graph owns until Clear.
func (g *Graph) LoadModelFile(path string) error {
	f, err := mmap.Open(path)
	if err != nil {
		return errors.Wrapf(err, "load %s", path)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.loadWeights(f.Bytes()); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "load %s", path)
	}
	g.mapping = f
	return nil
}

// loadWeights binds every operator's weights in declaration order, then
// fuses, selects algorithms and prepares the device. g.mu must be held.
func (g *Graph) loadWeights(data []byte) (int, error) {
	if !g.loaded {
		return 0, errors.Wrap(layer.ErrGraphNotReady, "load weights: no structure loaded")
	}
	if g.sessions > 0 {
		return 0, errors.Wrap(layer.ErrSessionsOutstanding, "load weights")
	}
	if g.ready {
		return 0, errors.New("load weights: already loaded, call Clear first")
	}
	mb, err := layer.NewBufferModelBin(data)
	if err != nil {
		return 0, err
	}
	for i := range g.nodes {
		n := &g.nodes[i]
		if err := n.layer.LoadModel(mb); err != nil {
			return mb.Consumed(), errors.Wrapf(err, "layer %d %s (%s) weights", i, n.name, n.typeName)
		}
	}

	if g.opts.EnableFusion {
		g.fusedOut = g.fuse()
	}
	g.selectAlgorithms()

	if g.opts.UseGPUCompute && g.device != nil {
		if err := g.prepareDevice(); err != nil {
			g.destroyDevice()
			return mb.Consumed(), err
		}
	}
	g.ready = true
	klog.V(1).Infof("loaded weights: %d bytes, %d layers fused away", mb.Consumed(), g.fusedOut)
	return mb.Consumed(), nil
}
