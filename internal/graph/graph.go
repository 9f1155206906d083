// Package graph holds the network container and the execution session.
//
// A Graph is built once: structure first (LoadParam*), then weights
// (LoadModel*), after which the fusion pass, algorithm selection and device
// preparation run exactly once. From then on the graph is read-only and any
// number of sessions may evaluate it concurrently, each with its own cache.
//
// Example:
//
//	g := graph.New(graph.DefaultOptions())
//	if err := g.LoadParamFile("net.param"); err != nil {
//	    return err
//	}
//	if err := g.LoadModelFile("net.bin"); err != nil {
//	    return err
//	}
//	s, err := g.NewSession()
//	if err != nil {
//	    return err
//	}
//	defer s.Release()
//	_ = s.InputByName("data", in)
//	out, err := s.ExtractByName("prob")
package graph

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/mmap"
)

// slot is the structural record of one tensor slot.
type slot struct {
	name      string
	producer  int
	consumers []int
}

// node is one operator instance with its slot wiring.
type node struct {
	typeIndex int
	typeName  string
	name      string
	inputs    []int
	outputs   []int
	layer     layer.Layer
}

// SlotInfo describes a tensor slot.
type SlotInfo struct {
	Index int
	Name  string
	// Producer is the producing layer index, or -1 for graph inputs and
	// slots orphaned by fusion.
	Producer  int
	Consumers []int
}

// LayerInfo describes an operator.
type LayerInfo struct {
	Index    int
	Type     int
	TypeName string
	Name     string
	Inputs   []int
	Outputs  []int
	Layer    layer.Layer
}

// Graph is the network container.
type Graph struct {
	opts     Options
	registry *layer.Registry

	mu       sync.Mutex
	sessions int

	slots     []slot
	nodes     []node
	slotIndex map[string]int
	nodeIndex map[string]int
	loaded    bool
	ready     bool

	// Owned weight storage: a file mapping or a private copy of reader input.
	mapping *mmap.File
	owned   []uint32

	device   gpu.Device
	dev      *deviceState
	fusedOut int
}

// New creates an empty graph.
func New(opts Options) *Graph {
	return &Graph{
		opts:     opts,
		registry: layer.NewRegistry(),
	}
}

// Options returns the graph options.
func (g *Graph) Options() Options {
	return g.opts
}

// SetDevice attaches a compute device. It must be called before weights are
// loaded; the graph does not take ownership of dev.
func (g *Graph) SetDevice(dev gpu.Device) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return errors.New("set device: weights already loaded, call Clear first")
	}
	g.device = dev
	return nil
}

// Device returns the attached device, or nil.
func (g *Graph) Device() gpu.Device {
	return g.device
}

// RegisterCustomLayer maps a type index to creator for this graph only.
// Registering a built-in index overrides the built-in operator.
func (g *Graph) RegisterCustomLayer(index int, creator layer.Creator) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loaded {
		return errors.New("register custom layer: structure already loaded")
	}
	return g.registry.Register(index, "", creator)
}

// RegisterCustomLayerByName maps a type name to creator for this graph only
// and returns the type index it was given.
func (g *Graph) RegisterCustomLayerByName(name string, creator layer.Creator) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loaded {
		return 0, errors.New("register custom layer: structure already loaded")
	}
	return g.registry.RegisterByName(name, creator)
}

// Ready reports whether sessions can be created.
func (g *Graph) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// NewSession creates an execution session. The graph must stay alive, and
// must not be cleared, until the session is released.
func (g *Graph) NewSession() (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		return nil, errors.Wrap(layer.ErrGraphNotReady, "new session")
	}
	g.sessions++
	return newSession(g), nil
}

func (g *Graph) sessionReleased() {
	g.mu.Lock()
	g.sessions--
	g.mu.Unlock()
}

// Clear drops structure, weights and device state, returning the graph to
// its freshly created state. Custom registrations are kept.
func (g *Graph) Clear() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessions > 0 {
		return errors.Wrapf(layer.ErrSessionsOutstanding, "clear: %d sessions alive", g.sessions)
	}
	return g.clearLocked()
}

func (g *Graph) clearLocked() error {
	g.destroyDevice()
	g.slots, g.nodes = nil, nil
	g.slotIndex, g.nodeIndex = nil, nil
	g.loaded, g.ready = false, false
	g.fusedOut = 0
	g.owned = nil
	if g.mapping != nil {
		err := g.mapping.Close()
		g.mapping = nil
		if err != nil {
			return errors.Wrap(err, "unmap weights")
		}
	}
	return nil
}

// SlotCount returns the number of tensor slots.
func (g *Graph) SlotCount() int {
	return len(g.slots)
}

// LayerCount returns the number of operators, after fusion.
func (g *Graph) LayerCount() int {
	return len(g.nodes)
}

// FusedLayers returns how many operators the fusion pass removed.
func (g *Graph) FusedLayers() int {
	return g.fusedOut
}

// SlotIndex resolves a slot name.
func (g *Graph) SlotIndex(name string) (int, error) {
	if idx, ok := g.slotIndex[name]; ok {
		return idx, nil
	}
	return -1, errors.Wrapf(layer.ErrUnknownSlotName, "slot %q", name)
}

// LayerIndex resolves an operator instance name.
func (g *Graph) LayerIndex(name string) (int, error) {
	if idx, ok := g.nodeIndex[name]; ok {
		return idx, nil
	}
	return -1, errors.Errorf("unknown layer name %q", name)
}

// Slots describes every tensor slot.
func (g *Graph) Slots() []SlotInfo {
	out := make([]SlotInfo, len(g.slots))
	for i, s := range g.slots {
		out[i] = SlotInfo{
			Index:     i,
			Name:      s.name,
			Producer:  s.producer,
			Consumers: append([]int(nil), s.consumers...),
		}
	}
	return out
}

// Layers describes every operator in evaluation order.
func (g *Graph) Layers() []LayerInfo {
	out := make([]LayerInfo, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = LayerInfo{
			Index:    i,
			Type:     n.typeIndex,
			TypeName: n.typeName,
			Name:     n.name,
			Inputs:   append([]int(nil), n.inputs...),
			Outputs:  append([]int(nil), n.outputs...),
			Layer:    n.layer,
		}
	}
	return out
}

// Inputs returns the slots with no producer that some operator reads, plus
// the outputs of Input operators.
func (g *Graph) Inputs() []int {
	var in []int
	for i, s := range g.slots {
		switch {
		case s.producer < 0 && len(s.consumers) > 0:
			in = append(in, i)
		case s.producer >= 0 && g.nodes[s.producer].typeIndex == layer.TypeInput && !g.registry.IsCustom(layer.TypeInput):
			in = append(in, i)
		}
	}
	return in
}

// Outputs returns the produced slots nobody consumes.
func (g *Graph) Outputs() []int {
	var out []int
	for i, s := range g.slots {
		if s.producer >= 0 && len(s.consumers) == 0 {
			out = append(out, i)
		}
	}
	return out
}

// link rebuilds producer and consumer records from the node list.
func (g *Graph) link() {
	for i := range g.slots {
		g.slots[i].producer = -1
		g.slots[i].consumers = nil
	}
	g.nodeIndex = make(map[string]int, len(g.nodes))
	for li, n := range g.nodes {
		for _, top := range n.outputs {
			g.slots[top].producer = li
		}
		for _, bottom := range n.inputs {
			g.slots[bottom].consumers = append(g.slots[bottom].consumers, li)
		}
		if n.name != "" {
			g.nodeIndex[n.name] = li
		}
	}
	klog.V(2).Infof("linked %d layers over %d slots", len(g.nodes), len(g.slots))
}
