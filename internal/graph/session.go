package graph

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/netrun/internal/alloc"
	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/tensor"
)

// Stats counts what a session did.
type Stats struct {
	// LiveSlots is the number of slots currently holding a value, PeakSlots
	// the maximum seen.
	LiveSlots int
	PeakSlots int

	Forwards        int
	InplaceForwards int
	Evictions       int
	Submits         int
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("live=%d peak=%d forwards=%s inplace=%d evictions=%d submits=%d",
		s.LiveSlots, s.PeakSlots, humanize.Comma(int64(s.Forwards)), s.InplaceForwards, s.Evictions, s.Submits)
}

// Session evaluates a graph on demand. It caches every value it computes
// until light mode evicts it or the session is released.
//
// A session is not safe for concurrent use; create one per request.
type Session struct {
	g   *Graph
	opt layer.Option

	host      []*tensor.Tensor
	device    []*gpu.Tensor
	provided  []bool
	requested []bool
	pending   []int

	// cmd is the session's own command; active is the command being
	// recorded into, which may be a caller's.
	cmd    gpu.Command
	active gpu.Command
	// recorded lists slots whose device values come from work not yet
	// submitted; unsubmitted those left in caller commands by ExtractDevice.
	recorded    []int
	unsubmitted []int

	stats    Stats
	released bool
}

func newSession(g *Graph) *Session {
	n := len(g.slots)
	s := &Session{
		g:         g,
		opt:       g.opts.layerOption(),
		host:      make([]*tensor.Tensor, n),
		device:    make([]*gpu.Tensor, n),
		provided:  make([]bool, n),
		requested: make([]bool, n),
		pending:   make([]int, n),
	}
	for i, sl := range g.slots {
		s.pending[i] = len(sl.consumers)
	}
	if g.deviceReady() {
		s.opt.DeviceAllocator = g.dev.blobs
	} else {
		s.opt.UseGPUCompute = false
	}
	return s
}

// SetLightMode toggles eviction of consumed intermediates.
func (s *Session) SetLightMode(on bool) {
	s.opt.LightMode = on
}

// SetNumThreads bounds the worker fan-out inside each operator.
func (s *Session) SetNumThreads(n int) {
	s.opt.NumThreads = n
}

// SetBlobAllocator sets the allocator for slot values. It is shared with
// nothing else unless the caller shares it, in which case it must be safe
// for concurrent use.
func (s *Session) SetBlobAllocator(a alloc.Allocator) {
	s.opt.BlobAllocator = a
}

// SetWorkspaceAllocator sets the allocator for operator scratch memory.
func (s *Session) SetWorkspaceAllocator(a alloc.Allocator) {
	s.opt.WorkspaceAllocator = a
}

// SetGPUCompute selects the device path. Enabling it on a graph without a
// prepared device makes Extract fail with ErrDeviceCapabilityUnavailable.
func (s *Session) SetGPUCompute(on bool) {
	s.opt.UseGPUCompute = on
}

// SetDeviceAllocator sets the allocator for device slot values.
func (s *Session) SetDeviceAllocator(a gpu.Allocator) {
	s.opt.DeviceAllocator = a
}

// SetStagingAllocator sets the allocator for host buffers crossing the device boundary.
func (s *Session) SetStagingAllocator(a alloc.Allocator) {
	s.opt.StagingAllocator = a
}

// Option returns the session's configuration snapshot.
func (s *Session) Option() layer.Option {
	return s.opt
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return s.stats
}

func (s *Session) check(i int) error {
	if s.released {
		return layer.ErrSessionReleased
	}
	if i < 0 || i >= len(s.host) {
		return errors.Wrapf(layer.ErrSlotIndexOutOfRange, "slot %d of %d", i, len(s.host))
	}
	return nil
}

func (s *Session) slotName(i int) string {
	if name := s.g.slots[i].name; name != "" {
		return name
	}
	return fmt.Sprintf("#%d", i)
}

// Input provides the value of slot i. The session keeps a reference and
// never writes to t.
func (s *Session) Input(i int, t *tensor.Tensor) error {
	if err := s.check(i); err != nil {
		return err
	}
	if t == nil {
		return errors.Errorf("input slot %s: nil tensor", s.slotName(i))
	}
	s.dropDevice(i)
	s.setHost(i, t.Clone())
	s.provided[i] = true
	return nil
}

// InputByName provides the value of the named slot.
func (s *Session) InputByName(name string, t *tensor.Tensor) error {
	if s.released {
		return layer.ErrSessionReleased
	}
	i, err := s.g.SlotIndex(name)
	if err != nil {
		return err
	}
	return s.Input(i, t)
}

// Extract returns the value of slot i, evaluating whatever it depends on.
// The returned tensor shares storage with the session cache: it stays valid
// after Release, but must not be modified.
func (s *Session) Extract(i int) (*tensor.Tensor, error) {
	if err := s.check(i); err != nil {
		return nil, err
	}
	s.requested[i] = true
	if s.opt.UseGPUCompute {
		return s.extractDevice(i)
	}
	t, err := s.materialize(i)
	if err != nil {
		return nil, errors.Wrapf(err, "extract %s", s.slotName(i))
	}
	return t.Clone(), nil
}

// ExtractByName returns the value of the named slot.
func (s *Session) ExtractByName(name string) (*tensor.Tensor, error) {
	if s.released {
		return nil, layer.ErrSessionReleased
	}
	i, err := s.g.SlotIndex(name)
	if err != nil {
		return nil, err
	}
	return s.Extract(i)
}

// Release frees every cached value. The session is unusable afterwards;
// calling Release again is a no-op.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true
	if s.cmd != nil {
		s.cmd.Reset()
	}
	s.active = nil
	for i := range s.host {
		if s.host[i] != nil {
			s.host[i].Release()
			s.host[i] = nil
		}
		if s.device[i] != nil {
			s.device[i].Release()
			s.device[i] = nil
		}
	}
	s.stats.LiveSlots = 0
	s.g.sessionReleased()
}

func (s *Session) held(i int) bool {
	return s.host[i] != nil || s.device[i] != nil
}

// track updates the live slot counters after slot i changed.
func (s *Session) track(i int, before bool) {
	switch after := s.held(i); {
	case before && !after:
		s.stats.LiveSlots--
	case !before && after:
		s.stats.LiveSlots++
		s.stats.PeakSlots = max(s.stats.PeakSlots, s.stats.LiveSlots)
	}
}

func (s *Session) setHost(i int, t *tensor.Tensor) {
	before := s.held(i)
	if s.host[i] != nil {
		s.host[i].Release()
	}
	s.host[i] = t
	s.track(i, before)
}

func (s *Session) dropHost(i int) {
	if s.host[i] == nil {
		return
	}
	before := s.held(i)
	s.host[i].Release()
	s.host[i] = nil
	s.track(i, before)
}

// storeHost caches an operator output. A caller-provided value wins.
func (s *Session) storeHost(i int, t *tensor.Tensor) {
	if s.provided[i] {
		t.Release()
		return
	}
	s.setHost(i, t)
}

// consumed records that one consumer of slot i has run, evicting the value
// in light mode once none remain. Values re-materialized after their
// consumers already ran are kept until Release.
func (s *Session) consumed(i int) {
	if s.pending[i] <= 0 {
		return
	}
	s.pending[i]--
	if s.pending[i] > 0 || !s.opt.LightMode || s.requested[i] || s.provided[i] {
		return
	}
	if s.held(i) {
		s.stats.Evictions++
	}
	s.dropHost(i)
	s.dropDevice(i)
}

// materialize returns the host value of slot i, running its producer if needed.
func (s *Session) materialize(i int) (*tensor.Tensor, error) {
	if t := s.host[i]; t != nil {
		return t, nil
	}
	p := s.g.slots[i].producer
	if p < 0 {
		return nil, errors.Wrapf(layer.ErrMissingRequiredInput, "slot %s has no producer and was not provided", s.slotName(i))
	}
	if err := s.forward(p); err != nil {
		return nil, err
	}
	if t := s.host[i]; t != nil {
		return t, nil
	}
	return nil, errors.Wrapf(layer.ErrMissingRequiredInput, "slot %s was not produced", s.slotName(i))
}

func (s *Session) layerError(li int, err error) error {
	n := &s.g.nodes[li]
	return errors.Wrapf(err, "layer %d %s (%s)", li, n.name, n.typeName)
}

// inplace reports whether node n may overwrite its single input: nobody
// else will read it and it is neither a caller value nor a requested output.
func (s *Session) inplace(n *node, bottoms []*tensor.Tensor) (layer.InplaceLayer, bool) {
	props := n.layer.Properties()
	if !s.opt.LightMode || !props.SupportInplace || !props.OneBlobOnly || len(n.inputs) != 1 || len(n.outputs) != 1 {
		return nil, false
	}
	il, ok := n.layer.(layer.InplaceLayer)
	if !ok {
		return nil, false
	}
	in := n.inputs[0]
	if s.pending[in] != 1 || s.requested[in] || s.provided[in] || !bottoms[0].IsUnique() {
		return nil, false
	}
	return il, true
}

// forward runs node li on the host once its inputs are available.
func (s *Session) forward(li int) error {
	n := &s.g.nodes[li]
	bottoms := make([]*tensor.Tensor, len(n.inputs))
	for k, b := range n.inputs {
		t, err := s.materialize(b)
		if err != nil {
			return err
		}
		bottoms[k] = t
	}

	if il, ok := s.inplace(n, bottoms); ok {
		in, top := n.inputs[0], n.outputs[0]
		t := s.host[in]
		before := s.held(in)
		s.host[in] = nil
		s.track(in, before)
		if err := il.ForwardInplace(t, &s.opt); err != nil {
			s.setHost(in, t)
			return s.layerError(li, err)
		}
		s.pending[in] = 0
		s.stats.Forwards++
		s.stats.InplaceForwards++
		klog.V(2).Infof("forward %s (%s) in place", n.name, n.typeName)
		s.storeHost(top, t)
		return nil
	}

	tops, err := n.layer.Forward(bottoms, &s.opt)
	if err != nil {
		return s.layerError(li, err)
	}
	if len(tops) != len(n.outputs) {
		for _, t := range tops {
			t.Release()
		}
		return s.layerError(li, errors.Wrapf(layer.ErrOperatorForwardFailure, "produced %d outputs, declared %d", len(tops), len(n.outputs)))
	}
	s.stats.Forwards++
	klog.V(2).Infof("forward %s (%s)", n.name, n.typeName)
	for k, top := range n.outputs {
		s.storeHost(top, tops[k])
	}
	for _, b := range n.inputs {
		s.consumed(b)
	}
	return nil
}
