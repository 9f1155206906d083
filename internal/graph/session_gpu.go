package graph

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/layer"
	"github.com/born-ml/netrun/internal/tensor"
)

// InputDevice provides slot i as a device tensor. Work producing t must be
// recorded on, or already submitted before, the command later passed to
// ExtractDevice.
func (s *Session) InputDevice(i int, t *gpu.Tensor) error {
	if err := s.check(i); err != nil {
		return err
	}
	if t == nil {
		return errors.Errorf("input slot %s: nil device tensor", s.slotName(i))
	}
	s.dropHost(i)
	s.setDevice(i, t.Clone())
	s.provided[i] = true
	return nil
}

// ExtractDevice records the evaluation of slot i into cmd and returns the
// resulting device tensor in whatever precision and packing its producer
// left it. The value is only valid after the caller submits cmd. On error
// the caller should reset cmd.
//
// Values recorded into cmd are cached by the session. A caller that resets
// cmd instead of submitting it must call DiscardDevice before the next
// extraction.
func (s *Session) ExtractDevice(i int, cmd gpu.Command) (*gpu.Tensor, error) {
	if err := s.check(i); err != nil {
		return nil, err
	}
	if !s.g.deviceReady() {
		return nil, errors.Wrap(layer.ErrDeviceCapabilityUnavailable, "extract device: no device prepared")
	}
	s.requested[i] = true
	s.active = cmd
	defer func() { s.active = nil }()
	pending := s.snapshotPending()
	d, err := s.materializeDevice(cmd, i)
	if err != nil {
		s.abort(pending)
		return nil, errors.Wrapf(err, "extract %s", s.slotName(i))
	}
	s.unsubmitted = append(s.unsubmitted, s.recorded...)
	s.recorded = s.recorded[:0]
	return d.Clone(), nil
}

// DiscardDevice drops the device values recorded by ExtractDevice into
// caller commands since the last DiscardDevice. Slots with a host value or
// a device input are kept.
func (s *Session) DiscardDevice() {
	if s.released {
		return
	}
	for _, i := range s.unsubmitted {
		if s.provided[i] && s.host[i] == nil {
			continue
		}
		s.dropDevice(i)
	}
	s.unsubmitted = s.unsubmitted[:0]
}

// extractDevice evaluates slot i on the device with the session's own
// command, then downloads it as float32 elempack 1.
func (s *Session) extractDevice(i int) (*tensor.Tensor, error) {
	if t := s.host[i]; t != nil {
		return t.Clone(), nil
	}
	if !s.g.deviceReady() {
		return nil, errors.Wrap(layer.ErrDeviceCapabilityUnavailable, "extract: no device prepared")
	}
	if s.cmd == nil {
		s.cmd = s.g.dev.dev.NewCommand()
	}
	cmd := s.cmd
	s.active = cmd
	defer func() { s.active = nil }()
	pending := s.snapshotPending()

	host, err := s.recordExtract(cmd, i)
	if err != nil {
		s.active = nil
		cmd.Reset()
		s.abort(pending)
		return nil, errors.Wrapf(err, "extract %s", s.slotName(i))
	}
	if err := cmd.SubmitAndWait(); err != nil {
		host.Release()
		s.active = nil
		s.abort(pending)
		return nil, errors.Wrapf(err, "extract %s: submit", s.slotName(i))
	}
	s.stats.Submits++
	s.recorded = s.recorded[:0]
	s.setHost(i, host)
	return host.Clone(), nil
}

func (s *Session) recordExtract(cmd gpu.Command, i int) (*tensor.Tensor, error) {
	d, err := s.materializeDevice(cmd, i)
	if err != nil {
		return nil, err
	}
	out, err := s.convertTo(cmd, d, tensor.Float32, 1)
	if err != nil {
		return nil, err
	}
	defer s.releaseDevice(out)
	host, err := tensor.New(out.Shape(), tensor.Float32, s.opt.Staging())
	if err != nil {
		return nil, err
	}
	if err := gpu.Download(cmd, out, host); err != nil {
		host.Release()
		return nil, err
	}
	return host, nil
}

func (s *Session) snapshotPending() []int {
	return append([]int(nil), s.pending...)
}

// abort drops device values whose producing work was never submitted and
// restores the consumer counts the dropped work had used up, so the values
// evict normally once recomputed.
func (s *Session) abort(pending []int) {
	for _, i := range s.recorded {
		s.dropDevice(i)
	}
	s.recorded = s.recorded[:0]
	copy(s.pending, pending)
}

// releaseDevice drops a handle, keeping the buffer alive until recorded
// work that may read it has executed.
func (s *Session) releaseDevice(d *gpu.Tensor) {
	if s.active != nil {
		s.active.Retain(d)
	}
	d.Release()
}

func (s *Session) setDevice(i int, d *gpu.Tensor) {
	before := s.held(i)
	if s.device[i] != nil {
		s.releaseDevice(s.device[i])
	}
	s.device[i] = d
	s.track(i, before)
}

func (s *Session) dropDevice(i int) {
	if s.device[i] == nil {
		return
	}
	before := s.held(i)
	s.releaseDevice(s.device[i])
	s.device[i] = nil
	s.track(i, before)
}

// materializeDevice returns the device value of slot i, uploading a host
// value or recording its producer as needed.
func (s *Session) materializeDevice(cmd gpu.Command, i int) (*gpu.Tensor, error) {
	if d := s.device[i]; d != nil {
		return d, nil
	}
	if s.opt.DeviceAllocator == nil {
		return nil, errors.Wrap(layer.ErrDeviceCapabilityUnavailable, "no device allocator")
	}
	if h := s.host[i]; h != nil {
		d, err := gpu.Upload(cmd, h, s.opt.DeviceAllocator)
		if err != nil {
			return nil, err
		}
		s.setDevice(i, d)
		s.recorded = append(s.recorded, i)
		return d, nil
	}
	p := s.g.slots[i].producer
	if p < 0 {
		return nil, errors.Wrapf(layer.ErrMissingRequiredInput, "slot %s has no producer and was not provided", s.slotName(i))
	}
	if err := s.forwardDevice(cmd, p); err != nil {
		return nil, err
	}
	if d := s.device[i]; d != nil {
		return d, nil
	}
	return nil, errors.Wrapf(layer.ErrMissingRequiredInput, "slot %s was not produced", s.slotName(i))
}

// forwardDevice records node li. Inputs are first converted to the
// precision and packing the operator declares.
func (s *Session) forwardDevice(cmd gpu.Command, li int) error {
	n := &s.g.nodes[li]
	gl, ok := gpuLayer(n.layer)
	if !ok {
		return s.layerError(li, errors.Wrap(layer.ErrDeviceCapabilityUnavailable, "no device implementation"))
	}
	props := n.layer.Properties()

	bottoms := make([]*gpu.Tensor, 0, len(n.inputs))
	defer func() {
		for _, b := range bottoms {
			s.releaseDevice(b)
		}
	}()
	for _, b := range n.inputs {
		d, err := s.materializeDevice(cmd, b)
		if err != nil {
			return err
		}
		c, err := s.convert(cmd, d, props)
		if err != nil {
			return s.layerError(li, err)
		}
		bottoms = append(bottoms, c)
	}

	tops, err := gl.ForwardGPU(cmd, bottoms, &s.opt)
	if err != nil {
		return s.layerError(li, err)
	}
	if len(tops) != len(n.outputs) {
		for _, t := range tops {
			s.releaseDevice(t)
		}
		return s.layerError(li, errors.Wrapf(layer.ErrOperatorForwardFailure, "produced %d outputs, declared %d", len(tops), len(n.outputs)))
	}
	s.stats.Forwards++
	klog.V(2).Infof("record %s (%s)", n.name, n.typeName)
	for k, top := range n.outputs {
		if s.provided[top] {
			s.releaseDevice(tops[k])
			continue
		}
		s.setDevice(top, tops[k])
		s.recorded = append(s.recorded, top)
	}
	for _, b := range n.inputs {
		s.consumed(b)
	}
	return nil
}

// convert brings d to the layout an operator with props accepts.
func (s *Session) convert(cmd gpu.Command, d *gpu.Tensor, props layer.Properties) (*gpu.Tensor, error) {
	dtype := d.DType()
	if dtype == tensor.Float32 || dtype == tensor.Float16 {
		dtype = tensor.Float32
		if props.SupportFP16Storage && s.opt.UseFP16Storage {
			dtype = tensor.Float16
		}
	}
	elempack := 1
	if props.SupportPacking && s.opt.UsePackingLayout && d.Shape().Outer()%4 == 0 {
		elempack = 4
	}
	return s.convertTo(cmd, d, dtype, elempack)
}

// convertTo records the housekeeping casts and repacks turning d into the
// requested layout. The result is a new handle owned by the caller.
func (s *Session) convertTo(cmd gpu.Command, d *gpu.Tensor, dtype tensor.DataType, elempack int) (*gpu.Tensor, error) {
	ds := s.g.dev
	cur := d.Clone()
	step := func(l layer.GPULayer) error {
		out, err := l.ForwardGPU(cmd, []*gpu.Tensor{cur}, &s.opt)
		if err != nil {
			return err
		}
		s.releaseDevice(cur)
		cur = out[0]
		return nil
	}

	if cur.DType() != dtype {
		var err error
		switch dtype {
		case tensor.Float16:
			err = step(ds.toFP16)
		case tensor.Float32:
			err = step(ds.toFP32)
		default:
			err = errors.Wrapf(layer.ErrDeviceCapabilityUnavailable, "no device conversion %s -> %s", cur.DType(), dtype)
		}
		if err != nil {
			s.releaseDevice(cur)
			return nil, err
		}
	}
	if cur.Elempack() != elempack {
		hk := ds.pack1
		if elempack == 4 {
			hk = ds.pack4
		}
		if err := step(hk); err != nil {
			s.releaseDevice(cur)
			return nil, err
		}
	}
	return cur, nil
}
