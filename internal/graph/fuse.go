package graph

import (
	"k8s.io/klog/v2"

	"github.com/born-ml/netrun/internal/layer"
)

// fuse collapses known operator chains and returns how many operators it
// removed. Only built-in operators take part: a type overridden by a custom
// registration is never fused.
func (g *Graph) fuse() int {
	removed := make([]bool, len(g.nodes))
	count := 0
	for i := range g.nodes {
		if removed[i] {
			continue
		}
		if g.opts.UseInt8Inference {
			count += g.fuseRequantize(i, removed)
		}
		count += g.fuseCastPair(i, removed)
	}
	if count == 0 {
		return 0
	}

	kept := g.nodes[:0]
	for i, n := range g.nodes {
		if !removed[i] {
			kept = append(kept, n)
		}
	}
	for i := len(kept); i < len(g.nodes); i++ {
		g.nodes[i] = node{}
	}
	g.nodes = kept
	g.link()
	return count
}

// builtin reports whether node i is a live built-in operator of type t.
func (g *Graph) builtin(i, t int, removed []bool) bool {
	return i >= 0 && !removed[i] && g.nodes[i].typeIndex == t && !g.registry.IsCustom(t)
}

// soleConsumer returns the only consumer of node i's only output, provided
// that consumer reads nothing else.
func (g *Graph) soleConsumer(i int) int {
	n := &g.nodes[i]
	if len(n.outputs) != 1 {
		return -1
	}
	consumers := g.slots[n.outputs[0]].consumers
	if len(consumers) != 1 {
		return -1
	}
	c := consumers[0]
	if len(g.nodes[c].inputs) != 1 || len(g.nodes[c].outputs) != 1 {
		return -1
	}
	return c
}

// fuseRequantize rewrites Dequantize -> [ReLU] -> Quantize into Requantize.
func (g *Graph) fuseRequantize(i int, removed []bool) int {
	if !g.builtin(i, layer.TypeDequantize, removed) {
		return 0
	}
	deq, ok := g.nodes[i].layer.(*layer.Dequantize)
	if !ok {
		return 0
	}
	j := g.soleConsumer(i)
	chain := []int{}
	relu := false
	if g.builtin(j, layer.TypeReLU, removed) {
		r, ok := g.nodes[j].layer.(*layer.ReLU)
		if !ok || r.Slope != 0 {
			return 0
		}
		relu = true
		chain = append(chain, j)
		j = g.soleConsumer(j)
	}
	if !g.builtin(j, layer.TypeQuantize, removed) {
		return 0
	}
	q, ok := g.nodes[j].layer.(*layer.Quantize)
	if !ok {
		return 0
	}
	chain = append(chain, j)

	n := &g.nodes[i]
	klog.V(1).Infof("fuse %s -> %s into Requantize (relu=%v)", n.name, g.nodes[j].name, relu)
	n.layer = layer.NewRequantize(deq, q, relu)
	n.typeIndex = layer.TypeRequantize
	n.typeName = "Requantize"
	n.outputs = g.nodes[j].outputs
	for _, c := range chain {
		removed[c] = true
	}
	return len(chain)
}

// fuseCastPair rewrites Cast(a->b) -> Cast(b->a) into Noop when b holds every
// value of a exactly.
func (g *Graph) fuseCastPair(i int, removed []bool) int {
	if !g.builtin(i, layer.TypeCast, removed) {
		return 0
	}
	j := g.soleConsumer(i)
	if !g.builtin(j, layer.TypeCast, removed) {
		return 0
	}
	first, ok1 := g.nodes[i].layer.(*layer.Cast)
	second, ok2 := g.nodes[j].layer.(*layer.Cast)
	if !ok1 || !ok2 || first.To != second.From || second.To != first.From || !first.To.Wider(first.From) {
		return 0
	}

	n := &g.nodes[i]
	klog.V(1).Infof("fuse %s -> %s into Noop", n.name, g.nodes[j].name)
	n.layer = &layer.Noop{}
	n.typeIndex = layer.TypeNoop
	n.typeName = "Noop"
	n.outputs = g.nodes[j].outputs
	removed[j] = true
	return 1
}

// selectAlgorithms fixes per-operator algorithm variants from static parameters.
func (g *Graph) selectAlgorithms() {
	opt := g.opts.layerOption()
	for i := range g.nodes {
		if conv, ok := g.nodes[i].layer.(*layer.Convolution); ok {
			conv.SelectAlgorithm(&opt)
			klog.V(1).Infof("layer %s: convolution algorithm %s", g.nodes[i].name, conv.Algorithm())
		}
	}
}
