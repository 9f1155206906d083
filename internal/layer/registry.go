package layer

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Creator constructs a fresh operator instance.
type Creator func() Layer

// Built-in type indices, as they appear in binary structure descriptions.
const (
	TypeAbsVal       = 0
	TypeConvolution  = 6
	TypeInnerProduct = 15
	TypeInput        = 16
	TypeReLU         = 26
	TypeSplit        = 33
	TypeBinaryOp     = 40
	TypeQuantize     = 57
	TypeDequantize   = 58
	TypePacking      = 62
	TypeRequantize   = 63
	TypeCast         = 64
	TypeNoop         = 65
)

// CustomBit marks type indices allocated for custom operators registered by name.
const CustomBit = 1 << 8

type typeEntry struct {
	name    string
	creator Creator
}

var (
	builtinOnce   sync.Once
	builtinByIdx  map[int]typeEntry
	builtinByName map[string]int
)

// builtins returns the process-wide built-in table, populated on first use
// and read-only afterwards.
func builtins() (map[int]typeEntry, map[string]int) {
	builtinOnce.Do(func() {
		builtinByIdx = map[int]typeEntry{
			TypeAbsVal:       {"AbsVal", func() Layer { return &AbsVal{} }},
			TypeConvolution:  {"Convolution", func() Layer { return &Convolution{} }},
			TypeInnerProduct: {"InnerProduct", func() Layer { return &InnerProduct{} }},
			TypeInput:        {"Input", func() Layer { return &Input{} }},
			TypeReLU:         {"ReLU", func() Layer { return &ReLU{} }},
			TypeSplit:        {"Split", func() Layer { return &Split{} }},
			TypeBinaryOp:     {"BinaryOp", func() Layer { return &BinaryOp{} }},
			TypeQuantize:     {"Quantize", func() Layer { return &Quantize{} }},
			TypeDequantize:   {"Dequantize", func() Layer { return &Dequantize{} }},
			TypePacking:      {"Packing", func() Layer { return &Packing{} }},
			TypeRequantize:   {"Requantize", func() Layer { return &Requantize{} }},
			TypeCast:         {"Cast", func() Layer { return &Cast{} }},
			TypeNoop:         {"Noop", func() Layer { return &Noop{} }},
		}
		builtinByName = make(map[string]int, len(builtinByIdx))
		for idx, e := range builtinByIdx {
			builtinByName[e.name] = idx
		}
	})
	return builtinByIdx, builtinByName
}

// BuiltinIndex returns the type index of a built-in operator name.
func BuiltinIndex(name string) (int, bool) {
	_, byName := builtins()
	idx, ok := byName[name]
	return idx, ok
}

// BuiltinNames lists the built-in operator names in type index order.
func BuiltinNames() []string {
	byIdx, _ := builtins()
	idxs := make([]int, 0, len(byIdx))
	for idx := range byIdx {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	names := make([]string, len(idxs))
	for i, idx := range idxs {
		names[i] = byIdx[idx].name
	}
	return names
}

// Registry maps type indices to factories for one graph. Custom entries take
// precedence over built-ins; lookups fall back to the process-wide table.
type Registry struct {
	mu     sync.RWMutex
	custom map[int]typeEntry
	names  map[string]int
	next   int
}

// NewRegistry creates an empty per-graph registry.
func NewRegistry() *Registry {
	return &Registry{
		custom: make(map[int]typeEntry),
		names:  make(map[string]int),
	}
}

// Register maps index to creator, replacing any previous custom mapping.
// Registering a built-in index overrides the built-in for this registry.
func (r *Registry) Register(index int, name string, creator Creator) error {
	if creator == nil {
		return errors.Errorf("register type %d: nil creator", index)
	}
	if index < 0 {
		return errors.Errorf("register type %d: negative index", index)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		if byIdx, _ := builtins(); byIdx[index].name != "" {
			name = byIdx[index].name
		}
	}
	if old, ok := r.custom[index]; ok && old.name != "" && old.name != name {
		delete(r.names, old.name)
	}
	r.custom[index] = typeEntry{name: name, creator: creator}
	if name != "" {
		r.names[name] = index
	}
	klog.V(1).Infof("registered custom operator type %d %q", index, name)
	return nil
}

// RegisterByName maps name to creator and returns its type index. A built-in
// name keeps its built-in index; a new name gets CustomBit|n.
func (r *Registry) RegisterByName(name string, creator Creator) (int, error) {
	if name == "" {
		return 0, errors.New("register: empty type name")
	}
	r.mu.RLock()
	idx, ok := r.names[name]
	r.mu.RUnlock()
	if !ok {
		if idx, ok = BuiltinIndex(name); !ok {
			r.mu.Lock()
			idx = CustomBit | r.next
			r.next++
			r.mu.Unlock()
		}
	}
	return idx, r.Register(idx, name, creator)
}

// Resolve returns the type index for name, custom entries first.
func (r *Registry) Resolve(name string) (int, error) {
	r.mu.RLock()
	idx, ok := r.names[name]
	r.mu.RUnlock()
	if ok {
		return idx, nil
	}
	if idx, ok := BuiltinIndex(name); ok {
		return idx, nil
	}
	return 0, errors.Wrapf(ErrUnknownOperatorType, "type %q", name)
}

// IsCustom reports whether index is served by a custom registration.
func (r *Registry) IsCustom(index int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.custom[index]
	return ok
}

// Name returns the type name for index, or "" if unnamed.
func (r *Registry) Name(index int) string {
	r.mu.RLock()
	e, ok := r.custom[index]
	r.mu.RUnlock()
	if ok && e.name != "" {
		return e.name
	}
	byIdx, _ := builtins()
	return byIdx[index].name
}

// Create instantiates an operator of type index.
func (r *Registry) Create(index int) (Layer, error) {
	r.mu.RLock()
	e, ok := r.custom[index]
	r.mu.RUnlock()
	if ok {
		return e.creator(), nil
	}
	byIdx, _ := builtins()
	if e, ok := byIdx[index]; ok {
		return e.creator(), nil
	}
	return nil, errors.Wrapf(ErrUnknownOperatorType, "type index %d", index)
}

// CreateBuiltin instantiates a built-in operator regardless of overrides.
func CreateBuiltin(index int) (Layer, error) {
	byIdx, _ := builtins()
	if e, ok := byIdx[index]; ok {
		return e.creator(), nil
	}
	return nil, errors.Wrapf(ErrUnknownOperatorType, "built-in type index %d", index)
}
