// Package param holds operator parameter blocks and the parsers for the two
// structure description variants.
package param

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// MaxParamID bounds the parameter ids an operator may declare.
const MaxParamID = 32

type valueKind int

const (
	kindInt valueKind = iota
	kindFloat
	kindRaw // binary variant, interpretation left to the accessor
)

type entry struct {
	kind  valueKind
	array bool
	words []uint32
}

// Dict is a typed key/value parameter block. Keys are small integer ids whose
// meaning is defined by each operator type.
type Dict struct {
	entries map[int]entry
}

// NewDict creates an empty parameter block.
func NewDict() *Dict {
	return &Dict{entries: make(map[int]entry)}
}

// SetInt stores a scalar int.
func (d *Dict) SetInt(id, v int) {
	d.entries[id] = entry{kind: kindInt, words: []uint32{uint32(int32(v))}}
}

// SetFloat stores a scalar float.
func (d *Dict) SetFloat(id int, v float32) {
	d.entries[id] = entry{kind: kindFloat, words: []uint32{math.Float32bits(v)}}
}

// SetRaw stores an untyped 32-bit word.
func (d *Dict) SetRaw(id int, w uint32) {
	d.entries[id] = entry{kind: kindRaw, words: []uint32{w}}
}

// SetInts stores an int array.
func (d *Dict) SetInts(id int, v []int) {
	words := make([]uint32, len(v))
	for i, x := range v {
		words[i] = uint32(int32(x))
	}
	d.entries[id] = entry{kind: kindInt, array: true, words: words}
}

// SetFloats stores a float array.
func (d *Dict) SetFloats(id int, v []float32) {
	words := make([]uint32, len(v))
	for i, x := range v {
		words[i] = math.Float32bits(x)
	}
	d.entries[id] = entry{kind: kindFloat, array: true, words: words}
}

// SetRawArray stores an array of untyped 32-bit words.
func (d *Dict) SetRawArray(id int, w []uint32) {
	d.entries[id] = entry{kind: kindRaw, array: true, words: append([]uint32(nil), w...)}
}

// Has reports whether id is set.
func (d *Dict) Has(id int) bool {
	_, ok := d.entries[id]
	return ok
}

// Keys returns the set ids in ascending order.
func (d *Dict) Keys() []int {
	keys := make([]int, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// GetInt returns the scalar at id as an int, or def when unset.
// Float values are truncated.
func (d *Dict) GetInt(id, def int) int {
	e, ok := d.entries[id]
	if !ok || e.array || len(e.words) == 0 {
		return def
	}
	return e.intAt(0)
}

// GetFloat returns the scalar at id as a float, or def when unset.
func (d *Dict) GetFloat(id int, def float32) float32 {
	e, ok := d.entries[id]
	if !ok || e.array || len(e.words) == 0 {
		return def
	}
	return e.floatAt(0)
}

// GetInts returns the array at id as ints, or nil when unset.
func (d *Dict) GetInts(id int) []int {
	e, ok := d.entries[id]
	if !ok || !e.array {
		return nil
	}
	out := make([]int, len(e.words))
	for i := range out {
		out[i] = e.intAt(i)
	}
	return out
}

// GetFloats returns the array at id as floats, or nil when unset.
func (d *Dict) GetFloats(id int) []float32 {
	e, ok := d.entries[id]
	if !ok || !e.array {
		return nil
	}
	out := make([]float32, len(e.words))
	for i := range out {
		out[i] = e.floatAt(i)
	}
	return out
}

// String formats the block in the text variant's key=value form.
func (d *Dict) String() string {
	var sb strings.Builder
	for i, id := range d.Keys() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		e := d.entries[id]
		if e.array {
			fmt.Fprintf(&sb, "%d=%d", -id-arrayKeyBase, len(e.words))
			for j := range e.words {
				sb.WriteByte(',')
				sb.WriteString(e.format(j))
			}
			continue
		}
		fmt.Fprintf(&sb, "%d=%s", id, e.format(0))
	}
	return sb.String()
}

func (e entry) intAt(i int) int {
	if e.kind == kindFloat {
		return int(math.Float32frombits(e.words[i]))
	}
	return int(int32(e.words[i]))
}

func (e entry) floatAt(i int) float32 {
	if e.kind == kindInt {
		return float32(int32(e.words[i]))
	}
	return math.Float32frombits(e.words[i])
}

func (e entry) format(i int) string {
	if e.kind == kindFloat {
		s := fmt.Sprintf("%g", math.Float32frombits(e.words[i]))
		if !strings.ContainsAny(s, ".e") {
			s += ".0"
		}
		return s
	}
	return fmt.Sprintf("%d", int32(e.words[i]))
}
