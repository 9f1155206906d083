package param

import (
	"github.com/pkg/errors"
)

// ErrMalformedStructure is returned for unparseable or internally inconsistent
// structure descriptions.
var ErrMalformedStructure = errors.New("malformed structure")

const (
	// Magic opens every structure description.
	Magic = 7767517

	arrayKeyBase = 23300
	endOfParams  = -233

	maxCount = 1 << 24
)

// Decl is one operator record of a structure description.
type Decl struct {
	// TypeName is set by the text variant, TypeIndex by the binary variant
	// (-1 when the record came from text).
	TypeName  string
	TypeIndex int
	Name      string
	Inputs    []int
	Outputs   []int
	Params    *Dict
}

// Structure is a parsed structure description.
type Structure struct {
	Decls []Decl
	// SlotNames has one entry per slot. The binary variant carries no names.
	SlotNames []string
}

// SlotCount returns the number of tensor slots.
func (s *Structure) SlotCount() int {
	return len(s.SlotNames)
}

// Validate checks slot references: every index in range, no slot produced
// twice and no operator reading a slot produced by itself or a later operator.
func (s *Structure) Validate() error {
	n := s.SlotCount()
	producer := make([]int, n)
	for i := range producer {
		producer[i] = -1
	}
	for li, d := range s.Decls {
		for _, top := range d.Outputs {
			if top < 0 || top >= n {
				return errors.Wrapf(ErrMalformedStructure, "operator %d (%s) output slot %d out of range [0, %d)", li, d.Name, top, n)
			}
			if producer[top] != -1 {
				return errors.Wrapf(ErrMalformedStructure, "slot %d produced by operators %d and %d", top, producer[top], li)
			}
			producer[top] = li
		}
	}
	for li, d := range s.Decls {
		for _, bottom := range d.Inputs {
			if bottom < 0 || bottom >= n {
				return errors.Wrapf(ErrMalformedStructure, "operator %d (%s) input slot %d out of range [0, %d)", li, d.Name, bottom, n)
			}
			if p := producer[bottom]; p >= li {
				return errors.Wrapf(ErrMalformedStructure, "operator %d (%s) reads slot %d produced by operator %d", li, d.Name, bottom, p)
			}
		}
	}
	return nil
}

func checkCounts(layerCount, slotCount int) error {
	if layerCount <= 0 || slotCount <= 0 || layerCount > maxCount || slotCount > maxCount {
		return errors.Wrapf(ErrMalformedStructure, "invalid operator count %d or slot count %d", layerCount, slotCount)
	}
	return nil
}

// checkSlotRefs rejects slot counts larger than the number of slot
// references in the records: such slots could never be produced or read.
func checkSlotRefs(slotCount, refs int) error {
	if slotCount > refs {
		return errors.Wrapf(ErrMalformedStructure, "slot count %d exceeds the %d slot references", slotCount, refs)
	}
	return nil
}

func checkParamID(id int) error {
	if id < 0 || id >= MaxParamID {
		return errors.Wrapf(ErrMalformedStructure, "parameter id %d out of range [0, %d)", id, MaxParamID)
	}
	return nil
}
