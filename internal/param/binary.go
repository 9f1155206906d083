package param

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ParseBinary reads a binary structure description: little-endian int32 words.
// Returns the bytes consumed.
func ParseBinary(r io.Reader) (*Structure, int, error) {
	wr := &wordReader{r: r}
	s, err := parseBinary(wr)
	return s, wr.consumed, err
}

// ParseBinaryMem is ParseBinary over an in-memory buffer.
func ParseBinaryMem(b []byte) (*Structure, int, error) {
	return ParseBinary(bytes.NewReader(b))
}

type wordReader struct {
	r        io.Reader
	consumed int
	buf      [4]byte
}

func (wr *wordReader) next() (int, error) {
	n, err := io.ReadFull(wr.r, wr.buf[:])
	wr.consumed += n
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, errors.Wrapf(ErrMalformedStructure, "truncated at byte %d", wr.consumed)
		}
		return 0, errors.Wrap(err, "read structure word")
	}
	return int(int32(binary.LittleEndian.Uint32(wr.buf[:]))), nil
}

func (wr *wordReader) count(what string) (int, error) {
	n, err := wr.next()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxCount {
		return 0, errors.Wrapf(ErrMalformedStructure, "bad %s count %d at byte %d", what, n, wr.consumed-4)
	}
	return n, nil
}

func parseBinary(wr *wordReader) (*Structure, error) {
	magic, err := wr.next()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, errors.Wrapf(ErrMalformedStructure, "bad magic %d", magic)
	}
	layerCount, err := wr.count("operator")
	if err != nil {
		return nil, err
	}
	slotCount, err := wr.count("slot")
	if err != nil {
		return nil, err
	}
	if err := checkCounts(layerCount, slotCount); err != nil {
		return nil, err
	}

	// Counts come from the input: nothing is sized from them until the
	// records they describe have been read.
	s := &Structure{}
	refs := 0
	for i := 0; i < layerCount; i++ {
		typeIndex, err := wr.next()
		if err != nil {
			return nil, err
		}
		nIn, err := wr.count("input")
		if err != nil {
			return nil, err
		}
		nOut, err := wr.count("output")
		if err != nil {
			return nil, err
		}
		refs += nIn + nOut
		d := Decl{TypeIndex: typeIndex, Params: NewDict()}
		for j := 0; j < nIn+nOut; j++ {
			idx, err := wr.next()
			if err != nil {
				return nil, err
			}
			if j < nIn {
				d.Inputs = append(d.Inputs, idx)
			} else {
				d.Outputs = append(d.Outputs, idx)
			}
		}
		if err := parseBinaryParams(wr, d.Params); err != nil {
			return nil, errors.Wrapf(err, "operator %d", i)
		}
		s.Decls = append(s.Decls, d)
	}
	if err := checkSlotRefs(slotCount, refs); err != nil {
		return nil, err
	}
	s.SlotNames = make([]string, slotCount)
	return s, nil
}

func parseBinaryParams(wr *wordReader, d *Dict) error {
	for {
		id, err := wr.next()
		if err != nil {
			return err
		}
		if id == endOfParams {
			return nil
		}
		if id <= -arrayKeyBase {
			id = -id - arrayKeyBase
			if err := checkParamID(id); err != nil {
				return err
			}
			n, err := wr.count("array")
			if err != nil {
				return err
			}
			var words []uint32
			for i := 0; i < n; i++ {
				w, err := wr.next()
				if err != nil {
					return err
				}
				words = append(words, uint32(int32(w)))
			}
			d.SetRawArray(id, words)
			continue
		}
		if err := checkParamID(id); err != nil {
			return err
		}
		w, err := wr.next()
		if err != nil {
			return err
		}
		d.SetRaw(id, uint32(int32(w)))
	}
}

// AppendBinary encodes s in the binary variant. typeIndex resolves each
// record's numeric type id.
func AppendBinary(dst []byte, s *Structure, typeIndex func(Decl) (int, error)) ([]byte, error) {
	put := func(v int) {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(v)))
	}
	put(Magic)
	put(len(s.Decls))
	put(s.SlotCount())
	for _, d := range s.Decls {
		idx, err := typeIndex(d)
		if err != nil {
			return nil, err
		}
		put(idx)
		put(len(d.Inputs))
		put(len(d.Outputs))
		for _, b := range d.Inputs {
			put(b)
		}
		for _, t := range d.Outputs {
			put(t)
		}
		for _, id := range d.Params.Keys() {
			e := d.Params.entries[id]
			if e.array {
				put(-id - arrayKeyBase)
				put(len(e.words))
			} else {
				put(id)
			}
			for _, w := range e.words {
				dst = binary.LittleEndian.AppendUint32(dst, w)
			}
		}
		put(endOfParams)
	}
	return dst, nil
}
