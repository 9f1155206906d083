package param

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseText reads a text structure description from r. It stops after the
// declared number of operator records and returns the bytes consumed, so
// several sections can be chained in one stream.
func ParseText(r io.Reader) (*Structure, int, error) {
	lr := &lineReader{r: bufio.NewReader(r)}
	s, err := parseText(lr)
	return s, lr.consumed, err
}

// ParseTextMem is ParseText over an in-memory buffer.
func ParseTextMem(b []byte) (*Structure, int, error) {
	return ParseText(bytes.NewReader(b))
}

type lineReader struct {
	r        *bufio.Reader
	consumed int
	line     int
}

// next returns the fields of the next non-blank line.
func (lr *lineReader) next() ([]string, error) {
	for {
		s, err := lr.r.ReadString('\n')
		lr.consumed += len(s)
		if len(s) > 0 {
			lr.line++
		}
		if fields := strings.Fields(s); len(fields) > 0 {
			return fields, nil
		}
		if err != nil {
			if err == io.EOF {
				return nil, errors.Wrapf(ErrMalformedStructure, "unexpected end of input after line %d", lr.line)
			}
			return nil, errors.Wrapf(err, "read structure line %d", lr.line+1)
		}
	}
}

func parseText(lr *lineReader) (*Structure, error) {
	fields, err := lr.next()
	if err != nil {
		return nil, err
	}
	if len(fields) != 1 || fields[0] != strconv.Itoa(Magic) {
		return nil, errors.Wrapf(ErrMalformedStructure, "bad magic %q", strings.Join(fields, " "))
	}

	fields, err = lr.next()
	if err != nil {
		return nil, err
	}
	if len(fields) != 2 {
		return nil, errors.Wrapf(ErrMalformedStructure, "line %d: expected operator and slot counts", lr.line)
	}
	layerCount, err1 := strconv.Atoi(fields[0])
	slotCount, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return nil, errors.Wrapf(ErrMalformedStructure, "line %d: bad counts %q", lr.line, strings.Join(fields, " "))
	}
	if err := checkCounts(layerCount, slotCount); err != nil {
		return nil, err
	}

	s := &Structure{}
	slotIndex := make(map[string]int)
	refs := 0
	slotOf := func(name string) (int, error) {
		if idx, ok := slotIndex[name]; ok {
			return idx, nil
		}
		if len(s.SlotNames) >= slotCount {
			return 0, errors.Wrapf(ErrMalformedStructure, "line %d: more than %d slot names", lr.line, slotCount)
		}
		idx := len(s.SlotNames)
		slotIndex[name] = idx
		s.SlotNames = append(s.SlotNames, name)
		return idx, nil
	}

	for i := 0; i < layerCount; i++ {
		fields, err := lr.next()
		if err != nil {
			return nil, err
		}
		if len(fields) < 4 {
			return nil, errors.Wrapf(ErrMalformedStructure, "line %d: truncated operator record", lr.line)
		}
		nIn, err1 := strconv.Atoi(fields[2])
		nOut, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || nIn < 0 || nOut < 0 || 4+nIn+nOut > len(fields) {
			return nil, errors.Wrapf(ErrMalformedStructure, "line %d: bad input/output counts", lr.line)
		}
		refs += nIn + nOut
		d := Decl{TypeName: fields[0], TypeIndex: -1, Name: fields[1], Params: NewDict()}
		rest := fields[4:]
		for _, name := range rest[:nIn] {
			idx, err := slotOf(name)
			if err != nil {
				return nil, err
			}
			d.Inputs = append(d.Inputs, idx)
		}
		for _, name := range rest[nIn : nIn+nOut] {
			idx, err := slotOf(name)
			if err != nil {
				return nil, err
			}
			d.Outputs = append(d.Outputs, idx)
		}
		for _, kv := range rest[nIn+nOut:] {
			if err := parseTextParam(d.Params, kv); err != nil {
				return nil, errors.Wrapf(err, "line %d", lr.line)
			}
		}
		s.Decls = append(s.Decls, d)
	}

	if err := checkSlotRefs(slotCount, refs); err != nil {
		return nil, err
	}
	// Slots declared but never named keep empty names.
	for len(s.SlotNames) < slotCount {
		s.SlotNames = append(s.SlotNames, "")
	}
	return s, nil
}

func parseTextParam(d *Dict, kv string) error {
	k, v, ok := strings.Cut(kv, "=")
	if !ok {
		return errors.Wrapf(ErrMalformedStructure, "parameter %q is not key=value", kv)
	}
	id, err := strconv.Atoi(k)
	if err != nil {
		return errors.Wrapf(ErrMalformedStructure, "parameter key %q", k)
	}

	if id <= -arrayKeyBase {
		id = -id - arrayKeyBase
		if err := checkParamID(id); err != nil {
			return err
		}
		parts := strings.Split(v, ",")
		n, err := strconv.Atoi(parts[0])
		if err != nil || n != len(parts)-1 {
			return errors.Wrapf(ErrMalformedStructure, "array parameter %d: bad count in %q", id, v)
		}
		isFloat := false
		for _, p := range parts[1:] {
			isFloat = isFloat || isFloatLiteral(p)
		}
		if isFloat {
			vals := make([]float32, n)
			for i, p := range parts[1:] {
				f, err := strconv.ParseFloat(p, 32)
				if err != nil {
					return errors.Wrapf(ErrMalformedStructure, "array parameter %d: bad float %q", id, p)
				}
				vals[i] = float32(f)
			}
			d.SetFloats(id, vals)
			return nil
		}
		vals := make([]int, n)
		for i, p := range parts[1:] {
			x, err := strconv.ParseInt(p, 10, 32)
			if err != nil {
				return errors.Wrapf(ErrMalformedStructure, "array parameter %d: bad int %q", id, p)
			}
			vals[i] = int(x)
		}
		d.SetInts(id, vals)
		return nil
	}

	if err := checkParamID(id); err != nil {
		return err
	}
	if isFloatLiteral(v) {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || math.IsNaN(f) {
			return errors.Wrapf(ErrMalformedStructure, "parameter %d: bad float %q", id, v)
		}
		d.SetFloat(id, float32(f))
		return nil
	}
	x, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return errors.Wrapf(ErrMalformedStructure, "parameter %d: bad int %q", id, v)
	}
	d.SetInt(id, int(x))
	return nil
}

func isFloatLiteral(s string) bool {
	return strings.ContainsAny(s, ".eE")
}
