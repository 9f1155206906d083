package param

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainText = `7767517
4 4
Input            data     0 1 data 0=4 1=1 2=1
ReLU             relu1    1 1 data r1 0=0.1
BinaryOp         add      1 1 r1 out 0=0 1=1 2=2.5
Convolution      conv     1 1 out conv -23309=2,1.5,2
`

func TestDictAccessors(t *testing.T) {
	d := NewDict()
	d.SetInt(0, 7)
	d.SetFloat(1, 0.5)
	d.SetInts(2, []int{1, -2, 3})
	d.SetFloats(3, []float32{0.25, 4})
	d.SetRaw(4, 0x3f800000)

	assert.Equal(t, 7, d.GetInt(0, 0))
	assert.Equal(t, float32(7), d.GetFloat(0, 0))
	assert.Equal(t, float32(0.5), d.GetFloat(1, 0))
	assert.Equal(t, 0, d.GetInt(1, 9))
	assert.Equal(t, []int{1, -2, 3}, d.GetInts(2))
	assert.Equal(t, []float32{0.25, 4}, d.GetFloats(3))
	assert.Equal(t, float32(1), d.GetFloat(4, 0))
	assert.Equal(t, 0x3f800000, d.GetInt(4, 0))

	assert.Equal(t, 42, d.GetInt(10, 42))
	assert.Nil(t, d.GetInts(0))
	assert.True(t, d.Has(3))
	assert.False(t, d.Has(5))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, d.Keys())
}

func TestDictString(t *testing.T) {
	d := NewDict()
	d.SetInt(0, 3)
	d.SetFloat(1, 2)
	d.SetInts(2, []int{4, 5})
	assert.Equal(t, "0=3 1=2.0 -23302=2,4,5", d.String())
}

func TestParseText(t *testing.T) {
	s, n, err := ParseTextMem([]byte(chainText))
	require.NoError(t, err)
	assert.Equal(t, len(chainText), n)
	require.NoError(t, s.Validate())

	assert.Equal(t, []string{"data", "r1", "out", "conv"}, s.SlotNames)
	require.Len(t, s.Decls, 4)

	relu := s.Decls[1]
	assert.Equal(t, "ReLU", relu.TypeName)
	assert.Equal(t, "relu1", relu.Name)
	assert.Equal(t, -1, relu.TypeIndex)
	assert.Equal(t, []int{0}, relu.Inputs)
	assert.Equal(t, []int{1}, relu.Outputs)
	assert.InDelta(t, 0.1, relu.Params.GetFloat(0, 0), 1e-7)

	add := s.Decls[2]
	assert.Equal(t, 1, add.Params.GetInt(1, 0))
	assert.Equal(t, float32(2.5), add.Params.GetFloat(2, 0))

	assert.Equal(t, []float32{1.5, 2}, s.Decls[3].Params.GetFloats(9))
}

func TestParseTextChained(t *testing.T) {
	buf := []byte(chainText + "trailing section\n")
	_, n, err := ParseTextMem(buf)
	require.NoError(t, err)
	assert.Equal(t, "trailing section\n", string(buf[n:]))
}

func TestParseTextUnknownInputCreatesSlot(t *testing.T) {
	src := "7767517\n1 3\nBinaryOp add 2 1 a b c 0=0\n"
	s, _, err := ParseTextMem([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, s.SlotNames)
	assert.Equal(t, []int{0, 1}, s.Decls[0].Inputs)
}

func TestParseTextMalformed(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad magic", "1234\n1 1\nInput data 0 1 data\n"},
		{"missing counts", "7767517\n"},
		{"zero counts", "7767517\n0 0\n"},
		{"truncated record", "7767517\n1 1\nInput data\n"},
		{"too few layers", "7767517\n2 2\nInput data 0 1 data\n"},
		{"too many names", "7767517\n1 1\nBinaryOp add 1 1 a b\n"},
		{"io count overflow", "7767517\n1 1\nInput data 0 3 data\n"},
		{"bad param", "7767517\n1 1\nInput data 0 1 data 0\n"},
		{"param id range", "7767517\n1 1\nInput data 0 1 data 40=1\n"},
		{"bad array count", "7767517\n1 1\nInput data 0 1 data -23300=3,1,2\n"},
		{"unreferenced slots", "7767517\n1 5\nInput data 0 1 data\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseTextMem([]byte(tt.src))
			assert.ErrorIs(t, err, ErrMalformedStructure)
		})
	}
}

func TestValidate(t *testing.T) {
	decl := func(in, out []int) Decl {
		return Decl{TypeIndex: 0, Inputs: in, Outputs: out, Params: NewDict()}
	}
	tests := []struct {
		name  string
		decls []Decl
		slots int
		ok    bool
	}{
		{"chain", []Decl{decl(nil, []int{0}), decl([]int{0}, []int{1})}, 2, true},
		{"graph input", []Decl{decl([]int{0}, []int{1})}, 2, true},
		{"out of range", []Decl{decl(nil, []int{2})}, 2, false},
		{"produced twice", []Decl{decl(nil, []int{0}), decl(nil, []int{0})}, 1, false},
		{"cycle", []Decl{decl([]int{1}, []int{0}), decl([]int{0}, []int{1})}, 2, false},
		{"self loop", []Decl{decl([]int{0}, []int{0})}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Structure{Decls: tt.decls, SlotNames: make([]string, tt.slots)}
			err := s.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedStructure)
			}
		})
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	text, _, err := ParseTextMem([]byte(chainText))
	require.NoError(t, err)
	types := map[string]int{"Input": 16, "ReLU": 26, "BinaryOp": 40, "Convolution": 6}
	buf, err := AppendBinary(nil, text, func(d Decl) (int, error) { return types[d.TypeName], nil })
	require.NoError(t, err)
	buf = append(buf, 0xde, 0xad)

	bin, n, err := ParseBinaryMem(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf)-2, n)
	assert.Equal(t, n%4, 0)
	require.NoError(t, bin.Validate())

	type shape struct {
		Type    int
		Inputs  []int
		Outputs []int
	}
	summarize := func(s *Structure, typeOf func(Decl) int) []shape {
		var out []shape
		for _, d := range s.Decls {
			out = append(out, shape{typeOf(d), d.Inputs, d.Outputs})
		}
		return out
	}
	want := summarize(text, func(d Decl) int { return types[d.TypeName] })
	got := summarize(bin, func(d Decl) int { return d.TypeIndex })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("binary structure mismatch (-want +got):\n%s", diff)
	}

	assert.InDelta(t, 0.1, bin.Decls[1].Params.GetFloat(0, 0), 1e-7)
	assert.Equal(t, 1, bin.Decls[2].Params.GetInt(1, 0))
	assert.Equal(t, []float32{1.5, 2}, bin.Decls[3].Params.GetFloats(9))
	assert.Equal(t, 4, bin.Decls[0].Params.GetInt(0, 0))
}

func TestParseBinaryMalformed(t *testing.T) {
	words := func(ws ...int32) []byte {
		var b bytes.Buffer
		for _, w := range ws {
			b.Write([]byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)})
		}
		return b.Bytes()
	}
	tests := []struct {
		name string
		buf  []byte
	}{
		{"bad magic", words(1, 1, 1)},
		{"truncated header", words(Magic, 1)},
		{"negative count", words(Magic, 1, 1, 16, -1, 1)},
		{"unterminated params", words(Magic, 1, 1, 16, 0, 1, 0, 0, 5)},
		{"param id range", words(Magic, 1, 1, 16, 0, 1, 0, 99, 1, -233)},
		{"odd length", append(words(Magic, 1), 1, 2)},
		{"unreferenced slots", words(Magic, 1, 3, 16, 0, 1, 0, -233)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseBinaryMem(tt.buf)
			assert.ErrorIs(t, err, ErrMalformedStructure)
		})
	}
}

func TestHugeHeaderCountsAllocateLittle(t *testing.T) {
	words := func(ws ...int32) []byte {
		var b bytes.Buffer
		for _, w := range ws {
			b.Write([]byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)})
		}
		return b.Bytes()
	}
	const huge = 1 << 24
	tests := []struct {
		name  string
		parse func() error
	}{
		{"binary header", func() error {
			_, _, err := ParseBinaryMem(words(Magic, huge, huge))
			return err
		}},
		{"binary slots", func() error {
			_, _, err := ParseBinaryMem(words(Magic, 1, huge, 16, 0, 1, 0, -233))
			return err
		}},
		{"binary array", func() error {
			_, _, err := ParseBinaryMem(words(Magic, 1, 1, 16, 0, 1, 0, -23300, huge, 1))
			return err
		}},
		{"text header", func() error {
			_, _, err := ParseTextMem([]byte("7767517\n16777216 16777216\n"))
			return err
		}},
		{"text slots", func() error {
			_, _, err := ParseTextMem([]byte("7767517\n1 16777216\nInput data 0 1 data\n"))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			err := tt.parse()
			runtime.ReadMemStats(&after)
			assert.ErrorIs(t, err, ErrMalformedStructure)
			assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
		})
	}
}
