package ndr

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/field"
)

func le32(vs ...uint32) []byte {
	out := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out
}

func utf16le(s string) []byte {
	out := make([]byte, 0, 2*len(s)+2)
	for _, r := range s {
		out = binary.LittleEndian.AppendUint16(out, uint16(r))
	}
	return binary.LittleEndian.AppendUint16(out, 0)
}

// nestedStub decodes a structure with pointers P1 and P2 where P1's referent
// carries pointer P1a, recording the order referents are visited in.
func nestedStub(d *Decoder, order *[]string) (*field.Span, error) {
	root := field.NewComposite("stub", 0)
	leaf := func(name string) Referent {
		return func(d *Decoder, parent *field.Span, _ *Queue) error {
			*order = append(*order, name)
			_, err := d.Uint32(parent, name+".value")
			return err
		}
	}
	p1 := func(d *Decoder, parent *field.Span, q *Queue) error {
		*order = append(*order, "P1")
		if _, err := d.Uint32(parent, "P1.value"); err != nil {
			return err
		}
		_, err := d.DeferPointer(q, parent, "P1a.ptr", "P1a", leaf("P1a"))
		return err
	}

	return d.StructAndReferents(root, "outer", func(s *field.Span, q *Queue) error {
		if _, err := d.DeferPointer(q, s, "P1.ptr", "P1", p1); err != nil {
			return err
		}
		_, err := d.DeferPointer(q, s, "P2.ptr", "P2", leaf("P2"))
		return err
	})
}

func TestResolveDepthFirst(t *testing.T) {
	stub := le32(0x20000, 0x20004, 0x11, 0x20008, 0x1a, 0x22)
	var order []string

	d := NewDecoder(stub, binary.LittleEndian)
	s, err := nestedStub(d, &order)
	require.NoError(t, err)

	assert.Equal(t, []string{"P1", "P1a", "P2"}, order)
	assert.Equal(t, uint64(0x11), s.Find("P1.value").Uint())
	assert.Equal(t, uint64(0x1a), s.Find("P1a.value").Uint())
	assert.Equal(t, uint64(0x22), s.Find("P2.value").Uint())
	assert.Equal(t, len(stub), d.Offset())
	assert.Equal(t, len(stub), s.Length)
}

func TestResolveNullPointerSkipped(t *testing.T) {
	stub := le32(0x20000, 0, 0x11, 0, 0xff)
	var order []string

	d := NewDecoder(stub, binary.LittleEndian)
	_, err := nestedStub(d, &order)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, order)
	assert.Equal(t, 16, d.Offset(), "trailing bytes are not consumed")
}

func TestResolveTruncatedReferent(t *testing.T) {
	// P1a's value is missing.
	stub := le32(0x20000, 0x20004, 0x11, 0x20008)
	var order []string

	d := NewDecoder(stub, binary.LittleEndian)
	s, err := nestedStub(d, &order)

	var mre *core.MalformedRecordError
	require.True(t, errors.As(err, &mre))
	assert.Equal(t, "P1a", mre.Structure)
	assert.Equal(t, 16, mre.Offset)
	assert.ErrorIs(t, err, core.ErrOutOfBounds)

	assert.Equal(t, []string{"P1", "P1a"}, order, "P2 is abandoned")
	require.NotNil(t, s)
	assert.NotNil(t, s.Find("P1.value"), "partial results are kept")
	assert.Nil(t, s.Find("P2.value"))
}

func TestResolveDeepNesting(t *testing.T) {
	const depth = 10000
	// Each level: value, pointer to the next level.
	var words []uint32
	for i := 0; i < depth; i++ {
		ptr := uint32(0x20000 + i)
		if i == depth-1 {
			ptr = 0
		}
		words = append(words, uint32(i), ptr)
	}
	d := NewDecoder(le32(words...), binary.LittleEndian)

	visited := 0
	var level Referent
	level = func(d *Decoder, parent *field.Span, q *Queue) error {
		visited++
		if _, err := d.Uint32(nil, "value"); err != nil {
			return err
		}
		_, err := d.DeferPointer(q, nil, "next", "level", level)
		return err
	}
	q := &Queue{}
	q.Defer("level", nil, level)
	require.NoError(t, d.ResolveAll(q))
	assert.Equal(t, depth, visited)
	assert.Equal(t, 0, q.Len())
}

func TestUNISTR2(t *testing.T) {
	chars := utf16le("ab")
	stub := append(le32(3, 0, 3), chars...)
	d := NewDecoder(stub, binary.LittleEndian)
	root := field.NewComposite("r", 0)

	s, err := d.UNISTR2(root, "name")
	require.NoError(t, err)
	assert.Equal(t, "ab", s)
	assert.Equal(t, "ab", root.Find("string").Str())
	assert.Equal(t, uint64(3), root.Find("len").Uint())
}

func TestUNISTR2CountOverrun(t *testing.T) {
	d := NewDecoder(le32(1000, 0, 1000, 0), binary.LittleEndian)
	_, err := d.UNISTR2(nil, "name")
	var be *core.BoundsError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 2000, be.Requested)
	assert.Equal(t, 4, be.Available)
}

func TestRelStr(t *testing.T) {
	// struct: flags, relstr offset 12; then padding; string at struct+12
	stub := append(le32(0x55, 12, 0), utf16le("hp")...)
	d := NewDecoder(stub, binary.LittleEndian)
	root := field.NewComposite("info", 0)

	_, err := d.Uint32(root, "flags")
	require.NoError(t, err)
	s, err := d.RelStr(root, "name", 0)
	require.NoError(t, err)
	assert.Equal(t, "hp", s)
	assert.Equal(t, 8, d.Offset(), "cursor resumes after the offset field")
}

func TestRelStrNull(t *testing.T) {
	d := NewDecoder(le32(0), binary.LittleEndian)
	s, err := d.RelStr(nil, "name", 0)
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestUint16UniBigEndian(t *testing.T) {
	d := NewDecoder([]byte{0, 'o', 0, 'k', 0, 0}, binary.BigEndian)
	s, err := d.Uint16Uni(nil, "s")
	require.NoError(t, err)
	assert.Equal(t, "ok", s)
	assert.Equal(t, 6, d.Offset())
}

func TestUint16UniUnterminated(t *testing.T) {
	d := NewDecoder([]byte{'o', 0, 'k', 0}, binary.LittleEndian)
	_, err := d.Uint16Uni(nil, "s")
	assert.ErrorIs(t, err, core.ErrOutOfBounds)
	assert.Equal(t, 0, d.Offset())
}

func TestWErrorName(t *testing.T) {
	assert.Equal(t, "WERR_OK", WErrorName(0))
	assert.Equal(t, "WERR_0x0000abcd", WErrorName(0xabcd))
}

func TestAlignment(t *testing.T) {
	d := NewDecoder([]byte{1, 0, 0, 0, 2, 0, 0, 0}, binary.LittleEndian)
	v8, err := d.Uint8(nil, "a")
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v8)
	v32, err := d.Uint32(nil, "b")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v32)
}
