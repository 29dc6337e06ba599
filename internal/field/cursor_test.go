package field

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capdissect/internal/core"
)

func TestReadUintByteOrder(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04}

	be, span, err := NewCursor(buf).ReadUint("v", 4, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x01020304), be)
	assert.Equal(t, 0, span.Offset)
	assert.Equal(t, 4, span.Length)
	assert.Equal(t, KindUint, span.Kind)

	le, _, err := NewCursor(buf).ReadUint("v", 4, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x04030201), le)
}

func TestReadUintRequiresOrder(t *testing.T) {
	c := NewCursor([]byte{1, 2})
	_, _, err := c.ReadUint("v", 2, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, c.Offset())
}

func TestReadInt(t *testing.T) {
	c := NewCursor([]byte{0xff, 0xfe, 0xff})
	v, span, err := c.ReadInt("a", 1, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)
	assert.Equal(t, KindInt, span.Kind)

	v, _, err = c.ReadInt("b", 2, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), v)
}

func TestLengthPrefixedOverrun(t *testing.T) {
	buf := make([]byte, 50)
	binary.BigEndian.PutUint32(buf, 1000)
	c := NewCursor(buf)

	n, _, err := c.ReadUint("length", 4, binary.BigEndian)
	require.NoError(t, err)

	_, _, err = c.ReadBytes("data", int(n))
	var be *core.BoundsError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 1000, be.Requested)
	assert.Equal(t, 46, be.Available)
	assert.Equal(t, 4, c.Offset(), "failed read must not move the cursor")
}

func TestCumulativeReadsWithinBounds(t *testing.T) {
	const size = 23
	widths := []int{1, 2, 4, 8}
	for start := 0; start < len(widths); start++ {
		c := NewCursor(make([]byte, size))
		consumed := 0
		for i := start; ; i = (i + 1) % len(widths) {
			w := widths[i]
			_, _, err := c.ReadUint("x", w, binary.LittleEndian)
			if consumed+w > size {
				var be *core.BoundsError
				require.True(t, errors.As(err, &be), "read of %d at %d should fail", w, consumed)
				assert.Equal(t, w, be.Requested)
				assert.Equal(t, size-consumed, be.Available)
				break
			}
			require.NoError(t, err)
			consumed += w
			assert.Equal(t, consumed, c.Offset())
		}
	}
}

func TestReadLine(t *testing.T) {
	c := NewCursor([]byte("HELO x\r\nMAIL"))

	line, span, err := c.ReadLine("line", []byte("\r\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, "HELO x", string(line))
	assert.Equal(t, 8, span.Length, "span includes the terminator")
	assert.Equal(t, 8, c.Offset())

	_, _, err = c.ReadLine("line", []byte("\r\n"), 0)
	var be *core.BoundsError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 4, be.Available)
	assert.Equal(t, 8, c.Offset())
}

func TestReadLineMaxLen(t *testing.T) {
	c := NewCursor([]byte("0123456789\r\n"))
	_, _, err := c.ReadLine("line", []byte("\r\n"), 4)
	assert.ErrorIs(t, err, core.ErrLineTooLong)

	c = NewCursor([]byte("0123456789"))
	_, _, err = c.ReadLine("line", []byte("\r\n"), 4)
	assert.ErrorIs(t, err, core.ErrLineTooLong)

	// a line of exactly maxLen whose terminator is split waits for more data
	c = NewCursor([]byte("0123\r"))
	_, _, err = c.ReadLine("line", []byte("\r\n"), 4)
	var be *core.BoundsError
	assert.ErrorAs(t, err, &be)
	assert.Equal(t, 0, c.Offset())

	c = NewCursor([]byte("01234\r"))
	_, _, err = c.ReadLine("line", []byte("\r\n"), 4)
	assert.ErrorIs(t, err, core.ErrLineTooLong)

	c = NewCursor([]byte("0123\r\n"))
	line, _, err := c.ReadLine("line", []byte("\r\n"), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), line)
}

func TestSeekSkipAlign(t *testing.T) {
	c := NewCursor(make([]byte, 16))
	require.NoError(t, c.Skip(1))
	require.NoError(t, c.Align(4))
	assert.Equal(t, 4, c.Offset())
	require.NoError(t, c.Align(4))
	assert.Equal(t, 4, c.Offset())

	assert.Error(t, c.Seek(17))
	require.NoError(t, c.Seek(16))
	assert.Equal(t, 0, c.Remaining())
	assert.Error(t, c.Skip(1))
	assert.Error(t, c.Align(32))
}

func TestReadStringTrimsPadding(t *testing.T) {
	s, span, err := NewCursor([]byte("snoop\x00\x00\x00")).ReadString("magic", 8)
	require.NoError(t, err)
	assert.Equal(t, "snoop", s)
	assert.Equal(t, 8, span.Length)
}

func TestExpect(t *testing.T) {
	c := NewCursor([]byte{0xa1, 0xb2, 0xc3})
	_, err := c.Expect("magic", []byte{0xa1, 0xb3})
	var mre *core.MalformedRecordError
	require.True(t, errors.As(err, &mre))
	assert.Equal(t, "magic", mre.Structure)
	assert.Equal(t, 0, c.Offset())

	span, err := c.Expect("magic", []byte{0xa1, 0xb2})
	require.NoError(t, err)
	assert.Equal(t, 2, span.Length)
}

func TestReadBytesCopiesIntoSpan(t *testing.T) {
	buf := []byte{1, 2, 3}
	_, span, err := NewCursor(buf).ReadBytes("raw", 3)
	require.NoError(t, err)
	buf[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, span.Value)
}
