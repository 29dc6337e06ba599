package field

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"firestige.xyz/capdissect/internal/core"
)

// Cursor reads a fixed byte buffer front to back. Every successful read
// advances by exactly the bytes consumed; a failed read leaves the offset
// where it was. 0 <= Offset() <= len(buffer) always holds.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor returns a cursor at offset 0 of buf. buf must not be modified
// while the cursor is in use.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Offset returns the current read position.
func (c *Cursor) Offset() int { return c.off }

// Len returns the buffer length.
func (c *Cursor) Len() int { return len(c.buf) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.off }

// Rest returns the unread bytes without consuming them.
func (c *Cursor) Rest() []byte { return c.buf[c.off:] }

// Buffer returns the whole underlying buffer.
func (c *Cursor) Buffer() []byte { return c.buf }

func (c *Cursor) need(n int) error {
	if n < 0 || n > c.Remaining() {
		return &core.BoundsError{Offset: c.off, Requested: n, Available: c.Remaining()}
	}
	return nil
}

// Seek moves to an absolute offset within the buffer.
func (c *Cursor) Seek(off int) error {
	if off < 0 || off > len(c.buf) {
		return &core.BoundsError{Offset: c.off, Requested: off - c.off, Available: c.Remaining()}
	}
	c.off = off
	return nil
}

// Skip advances n bytes.
func (c *Cursor) Skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.off += n
	return nil
}

// Align advances to the next multiple of n relative to the buffer start.
func (c *Cursor) Align(n int) error {
	if n <= 1 {
		return nil
	}
	if pad := (n - c.off%n) % n; pad > 0 {
		return c.Skip(pad)
	}
	return nil
}

// PeekUint8 returns the next byte without consuming it.
func (c *Cursor) PeekUint8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	return c.buf[c.off], nil
}

// ReadUint reads an unsigned integer of width 1, 2, 4 or 8 bytes in the
// given byte order.
func (c *Cursor) ReadUint(label string, width int, order binary.ByteOrder) (uint64, *Span, error) {
	if order == nil {
		return 0, nil, fmt.Errorf("field %s: byte order is required", label)
	}
	if err := c.need(width); err != nil {
		return 0, nil, err
	}
	p := c.buf[c.off : c.off+width]
	var v uint64
	switch width {
	case 1:
		v = uint64(p[0])
	case 2:
		v = uint64(order.Uint16(p))
	case 4:
		v = uint64(order.Uint32(p))
	case 8:
		v = order.Uint64(p)
	default:
		return 0, nil, fmt.Errorf("field %s: unsupported integer width %d", label, width)
	}
	span := &Span{Label: label, Offset: c.off, Length: width, Kind: KindUint, Width: width, Value: v}
	c.off += width
	return v, span, nil
}

// ReadInt reads a two's complement signed integer.
func (c *Cursor) ReadInt(label string, width int, order binary.ByteOrder) (int64, *Span, error) {
	u, span, err := c.ReadUint(label, width, order)
	if err != nil {
		return 0, nil, err
	}
	shift := uint(64 - 8*width)
	v := int64(u<<shift) >> shift
	span.Kind = KindInt
	span.Value = v
	return v, span, nil
}

// ReadBytes reads n raw bytes. The returned slice aliases the buffer; the
// span holds its own copy.
func (c *Cursor) ReadBytes(label string, n int) ([]byte, *Span, error) {
	if err := c.need(n); err != nil {
		return nil, nil, err
	}
	p := c.buf[c.off : c.off+n]
	span := &Span{Label: label, Offset: c.off, Length: n, Kind: KindBytes, Value: bytes.Clone(p)}
	c.off += n
	return p, span, nil
}

// ReadString reads n bytes as text, dropping trailing NUL padding.
func (c *Cursor) ReadString(label string, n int) (string, *Span, error) {
	if err := c.need(n); err != nil {
		return "", nil, err
	}
	s := string(bytes.TrimRight(c.buf[c.off:c.off+n], "\x00"))
	span := &Span{Label: label, Offset: c.off, Length: n, Kind: KindString, Value: s}
	c.off += n
	return s, span, nil
}

// ReadLine reads up to and including the first occurrence of term. The
// returned slice excludes the terminator; the span covers it. When no
// terminator is present in the remaining bytes a BoundsError is returned so
// a streaming caller can wait for more data. maxLen > 0 bounds the line
// length, terminator excluded.
func (c *Cursor) ReadLine(label string, term []byte, maxLen int) ([]byte, *Span, error) {
	if len(term) == 0 {
		return nil, nil, fmt.Errorf("field %s: empty line terminator", label)
	}
	rest := c.buf[c.off:]
	i := bytes.Index(rest, term)
	if i < 0 {
		// a trailing partial terminator does not count toward the line
		if maxLen > 0 && len(rest)-partialSuffix(rest, term) > maxLen {
			return nil, nil, fmt.Errorf("field %s at offset %d: %w", label, c.off, core.ErrLineTooLong)
		}
		return nil, nil, &core.BoundsError{Offset: c.off, Requested: len(rest) + 1, Available: len(rest)}
	}
	if maxLen > 0 && i > maxLen {
		return nil, nil, fmt.Errorf("field %s at offset %d: %w", label, c.off, core.ErrLineTooLong)
	}
	line := rest[:i]
	span := &Span{Label: label, Offset: c.off, Length: i + len(term), Kind: KindString, Value: string(line)}
	c.off += i + len(term)
	return line, span, nil
}

// partialSuffix returns the length of the longest proper prefix of term
// that b ends with.
func partialSuffix(b, term []byte) int {
	for n := min(len(term)-1, len(b)); n > 0; n-- {
		if bytes.Equal(b[len(b)-n:], term[:n]) {
			return n
		}
	}
	return 0
}

// Expect consumes literal or fails with a MalformedRecordError naming label.
func (c *Cursor) Expect(label string, literal []byte) (*Span, error) {
	if err := c.need(len(literal)); err != nil {
		return nil, err
	}
	got := c.buf[c.off : c.off+len(literal)]
	if !bytes.Equal(got, literal) {
		return nil, core.Malformed(label, c.off, "expected %x, found %x", literal, got)
	}
	span := &Span{Label: label, Offset: c.off, Length: len(literal), Kind: KindBytes, Value: bytes.Clone(got)}
	c.off += len(literal)
	return span, nil
}
