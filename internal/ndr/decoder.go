package ndr

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/unicode"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/field"
)

// PolicyHandleSize is the wire size of an RPC context handle.
const PolicyHandleSize = 20

// Decoder reads NDR primitives from a stub buffer in the byte order given by
// the PDU data representation. Alignment is relative to the stub start.
type Decoder struct {
	c     *field.Cursor
	order binary.ByteOrder
}

// NewDecoder returns a decoder over stub data.
func NewDecoder(stub []byte, order binary.ByteOrder) *Decoder {
	return &Decoder{c: field.NewCursor(stub), order: order}
}

// Cursor exposes the underlying cursor for fields with a fixed byte order.
func (d *Decoder) Cursor() *field.Cursor { return d.c }

// Order returns the stub byte order.
func (d *Decoder) Order() binary.ByteOrder { return d.order }

// Offset returns the current stub offset.
func (d *Decoder) Offset() int { return d.c.Offset() }

// Align skips padding up to the next multiple of n stub bytes.
func (d *Decoder) Align(n int) error { return d.c.Align(n) }

func (d *Decoder) Uint8(parent *field.Span, label string) (uint8, error) {
	v, span, err := d.c.ReadUint(label, 1, d.order)
	if err != nil {
		return 0, err
	}
	parent.Append(span)
	return uint8(v), nil
}

func (d *Decoder) Uint16(parent *field.Span, label string) (uint16, error) {
	if err := d.c.Align(2); err != nil {
		return 0, err
	}
	v, span, err := d.c.ReadUint(label, 2, d.order)
	if err != nil {
		return 0, err
	}
	parent.Append(span)
	return uint16(v), nil
}

func (d *Decoder) Uint32(parent *field.Span, label string) (uint32, error) {
	if err := d.c.Align(4); err != nil {
		return 0, err
	}
	v, span, err := d.c.ReadUint(label, 4, d.order)
	if err != nil {
		return 0, err
	}
	parent.Append(span)
	return uint32(v), nil
}

func (d *Decoder) Bytes(parent *field.Span, label string, n int) ([]byte, error) {
	b, span, err := d.c.ReadBytes(label, n)
	if err != nil {
		return nil, err
	}
	parent.Append(span)
	return b, nil
}

// Pointer reads a unique/full pointer referent id. Zero means NULL.
func (d *Decoder) Pointer(parent *field.Span, label string) (uint32, error) {
	return d.Uint32(parent, label)
}

// DeferPointer reads a pointer and, when it is not NULL, defers fn on q.
func (d *Decoder) DeferPointer(q *Queue, parent *field.Span, label, name string, fn Referent) (bool, error) {
	ref, err := d.Pointer(parent, label)
	if err != nil {
		return false, err
	}
	if ref == 0 {
		return false, nil
	}
	q.Defer(name, parent, fn)
	return true, nil
}

// UNISTR2 reads a conformant varying UTF-16 string: max count, offset,
// actual count, then actual count code units.
func (d *Decoder) UNISTR2(parent *field.Span, label string) (string, error) {
	s := parent.Append(field.NewComposite(label, d.Offset()))
	if _, err := d.Uint32(s, "max_len"); err != nil {
		return "", err
	}
	if _, err := d.Uint32(s, "offset"); err != nil {
		return "", err
	}
	count, err := d.Uint32(s, "len")
	if err != nil {
		return "", err
	}
	if int64(count)*2 > int64(d.c.Remaining()) {
		return "", &core.BoundsError{Offset: d.Offset(), Requested: int(count) * 2, Available: d.c.Remaining()}
	}
	start := d.Offset()
	raw, _, err := d.c.ReadBytes("chars", int(count)*2)
	if err != nil {
		return "", err
	}
	str, err := DecodeUTF16(raw, d.order)
	if err != nil {
		return "", core.Malformed(label, start, "invalid UTF-16: %v", err)
	}
	str = trimNul(str)
	s.Append(field.NewString("string", start, len(raw), str))
	s.Close(d.Offset())
	return str, nil
}

// Uint16Uni reads a NUL-terminated UTF-16 string at the cursor.
func (d *Decoder) Uint16Uni(parent *field.Span, label string) (string, error) {
	start := d.Offset()
	c := d.c
	for {
		v, _, err := c.ReadUint(label, 2, d.order)
		if err != nil {
			_ = c.Seek(start)
			return "", err
		}
		if v == 0 {
			break
		}
	}
	raw := c.Buffer()[start : c.Offset()-2]
	str, err := DecodeUTF16(raw, d.order)
	if err != nil {
		return "", core.Malformed(label, start, "invalid UTF-16: %v", err)
	}
	parent.Append(field.NewString(label, start, c.Offset()-start, str))
	return str, nil
}

// RelStr reads a 32-bit offset and the NUL-terminated string it points to,
// relative to structStart. The cursor ends just past the offset field.
func (d *Decoder) RelStr(parent *field.Span, label string, structStart int) (string, error) {
	s := parent.Append(field.NewComposite(label, d.Offset()))
	rel, err := d.Uint32(s, "offset")
	s.Close(d.Offset())
	if err != nil || rel == 0 {
		return "", err
	}
	resume := d.Offset()
	target := structStart + int(rel)
	if err := d.c.Seek(target); err != nil {
		return "", err
	}
	str, err := d.Uint16Uni(s, "string")
	if seekErr := d.c.Seek(resume); err == nil {
		err = seekErr
	}
	return str, err
}

// PolicyHandle reads a 20-byte context handle.
func (d *Decoder) PolicyHandle(parent *field.Span, label string) ([]byte, error) {
	return d.Bytes(parent, label, PolicyHandleSize)
}

var werrorNames = map[uint32]string{
	0:    "WERR_OK",
	2:    "WERR_BADFILE",
	5:    "WERR_ACCESS_DENIED",
	87:   "WERR_INVALID_PARAM",
	122:  "WERR_INSUFFICIENT_BUFFER",
	259:  "WERR_NO_MORE_ITEMS",
	1801: "WERR_INVALID_PRINTER_NAME",
}

// WError reads a Windows error code and labels it when known.
func (d *Decoder) WError(parent *field.Span, label string) (uint32, error) {
	start := d.Offset()
	v, err := d.Uint32(parent, label)
	if err != nil {
		return 0, err
	}
	parent.Append(field.NewString(label+".name", start, 4, WErrorName(v)))
	return v, nil
}

// WErrorName returns the symbolic name of a Windows error code.
func WErrorName(code uint32) string {
	if name, ok := werrorNames[code]; ok {
		return name
	}
	return fmt.Sprintf("WERR_0x%08x", code)
}

// DecodeUTF16 converts UTF-16 code units in the given byte order to UTF-8.
func DecodeUTF16(raw []byte, order binary.ByteOrder) (string, error) {
	endian := unicode.LittleEndian
	if order == binary.BigEndian {
		endian = unicode.BigEndian
	}
	out, err := unicode.UTF16(endian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func trimNul(s string) string {
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}
