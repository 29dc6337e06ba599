package spoolss

import (
	"encoding/binary"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/field"
	"firestige.xyz/capdissect/internal/ndr"
)

func unistr2Referent(label string) ndr.Referent {
	return func(d *ndr.Decoder, parent *field.Span, _ *ndr.Queue) error {
		_, err := d.UNISTR2(parent, label)
		return err
	}
}

// bufferData records where a BUFFER referent's bytes sit in the stub so the
// response can decode them once it knows the entry count.
type bufferData struct {
	span  *field.Span
	start int
	size  int
}

// bufferReferent decodes BUFFER_DATA: a byte count followed by the bytes.
func bufferReferent(out *bufferData) ndr.Referent {
	return func(d *ndr.Decoder, parent *field.Span, _ *ndr.Queue) error {
		s := parent.Append(field.NewComposite("BUFFER_DATA", d.Offset()))
		size, err := d.Uint32(s, "spoolss.buffer.size")
		if err != nil {
			return err
		}
		start := d.Offset()
		if _, err := d.Bytes(s, "spoolss.buffer.data", int(size)); err != nil {
			return err
		}
		s.Close(d.Offset())
		if out != nil {
			*out = bufferData{span: s, start: start, size: int(size)}
		}
		return nil
	}
}

const printerInfo1Size = 16

// decodeInfo1Array decodes count PRINTER_INFO_1 entries from an already
// consumed buffer. Strings are addressed relative to each entry's start.
func decodeInfo1Array(d *ndr.Decoder, data bufferData, count int) error {
	if count*printerInfo1Size > data.size {
		return core.Malformed("PRINTER_INFO_1", data.start,
			"%d entries do not fit in a %d byte buffer", count, data.size)
	}
	c := d.Cursor()
	resume := c.Offset()
	if err := c.Seek(data.start); err != nil {
		return err
	}
	defer func() { _ = c.Seek(resume) }()

	for i := 0; i < count; i++ {
		structStart := c.Offset()
		info := data.span.Append(field.NewComposite("PRINTER_INFO_1", structStart))
		if _, err := d.Uint32(info, "spoolss.printer.flags"); err != nil {
			return err
		}
		for _, label := range []string{"spoolss.printer.description", "spoolss.printer.name", "spoolss.printer.comment"} {
			if _, err := d.RelStr(info, label, structStart); err != nil {
				return core.Promote(err, "PRINTER_INFO_1", structStart)
			}
		}
		info.Close(c.Offset())
	}
	return nil
}

// printerDefault decodes the inline part of PRINTER_DEFAULT. The datatype
// string and the devmode are deferred on q, which the caller resolves after
// the access mask.
func printerDefault(d *ndr.Decoder, s *field.Span, q *ndr.Queue) error {
	if _, err := d.DeferPointer(q, s, "spoolss.datatype.ptr", "spoolss.datatype", unistr2Referent("spoolss.datatype")); err != nil {
		return err
	}
	ctr := s.Append(field.NewComposite("DEVMODE_CTR", d.Offset()))
	if _, err := d.Uint32(ctr, "spoolss.devmode.ctr.size"); err != nil {
		return err
	}
	if _, err := d.DeferPointer(q, ctr, "spoolss.devmode.ptr", "DEVMODE", devmodeReferent); err != nil {
		return err
	}
	ctr.Close(d.Offset())
	_, err := d.Uint32(s, "spoolss.access_required")
	return err
}

func userLevel1Referent(d *ndr.Decoder, parent *field.Span, q *ndr.Queue) error {
	s := parent.Append(field.NewComposite("USER_LEVEL_1", d.Offset()))
	defer func() { s.Close(d.Offset()) }()

	if _, err := d.Uint32(s, "spoolss.userlevel.size"); err != nil {
		return err
	}
	if _, err := d.DeferPointer(q, s, "spoolss.userlevel.client.ptr", "spoolss.userlevel.client", unistr2Referent("spoolss.userlevel.client")); err != nil {
		return err
	}
	if _, err := d.DeferPointer(q, s, "spoolss.userlevel.user.ptr", "spoolss.userlevel.user", unistr2Referent("spoolss.userlevel.user")); err != nil {
		return err
	}
	for _, label := range []string{"spoolss.userlevel.build", "spoolss.userlevel.major", "spoolss.userlevel.minor", "spoolss.userlevel.processor"} {
		if _, err := d.Uint32(s, label); err != nil {
			return err
		}
	}
	return nil
}

// devmodeReferent decodes a byte-counted DEVMODE. The count uses the stub
// byte order but the structure itself is always little-endian.
func devmodeReferent(d *ndr.Decoder, parent *field.Span, _ *ndr.Queue) error {
	s := parent.Append(field.NewComposite("DEVMODE", d.Offset()))
	defer func() { s.Close(d.Offset()) }()

	size, err := d.Uint32(s, "spoolss.devmode.size")
	if err != nil {
		return err
	}
	c := d.Cursor()
	if int(size) > c.Remaining() {
		return &core.BoundsError{Offset: c.Offset(), Requested: int(size), Available: c.Remaining()}
	}
	start := c.Offset()
	if err := decodeDevmode(c, s, start+int(size)); err != nil {
		return core.Promote(err, "DEVMODE", start)
	}
	return c.Seek(start + int(size))
}

type devmodeField struct {
	label string
	width int
}

const devmodeNameSize = 64

var devmodeHead = []devmodeField{
	{"spoolss.devmode.spec_version", 2},
	{"spoolss.devmode.driver_version", 2},
	{"spoolss.devmode.struct_size", 2},
	{"spoolss.devmode.driver_extra", 2},
	{"spoolss.devmode.fields", 4},
	{"spoolss.devmode.orientation", 2},
	{"spoolss.devmode.paper_size", 2},
	{"spoolss.devmode.paper_length", 2},
	{"spoolss.devmode.paper_width", 2},
	{"spoolss.devmode.scale", 2},
	{"spoolss.devmode.copies", 2},
	{"spoolss.devmode.default_source", 2},
	{"spoolss.devmode.print_quality", 2},
	{"spoolss.devmode.color", 2},
	{"spoolss.devmode.duplex", 2},
	{"spoolss.devmode.y_resolution", 2},
	{"spoolss.devmode.tt_option", 2},
	{"spoolss.devmode.collate", 2},
}

var devmodeTail = []devmodeField{
	{"spoolss.devmode.log_pixels", 2},
	{"spoolss.devmode.bits_per_pel", 4},
	{"spoolss.devmode.pels_width", 4},
	{"spoolss.devmode.pels_height", 4},
	{"spoolss.devmode.display_flags", 4},
	{"spoolss.devmode.display_frequency", 4},
	{"spoolss.devmode.icm_method", 4},
	{"spoolss.devmode.icm_intent", 4},
	{"spoolss.devmode.media_type", 4},
	{"spoolss.devmode.dither_type", 4},
	{"spoolss.devmode.reserved1", 4},
	{"spoolss.devmode.reserved2", 4},
	{"spoolss.devmode.panning_width", 4},
	{"spoolss.devmode.panning_height", 4},
}

// decodeDevmode reads as many DEVMODE fields as fit before end. Older
// drivers send shorter structures; fields past end are simply absent.
func decodeDevmode(c *field.Cursor, s *field.Span, end int) error {
	fits := func(n int) bool { return c.Offset()+n <= end }

	if !fits(devmodeNameSize) {
		return nil
	}
	if err := devmodeName(c, s, "spoolss.devmode.devicename"); err != nil {
		return err
	}
	var extra uint64
	for _, f := range devmodeHead {
		if !fits(f.width) {
			return nil
		}
		v, span, err := c.ReadUint(f.label, f.width, binary.LittleEndian)
		if err != nil {
			return err
		}
		s.Append(span)
		if f.label == "spoolss.devmode.driver_extra" {
			extra = v
		}
	}
	if !fits(devmodeNameSize) {
		return nil
	}
	if err := devmodeName(c, s, "spoolss.devmode.formname"); err != nil {
		return err
	}
	for _, f := range devmodeTail {
		if !fits(f.width) {
			return nil
		}
		_, span, err := c.ReadUint(f.label, f.width, binary.LittleEndian)
		if err != nil {
			return err
		}
		s.Append(span)
	}
	if extra > 0 && fits(int(extra)) {
		_, span, err := c.ReadBytes("spoolss.devmode.private", int(extra))
		if err != nil {
			return err
		}
		s.Append(span)
	}
	return nil
}

func devmodeName(c *field.Cursor, s *field.Span, label string) error {
	start := c.Offset()
	raw, _, err := c.ReadBytes(label, devmodeNameSize)
	if err != nil {
		return err
	}
	name, err := ndr.DecodeUTF16(raw, binary.LittleEndian)
	if err != nil {
		return core.Malformed(label, start, "invalid UTF-16: %v", err)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			name = name[:i]
			break
		}
	}
	s.Append(field.NewString(label, start, devmodeNameSize, name))
	return nil
}
