// Package dcerpc decodes connection-oriented DCE/RPC over a TCP byte stream
// and hands request and response stubs to registered interface decoders.
package dcerpc

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/field"
)

// HeaderSize is the size of the common connection-oriented header.
const HeaderSize = 16

// PacketType is the PDU type carried in the common header.
type PacketType uint8

const (
	PacketRequest      PacketType = 0
	PacketPing         PacketType = 1
	PacketResponse     PacketType = 2
	PacketFault        PacketType = 3
	PacketBind         PacketType = 11
	PacketBindAck      PacketType = 12
	PacketBindNak      PacketType = 13
	PacketAlterContext PacketType = 14
	PacketAlterResp    PacketType = 15
	PacketShutdown     PacketType = 17
	PacketCoCancel     PacketType = 18
	PacketOrphaned     PacketType = 19
)

var packetTypeNames = map[PacketType]string{
	PacketRequest:      "Request",
	PacketPing:         "Ping",
	PacketResponse:     "Response",
	PacketFault:        "Fault",
	PacketBind:         "Bind",
	PacketBindAck:      "Bind_ack",
	PacketBindNak:      "Bind_nak",
	PacketAlterContext: "Alter_context",
	PacketAlterResp:    "Alter_context_resp",
	PacketShutdown:     "Shutdown",
	PacketCoCancel:     "Co_cancel",
	PacketOrphaned:     "Orphaned",
}

func (p PacketType) String() string {
	if name, ok := packetTypeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(p))
}

// Header flags.
const (
	FlagFirstFrag  = 0x01
	FlagLastFrag   = 0x02
	FlagObjectUUID = 0x80
)

// Header is the common header of every connection-oriented PDU.
type Header struct {
	Version      uint8
	VersionMinor uint8
	Type         PacketType
	Flags        uint8
	DRep         [4]byte
	FragLength   uint16
	AuthLength   uint16
	CallID       uint32
}

// ByteOrder returns the integer byte order selected by the data
// representation: high nibble 1 is little-endian, 0 big-endian.
func (h *Header) ByteOrder() binary.ByteOrder {
	if h.DRep[0]>>4 == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// peekFragLength returns the fragment length of the PDU at the start of
// buf, or a BoundsError when the header is not complete yet.
func peekFragLength(buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, &core.BoundsError{Offset: 0, Requested: HeaderSize, Available: len(buf)}
	}
	var h Header
	h.DRep[0] = buf[4]
	return int(h.ByteOrder().Uint16(buf[8:10])), nil
}

// ParseHeader reads the common header and appends its fields to parent.
func ParseHeader(c *field.Cursor, parent *field.Span) (Header, error) {
	var h Header
	s := parent.Append(field.NewComposite("dcerpc.hdr", c.Offset()))

	be := binary.BigEndian
	v, span, err := c.ReadUint("dcerpc.ver", 1, be)
	if err != nil {
		return h, err
	}
	s.Append(span)
	h.Version = uint8(v)

	v, span, err = c.ReadUint("dcerpc.ver_minor", 1, be)
	if err != nil {
		return h, err
	}
	s.Append(span)
	h.VersionMinor = uint8(v)

	v, span, err = c.ReadUint("dcerpc.pkt_type", 1, be)
	if err != nil {
		return h, err
	}
	s.Append(span)
	h.Type = PacketType(v)

	v, span, err = c.ReadUint("dcerpc.cn_flags", 1, be)
	if err != nil {
		return h, err
	}
	s.Append(span)
	h.Flags = uint8(v)
	s.Append(field.NewBool("dcerpc.cn_flags.first_frag", span.Offset, 1, h.Flags&FlagFirstFrag != 0))
	s.Append(field.NewBool("dcerpc.cn_flags.last_frag", span.Offset, 1, h.Flags&FlagLastFrag != 0))

	drep, span, err := c.ReadBytes("dcerpc.drep", 4)
	if err != nil {
		return h, err
	}
	s.Append(span)
	copy(h.DRep[:], drep)

	order := h.ByteOrder()
	v, span, err = c.ReadUint("dcerpc.cn_frag_len", 2, order)
	if err != nil {
		return h, err
	}
	s.Append(span)
	h.FragLength = uint16(v)

	v, span, err = c.ReadUint("dcerpc.cn_auth_len", 2, order)
	if err != nil {
		return h, err
	}
	s.Append(span)
	h.AuthLength = uint16(v)

	v, span, err = c.ReadUint("dcerpc.cn_call_id", 4, order)
	if err != nil {
		return h, err
	}
	s.Append(span)
	h.CallID = uint32(v)
	s.Close(c.Offset())

	if h.Version != 5 {
		return h, core.Malformed("dcerpc.hdr", s.Offset, "unsupported version %d", h.Version)
	}
	if h.FragLength < HeaderSize {
		return h, core.Malformed("dcerpc.hdr", s.Offset, "fragment length %d shorter than header", h.FragLength)
	}
	return h, nil
}

// readUUID reads a UUID whose first three fields use order.
func readUUID(c *field.Cursor, parent *field.Span, label string, order binary.ByteOrder) (uuid.UUID, error) {
	var id uuid.UUID
	raw, span, err := c.ReadBytes(label, 16)
	if err != nil {
		return id, err
	}
	binary.BigEndian.PutUint32(id[0:4], order.Uint32(raw[0:4]))
	binary.BigEndian.PutUint16(id[4:6], order.Uint16(raw[4:6]))
	binary.BigEndian.PutUint16(id[6:8], order.Uint16(raw[6:8]))
	copy(id[8:], raw[8:])
	span.Kind = field.KindString
	span.Value = id.String()
	parent.Append(span)
	return id, nil
}

// PutUUID encodes id with its first three fields in order. It is the
// inverse of the wire decoding and is used to build PDUs.
func PutUUID(dst []byte, id uuid.UUID, order binary.ByteOrder) {
	order.PutUint32(dst[0:4], binary.BigEndian.Uint32(id[0:4]))
	order.PutUint16(dst[4:6], binary.BigEndian.Uint16(id[4:6]))
	order.PutUint16(dst[6:8], binary.BigEndian.Uint16(id[6:8]))
	copy(dst[8:16], id[8:])
}
