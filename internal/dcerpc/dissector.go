package dcerpc

import (
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"

	"firestige.xyz/capdissect/internal/conversation"
	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/field"
	"firestige.xyz/capdissect/internal/metrics"
	"firestige.xyz/capdissect/internal/ndr"
)

// PDU is the decoded form of one complete fragment.
type PDU struct {
	Header Header
	Tree   *field.Span
	Labels core.Labels
	Err    error
}

type binding struct {
	id      uuid.UUID
	version uint16
	iface   Interface
}

// connState is shared by both directions of a TCP connection.
type connState struct {
	contexts map[uint16]binding
	calls    map[uint32]*Call
}

func newConnState() *connState {
	return &connState{
		contexts: make(map[uint16]binding),
		calls:    make(map[uint32]*Call),
	}
}

// stream buffers the bytes of one direction until a PDU is complete.
type stream struct {
	buf []byte
}

// Dissector frames PDUs out of per-direction byte streams and decodes them.
type Dissector struct {
	registry *Registry
	conns    *conversation.Table[connState]
	streams  *conversation.Table[stream]
}

// NewDissector creates a dissector resolving stubs through registry.
func NewDissector(registry *Registry) *Dissector {
	return &Dissector{
		registry: registry,
		conns:    conversation.NewTable[connState]("dcerpc"),
		streams:  conversation.NewTable[stream]("dcerpc_stream"),
	}
}

// Feed appends data sent along the directed key and returns every PDU that
// became complete. Incomplete trailing bytes are kept for the next call.
func (d *Dissector) Feed(key conversation.Key, data []byte) []PDU {
	st, _ := d.streams.LookupOrCreate(key, func() *stream { return &stream{} })
	conn, _ := d.conns.LookupOrCreate(key.Canonical(), newConnState)

	st.buf = append(st.buf, data...)
	var out []PDU
	for {
		n, err := peekFragLength(st.buf)
		if err != nil {
			break
		}
		if n < HeaderSize {
			out = append(out, PDU{Err: core.Malformed("dcerpc.hdr", 0, "fragment length %d shorter than header", n)})
			st.buf = nil
			break
		}
		if len(st.buf) < n {
			break
		}
		out = append(out, d.decode(conn, st.buf[:n]))
		st.buf = append([]byte(nil), st.buf[n:]...)
	}
	return out
}

// Pending returns the number of buffered bytes for the directed key.
func (d *Dissector) Pending(key conversation.Key) int {
	st, ok := d.streams.Get(key)
	if !ok {
		return 0
	}
	return len(st.buf)
}

// Reset drops all connection state at the end of a capture session.
func (d *Dissector) Reset() {
	d.streams.Reset()
	d.conns.Reset()
}

// decode decodes one complete PDU. The buffer is fully available, so a
// bounds failure is reported as a malformed PDU with the partial tree kept.
func (d *Dissector) decode(conn *connState, raw []byte) PDU {
	if conn == nil {
		conn = newConnState()
	}
	c := field.NewCursor(raw)
	root := field.NewComposite("dcerpc", 0)
	pdu := PDU{Tree: root, Labels: core.Labels{}}

	h, err := ParseHeader(c, root)
	pdu.Header = h
	if err != nil {
		pdu.Err = core.Promote(err, "dcerpc.hdr", 0)
		root.Close(c.Offset())
		return pdu
	}
	metrics.RPCPDUsTotal.WithLabelValues(h.Type.String()).Inc()
	pdu.Labels[core.LabelRPCPacketType] = h.Type.String()
	pdu.Labels[core.LabelRPCCallID] = strconv.FormatUint(uint64(h.CallID), 10)

	end := int(h.FragLength)
	if end > len(raw) {
		end = len(raw)
	}
	if h.AuthLength > 0 {
		end -= int(h.AuthLength) + 8
	}
	if end < c.Offset() {
		pdu.Err = core.Malformed("dcerpc.hdr", 0, "auth length %d exceeds fragment", h.AuthLength)
		root.Close(c.Offset())
		return pdu
	}

	structure := "dcerpc." + h.Type.String()
	switch h.Type {
	case PacketBind, PacketAlterContext:
		err = d.bind(c, root, &h, conn)
	case PacketBindAck, PacketAlterResp:
		err = bindAck(c, root, &h)
	case PacketRequest:
		err = d.request(c, root, &h, conn, raw[:end], pdu.Labels)
	case PacketResponse:
		err = d.response(c, root, &h, conn, raw[:end], pdu.Labels)
	case PacketFault:
		err = fault(c, root, &h, conn)
	}
	if err == nil && h.AuthLength > 0 {
		if serr := c.Seek(end); serr == nil {
			_, span, rerr := c.ReadBytes("dcerpc.auth_trailer", len(raw)-end)
			root.Append(span)
			err = rerr
		}
	}
	pdu.Err = core.Promote(err, structure, c.Offset())
	root.Close(c.Offset())
	return pdu
}

func readU(c *field.Cursor, parent *field.Span, label string, width int, order binary.ByteOrder) (uint64, error) {
	v, span, err := c.ReadUint(label, width, order)
	if err != nil {
		return 0, err
	}
	parent.Append(span)
	return v, nil
}

func (d *Dissector) bind(c *field.Cursor, root *field.Span, h *Header, conn *connState) error {
	order := h.ByteOrder()
	if _, err := readU(c, root, "dcerpc.cn_max_xmit", 2, order); err != nil {
		return err
	}
	if _, err := readU(c, root, "dcerpc.cn_max_recv", 2, order); err != nil {
		return err
	}
	if _, err := readU(c, root, "dcerpc.cn_assoc_group", 4, order); err != nil {
		return err
	}
	n, err := readU(c, root, "dcerpc.cn_num_ctx_items", 1, order)
	if err != nil {
		return err
	}
	if err := c.Skip(3); err != nil {
		return err
	}

	for i := 0; i < int(n); i++ {
		item := root.Append(field.NewComposite("dcerpc.cn_ctx_item", c.Offset()))
		ctxID, err := readU(c, item, "dcerpc.cn_ctx_id", 2, order)
		if err != nil {
			return err
		}
		nts, err := readU(c, item, "dcerpc.cn_num_trans_items", 1, order)
		if err != nil {
			return err
		}
		if err := c.Skip(1); err != nil {
			return err
		}
		id, err := readUUID(c, item, "dcerpc.cn_bind_to_uuid", order)
		if err != nil {
			return err
		}
		ver, err := readU(c, item, "dcerpc.cn_bind_if_ver", 2, order)
		if err != nil {
			return err
		}
		if _, err := readU(c, item, "dcerpc.cn_bind_if_ver_minor", 2, order); err != nil {
			return err
		}
		for j := 0; j < int(nts); j++ {
			if _, err := readUUID(c, item, "dcerpc.cn_bind_trans_id", order); err != nil {
				return err
			}
			if _, err := readU(c, item, "dcerpc.cn_bind_trans_ver", 4, order); err != nil {
				return err
			}
		}
		item.Close(c.Offset())

		b := binding{id: id, version: uint16(ver)}
		if iface, ok := d.registry.Lookup(id); ok {
			b.iface = iface
			item.Append(field.NewString("dcerpc.cn_bind_if_name", item.Offset, 0, iface.Name()))
		}
		conn.contexts[uint16(ctxID)] = b
	}
	return nil
}

func bindAck(c *field.Cursor, root *field.Span, h *Header) error {
	order := h.ByteOrder()
	if _, err := readU(c, root, "dcerpc.cn_max_xmit", 2, order); err != nil {
		return err
	}
	if _, err := readU(c, root, "dcerpc.cn_max_recv", 2, order); err != nil {
		return err
	}
	if _, err := readU(c, root, "dcerpc.cn_assoc_group", 4, order); err != nil {
		return err
	}
	n, err := readU(c, root, "dcerpc.cn_sec_addr_len", 2, order)
	if err != nil {
		return err
	}
	_, span, err := c.ReadString("dcerpc.cn_sec_addr", int(n))
	if err != nil {
		return err
	}
	root.Append(span)
	if err := c.Align(4); err != nil {
		return err
	}
	results, err := readU(c, root, "dcerpc.cn_num_results", 1, order)
	if err != nil {
		return err
	}
	if err := c.Skip(3); err != nil {
		return err
	}
	for i := 0; i < int(results); i++ {
		item := root.Append(field.NewComposite("dcerpc.cn_ack_result", c.Offset()))
		if _, err := readU(c, item, "dcerpc.cn_ack_result.result", 2, order); err != nil {
			return err
		}
		if _, err := readU(c, item, "dcerpc.cn_ack_result.reason", 2, order); err != nil {
			return err
		}
		if _, err := readUUID(c, item, "dcerpc.cn_ack_trans_id", order); err != nil {
			return err
		}
		if _, err := readU(c, item, "dcerpc.cn_ack_trans_ver", 4, order); err != nil {
			return err
		}
		item.Close(c.Offset())
	}
	return nil
}

func (d *Dissector) request(c *field.Cursor, root *field.Span, h *Header, conn *connState, body []byte, labels core.Labels) error {
	order := h.ByteOrder()
	if _, err := readU(c, root, "dcerpc.cn_alloc_hint", 4, order); err != nil {
		return err
	}
	ctxID, err := readU(c, root, "dcerpc.cn_ctx_id", 2, order)
	if err != nil {
		return err
	}
	opnum, err := readU(c, root, "dcerpc.opnum", 2, order)
	if err != nil {
		return err
	}
	if h.Flags&FlagObjectUUID != 0 {
		if _, err := readUUID(c, root, "dcerpc.obj_id", order); err != nil {
			return err
		}
	}

	call := &Call{ID: h.CallID, Opnum: uint16(opnum), Request: true}
	conn.calls[h.CallID] = call
	labels[core.LabelRPCOpnum] = strconv.FormatUint(opnum, 10)

	b, bound := conn.contexts[uint16(ctxID)]
	return decodeStub(c, root, h, b, bound, call, body, labels)
}

func (d *Dissector) response(c *field.Cursor, root *field.Span, h *Header, conn *connState, body []byte, labels core.Labels) error {
	order := h.ByteOrder()
	if _, err := readU(c, root, "dcerpc.cn_alloc_hint", 4, order); err != nil {
		return err
	}
	ctxID, err := readU(c, root, "dcerpc.cn_ctx_id", 2, order)
	if err != nil {
		return err
	}
	if _, err := readU(c, root, "dcerpc.cn_cancel_count", 1, order); err != nil {
		return err
	}
	if err := c.Skip(1); err != nil {
		return err
	}

	req, matched := conn.calls[h.CallID]
	if !matched {
		_, span, err := c.ReadBytes("dcerpc.stub_data", len(body)-c.Offset())
		root.Append(span)
		return err
	}
	if h.Flags&FlagLastFrag != 0 {
		delete(conn.calls, h.CallID)
	}
	call := &Call{ID: h.CallID, Opnum: req.Opnum, Values: req.Values}
	root.Append(&field.Span{Label: "dcerpc.opnum", Offset: c.Offset(), Kind: field.KindUint, Width: 2, Value: uint64(call.Opnum)})
	labels[core.LabelRPCOpnum] = strconv.FormatUint(uint64(call.Opnum), 10)

	b, bound := conn.contexts[uint16(ctxID)]
	return decodeStub(c, root, h, b, bound, call, body, labels)
}

func fault(c *field.Cursor, root *field.Span, h *Header, conn *connState) error {
	order := h.ByteOrder()
	for _, f := range []struct {
		label string
		width int
	}{
		{"dcerpc.cn_alloc_hint", 4},
		{"dcerpc.cn_ctx_id", 2},
		{"dcerpc.cn_cancel_count", 1},
	} {
		if _, err := readU(c, root, f.label, f.width, order); err != nil {
			return err
		}
	}
	if err := c.Skip(1); err != nil {
		return err
	}
	delete(conn.calls, h.CallID)
	_, err := readU(c, root, "dcerpc.cn_status", 4, order)
	return err
}

// decodeStub hands a single-fragment stub to the bound interface. Stubs of
// unknown interfaces and of multi-fragment calls are kept as raw bytes.
func decodeStub(c *field.Cursor, root *field.Span, h *Header, b binding, bound bool, call *Call, body []byte, labels core.Labels) error {
	start := c.Offset()
	whole := h.Flags&(FlagFirstFrag|FlagLastFrag) == FlagFirstFrag|FlagLastFrag
	if bound && b.iface != nil {
		labels[core.LabelRPCInterface] = b.iface.Name()
		labels[core.LabelRPCOperation] = b.iface.OpName(call.Opnum)
	}
	if !bound || b.iface == nil || !whole {
		_, span, err := c.ReadBytes("dcerpc.stub_data", len(body)-start)
		root.Append(span)
		return err
	}

	stub := root.Append(field.NewComposite(b.iface.Name(), start))
	nd := ndr.NewDecoder(body, h.ByteOrder())
	if err := nd.Cursor().Seek(start); err != nil {
		return err
	}
	err := b.iface.Decode(nd, stub, call)
	stub.Close(nd.Offset())
	if serr := c.Seek(len(body)); err == nil {
		err = serr
	}
	return err
}
