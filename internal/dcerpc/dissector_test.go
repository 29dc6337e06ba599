package dcerpc_test

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capdissect/internal/conversation"
	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/dcerpc"
	"firestige.xyz/capdissect/internal/dfs"
	"firestige.xyz/capdissect/internal/spoolss"
)

var (
	client = netip.MustParseAddr("10.0.0.5")
	server = netip.MustParseAddr("10.0.0.1")
	up     = conversation.Directed(client, 49152, server, 135, core.ProtoTCP)
	down   = up.Reverse()

	spoolssUUID = uuid.MustParse("12345678-1234-abcd-ef00-0123456789ab")
	ndrSyntax   = uuid.MustParse("8a885d04-1ceb-11c9-9fe8-08002b104860")
)

func buildPDU(order binary.ByteOrder, typ dcerpc.PacketType, flags uint8, callID uint32, body []byte, authLen int) []byte {
	b := make([]byte, dcerpc.HeaderSize, dcerpc.HeaderSize+len(body))
	b[0] = 5
	b[2] = byte(typ)
	b[3] = flags
	if order == binary.LittleEndian {
		b[4] = 0x10
	}
	order.PutUint16(b[8:], uint16(dcerpc.HeaderSize+len(body)))
	order.PutUint16(b[10:], uint16(authLen))
	order.PutUint32(b[12:], callID)
	return append(b, body...)
}

const whole = dcerpc.FlagFirstFrag | dcerpc.FlagLastFrag

func bindBody(order binary.ByteOrder, ctxID uint16, id uuid.UUID, ver uint16) []byte {
	b := make([]byte, 12+44)
	order.PutUint16(b[0:], 4280)
	order.PutUint16(b[2:], 4280)
	b[8] = 1
	item := b[12:]
	order.PutUint16(item[0:], ctxID)
	item[2] = 1
	dcerpc.PutUUID(item[4:], id, order)
	order.PutUint16(item[20:], ver)
	dcerpc.PutUUID(item[24:], ndrSyntax, order)
	order.PutUint32(item[40:], 2)
	return b
}

func requestBody(order binary.ByteOrder, ctxID, opnum uint16, stub []byte) []byte {
	b := make([]byte, 8, 8+len(stub))
	order.PutUint32(b[0:], uint32(len(stub)))
	order.PutUint16(b[4:], ctxID)
	order.PutUint16(b[6:], opnum)
	return append(b, stub...)
}

func responseBody(order binary.ByteOrder, ctxID uint16, stub []byte) []byte {
	b := make([]byte, 8, 8+len(stub))
	order.PutUint32(b[0:], uint32(len(stub)))
	order.PutUint16(b[4:], ctxID)
	return append(b, stub...)
}

func newDissector(t *testing.T) *dcerpc.Dissector {
	t.Helper()
	reg := dcerpc.NewRegistry()
	require.NoError(t, reg.Register(spoolss.New()))
	require.NoError(t, reg.Register(dfs.New()))
	d := dcerpc.NewDissector(reg)
	t.Cleanup(d.Reset)
	return d
}

func handle(fill byte) []byte {
	h := make([]byte, 20)
	for i := range h {
		h[i] = fill
	}
	return h
}

func TestBindRequestResponse(t *testing.T) {
	le := binary.LittleEndian
	d := newDissector(t)

	pdus := d.Feed(up, buildPDU(le, dcerpc.PacketBind, whole, 1, bindBody(le, 0, spoolssUUID, 1), 0))
	require.Len(t, pdus, 1)
	require.NoError(t, pdus[0].Err)
	assert.Equal(t, "Bind", pdus[0].Labels[core.LabelRPCPacketType])
	assert.Equal(t, "SPOOLSS", pdus[0].Tree.Find("dcerpc.cn_bind_if_name").Str())
	assert.Equal(t, spoolssUUID.String(), pdus[0].Tree.Find("dcerpc.cn_bind_to_uuid").Str())

	pdus = d.Feed(up, buildPDU(le, dcerpc.PacketRequest, whole, 2, requestBody(le, 0, spoolss.OpClosePrinter, handle(0xab)), 0))
	require.Len(t, pdus, 1)
	req := pdus[0]
	require.NoError(t, req.Err)
	assert.Equal(t, "SPOOLSS", req.Labels[core.LabelRPCInterface])
	assert.Equal(t, "ClosePrinter", req.Labels[core.LabelRPCOperation])
	assert.Equal(t, "29", req.Labels[core.LabelRPCOpnum])
	require.NotNil(t, req.Tree.Find("ClosePrinter_q"))
	hnd := req.Tree.Find("spoolss.hnd")
	require.NotNil(t, hnd)
	assert.Equal(t, 24, hnd.Offset)
	assert.Equal(t, 20, hnd.Length)

	stub := append(handle(0), le.AppendUint32(nil, 0)...)
	pdus = d.Feed(down, buildPDU(le, dcerpc.PacketResponse, whole, 2, responseBody(le, 0, stub), 0))
	require.Len(t, pdus, 1)
	resp := pdus[0]
	require.NoError(t, resp.Err)
	assert.Equal(t, "29", resp.Labels[core.LabelRPCOpnum])
	assert.Equal(t, "ClosePrinter", resp.Labels[core.LabelRPCOperation])
	require.NotNil(t, resp.Tree.Find("ClosePrinter_r"))
	assert.Equal(t, "WERR_OK", resp.Tree.Find("spoolss.rc.name").Str())
}

func TestFeedBuffersPartialPDUs(t *testing.T) {
	le := binary.LittleEndian
	d := newDissector(t)

	bind := buildPDU(le, dcerpc.PacketBind, whole, 1, bindBody(le, 0, spoolssUUID, 1), 0)
	req := buildPDU(le, dcerpc.PacketRequest, whole, 2, requestBody(le, 0, spoolss.OpClosePrinter, handle(1)), 0)
	stream := append(append([]byte(nil), bind...), req...)

	split := len(bind) + 5
	pdus := d.Feed(up, stream[:split])
	require.Len(t, pdus, 1)
	assert.Equal(t, dcerpc.PacketBind, pdus[0].Header.Type)
	assert.Equal(t, 5, d.Pending(up))

	var got []dcerpc.PDU
	for i := split; i < len(stream); i++ {
		got = append(got, d.Feed(up, stream[i:i+1])...)
	}
	require.Len(t, got, 1)
	require.NoError(t, got[0].Err)
	assert.Equal(t, "ClosePrinter", got[0].Labels[core.LabelRPCOperation])
	assert.Equal(t, 0, d.Pending(up))
	assert.Equal(t, 0, d.Pending(down))
}

func TestTruncatedStubKeepsPartialTree(t *testing.T) {
	le := binary.LittleEndian
	d := newDissector(t)
	d.Feed(up, buildPDU(le, dcerpc.PacketBind, whole, 1, bindBody(le, 0, spoolssUUID, 1), 0))

	pdus := d.Feed(up, buildPDU(le, dcerpc.PacketRequest, whole, 2, requestBody(le, 0, spoolss.OpClosePrinter, handle(1)[:10]), 0))
	require.Len(t, pdus, 1)

	var mre *core.MalformedRecordError
	require.True(t, errors.As(pdus[0].Err, &mre))
	assert.Equal(t, "ClosePrinter_q", mre.Structure)
	assert.Equal(t, 24, mre.Offset)
	assert.True(t, errors.Is(pdus[0].Err, core.ErrOutOfBounds))
	assert.NotNil(t, pdus[0].Tree.Find("dcerpc.hdr"))
	assert.NotNil(t, pdus[0].Tree.Find("ClosePrinter_q"))
}

func TestUnboundContextKeepsStub(t *testing.T) {
	le := binary.LittleEndian
	d := newDissector(t)

	pdus := d.Feed(up, buildPDU(le, dcerpc.PacketRequest, whole, 9, requestBody(le, 7, 3, []byte{1, 2, 3, 4}), 0))
	require.Len(t, pdus, 1)
	require.NoError(t, pdus[0].Err)
	assert.NotContains(t, pdus[0].Labels, core.LabelRPCInterface)
	stub := pdus[0].Tree.Find("dcerpc.stub_data")
	require.NotNil(t, stub)
	assert.Equal(t, 4, stub.Length)
}

func TestBigEndianRepresentation(t *testing.T) {
	be := binary.BigEndian
	d := newDissector(t)

	pdus := d.Feed(up, buildPDU(be, dcerpc.PacketBind, whole, 1, bindBody(be, 3, spoolssUUID, 1), 0))
	require.Len(t, pdus, 1)
	require.NoError(t, pdus[0].Err)
	assert.Equal(t, be, pdus[0].Header.ByteOrder())

	pdus = d.Feed(up, buildPDU(be, dcerpc.PacketRequest, whole, 2, requestBody(be, 3, spoolss.OpClosePrinter, handle(2)), 0))
	require.Len(t, pdus, 1)
	require.NoError(t, pdus[0].Err)
	assert.Equal(t, "SPOOLSS", pdus[0].Labels[core.LabelRPCInterface])
}

func TestNameOnlyInterface(t *testing.T) {
	le := binary.LittleEndian
	d := newDissector(t)
	id := dfs.New().UUID()

	d.Feed(up, buildPDU(le, dcerpc.PacketBind, whole, 1, bindBody(le, 0, id, 3), 0))
	pdus := d.Feed(up, buildPDU(le, dcerpc.PacketRequest, whole, 2, requestBody(le, 0, 3, nil), 0))
	require.Len(t, pdus, 1)
	require.NoError(t, pdus[0].Err)
	assert.Equal(t, "DFS", pdus[0].Labels[core.LabelRPCInterface])
	assert.Equal(t, "GetInfo", pdus[0].Labels[core.LabelRPCOperation])
}

func TestFaultClearsCall(t *testing.T) {
	le := binary.LittleEndian
	d := newDissector(t)
	d.Feed(up, buildPDU(le, dcerpc.PacketBind, whole, 1, bindBody(le, 0, spoolssUUID, 1), 0))
	d.Feed(up, buildPDU(le, dcerpc.PacketRequest, whole, 5, requestBody(le, 0, spoolss.OpClosePrinter, handle(3)), 0))

	body := responseBody(le, 0, le.AppendUint32(nil, 0x1c010002))
	pdus := d.Feed(down, buildPDU(le, dcerpc.PacketFault, whole, 5, body, 0))
	require.Len(t, pdus, 1)
	require.NoError(t, pdus[0].Err)
	assert.Equal(t, uint64(0x1c010002), pdus[0].Tree.Find("dcerpc.cn_status").Uint())

	pdus = d.Feed(down, buildPDU(le, dcerpc.PacketResponse, whole, 5, responseBody(le, 0, handle(0)), 0))
	require.Len(t, pdus, 1)
	assert.NotContains(t, pdus[0].Labels, core.LabelRPCOpnum)
	assert.NotNil(t, pdus[0].Tree.Find("dcerpc.stub_data"))
}

func TestAuthTrailerExcludedFromStub(t *testing.T) {
	le := binary.LittleEndian
	d := newDissector(t)
	d.Feed(up, buildPDU(le, dcerpc.PacketBind, whole, 1, bindBody(le, 0, spoolssUUID, 1), 0))

	body := requestBody(le, 0, spoolss.OpClosePrinter, handle(4))
	body = append(body, make([]byte, 16)...)
	pdus := d.Feed(up, buildPDU(le, dcerpc.PacketRequest, whole, 2, body, 8))
	require.Len(t, pdus, 1)
	require.NoError(t, pdus[0].Err)
	assert.Equal(t, 20, pdus[0].Tree.Find("spoolss.hnd").Length)
	trailer := pdus[0].Tree.Find("dcerpc.auth_trailer")
	require.NotNil(t, trailer)
	assert.Equal(t, 16, trailer.Length)
}

func TestBadVersion(t *testing.T) {
	le := binary.LittleEndian
	d := newDissector(t)
	raw := buildPDU(le, dcerpc.PacketRequest, whole, 2, requestBody(le, 0, 0, nil), 0)
	raw[0] = 4

	pdus := d.Feed(up, raw)
	require.Len(t, pdus, 1)
	var mre *core.MalformedRecordError
	require.True(t, errors.As(pdus[0].Err, &mre))
	assert.Equal(t, "dcerpc.hdr", mre.Structure)
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	reg := dcerpc.NewRegistry()
	require.NoError(t, reg.Register(spoolss.New()))
	assert.Error(t, reg.Register(spoolss.New()))
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.Lookup(spoolssUUID)
	require.True(t, ok)
	assert.Equal(t, "SPOOLSS", got.Name())
}
