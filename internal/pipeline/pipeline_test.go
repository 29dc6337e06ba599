package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capdissect/internal/capfile"
	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/filter"
)

var (
	clientIP  = net.IP{10, 0, 0, 1}
	serverIP  = net.IP{10, 0, 0, 2}
	clientMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	serverMAC = net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb}
	epoch     = time.Unix(1700000000, 0).UTC()
)

type collectSink struct {
	results []*Result
	flushed int
	fail    error
}

func (s *collectSink) Name() string { return "collect" }

func (s *collectSink) Report(_ context.Context, r *Result) error {
	if s.fail != nil {
		return s.fail
	}
	s.results = append(s.results, r)
	return nil
}

func (s *collectSink) Flush(context.Context) error {
	s.flushed++
	return nil
}

type segment struct {
	fromClient bool
	port       uint16
	seq        uint32
	syn        bool
	payload    string
}

func tcpFrame(t *testing.T, s segment) []byte {
	t.Helper()
	src, dst, smac, dmac := clientIP, serverIP, clientMAC, serverMAC
	sport, dport := uint16(40000), s.port
	if !s.fromClient {
		src, dst, smac, dmac = serverIP, clientIP, serverMAC, clientMAC
		sport, dport = dport, sport
	}
	eth := &layers.Ethernet{SrcMAC: smac, DstMAC: dmac, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport),
		Seq: s.seq, SYN: s.syn, ACK: !s.syn || !s.fromClient, Window: 1024,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, tcp, gopacket.Payload(s.payload))
}

func arpFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: clientMAC, SourceProtAddress: clientIP,
		DstHwAddress: make([]byte, 6), DstProtAddress: serverIP,
	}
	return serialize(t, eth, arp)
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...))
	return buf.Bytes()
}

func capture(t *testing.T, frames ...[]byte) *capfile.Reader {
	t.Helper()
	var buf bytes.Buffer
	w, err := capfile.Default().NewWriter(&buf, "pcap", layers.LinkTypeEthernet, 65535)
	require.NoError(t, err)
	for i, f := range frames {
		require.NoError(t, w.Write(&capfile.Record{
			Timestamp:      epoch.Add(time.Duration(i) * time.Millisecond),
			CaptureLength:  len(f),
			OriginalLength: len(f),
			LinkType:       layers.LinkTypeEthernet,
			Payload:        f,
		}))
	}
	require.NoError(t, w.Close())
	r, err := capfile.Default().Open(capfile.NewSource("mem.pcap", bytes.NewReader(buf.Bytes()), int64(buf.Len())))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func smtpSession(t *testing.T) [][]byte {
	return [][]byte{
		tcpFrame(t, segment{fromClient: true, port: 25, seq: 1000, syn: true}),
		tcpFrame(t, segment{port: 25, seq: 5000, syn: true}),
		tcpFrame(t, segment{port: 25, seq: 5001, payload: "220 mx ESMTP\r\n"}),
		tcpFrame(t, segment{fromClient: true, port: 25, seq: 1001, payload: "EHLO a\r\n"}),
		arpFrame(t),
		tcpFrame(t, segment{fromClient: true, port: 25, seq: 1009, payload: "MAIL FROM:<a@b>\r\n"}),
	}
}

func TestRunSMTP(t *testing.T) {
	sink := &collectSink{}
	p := NewBuilder().WithSinks(sink).Build()

	stats, err := p.Run(context.Background(), capture(t, smtpSession(t)...))
	require.NoError(t, err)

	assert.Equal(t, uint64(6), stats.Received)
	assert.Equal(t, uint64(5), stats.Decoded)
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Equal(t, uint64(3), stats.Parsed)
	assert.Equal(t, uint64(3), stats.Reported)
	assert.Zero(t, stats.DecodeErrors)
	assert.Equal(t, 1, sink.flushed)

	require.Len(t, sink.results, 3)
	for _, r := range sink.results {
		assert.Equal(t, ProtocolSMTP, r.Protocol)
		assert.NoError(t, r.Err)
		assert.NotNil(t, r.Tree)
	}

	reply := sink.results[0]
	assert.Equal(t, 3, reply.Record)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), reply.Key.AddrA)
	assert.Equal(t, uint16(25), reply.Key.PortA)
	assert.Equal(t, "220", reply.Labels[core.LabelSMTPResponse])

	ehlo := sink.results[1]
	assert.Equal(t, 4, ehlo.Record)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ehlo.Key.AddrA)
	assert.Equal(t, "EHLO", ehlo.Labels[core.LabelSMTPCommand])
	assert.Equal(t, "a", ehlo.Labels[core.LabelSMTPParameter])

	mail := sink.results[2]
	assert.Equal(t, 6, mail.Record)
	assert.Equal(t, "MAIL", mail.Labels[core.LabelSMTPCommand])
}

func TestRunFilter(t *testing.T) {
	m, err := filter.NewMatcher("src host 10.0.0.2")
	require.NoError(t, err)
	sink := &collectSink{}
	p := NewBuilder().WithFilter(m).WithSinks(sink).Build()

	stats, err := p.Run(context.Background(), capture(t, smtpSession(t)...))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.Filtered)
	assert.Equal(t, uint64(2), stats.Decoded)
	require.Len(t, sink.results, 1)
	assert.Equal(t, "220", sink.results[0].Labels[core.LabelSMTPResponse])
}

func TestRunIgnoresUnroutedPorts(t *testing.T) {
	sink := &collectSink{}
	p := NewBuilder().WithSMTPPorts(2525).WithSinks(sink).Build()

	stats, err := p.Run(context.Background(), capture(t, smtpSession(t)...))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.Decoded)
	assert.Empty(t, sink.results)
}

func TestRunDCERPCMalformed(t *testing.T) {
	// bind header announcing a 16 byte fragment: the body is missing
	hdr := string([]byte{5, 0, 11, 3, 0x10, 0, 0, 0, 16, 0, 0, 0, 1, 0, 0, 0})
	sink := &collectSink{}
	p := NewBuilder().WithSinks(sink).Build()

	stats, err := p.Run(context.Background(), capture(t,
		tcpFrame(t, segment{fromClient: true, port: 135, seq: 100, syn: true}),
		tcpFrame(t, segment{fromClient: true, port: 135, seq: 101, payload: hdr}),
	))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.ParseErrors)
	require.Len(t, sink.results, 1)
	r := sink.results[0]
	assert.Equal(t, ProtocolDCERPC, r.Protocol)
	assert.ErrorIs(t, r.Err, core.ErrMalformedRecord)
	assert.Equal(t, "Bind", r.Labels[core.LabelRPCPacketType])
}

func TestRunMidStreamDeliveredAtEnd(t *testing.T) {
	sink := &collectSink{}
	p := NewBuilder().WithSinks(sink).Build()

	_, err := p.Run(context.Background(), capture(t,
		tcpFrame(t, segment{fromClient: true, port: 25, seq: 7000, payload: "NOOP\r\n"}),
	))
	require.NoError(t, err)
	require.Len(t, sink.results, 1)
	assert.Equal(t, "NOOP", sink.results[0].Labels[core.LabelSMTPCommand])
}

func TestRunSinkError(t *testing.T) {
	boom := errors.New("disk full")
	p := NewBuilder().WithSinks(&collectSink{fail: boom}).Build()

	stats, err := p.Run(context.Background(), capture(t, smtpSession(t)...))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), stats.ReportErrors)
	assert.Equal(t, uint64(3), stats.Received, "run stops at the first failing report")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewBuilder().Build()
	_, err := p.Run(ctx, capture(t, smtpSession(t)...))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunIsRepeatable(t *testing.T) {
	sink := &collectSink{}
	p := NewBuilder().WithSinks(sink).Build()
	for i := 0; i < 2; i++ {
		stats, err := p.Run(context.Background(), capture(t, smtpSession(t)...))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), stats.Reported)
	}
	assert.Len(t, sink.results, 6)
}
