package decoder

import (
	"encoding/binary"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/capdissect/internal/conversation"
	"firestige.xyz/capdissect/internal/core"
)

// StreamHandler receives in-order bytes of one direction of a TCP
// connection. key is directed from sender to receiver. gap is true when
// bytes were lost before data.
type StreamHandler func(key conversation.Key, data []byte, seen time.Time, gap bool)

// StreamAssembler delivers TCP payloads in sequence order per direction.
// Connections whose SYN was not captured are delivered when flushed.
type StreamAssembler struct {
	handler   StreamHandler
	assembler *tcpassembly.Assembler
}

// NewStreamAssembler creates an assembler that calls handler synchronously
// from Assemble and the flush methods.
func NewStreamAssembler(handler StreamHandler) *StreamAssembler {
	s := &StreamAssembler{handler: handler}
	pool := tcpassembly.NewStreamPool(&streamFactory{s: s})
	s.assembler = tcpassembly.NewAssembler(pool)
	return s
}

// Assemble feeds one decoded TCP packet. Non-TCP packets are ignored.
func (s *StreamAssembler) Assemble(pkt *core.DecodedPacket) {
	if !pkt.IsTCP() {
		return
	}
	var nf gopacket.Flow
	if pkt.IP.Version == 4 {
		nf = gopacket.NewFlow(layers.EndpointIPv4, pkt.IP.SrcIP.AsSlice(), pkt.IP.DstIP.AsSlice())
	} else {
		nf = gopacket.NewFlow(layers.EndpointIPv6, pkt.IP.SrcIP.AsSlice(), pkt.IP.DstIP.AsSlice())
	}
	t := pkt.Transport
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(t.SrcPort),
		DstPort: layers.TCPPort(t.DstPort),
		Seq:     t.SeqNum,
		Ack:     t.AckNum,
		FIN:     t.TCPFlags&FlagFIN != 0,
		SYN:     t.TCPFlags&FlagSYN != 0,
		RST:     t.TCPFlags&FlagRST != 0,
		ACK:     t.TCPFlags&FlagACK != 0,
	}
	tcp.Payload = pkt.Payload
	s.assembler.AssembleWithTimestamp(nf, tcp, pkt.Timestamp)
}

// FlushOlderThan delivers buffered data of connections idle since t.
func (s *StreamAssembler) FlushOlderThan(t time.Time) int {
	flushed, _ := s.assembler.FlushOlderThan(t)
	return flushed
}

// FlushAll delivers everything still buffered and closes all connections.
func (s *StreamAssembler) FlushAll() int {
	return s.assembler.FlushAll()
}

type streamFactory struct {
	s *StreamAssembler
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	src, dst := netFlow.Endpoints()
	sp, dp := tcpFlow.Endpoints()
	return &tcpStream{
		key: conversation.Directed(
			endpointAddr(src), binary.BigEndian.Uint16(sp.Raw()),
			endpointAddr(dst), binary.BigEndian.Uint16(dp.Raw()),
			core.ProtoTCP),
		handler: f.s.handler,
	}
}

type tcpStream struct {
	key     conversation.Key
	handler StreamHandler
}

func (t *tcpStream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if len(r.Bytes) == 0 {
			continue
		}
		// the assembler reuses page buffers after this call returns
		data := append([]byte(nil), r.Bytes...)
		t.handler(t.key, data, r.Seen, r.Skip != 0)
	}
}

func (*tcpStream) ReassemblyComplete() {}

func endpointAddr(e gopacket.Endpoint) netip.Addr {
	return addr(net.IP(e.Raw()))
}
