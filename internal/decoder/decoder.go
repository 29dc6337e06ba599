// Package decoder turns capture records into L2-L4 views and delivers TCP
// payloads in sequence order.
package decoder

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/capdissect/internal/capfile"
	"firestige.xyz/capdissect/internal/core"
)

var (
	// ErrNotIP is returned for frames without an IPv4 or IPv6 layer.
	ErrNotIP = errors.New("decoder: no IP layer")
	// ErrFragmentPending is returned while a fragmented datagram is incomplete.
	ErrFragmentPending = errors.New("decoder: datagram awaiting fragments")
)

// Decoder decodes records of any supported link type. It reuses its layer
// structs between calls and is not safe for concurrent use.
type Decoder struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	sll   layers.LinuxSLL
	loop  layers.Loopback
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP
	udp   layers.UDP

	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	reassembler *Reassembler
}

// NewDecoder creates a decoder with its own fragment reassembler.
func NewDecoder(cfg ReassemblyConfig) *Decoder {
	d := &Decoder{
		parsers:     make(map[gopacket.LayerType]*gopacket.DecodingLayerParser),
		decoded:     make([]gopacket.LayerType, 0, 8),
		reassembler: NewReassembler(cfg),
	}
	for _, first := range []gopacket.LayerType{
		layers.LayerTypeEthernet,
		layers.LayerTypeLinuxSLL,
		layers.LayerTypeLoopback,
		layers.LayerTypeIPv4,
		layers.LayerTypeIPv6,
	} {
		p := gopacket.NewDecodingLayerParser(first,
			&d.eth, &d.dot1q, &d.sll, &d.loop, &d.ip4, &d.ip6, &d.tcp, &d.udp)
		p.IgnoreUnsupported = true
		d.parsers[first] = p
	}
	return d
}

// Reassembler exposes the fragment reassembler.
func (d *Decoder) Reassembler() *Reassembler { return d.reassembler }

// Supported reports whether records of link type lt can be decoded.
func Supported(lt layers.LinkType) bool {
	switch lt {
	case layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL, layers.LinkTypeNull,
		layers.LinkTypeLoop, layers.LinkTypeRaw:
		return true
	}
	return false
}

func firstLayer(lt layers.LinkType, data []byte) (gopacket.LayerType, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, nil
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return layers.LayerTypeLoopback, nil
	case layers.LinkTypeRaw:
		if len(data) > 0 && data[0]>>4 == 6 {
			return layers.LayerTypeIPv6, nil
		}
		return layers.LayerTypeIPv4, nil
	}
	return gopacket.LayerTypeZero, fmt.Errorf("link type %s: %w", capfile.LinkTypeName(lt), core.ErrUnsupportedEncap)
}

// Decode decodes rec, the index'th record of its capture. The returned
// payload aliases rec.Payload unless the datagram was reassembled.
func (d *Decoder) Decode(index int, rec *capfile.Record) (*core.DecodedPacket, error) {
	first, err := firstLayer(rec.LinkType, rec.Payload)
	if err != nil {
		return nil, err
	}
	d.decoded = d.decoded[:0]
	if err := d.parsers[first].DecodeLayers(rec.Payload, &d.decoded); err != nil {
		return nil, core.Malformed(first.String(), 0, "%v", err)
	}

	pkt := &core.DecodedPacket{
		Index:      index,
		Timestamp:  rec.Timestamp,
		CaptureLen: uint32(rec.CaptureLength),
		OrigLen:    uint32(rec.OriginalLength),
	}
	var (
		haveIP  bool
		payload []byte
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			copy(pkt.Ethernet.SrcMAC[:], d.eth.SrcMAC)
			copy(pkt.Ethernet.DstMAC[:], d.eth.DstMAC)
			pkt.Ethernet.EtherType = uint16(d.eth.EthernetType)
		case layers.LayerTypeDot1Q:
			pkt.Ethernet.VLANs = append(pkt.Ethernet.VLANs, d.dot1q.VLANIdentifier)
			pkt.Ethernet.EtherType = uint16(d.dot1q.Type)
		case layers.LayerTypeIPv4:
			haveIP = true
			pkt.IP = core.IPHeader{
				Version:  4,
				SrcIP:    addr(d.ip4.SrcIP),
				DstIP:    addr(d.ip4.DstIP),
				Protocol: uint8(d.ip4.Protocol),
				TTL:      d.ip4.TTL,
				TotalLen: d.ip4.Length,
			}
			if Fragmented(&d.ip4) {
				whole, err := d.reassembler.Process(&d.ip4, rec.Timestamp)
				if err != nil {
					return nil, core.Malformed("ipv4.fragment", 0, "%v", err)
				}
				if whole == nil {
					return nil, ErrFragmentPending
				}
				pkt.Reassembled = true
				return d.transport(pkt, layers.IPProtocol(pkt.IP.Protocol), whole)
			}
			payload = d.ip4.Payload
		case layers.LayerTypeIPv6:
			haveIP = true
			pkt.IP = core.IPHeader{
				Version:  6,
				SrcIP:    addr(d.ip6.SrcIP),
				DstIP:    addr(d.ip6.DstIP),
				Protocol: uint8(d.ip6.NextHeader),
				TTL:      d.ip6.HopLimit,
				TotalLen: d.ip6.Length + 40,
			}
			payload = d.ip6.Payload
		case layers.LayerTypeTCP:
			pkt.Transport = core.TransportHeader{
				SrcPort:  uint16(d.tcp.SrcPort),
				DstPort:  uint16(d.tcp.DstPort),
				Protocol: core.ProtoTCP,
				TCPFlags: tcpFlags(&d.tcp),
				SeqNum:   d.tcp.Seq,
				AckNum:   d.tcp.Ack,
			}
			payload = d.tcp.Payload
		case layers.LayerTypeUDP:
			pkt.Transport = core.TransportHeader{
				SrcPort:  uint16(d.udp.SrcPort),
				DstPort:  uint16(d.udp.DstPort),
				Protocol: core.ProtoUDP,
			}
			payload = d.udp.Payload
		}
	}
	if !haveIP {
		return nil, ErrNotIP
	}
	pkt.Payload = payload
	return pkt, nil
}

// transport decodes the TCP or UDP header of a reassembled datagram.
func (d *Decoder) transport(pkt *core.DecodedPacket, proto layers.IPProtocol, data []byte) (*core.DecodedPacket, error) {
	switch proto {
	case layers.IPProtocolTCP:
		if err := d.tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, core.Malformed("tcp", 0, "%v", err)
		}
		pkt.Transport = core.TransportHeader{
			SrcPort:  uint16(d.tcp.SrcPort),
			DstPort:  uint16(d.tcp.DstPort),
			Protocol: core.ProtoTCP,
			TCPFlags: tcpFlags(&d.tcp),
			SeqNum:   d.tcp.Seq,
			AckNum:   d.tcp.Ack,
		}
		pkt.Payload = d.tcp.Payload
	case layers.IPProtocolUDP:
		if err := d.udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, core.Malformed("udp", 0, "%v", err)
		}
		pkt.Transport = core.TransportHeader{
			SrcPort:  uint16(d.udp.SrcPort),
			DstPort:  uint16(d.udp.DstPort),
			Protocol: core.ProtoUDP,
		}
		pkt.Payload = d.udp.Payload
	default:
		pkt.Transport = core.TransportHeader{Protocol: uint8(proto)}
		pkt.Payload = data
	}
	return pkt, nil
}

// TCP flag bits as they appear in the header.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	for _, b := range []struct {
		set  bool
		flag uint8
	}{
		{t.FIN, FlagFIN}, {t.SYN, FlagSYN}, {t.RST, FlagRST},
		{t.PSH, FlagPSH}, {t.ACK, FlagACK}, {t.URG, FlagURG},
	} {
		if b.set {
			f |= b.flag
		}
	}
	return f
}

func addr(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil {
		a, _ := netip.AddrFromSlice(v4)
		return a
	}
	a, _ := netip.AddrFromSlice(ip)
	return a
}
