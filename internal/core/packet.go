// Package core defines core data structures with zero external dependencies.
package core

import (
	"net/netip"
	"time"
)

// DecodedPacket is the result of L2-L4 decoding of one capture record.
type DecodedPacket struct {
	Index       int // 1-based record number within the capture
	Timestamp   time.Time
	Ethernet    EthernetHeader
	IP          IPHeader
	Transport   TransportHeader
	Payload     []byte // Application layer payload, zero-copy slice
	CaptureLen  uint32
	OrigLen     uint32
	Reassembled bool // Whether packet went through IP fragment reassembly
}

// Endpoints returns the addresses and ports of the packet in wire order.
func (p *DecodedPacket) Endpoints() (src netip.Addr, sport uint16, dst netip.Addr, dport uint16) {
	return p.IP.SrcIP, p.Transport.SrcPort, p.IP.DstIP, p.Transport.DstPort
}

// IsTCP reports whether the transport layer is TCP.
func (p *DecodedPacket) IsTCP() bool { return p.Transport.Protocol == ProtoTCP }

// IsUDP reports whether the transport layer is UDP.
func (p *DecodedPacket) IsUDP() bool { return p.Transport.Protocol == ProtoUDP }
