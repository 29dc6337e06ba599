// Package conversation tracks per-conversation decoder state for one
// capture session.
package conversation

import (
	"fmt"
	"net/netip"
)

// Key identifies a conversation by its endpoints and transport protocol.
// A Directed key keeps A as the sender; a Canonical key orders the
// endpoints so both directions map to the same key.
type Key struct {
	AddrA netip.Addr
	PortA uint16
	AddrB netip.Addr
	PortB uint16
	Proto uint8
}

// Directed returns the key for traffic from src to dst.
func Directed(src netip.Addr, sport uint16, dst netip.Addr, dport uint16, proto uint8) Key {
	return Key{AddrA: src, PortA: sport, AddrB: dst, PortB: dport, Proto: proto}
}

// Canonical returns the direction-independent key for the endpoint pair.
func Canonical(src netip.Addr, sport uint16, dst netip.Addr, dport uint16, proto uint8) Key {
	k := Directed(src, sport, dst, dport, proto)
	if endpointLess(dst, dport, src, sport) {
		return k.Reverse()
	}
	return k
}

// Canonical returns the direction-independent form of k.
func (k Key) Canonical() Key {
	return Canonical(k.AddrA, k.PortA, k.AddrB, k.PortB, k.Proto)
}

// Reverse swaps the endpoints.
func (k Key) Reverse() Key {
	return Key{AddrA: k.AddrB, PortA: k.PortB, AddrB: k.AddrA, PortB: k.PortA, Proto: k.Proto}
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%d-%s:%d", k.Proto, k.AddrA, k.PortA, k.AddrB, k.PortB)
}

func endpointLess(a netip.Addr, ap uint16, b netip.Addr, bp uint16) bool {
	if c := a.Compare(b); c != 0 {
		return c < 0
	}
	return ap < bp
}
