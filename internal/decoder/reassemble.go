package decoder

import (
	"container/list"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/capdissect/internal/metrics"
)

// Limits from RFC 791.
const (
	ipv4MaxSize       = 65535
	ipv4MaxFragOffset = 8183 // in 8-byte units
)

// ReassemblyConfig bounds IPv4 fragment reassembly.
type ReassemblyConfig struct {
	MaxFragments      int           // per datagram, default 100
	MaxReassembleSize int           // default 65535
	Timeout           time.Duration // capture time, default 30s

	// MaxPerSource limits fragments accepted from one source address per
	// SourceWindow of capture time. 0 disables the limit.
	MaxPerSource int
	SourceWindow time.Duration // default 10s
}

type fragmentKey struct {
	src, dst netip.Addr
	protocol layers.IPProtocol
	id       uint16
}

type fragment struct {
	offset  int
	payload []byte
}

// fragmentList keeps fragments sorted by offset. On overlap the data that
// arrived first wins and the newcomer is trimmed (BSD-Right).
type fragmentList struct {
	list          list.List
	highest       int
	current       int
	finalReceived bool
	lastSeen      time.Time
}

// Reassembler rebuilds fragmented IPv4 datagrams. Expiry is driven by record
// timestamps, not the wall clock, so replaying an old capture behaves the
// same as reading it live.
type Reassembler struct {
	mu      sync.Mutex
	flows   map[fragmentKey]*fragmentList
	config  ReassemblyConfig
	limiter *sourceLimiter
}

// NewReassembler creates a reassembler, filling in zero limits.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 100
	}
	if cfg.MaxReassembleSize <= 0 {
		cfg.MaxReassembleSize = ipv4MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Reassembler{
		flows:   make(map[fragmentKey]*fragmentList),
		config:  cfg,
		limiter: newSourceLimiter(cfg.MaxPerSource, cfg.SourceWindow),
	}
}

// Fragmented reports whether ip is part of a fragmented datagram.
func Fragmented(ip *layers.IPv4) bool {
	return ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
}

// Process adds one fragment. It returns the transport payload of the
// whole datagram once the last missing piece arrives, and nil while the
// datagram is still incomplete.
func (r *Reassembler) Process(ip *layers.IPv4, ts time.Time) ([]byte, error) {
	if !Fragmented(ip) {
		return ip.Payload, nil
	}
	if len(ip.Payload) == 0 {
		return nil, fmt.Errorf("empty fragment id %#04x", ip.Id)
	}
	if ip.FragOffset > ipv4MaxFragOffset {
		return nil, fmt.Errorf("fragment offset too large: %d", ip.FragOffset)
	}
	offset := int(ip.FragOffset) * 8
	end := offset + len(ip.Payload)
	if end > ipv4MaxSize {
		return nil, fmt.Errorf("fragment would exceed max IP size: offset=%d size=%d", offset, len(ip.Payload))
	}

	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	key := fragmentKey{src: src, dst: dst, protocol: ip.Protocol, id: ip.Id}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(ts)
	if r.limiter != nil && !r.limiter.allow(src, ts) {
		return nil, fmt.Errorf("fragment rate from %s exceeded %d per %s", src, r.limiter.max, r.limiter.window)
	}

	fl, ok := r.flows[key]
	if !ok {
		fl = &fragmentList{}
		r.flows[key] = fl
		metrics.ReassemblyActiveFragments.Inc()
	}
	if fl.list.Len() >= r.config.MaxFragments {
		r.evict(key)
		return nil, fmt.Errorf("fragment count exceeded limit %d", r.config.MaxFragments)
	}
	fl.lastSeen = ts

	if ip.Flags&layers.IPv4MoreFragments == 0 {
		fl.finalReceived = true
		if end > fl.highest {
			fl.highest = end
		}
	}
	// the capture buffer is reused by the reader
	payload := append([]byte(nil), ip.Payload...)
	insertBSDRight(fl, &fragment{offset: offset, payload: payload})

	if !fl.finalReceived || fl.current < fl.highest {
		return nil, nil
	}
	r.evict(key)
	if fl.highest > r.config.MaxReassembleSize {
		return nil, fmt.Errorf("reassembled size %d exceeds limit %d", fl.highest, r.config.MaxReassembleSize)
	}
	out := make([]byte, fl.highest)
	for e := fl.list.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		copy(out[f.offset:], f.payload)
	}
	return out, nil
}

// Pending returns the number of datagrams waiting for fragments.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

// Reset drops every partial datagram.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	metrics.ReassemblyActiveFragments.Sub(float64(len(r.flows)))
	r.flows = make(map[fragmentKey]*fragmentList)
	if r.limiter != nil {
		r.limiter.reset()
	}
}

// Rejected returns the number of fragments refused by the per-source limit.
func (r *Reassembler) Rejected() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limiter == nil {
		return 0
	}
	return r.limiter.rejected
}

func insertBSDRight(fl *fragmentList, frag *fragment) {
	fragEnd := frag.offset + len(frag.payload)
	if fragEnd > fl.highest && !fl.finalReceived {
		fl.highest = fragEnd
	}

	var before *list.Element
	for e := fl.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			before = e
			break
		}
	}

	start := frag.offset
	var prev *list.Element
	if before != nil {
		prev = before.Prev()
	} else {
		prev = fl.list.Back()
	}
	if prev != nil {
		p := prev.Value.(*fragment)
		if pe := p.offset + len(p.payload); pe > start {
			start = pe
		}
	}
	end := fragEnd
	if before != nil {
		if next := before.Value.(*fragment); next.offset < end {
			end = next.offset
		}
	}
	if start >= end {
		return
	}

	trimmed := &fragment{offset: start, payload: frag.payload[start-frag.offset : end-frag.offset]}
	if before != nil {
		fl.list.InsertBefore(trimmed, before)
	} else {
		fl.list.PushBack(trimmed)
	}
	fl.current += end - start
}

func (r *Reassembler) evict(key fragmentKey) {
	if _, ok := r.flows[key]; ok {
		delete(r.flows, key)
		metrics.ReassemblyActiveFragments.Dec()
	}
}

func (r *Reassembler) expire(now time.Time) {
	for key, fl := range r.flows {
		if now.Sub(fl.lastSeen) > r.config.Timeout {
			r.evict(key)
		}
	}
}
