// Package filter compiles tcpdump-style address expressions into BPF
// programs and runs them over Ethernet frames.
//
// Only IP layer conditions are understood. Terms are implicitly and-ed:
//
//	ip | ip6
//	[src|dst] host ADDR
//	[src|dst] net CIDR
//	src ADDR | dst ADDR | host ADDR
package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/bpf"
)

// ErrSyntax is wrapped by every expression parse error.
var ErrSyntax = errors.New("filter: syntax error")

const (
	etherTypeOffset = 12
	ipOffset        = 14

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd

	acceptLen = 65535
)

type direction int

const (
	dirEither direction = iota
	dirSrc
	dirDst
)

// Condition is one parsed term of an expression.
type Condition struct {
	IPv6   bool
	Dir    direction
	Prefix netip.Prefix // invalid for a bare ip/ip6 term
}

func (c Condition) String() string {
	fam := "ip"
	if c.IPv6 {
		fam = "ip6"
	}
	if !c.Prefix.IsValid() {
		return fam
	}
	dir := map[direction]string{dirEither: "", dirSrc: "src ", dirDst: "dst "}[c.Dir]
	if c.Prefix.IsSingleIP() {
		return dir + "host " + c.Prefix.Addr().String()
	}
	return dir + "net " + c.Prefix.String()
}

// Parse splits expr into conditions.
func Parse(expr string) ([]Condition, error) {
	tokens := strings.Fields(strings.ToLower(expr))
	var conds []Condition
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok {
		case "and", "&&":
			continue
		case "or", "||", "not", "!":
			return nil, fmt.Errorf("%w: operator %q is not supported", ErrSyntax, tok)
		case "ip":
			conds = append(conds, Condition{})
			continue
		case "ip6":
			conds = append(conds, Condition{IPv6: true})
			continue
		}

		c := Condition{}
		switch tok {
		case "src":
			c.Dir = dirSrc
		case "dst":
			c.Dir = dirDst
		}
		if c.Dir != dirEither {
			i++
			if i == len(tokens) {
				return nil, fmt.Errorf("%w: %q needs an address", ErrSyntax, tok)
			}
			tok = tokens[i]
		}
		isNet := false
		switch tok {
		case "host":
		case "net":
			isNet = true
		default:
			if c.Dir == dirEither {
				return nil, fmt.Errorf("%w: unexpected %q", ErrSyntax, tok)
			}
			// "src 10.0.0.1" is shorthand for "src host 10.0.0.1"
			i--
		}
		i++
		if i == len(tokens) {
			return nil, fmt.Errorf("%w: %q needs an address", ErrSyntax, tok)
		}
		p, err := parseTarget(tokens[i], isNet)
		if err != nil {
			return nil, err
		}
		c.Prefix = p
		c.IPv6 = p.Addr().Is6()
		conds = append(conds, c)
	}
	return conds, nil
}

func parseTarget(s string, isNet bool) (netip.Prefix, error) {
	if isNet {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: bad network %q", ErrSyntax, s)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: bad address %q", ErrSyntax, s)
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// program collects instructions whose failing branches jump to a shared
// reject instruction that is placed at the end.
type program struct {
	ins     []bpf.Instruction
	rejects []int
}

func (p *program) emit(i bpf.Instruction) { p.ins = append(p.ins, i) }

// requireEqual rejects unless A == val.
func (p *program) requireEqual(val uint32) {
	p.rejects = append(p.rejects, len(p.ins))
	p.emit(bpf.JumpIf{Cond: bpf.JumpEqual, Val: val})
}

func (p *program) etherType(v6 bool) {
	p.emit(bpf.LoadAbsolute{Off: etherTypeOffset, Size: 2})
	if v6 {
		p.requireEqual(etherTypeIPv6)
	} else {
		p.requireEqual(etherTypeIPv4)
	}
}

// words returns the 32-bit words of the prefix and their masks, stopping
// at the first fully wildcarded word.
func words(pfx netip.Prefix) (vals, masks []uint32) {
	raw := pfx.Addr().AsSlice()
	bits := pfx.Bits()
	for off := 0; off < len(raw) && bits > 0; off += 4 {
		n := min(bits, 32)
		mask := ^uint32(0) << (32 - n)
		vals = append(vals, binary.BigEndian.Uint32(raw[off:])&mask)
		masks = append(masks, mask)
		bits -= n
	}
	return vals, masks
}

// match emits a block that falls through when the address at base matches
// pfx. Mismatches jump forward by miss instructions counted from the end
// of the block, or to reject when miss is negative.
func (p *program) match(base uint32, pfx netip.Prefix, miss int) {
	vals, masks := words(pfx)
	start := len(p.ins)
	size := 0
	for i := range vals {
		size += 2
		if masks[i] != ^uint32(0) {
			size++
		}
	}
	for i := range vals {
		p.emit(bpf.LoadAbsolute{Off: base + uint32(4*i), Size: 4})
		if masks[i] != ^uint32(0) {
			p.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: masks[i]})
		}
		if miss < 0 {
			p.requireEqual(vals[i])
			continue
		}
		end := start + size
		skip := end - len(p.ins) - 1 + miss
		p.emit(bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: vals[i], SkipTrue: uint8(skip)})
	}
}

func addrOffsets(v6 bool) (src, dst uint32) {
	if v6 {
		return ipOffset + 8, ipOffset + 24
	}
	return ipOffset + 12, ipOffset + 16
}

func (p *program) condition(c Condition) {
	p.etherType(c.IPv6)
	if !c.Prefix.IsValid() {
		return
	}
	src, dst := addrOffsets(c.IPv6)
	switch c.Dir {
	case dirSrc:
		p.match(src, c.Prefix, -1)
	case dirDst:
		p.match(dst, c.Prefix, -1)
	default:
		// a source match jumps over the destination block
		dstBlock := &program{}
		dstBlock.match(dst, c.Prefix, -1)
		p.match(src, c.Prefix, 1)
		p.emit(bpf.Jump{Skip: uint32(len(dstBlock.ins))})
		off := len(p.ins)
		p.ins = append(p.ins, dstBlock.ins...)
		for _, r := range dstBlock.rejects {
			p.rejects = append(p.rejects, off+r)
		}
	}
}

// Compile builds the BPF program for expr. An empty expression accepts
// every frame.
func Compile(expr string) ([]bpf.Instruction, error) {
	conds, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	p := &program{}
	for _, c := range conds {
		p.condition(c)
	}
	p.emit(bpf.RetConstant{Val: acceptLen})
	reject := len(p.ins)
	p.emit(bpf.RetConstant{Val: 0})

	for _, at := range p.rejects {
		j := p.ins[at].(bpf.JumpIf)
		skip := reject - at - 1
		if skip > 255 {
			return nil, fmt.Errorf("filter %q: program too long", expr)
		}
		j.SkipFalse = uint8(skip)
		p.ins[at] = j
	}
	return p.ins, nil
}

// Assemble compiles expr to raw instructions, as loaded by a kernel socket
// filter.
func Assemble(expr string) ([]bpf.RawInstruction, error) {
	ins, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return bpf.Assemble(ins)
}

// Matcher runs a compiled expression in the BPF virtual machine.
type Matcher struct {
	expr  string
	conds []Condition
	vm    *bpf.VM
}

// NewMatcher compiles expr.
func NewMatcher(expr string) (*Matcher, error) {
	conds, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	ins, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	vm, err := bpf.NewVM(ins)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	return &Matcher{expr: expr, conds: conds, vm: vm}, nil
}

// Match reports whether the Ethernet frame passes the filter.
func (m *Matcher) Match(frame []byte) (bool, error) {
	n, err := m.vm.Run(frame)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *Matcher) String() string {
	parts := make([]string, len(m.conds))
	for i, c := range m.conds {
		parts[i] = c.String()
	}
	return strings.Join(parts, " and ")
}
