// Package field implements the bounds-checked byte cursor and the tree of
// labeled field spans that decoders build while walking a record.
package field

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Kind is the type of value a Span holds.
type Kind uint8

const (
	KindUint Kind = iota
	KindInt
	KindString
	KindBool
	KindBytes
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindComposite:
		return "composite"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Span is one named, typed, byte-range-located unit of decoded data.
// Composite spans own their children in parse order.
type Span struct {
	Label    string
	Offset   int
	Length   int
	Kind     Kind
	Width    int // integer width in bytes, 0 for other kinds
	Value    any
	Children []*Span
}

// NewComposite starts a composite span at offset. Its length is fixed by Close.
func NewComposite(label string, offset int) *Span {
	return &Span{Label: label, Offset: offset, Kind: KindComposite}
}

// NewBool returns a boolean span, used for flags derived from a wider field.
func NewBool(label string, offset, length int, v bool) *Span {
	return &Span{Label: label, Offset: offset, Length: length, Kind: KindBool, Value: v}
}

// NewString returns a string span for text decoded outside a Cursor read.
func NewString(label string, offset, length int, v string) *Span {
	return &Span{Label: label, Offset: offset, Length: length, Kind: KindString, Value: v}
}

// Append adds child to s and returns it. A nil child or nil receiver is a no-op,
// so failed reads can be appended unconditionally.
func (s *Span) Append(child *Span) *Span {
	if s == nil || child == nil {
		return child
	}
	s.Children = append(s.Children, child)
	return child
}

// Close sets the span length so that it ends at end.
func (s *Span) Close(end int) *Span {
	if end >= s.Offset {
		s.Length = end - s.Offset
	}
	return s
}

// End returns the offset just past the span.
func (s *Span) End() int { return s.Offset + s.Length }

// Find returns the first span labeled label in depth-first order, s included.
func (s *Span) Find(label string) *Span {
	var found *Span
	s.Walk(func(_ int, n *Span) bool {
		if found == nil && n.Label == label {
			found = n
		}
		return found == nil
	})
	return found
}

// FindAll returns every span labeled label in depth-first order.
func (s *Span) FindAll(label string) []*Span {
	var out []*Span
	s.Walk(func(_ int, n *Span) bool {
		if n.Label == label {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Walk visits s and its descendants depth-first. Returning false from fn
// stops the walk.
func (s *Span) Walk(fn func(depth int, n *Span) bool) {
	if s == nil {
		return
	}
	type item struct {
		n     *Span
		depth int
	}
	stack := []item{{s, 0}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(top.depth, top.n) {
			return
		}
		for i := len(top.n.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{top.n.Children[i], top.depth + 1})
		}
	}
}

// Uint returns the value of an unsigned span, or 0 for any other kind.
func (s *Span) Uint() uint64 {
	if s == nil {
		return 0
	}
	v, _ := s.Value.(uint64)
	return v
}

// Str returns the value of a string span, or "" for any other kind.
func (s *Span) Str() string {
	if s == nil {
		return ""
	}
	v, _ := s.Value.(string)
	return v
}

// Format writes the tree as indented text, one span per line.
func (s *Span) Format(w io.Writer) error {
	var err error
	s.Walk(func(depth int, n *Span) bool {
		_, err = fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), n.describe())
		return err == nil
	})
	return err
}

func (s *Span) String() string {
	var b bytes.Buffer
	_ = s.Format(&b)
	return b.String()
}

const maxHexPreview = 16

func (s *Span) describe() string {
	loc := fmt.Sprintf("[%d:%d]", s.Offset, s.End())
	switch s.Kind {
	case KindComposite:
		return fmt.Sprintf("%s %s", s.Label, loc)
	case KindUint:
		if s.Width > 0 {
			return fmt.Sprintf("%s: %d (0x%0*x) %s", s.Label, s.Value, s.Width*2, s.Value, loc)
		}
		return fmt.Sprintf("%s: %d %s", s.Label, s.Value, loc)
	case KindString:
		return fmt.Sprintf("%s: %q %s", s.Label, s.Value, loc)
	case KindBytes:
		b, _ := s.Value.([]byte)
		preview := b
		suffix := ""
		if len(preview) > maxHexPreview {
			preview = preview[:maxHexPreview]
			suffix = "..."
		}
		return fmt.Sprintf("%s: %s%s %s", s.Label, hex.EncodeToString(preview), suffix, loc)
	default:
		return fmt.Sprintf("%s: %v %s", s.Label, s.Value, loc)
	}
}
