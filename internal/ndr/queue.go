// Package ndr decodes NDR-encoded RPC stub data. Pointer referents are
// serialized after all inline fields of the structure that declares them,
// so decoding is split in two passes: the inline pass records deferred work
// in a Queue and ResolveAll walks that work in wire order afterwards.
package ndr

import (
	"errors"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/field"
)

// Referent decodes the out-of-line data of one pointer. Spans go under
// parent. Pointers found inside the referent are deferred on q, which is
// resolved right after this referent returns.
type Referent func(d *Decoder, parent *field.Span, q *Queue) error

// Deferred is one pending referent together with the span it belongs to.
type Deferred struct {
	Name   string
	Parent *field.Span
	Fn     Referent
}

// Queue holds deferred referents in encounter order.
type Queue struct {
	items []Deferred
}

// Defer appends a referent. Resolution order equals Defer order.
func (q *Queue) Defer(name string, parent *field.Span, fn Referent) {
	q.items = append(q.items, Deferred{Name: name, Parent: parent, Fn: fn})
}

// Len returns the number of pending referents.
func (q *Queue) Len() int { return len(q.items) }

// ResolveAll consumes q, decoding every referent at the current cursor
// position. A referent's own deferrals are resolved before its next sibling,
// giving depth-first order. Work is kept on an explicit stack so nesting
// depth does not grow the goroutine stack.
//
// On failure the remaining referents are abandoned, spans already built stay
// in the tree, and a MalformedRecordError names the failing referent.
func (d *Decoder) ResolveAll(q *Queue) error {
	type frame struct {
		items []Deferred
		next  int
	}
	stack := []*frame{{items: q.items}}
	q.items = nil

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next == len(top.items) {
			stack = stack[:len(stack)-1]
			continue
		}
		item := top.items[top.next]
		top.next++

		start := d.Offset()
		nested := &Queue{}
		if err := item.Fn(d, item.Parent, nested); err != nil {
			return referentError(err, item.Name, start)
		}
		if nested.Len() > 0 {
			stack = append(stack, &frame{items: nested.items})
		}
	}
	return nil
}

func referentError(err error, name string, start int) error {
	var mre *core.MalformedRecordError
	if errors.As(err, &mre) {
		return err
	}
	offset := start
	var be *core.BoundsError
	if errors.As(err, &be) {
		offset = be.Offset
	}
	return &core.MalformedRecordError{Structure: name, Offset: offset, Err: err}
}

// StructAndReferents decodes one structure with fn and then resolves the
// referents fn deferred, before returning. The structure span is appended to
// parent and kept even when decoding fails part way.
func (d *Decoder) StructAndReferents(parent *field.Span, name string, fn func(s *field.Span, q *Queue) error) (*field.Span, error) {
	s := parent.Append(field.NewComposite(name, d.Offset()))
	q := &Queue{}
	if err := fn(s, q); err != nil {
		s.Close(d.Offset())
		return s, referentError(err, name, s.Offset)
	}
	err := d.ResolveAll(q)
	s.Close(d.Offset())
	return s, err
}
