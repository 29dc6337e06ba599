// Package core defines sentinel errors and the typed errors built on them.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// branch with errors.Is without caring about the concrete type.
var (
	// Decoding errors
	ErrOutOfBounds     = errors.New("capdissect: read out of bounds")
	ErrMalformedRecord = errors.New("capdissect: malformed record")
	ErrLineTooLong     = errors.New("capdissect: line exceeds maximum length")

	// Capture container errors
	ErrUnknownFormat    = errors.New("capdissect: unknown capture format")
	ErrUnsupportedEncap = errors.New("capdissect: unsupported encapsulation")
	ErrNoEncoder        = errors.New("capdissect: format has no encoder")
	ErrWriterClosed     = errors.New("capdissect: writer closed")
	ErrTruncated        = errors.New("capdissect: truncated record")
	ErrCorruptRecord    = errors.New("capdissect: corrupt record")

	// Tool errors
	ErrInvalidSelection = errors.New("capdissect: invalid record selection")

	// Configuration errors
	ErrConfigInvalid = errors.New("capdissect: invalid configuration")
)

// BoundsError reports a cursor read that needs more bytes than remain.
// Streaming callers treat it as "need more input"; one-shot callers promote
// it with Promote.
type BoundsError struct {
	Offset    int
	Requested int
	Available int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("read of %d bytes at offset %d exceeds buffer, %d available",
		e.Requested, e.Offset, e.Available)
}

func (e *BoundsError) Unwrap() error { return ErrOutOfBounds }

// MalformedRecordError names the innermost structure being decoded and the
// offset at which decoding failed.
type MalformedRecordError struct {
	Structure string
	Offset    int
	Err       error
}

func (e *MalformedRecordError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed %s at offset %d", e.Structure, e.Offset)
	}
	return fmt.Sprintf("malformed %s at offset %d: %v", e.Structure, e.Offset, e.Err)
}

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// Malformed returns a MalformedRecordError with a formatted cause.
func Malformed(structure string, offset int, format string, args ...any) error {
	return &MalformedRecordError{
		Structure: structure,
		Offset:    offset,
		Err:       fmt.Errorf(format, args...),
	}
}

// Promote converts a BoundsError raised in a fully buffered decode into a
// MalformedRecordError for structure. Other errors are returned as is.
func Promote(err error, structure string, offset int) error {
	if err == nil {
		return nil
	}
	var mre *MalformedRecordError
	if errors.As(err, &mre) {
		return err
	}
	var be *BoundsError
	if errors.As(err, &be) {
		return &MalformedRecordError{Structure: structure, Offset: be.Offset, Err: err}
	}
	return err
}

// ReadErrorKind distinguishes why a record could not be read.
type ReadErrorKind int

const (
	ReadIO ReadErrorKind = iota
	ReadTruncated
	ReadUnsupportedEncapsulation
	ReadCorruptRecord
)

func (k ReadErrorKind) String() string {
	switch k {
	case ReadTruncated:
		return "truncated"
	case ReadUnsupportedEncapsulation:
		return "unsupported_encapsulation"
	case ReadCorruptRecord:
		return "corrupt_record"
	default:
		return "io"
	}
}

// ReadError is returned by capture readers for a record that cannot be
// produced. Record is the 1-based index of the record being read.
type ReadError struct {
	Source string
	Record int
	Kind   ReadErrorKind
	Detail string
	Err    error
}

func (e *ReadError) Error() string {
	msg := fmt.Sprintf("%s: record %d: %s", e.Source, e.Record, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReadError) Is(target error) bool {
	switch e.Kind {
	case ReadTruncated:
		return target == ErrTruncated
	case ReadUnsupportedEncapsulation:
		return target == ErrUnsupportedEncap
	case ReadCorruptRecord:
		return target == ErrCorruptRecord
	}
	return false
}

func (e *ReadError) Unwrap() error { return e.Err }

// Recoverable reports whether the reader can continue with the next record.
// Record-level UnsupportedEncapsulation comes from formats that carry a link
// type per record; a file-level one is returned by Open instead.
func (e *ReadError) Recoverable() bool {
	return e.Kind == ReadCorruptRecord || e.Kind == ReadUnsupportedEncapsulation
}

// SourceError wraps an open, read or write failure with the capture source
// it happened on.
type SourceError struct {
	Source string
	Op     string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// WriteError reports an encoder failure for one record.
type WriteError struct {
	Format string
	Record int
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s encoder: record %d: %v", e.Format, e.Record, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
