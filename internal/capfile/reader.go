package capfile

import (
	"errors"
	"io"

	"github.com/google/gopacket/layers"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/metrics"
)

// Reader iterates the records of an opened capture source.
type Reader struct {
	src    *Source
	format Format
	rr     RecordReader
	n      int
	done   bool
}

// Format returns the detected format.
func (r *Reader) Format() Format { return r.format }

// Source returns the underlying source.
func (r *Reader) Source() *Source { return r.src }

// LinkType returns the file-level link type.
func (r *Reader) LinkType() layers.LinkType { return r.rr.LinkType() }

// Snaplen returns the file-level snapshot length, 0 when not recorded.
func (r *Reader) Snaplen() int { return r.rr.Snaplen() }

// Next returns the next record, or io.EOF at a clean end of stream. A bad
// record is reported as a *core.ReadError. CorruptRecord and
// UnsupportedEncapsulation records are skipped; after a Truncated or IO
// error the stream cannot be resynchronized and following calls return
// io.EOF.
func (r *Reader) Next() (*Record, error) {
	if r.done {
		return nil, io.EOF
	}
	rec, err := r.rr.Next()
	if err == nil {
		r.n++
		metrics.RecordsReadTotal.WithLabelValues(r.format.Name()).Inc()
		return rec, nil
	}
	if errors.Is(err, io.EOF) {
		r.done = true
		return nil, io.EOF
	}

	re := classify(err)
	re.Source = r.src.Name()
	re.Record = r.n + 1
	if re.Recoverable() {
		// the bad record is skipped, the next one keeps its number
		r.n++
	} else {
		r.done = true
	}
	metrics.ReadErrorsTotal.WithLabelValues(r.format.Name(), re.Kind.String()).Inc()
	return nil, re
}

// Close releases the source. It is safe to call more than once.
func (r *Reader) Close() error {
	r.done = true
	return r.src.Close()
}

func classify(err error) *core.ReadError {
	var re *core.ReadError
	if errors.As(err, &re) {
		cp := *re
		return &cp
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &core.ReadError{Kind: core.ReadTruncated, Err: err}
	}
	return &core.ReadError{Kind: core.ReadIO, Err: err}
}

// corrupt builds a CorruptRecord error from a format reader.
func corrupt(detail string) error {
	return &core.ReadError{Kind: core.ReadCorruptRecord, Detail: detail}
}

// unsupported builds an UnsupportedEncapsulation error for a single record
// whose framing is intact.
func unsupported(detail string) error {
	return &core.ReadError{Kind: core.ReadUnsupportedEncapsulation, Detail: detail}
}

// truncated builds a Truncated error from a format reader.
func truncated(detail string) error {
	return &core.ReadError{Kind: core.ReadTruncated, Detail: detail}
}
