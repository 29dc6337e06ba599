package capfile

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/google/gopacket/layers"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/metrics"
)

// Writer encodes records into one destination.
type Writer struct {
	format string
	bw     *bufio.Writer
	enc    RecordWriter
	closer io.Closer
	n      int
	closed bool
}

// Create creates path and writes the format's file header. It fails before
// touching the file system when the format cannot be written.
func (r *Registry) Create(path, format string, linkType layers.LinkType, snaplen int) (*Writer, error) {
	enc, err := r.encoder(format)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, &core.WriteError{Format: format, Err: err}
	}
	w, err := newWriter(enc, f, linkType, snaplen)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return w, nil
}

// NewWriter writes to dst. Close closes dst when it is an io.Closer.
func (r *Registry) NewWriter(dst io.Writer, format string, linkType layers.LinkType, snaplen int) (*Writer, error) {
	enc, err := r.encoder(format)
	if err != nil {
		return nil, err
	}
	return newWriter(enc, dst, linkType, snaplen)
}

func (r *Registry) encoder(format string) (Encoder, error) {
	f, ok := r.Lookup(format)
	if !ok {
		return nil, &core.WriteError{Format: format, Err: core.ErrUnknownFormat}
	}
	enc, ok := f.(Encoder)
	if !ok {
		return nil, &core.WriteError{Format: format, Err: core.ErrNoEncoder}
	}
	return enc, nil
}

func newWriter(enc Encoder, dst io.Writer, linkType layers.LinkType, snaplen int) (*Writer, error) {
	bw := bufio.NewWriter(dst)
	rw, err := enc.NewEncoder(bw, linkType, snaplen)
	if err != nil {
		return nil, &core.WriteError{Format: enc.Name(), Err: err}
	}
	w := &Writer{format: enc.Name(), bw: bw, enc: rw}
	if c, ok := dst.(io.Closer); ok {
		w.closer = c
	}
	return w, nil
}

// Format returns the name of the format being written.
func (w *Writer) Format() string { return w.format }

// Count returns the number of records written.
func (w *Writer) Count() int { return w.n }

// Write encodes one record.
func (w *Writer) Write(rec *Record) error {
	if w.closed {
		return &core.WriteError{Format: w.format, Record: w.n + 1, Err: core.ErrWriterClosed}
	}
	if err := w.enc.Write(rec); err != nil {
		return &core.WriteError{Format: w.format, Record: w.n + 1, Err: err}
	}
	w.n++
	metrics.RecordsWrittenTotal.WithLabelValues(w.format).Inc()
	return nil
}

// Close flushes what it can and releases the destination exactly once.
// Calling it again returns nil.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.enc.Flush()
	err = errors.Join(err, w.bw.Flush())
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	if err != nil {
		return &core.WriteError{Format: w.format, Record: w.n, Err: err}
	}
	return nil
}
