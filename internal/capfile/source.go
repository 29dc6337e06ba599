package capfile

import (
	"bufio"
	"errors"
	"io"
	"os"

	"firestige.xyz/capdissect/internal/core"
)

// PeekWindow is how far probes can look ahead without consuming input.
const PeekWindow = 64 << 10

// Source is a byte stream being identified and read.
type Source struct {
	name   string
	r      *bufio.Reader
	closer io.Closer
	size   int64
}

// NewSource wraps r. size is -1 when unknown.
func NewSource(name string, r io.Reader, size int64) *Source {
	s := &Source{name: name, r: bufio.NewReaderSize(r, PeekWindow), size: size}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenFile opens a capture file as a Source.
func OpenFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &core.SourceError{Source: path, Op: "open", Err: err}
	}
	size := int64(-1)
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	return NewSource(path, f, size), nil
}

// Name returns the source name used in diagnostics.
func (s *Source) Name() string { return s.name }

// Size returns the total size in bytes, or -1.
func (s *Source) Size() int64 { return s.size }

// Peek returns the next n bytes without consuming them. A short source is
// not an error: fewer bytes are returned with a nil error.
func (s *Source) Peek(n int) ([]byte, error) {
	if n > PeekWindow {
		n = PeekWindow
	}
	b, err := s.r.Peek(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return b, err
	}
	return b, nil
}

// Read implements io.Reader.
func (s *Source) Read(p []byte) (int, error) { return s.r.Read(p) }

// Discard skips n bytes.
func (s *Source) Discard(n int) error {
	_, err := s.r.Discard(n)
	return err
}

// Close releases the underlying stream if it is closable.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c.Close()
}
