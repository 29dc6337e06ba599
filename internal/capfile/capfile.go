// Package capfile reads and writes capture files. A file's format is found
// by trying registered probes in priority order; afterwards every format is
// read through the same Reader and written through the same Writer.
package capfile

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/log"
)

// Record is one captured frame.
type Record struct {
	Timestamp      time.Time
	CaptureLength  int
	OriginalLength int
	LinkType       layers.LinkType
	Payload        []byte
}

// ProbeClass orders probes: fixed-offset magic numbers are tried before
// free-floating text signatures.
type ProbeClass int

const (
	ClassMagic ProbeClass = iota
	ClassSignature
)

// RecordReader yields the records of one opened file. Errors it returns are
// classified by Reader; a *core.ReadError keeps its kind.
type RecordReader interface {
	Next() (*Record, error)
	LinkType() layers.LinkType
	Snaplen() int
}

// RecordWriter encodes records to an underlying stream.
type RecordWriter interface {
	Write(rec *Record) error
	Flush() error
}

// Format is one on-disk capture format.
type Format interface {
	Name() string
	Description() string
	Class() ProbeClass
	// Probe inspects src without consuming it unless it matches. A
	// non-nil error is an I/O failure or a matched file that cannot be
	// read; probing stops there.
	Probe(src *Source) (RecordReader, bool, error)
}

// Encoder is implemented by formats that can be written.
type Encoder interface {
	Format
	NewEncoder(w io.Writer, linkType layers.LinkType, snaplen int) (RecordWriter, error)
}

// Registry holds the known formats.
type Registry struct {
	mu      sync.RWMutex
	formats []Format
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds f. Names must be unique.
func (r *Registry) Register(f Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.formats {
		if g.Name() == f.Name() {
			return fmt.Errorf("capture format %q already registered", f.Name())
		}
	}
	r.formats = append(r.formats, f)
	return nil
}

// Formats returns the formats in probe order: magic formats first, then
// signature formats, each in registration order.
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	out := append([]Format(nil), r.formats...)
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Class() < out[j].Class() })
	return out
}

// Lookup finds a format by name.
func (r *Registry) Lookup(name string) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.formats {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

// Open identifies the format of src and returns a reader for it. The first
// matching probe wins. An I/O error from any probe is returned at once and
// later probes are not consulted.
func (r *Registry) Open(src *Source) (*Reader, error) {
	for _, f := range r.Formats() {
		rr, ok, err := f.Probe(src)
		if err != nil {
			return nil, &core.SourceError{Source: src.Name(), Op: "probe " + f.Name(), Err: err}
		}
		if !ok {
			continue
		}
		log.GetLogger().WithFields(map[string]interface{}{
			"source": src.Name(),
			"format": f.Name(),
		}).Debug("capture opened")
		return &Reader{src: src, format: f, rr: rr}, nil
	}
	return nil, &core.SourceError{Source: src.Name(), Op: "open", Err: core.ErrUnknownFormat}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry of built-in formats.
func Default() *Registry {
	defaultOnce.Do(func() {
		reg := NewRegistry()
		for _, f := range []Format{
			&pcapFormat{},
			&pcapFormat{nanos: true},
			&pcapngFormat{},
			&snoopFormat{},
			&hexdumpFormat{},
		} {
			if err := reg.Register(f); err != nil {
				panic(err)
			}
		}
		defaultRegistry = reg
	})
	return defaultRegistry
}

// Open opens path with the default registry.
func Open(path string) (*Reader, error) {
	src, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	r, err := Default().Open(src)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return r, nil
}

// Create creates path for writing with the default registry.
func Create(path, format string, linkType layers.LinkType, snaplen int) (*Writer, error) {
	return Default().Create(path, format, linkType, snaplen)
}
