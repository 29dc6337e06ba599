// Package editcap copies capture files while removing, trimming, shifting
// or damaging records, and converts between capture formats.
package editcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/capdissect/internal/capfile"
	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/filter"
	"firestige.xyz/capdissect/internal/log"
)

// Options describes one edit.
type Options struct {
	// Selection picks records by number. Selected records are deleted,
	// or kept alone when Keep is set.
	Selection Selection
	Keep      bool

	Chop      int           // bytes removed from the end of each record
	Snaplen   int           // maximum captured bytes, 0 for no limit
	TimeShift time.Duration // added to timestamps with a positive second count

	ErrorProbability float64 // per-byte chance of corruption
	Seed             int64   // corruption seed, 0 picks one from the clock

	Format      string // output format, pcap when empty
	LinkType    layers.LinkType
	SetLinkType bool // write LinkType instead of the input's
	SplitCount  int  // records per output file, 0 writes a single file
	Filter      string
	Registry    *capfile.Registry
}

// Stats summarizes an edit.
type Stats struct {
	Read      int
	Written   int
	Corrupted int // records with at least one mutated byte
	Filtered  int
	Skipped   int // unreadable records
	Files     []string
}

func (o *Options) validate() error {
	switch {
	case o.Chop < 0:
		return fmt.Errorf("%w: chop length %d", core.ErrConfigInvalid, o.Chop)
	case o.Snaplen < 0:
		return fmt.Errorf("%w: snaplen %d", core.ErrConfigInvalid, o.Snaplen)
	case o.SplitCount < 0:
		return fmt.Errorf("%w: packet count %d must be larger than zero", core.ErrConfigInvalid, o.SplitCount)
	case o.ErrorProbability < 0 || o.ErrorProbability > 1:
		return fmt.Errorf("%w: probability %v must be between 0.0 and 1.0", core.ErrConfigInvalid, o.ErrorProbability)
	}
	if o.Format == "" {
		o.Format = "pcap"
	}
	if o.Registry == nil {
		o.Registry = capfile.Default()
	}
	return nil
}

// editor carries the per-run state of Run.
type editor struct {
	opts    Options
	out     string
	lt      layers.LinkType
	snaplen int
	matcher *filter.Matcher
	corrupt *Corrupter

	w     *capfile.Writer
	stats Stats
}

// Run copies the capture at in to out applying opts. With SplitCount set
// the outputs are named out-00000, out-00001 and so on. Corrupt input
// records are skipped; any other read error stops the copy after the
// records read so far have been written.
func Run(ctx context.Context, in, out string, opts Options) (Stats, error) {
	if err := opts.validate(); err != nil {
		return Stats{}, err
	}
	src, err := capfile.OpenFile(in)
	if err != nil {
		return Stats{}, err
	}
	r, err := opts.Registry.Open(src)
	if err != nil {
		_ = src.Close()
		return Stats{}, err
	}
	defer r.Close()

	e := &editor{opts: opts, out: out, lt: r.LinkType(), snaplen: r.Snaplen()}
	if opts.SetLinkType {
		e.lt = opts.LinkType
	}
	if e.snaplen <= 0 {
		e.snaplen = capfile.DefaultSnaplen
	}
	if opts.Snaplen > 0 && opts.Snaplen < e.snaplen {
		e.snaplen = opts.Snaplen
	}
	if opts.Filter != "" {
		if r.LinkType() != layers.LinkTypeEthernet {
			return Stats{}, fmt.Errorf("filter needs Ethernet input, got %s: %w",
				capfile.LinkTypeName(r.LinkType()), core.ErrUnsupportedEncap)
		}
		if e.matcher, err = filter.NewMatcher(opts.Filter); err != nil {
			return Stats{}, err
		}
	}
	if opts.ErrorProbability > 0 {
		seed := opts.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		e.corrupt = NewCorrupter(opts.ErrorProbability, seed)
	}

	logger := log.GetLogger().WithFields(map[string]interface{}{
		"source": in,
		"format": r.Format().Name(),
	})
	logger.Debugf("editing into %s as %s", out, opts.Format)

	if err := e.open(); err != nil {
		return e.stats, err
	}
	runErr := e.copy(ctx, r)
	if err := e.w.Close(); err != nil && runErr == nil {
		runErr = err
	}
	logger.WithFields(map[string]interface{}{
		"read":    e.stats.Read,
		"written": e.stats.Written,
		"files":   len(e.stats.Files),
	}).Info("capture edited")
	return e.stats, runErr
}

func (e *editor) fileName() string {
	if e.opts.SplitCount == 0 {
		return e.out
	}
	return fmt.Sprintf("%s-%05d", e.out, len(e.stats.Files))
}

func (e *editor) open() error {
	name := e.fileName()
	w, err := e.opts.Registry.Create(name, e.opts.Format, e.lt, e.snaplen)
	if err != nil {
		return err
	}
	e.w = w
	e.stats.Files = append(e.stats.Files, name)
	return nil
}

func (e *editor) copy(ctx context.Context, r *capfile.Reader) error {
	for n := 1; ; {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, core.ErrCorruptRecord) {
			e.stats.Skipped++
			n++
			log.GetLogger().WithField("record", n-1).WithError(err).Warn("skipping corrupt record")
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", r.Source().Name(), err)
		}
		e.stats.Read++
		num := n
		n++

		if e.opts.Selection.Contains(num) != e.opts.Keep {
			continue
		}
		if e.matcher != nil {
			ok, err := e.matcher.Match(rec.Payload)
			if err != nil || !ok {
				e.stats.Filtered++
				continue
			}
		}
		if e.opts.SplitCount > 0 && e.stats.Written > 0 && e.stats.Written%e.opts.SplitCount == 0 {
			if err := e.w.Close(); err != nil {
				return err
			}
			if err := e.open(); err != nil {
				return err
			}
		}
		if err := e.w.Write(e.transform(rec)); err != nil {
			return err
		}
		e.stats.Written++
	}
}

// transform applies chop, snaplen, time shift and corruption in that order.
func (e *editor) transform(rec *capfile.Record) *capfile.Record {
	out := *rec
	if c := e.opts.Chop; c > 0 && out.CaptureLength > c {
		out.CaptureLength -= c
	}
	if s := e.opts.Snaplen; s > 0 && out.CaptureLength > s {
		out.CaptureLength = s
	}
	if out.CaptureLength < len(out.Payload) {
		out.Payload = out.Payload[:out.CaptureLength]
	}
	if e.opts.TimeShift != 0 && out.Timestamp.Unix() > 0 {
		out.Timestamp = out.Timestamp.Add(e.opts.TimeShift)
	}
	if e.opts.SetLinkType {
		out.LinkType = e.lt
	}
	if e.corrupt != nil {
		out.Payload = append([]byte(nil), out.Payload...)
		if e.corrupt.Apply(out.Payload) > 0 {
			e.stats.Corrupted++
		}
	}
	return &out
}
