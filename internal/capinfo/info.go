// Package capinfo gathers summary statistics about capture files.
package capinfo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"firestige.xyz/capdissect/internal/capfile"
	"firestige.xyz/capdissect/internal/core"
	"firestige.xyz/capdissect/internal/log"
)

// Info is the summary of one capture.
type Info struct {
	Name          string
	Format        string
	Encapsulation string
	Packets       int
	Skipped       int   // corrupt records passed over
	FileSize      int64 // -1 when the source size is unknown
	DataSize      uint64
	Start         time.Time
	End           time.Time
}

// Duration is the time between the earliest and the latest record.
func (i *Info) Duration() time.Duration {
	if i.Packets == 0 {
		return 0
	}
	return i.End.Sub(i.Start)
}

func (i *Info) seconds() float64 { return i.Duration().Seconds() }

// ByteRate is the average number of captured bytes per second, 0 when the
// capture spans no time.
func (i *Info) ByteRate() float64 {
	if s := i.seconds(); s > 0 {
		return float64(i.DataSize) / s
	}
	return 0
}

// BitRate is ByteRate in bits.
func (i *Info) BitRate() float64 { return i.ByteRate() * 8 }

// PacketRate is the average number of records per second.
func (i *Info) PacketRate() float64 {
	if s := i.seconds(); s > 0 {
		return float64(i.Packets) / s
	}
	return 0
}

// AvgPacketSize is the mean original length of a record.
func (i *Info) AvgPacketSize() float64 {
	if i.Packets == 0 {
		return 0
	}
	return float64(i.DataSize) / float64(i.Packets)
}

// Collect drains r. Corrupt records are counted and skipped; any other
// read error ends the file and is returned with the partial Info.
func Collect(ctx context.Context, r *capfile.Reader) (*Info, error) {
	info := &Info{
		Name:          r.Source().Name(),
		Format:        r.Format().Description(),
		Encapsulation: capfile.LinkTypeName(r.LinkType()),
		FileSize:      r.Source().Size(),
	}
	for {
		if err := ctx.Err(); err != nil {
			return info, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return info, nil
		}
		if errors.Is(err, core.ErrCorruptRecord) {
			info.Skipped++
			log.GetLogger().WithField("source", info.Name).WithError(err).Debug("skipping corrupt record")
			continue
		}
		if err != nil {
			return info, fmt.Errorf("after reading %d packets: %w", info.Packets, err)
		}
		ts := rec.Timestamp
		if info.Packets == 0 || ts.Before(info.Start) {
			info.Start = ts
		}
		if info.Packets == 0 || ts.After(info.End) {
			info.End = ts
		}
		info.DataSize += uint64(rec.OriginalLength)
		info.Packets++
	}
}

// Options controls a batch run.
type Options struct {
	// ContinueOnError keeps going after a file fails.
	ContinueOnError bool
	Registry        *capfile.Registry
}

// Stat opens and summarizes one file.
func Stat(ctx context.Context, path string, reg *capfile.Registry) (*Info, error) {
	if reg == nil {
		reg = capfile.Default()
	}
	src, err := capfile.OpenFile(path)
	if err != nil {
		return nil, err
	}
	r, err := reg.Open(src)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	defer r.Close()
	info, err := Collect(ctx, r)
	if err != nil {
		return nil, &core.SourceError{Source: path, Op: "read", Err: err}
	}
	return info, nil
}

// Batch summarizes every path and calls emit for each success in order.
// Failures are logged; with ContinueOnError the batch goes on and all
// failures are returned joined, otherwise it stops at the first one. A
// cancelled context or an emit error always stops it.
func Batch(ctx context.Context, paths []string, opts Options, emit func(*Info) error) error {
	var errs []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := Stat(ctx, path, opts.Registry)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.GetLogger().WithField("source", path).WithError(err).Error("cannot summarize capture")
			if !opts.ContinueOnError {
				return err
			}
			errs = append(errs, err)
			continue
		}
		if err := emit(info); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}
