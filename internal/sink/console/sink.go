// Package console prints dissection results as text.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"firestige.xyz/capdissect/internal/pipeline"
)

const Name = "console"

// Sink writes one summary line per result and, when verbose, the field
// tree below it.
type Sink struct {
	w       *bufio.Writer
	verbose bool
}

// NewSink creates a sink on w, or stdout when w is nil.
func NewSink(w io.Writer, verbose bool) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{w: bufio.NewWriter(w), verbose: verbose}
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Report(_ context.Context, r *pipeline.Result) error {
	if _, err := fmt.Fprintln(s.w, Summary(r)); err != nil {
		return err
	}
	if !s.verbose || r.Tree == nil {
		return nil
	}
	if err := r.Tree.Format(s.w); err != nil {
		return err
	}
	_, err := fmt.Fprintln(s.w)
	return err
}

func (s *Sink) Flush(context.Context) error {
	return s.w.Flush()
}

// Summary renders r on one line: record, time, protocol, endpoints, sorted
// labels and the error if any.
func Summary(r *pipeline.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %s %s:%d -> %s:%d",
		r.Record,
		r.Timestamp.UTC().Format("15:04:05.000000"),
		strings.ToUpper(r.Protocol),
		r.Key.AddrA, r.Key.PortA, r.Key.AddrB, r.Key.PortB)

	keys := make([]string, 0, len(r.Labels))
	for k := range r.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, r.Labels[k])
	}
	if r.Err != nil {
		fmt.Fprintf(&b, " error=%q", r.Err.Error())
	}
	return b.String()
}
