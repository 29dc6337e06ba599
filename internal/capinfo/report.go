package capinfo

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Field selects one statistic for a report.
type Field uint16

const (
	FieldType Field = 1 << iota
	FieldEncapsulation
	FieldPackets
	FieldFileSize
	FieldDataSize
	FieldDuration
	FieldStart
	FieldEnd
	FieldByteRate
	FieldBitRate
	FieldPacketSize
	FieldPacketRate

	AllFields = FieldPacketRate<<1 - 1
)

// TimeLayout renders start and end times.
const TimeLayout = time.ANSIC

type column struct {
	field  Field
	key    string // yaml and json
	long   string // long report label
	header string // table header
	text   func(i *Info, table bool) string
	value  func(i *Info) any
}

func rate(v float64, unit string, table bool) string {
	if table {
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
	if v == 0 {
		return "n/a"
	}
	return strconv.FormatFloat(v, 'f', 2, 64) + " " + unit
}

func timestamp(i *Info, t time.Time) string {
	if i.Packets == 0 {
		return "n/a"
	}
	return t.UTC().Format(TimeLayout)
}

func optionalTime(i *Info, t time.Time) any {
	if i.Packets == 0 {
		return nil
	}
	return t.UTC()
}

var columns = []column{
	{FieldType, "file_type", "File type", "File type",
		func(i *Info, _ bool) string { return i.Format },
		func(i *Info) any { return i.Format }},
	{FieldEncapsulation, "file_encapsulation", "File encapsulation", "File encapsulation",
		func(i *Info, _ bool) string { return i.Encapsulation },
		func(i *Info) any { return i.Encapsulation }},
	{FieldPackets, "packets", "Number of packets", "Number of packets",
		func(i *Info, _ bool) string { return strconv.Itoa(i.Packets) },
		func(i *Info) any { return i.Packets }},
	{FieldFileSize, "file_size", "File size", "File size (bytes)",
		func(i *Info, table bool) string {
			if i.FileSize < 0 {
				return "n/a"
			}
			if table {
				return strconv.FormatInt(i.FileSize, 10)
			}
			return strconv.FormatInt(i.FileSize, 10) + " bytes"
		},
		func(i *Info) any {
			if i.FileSize < 0 {
				return nil
			}
			return i.FileSize
		}},
	{FieldDataSize, "data_size", "Data size", "Data size (bytes)",
		func(i *Info, table bool) string {
			if table {
				return strconv.FormatUint(i.DataSize, 10)
			}
			return strconv.FormatUint(i.DataSize, 10) + " bytes"
		},
		func(i *Info) any { return i.DataSize }},
	{FieldDuration, "duration_seconds", "Capture duration", "Capture duration (seconds)",
		func(i *Info, table bool) string {
			if table {
				return strconv.FormatFloat(i.seconds(), 'f', 6, 64)
			}
			if i.seconds() == 0 {
				return "n/a"
			}
			return strconv.FormatFloat(i.seconds(), 'f', 6, 64) + " seconds"
		},
		func(i *Info) any { return i.seconds() }},
	{FieldStart, "start_time", "Start time", "Start time",
		func(i *Info, _ bool) string { return timestamp(i, i.Start) },
		func(i *Info) any { return optionalTime(i, i.Start) }},
	{FieldEnd, "end_time", "End time", "End time",
		func(i *Info, _ bool) string { return timestamp(i, i.End) },
		func(i *Info) any { return optionalTime(i, i.End) }},
	{FieldByteRate, "data_byte_rate", "Data byte rate", "Data byte rate (bytes/sec)",
		func(i *Info, table bool) string { return rate(i.ByteRate(), "bytes/sec", table) },
		func(i *Info) any { return i.ByteRate() }},
	{FieldBitRate, "data_bit_rate", "Data bit rate", "Data bit rate (bits/sec)",
		func(i *Info, table bool) string { return rate(i.BitRate(), "bits/sec", table) },
		func(i *Info) any { return i.BitRate() }},
	{FieldPacketSize, "average_packet_size", "Average packet size", "Average packet size (bytes)",
		func(i *Info, table bool) string {
			s := strconv.FormatFloat(i.AvgPacketSize(), 'f', 2, 64)
			if table {
				return s
			}
			return s + " bytes"
		},
		func(i *Info) any { return i.AvgPacketSize() }},
	{FieldPacketRate, "average_packet_rate", "Average packet rate", "Average packet rate (packets/sec)",
		func(i *Info, table bool) string { return rate(i.PacketRate(), "packets/sec", table) },
		func(i *Info) any { return i.PacketRate() }},
}

// Output formats.
const (
	OutputLong  = "long"
	OutputTable = "table"
	OutputYAML  = "yaml"
	OutputJSON  = "json"
)

// ReportOptions configures a Reporter.
type ReportOptions struct {
	Output    string
	Fields    Field // zero selects AllFields
	Separator string
	Quote     string
	Header    bool
}

// Reporter renders Infos. Long and table reports write as they go;
// structured reports are written on Close.
type Reporter interface {
	Report(info *Info) error
	Close() error
}

// NewReporter returns the reporter for opts.Output.
func NewReporter(w io.Writer, opts ReportOptions) (Reporter, error) {
	fields := opts.Fields
	if fields == 0 {
		fields = AllFields
	}
	var cols []column
	for _, c := range columns {
		if fields&c.field != 0 {
			cols = append(cols, c)
		}
	}
	switch strings.ToLower(opts.Output) {
	case "", OutputLong:
		return &longReporter{w: w, cols: cols}, nil
	case OutputTable:
		sep := opts.Separator
		if sep == "" {
			sep = "\t"
		}
		return &tableReporter{w: w, cols: cols, sep: sep, quote: opts.Quote, header: opts.Header}, nil
	case OutputYAML:
		return &structuredReporter{w: w, cols: cols, asYAML: true}, nil
	case OutputJSON:
		return &structuredReporter{w: w, cols: cols}, nil
	}
	return nil, fmt.Errorf("unknown report output %q", opts.Output)
}

type longReporter struct {
	w    io.Writer
	cols []column
	n    int
}

func (r *longReporter) Report(info *Info) error {
	var b strings.Builder
	if r.n > 0 {
		b.WriteByte('\n')
	}
	r.n++
	fmt.Fprintf(&b, "%-21s%s\n", "File name:", info.Name)
	for _, c := range r.cols {
		fmt.Fprintf(&b, "%-21s%s\n", c.long+":", c.text(info, false))
	}
	if info.Skipped > 0 {
		fmt.Fprintf(&b, "%-21s%d\n", "Corrupt records:", info.Skipped)
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

func (*longReporter) Close() error { return nil }

type tableReporter struct {
	w       io.Writer
	cols    []column
	sep     string
	quote   string
	header  bool
	started bool
}

func (r *tableReporter) row(cells []string) error {
	for i, c := range cells {
		cells[i] = r.quote + c + r.quote
	}
	_, err := io.WriteString(r.w, strings.Join(cells, r.sep)+"\n")
	return err
}

func (r *tableReporter) Report(info *Info) error {
	if !r.started {
		r.started = true
		if r.header {
			cells := []string{"File name"}
			for _, c := range r.cols {
				cells = append(cells, c.header)
			}
			if err := r.row(cells); err != nil {
				return err
			}
		}
	}
	cells := []string{info.Name}
	for _, c := range r.cols {
		cells = append(cells, c.text(info, true))
	}
	return r.row(cells)
}

func (*tableReporter) Close() error { return nil }

type structuredReporter struct {
	w      io.Writer
	cols   []column
	asYAML bool
	infos  []*Info
}

func (r *structuredReporter) Report(info *Info) error {
	r.infos = append(r.infos, info)
	return nil
}

func (r *structuredReporter) Close() error {
	if r.asYAML {
		return r.writeYAML()
	}
	return r.writeJSON()
}

// writeYAML builds mapping nodes so keys keep the column order.
func (r *structuredReporter) writeYAML() error {
	doc := &yaml.Node{Kind: yaml.SequenceNode}
	for _, info := range r.infos {
		m := &yaml.Node{Kind: yaml.MappingNode}
		add := func(key string, v any) error {
			var val yaml.Node
			if err := val.Encode(v); err != nil {
				return err
			}
			m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &val)
			return nil
		}
		if err := add("file_name", info.Name); err != nil {
			return err
		}
		for _, c := range r.cols {
			if err := add(c.key, c.value(info)); err != nil {
				return err
			}
		}
		doc.Content = append(doc.Content, m)
	}
	enc := yaml.NewEncoder(r.w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func (r *structuredReporter) writeJSON() error {
	var b strings.Builder
	b.WriteString("[")
	for n, info := range r.infos {
		if n > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n  {")
		kv := func(first bool, key string, v any) error {
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if !first {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "\n    %q: %s", key, raw)
			return nil
		}
		if err := kv(true, "file_name", info.Name); err != nil {
			return err
		}
		for _, c := range r.cols {
			if err := kv(false, c.key, c.value(info)); err != nil {
				return err
			}
		}
		b.WriteString("\n  }")
	}
	if len(r.infos) > 0 {
		b.WriteString("\n")
	}
	b.WriteString("]\n")
	_, err := io.WriteString(r.w, b.String())
	return err
}
