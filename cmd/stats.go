package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/capdissect/internal/capinfo"
	"firestige.xyz/capdissect/internal/config"
)

var statsCmd = &cobra.Command{
	Use:   "stats [flags] <file>...",
	Short: "Print summary statistics of capture files",
	Long: `Print the format, encapsulation, packet count, sizes, time span and
average rates of each capture file.

Without field flags every statistic is shown. A file that cannot be read is
reported and skipped unless --continue=false (or -C) is given; the command
exits with status 1 if any file failed.

Examples:
  capdissect stats trace.pcap
  capdissect stats -T -c -u --separator , *.pcapng
  capdissect stats --output yaml trace.pcap`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := *appConfig
		if statsAbort {
			cfg.Capinfo.ContinueOnError = false
		}
		if statsTable {
			cfg.Capinfo.Output = capinfo.OutputTable
		}
		if err := runStats(cmd.Context(), &cfg, statsFields(), args, os.Stdout); err != nil {
			exitWithError("stats failed", err)
		}
	},
}

var (
	statsAbort bool
	statsTable bool

	// field selectors, in report order
	statsFieldFlags = []struct {
		short, name, usage string
		field              capinfo.Field
		set                *bool
	}{
		{"t", "type", "display the capture file type", capinfo.FieldType, new(bool)},
		{"E", "encap", "display the capture file encapsulation", capinfo.FieldEncapsulation, new(bool)},
		{"c", "count", "display the number of packets", capinfo.FieldPackets, new(bool)},
		{"s", "size", "display the size of the file in bytes", capinfo.FieldFileSize, new(bool)},
		{"d", "data-size", "display the total length of all packets in bytes", capinfo.FieldDataSize, new(bool)},
		{"u", "duration", "display the capture duration in seconds", capinfo.FieldDuration, new(bool)},
		{"a", "start", "display the capture start time", capinfo.FieldStart, new(bool)},
		{"e", "end", "display the capture end time", capinfo.FieldEnd, new(bool)},
		{"y", "byte-rate", "display the average data rate in bytes/sec", capinfo.FieldByteRate, new(bool)},
		{"i", "bit-rate", "display the average data rate in bits/sec", capinfo.FieldBitRate, new(bool)},
		{"z", "packet-size", "display the average packet size in bytes", capinfo.FieldPacketSize, new(bool)},
		{"x", "packet-rate", "display the average packet rate in packets/sec", capinfo.FieldPacketRate, new(bool)},
	}
)

func init() {
	f := statsCmd.Flags()
	for _, ff := range statsFieldFlags {
		f.BoolVarP(ff.set, ff.name, ff.short, false, ff.usage)
	}
	f.StringP("output", "o", "long", "report format: long, table, yaml or json")
	f.BoolVarP(&statsTable, "table", "T", false, "generate a table report (same as --output table)")
	f.String("separator", "\t", "table field separator")
	f.String("quote", "", "table quote character")
	f.Bool("header", true, "print a table header record")
	f.Bool("continue", true, "continue with the next file after an error")
	f.BoolVarP(&statsAbort, "stop-on-error", "C", false, "stop at the first file that cannot be read")
}

func statsFields() capinfo.Field {
	var fields capinfo.Field
	for _, ff := range statsFieldFlags {
		if *ff.set {
			fields |= ff.field
		}
	}
	return fields
}

func runStats(ctx context.Context, cfg *config.Config, fields capinfo.Field, paths []string, w io.Writer) error {
	rep, err := capinfo.NewReporter(w, capinfo.ReportOptions{
		Output:    cfg.Capinfo.Output,
		Fields:    fields,
		Separator: cfg.Capinfo.Separator,
		Quote:     cfg.Capinfo.Quote,
		Header:    cfg.Capinfo.Header,
	})
	if err != nil {
		return err
	}
	batchErr := capinfo.Batch(ctx, paths, capinfo.Options{ContinueOnError: cfg.Capinfo.ContinueOnError}, rep.Report)
	if err := rep.Close(); err != nil && batchErr == nil {
		return err
	}
	return batchErr
}
