package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/capdissect/internal/capfile"
	"firestige.xyz/capdissect/internal/config"
	"firestige.xyz/capdissect/internal/editcap"
)

var editCmd = &cobra.Command{
	Use:   "edit [flags] <infile> <outfile> [<record#>[-<record#>] ...]",
	Short: "Remove, trim, shift or convert records of a capture file",
	Long: `Copy a capture file, deleting the selected records (or keeping only
them with -r), and optionally chopping, truncating, time shifting or
corrupting the rest. The output format defaults to pcap.

Records are numbered from 1. A selection is a single number or an
inclusive range.

Examples:
  capdissect edit in.pcapng out.pcap 1-10
  capdissect edit -r in.pcap first100.pcap 1-100
  capdissect edit -t -0.5 -s 96 in.pcap shifted.pcap
  capdissect edit -c 1000 in.pcap chunk
  capdissect edit --filter "host 10.0.0.1" in.pcap host.pcap`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		opts, err := editOptions(appConfig, args[2:])
		if err != nil {
			exitWithError("invalid arguments", err)
		}
		if err := runEdit(cmd.Context(), args[0], args[1], opts, os.Stdout); err != nil {
			exitWithError("edit failed", err)
		}
	},
}

var (
	editKeep     bool
	editChop     int
	editSnaplen  int
	editShift    string
	editErrProb  float64
	editLinkType string
	editSplit    int
	editFilter   string
	editVerbose  bool
)

func init() {
	f := editCmd.Flags()
	f.BoolVarP(&editKeep, "keep", "r", false, "keep the selected records, default is to delete them")
	f.IntVarP(&editChop, "chop", "C", 0, "chop each record at the end by this many bytes")
	f.IntVarP(&editSnaplen, "snaplen", "s", 0, "truncate records to at most this many bytes")
	f.StringVarP(&editShift, "time-adjust", "t", "", "adjust timestamps by signed seconds, e.g. -0.5")
	f.Float64VarP(&editErrProb, "error-probability", "E", 0, "probability (0.0 to 1.0) that a byte is corrupted")
	f.Int64("seed", 0, "seed for -E, 0 picks one from the clock")
	f.StringP("format", "F", "pcap", "output capture format (see 'capdissect formats')")
	f.StringVarP(&editLinkType, "encap", "T", "", "output link type, e.g. ether or rawip")
	f.IntVarP(&editSplit, "split", "c", 0, "split into files of at most this many records")
	f.StringVar(&editFilter, "filter", "", `keep only Ethernet frames matching an IP filter, e.g. "src net 10.0.0.0/8"`)
	f.BoolVarP(&editVerbose, "verbose", "v", false, "print a summary when done")
}

func editOptions(cfg *config.Config, selectors []string) (editcap.Options, error) {
	sel, err := editcap.ParseSelection(selectors)
	if err != nil {
		return editcap.Options{}, err
	}
	opts := editcap.Options{
		Selection:        sel,
		Keep:             editKeep,
		Chop:             editChop,
		Snaplen:          editSnaplen,
		ErrorProbability: editErrProb,
		Seed:             cfg.Editcap.Seed,
		Format:           cfg.Editcap.Format,
		SplitCount:       editSplit,
		Filter:           editFilter,
	}
	if editShift != "" {
		if opts.TimeShift, err = editcap.ParseTimeShift(editShift); err != nil {
			return editcap.Options{}, err
		}
	}
	if editLinkType != "" {
		if opts.LinkType, err = capfile.ParseLinkType(editLinkType); err != nil {
			return editcap.Options{}, err
		}
		opts.SetLinkType = true
	}
	return opts, nil
}

func runEdit(ctx context.Context, in, out string, opts editcap.Options, w io.Writer) error {
	stats, err := editcap.Run(ctx, in, out, opts)
	if err != nil {
		return err
	}
	if editVerbose {
		fmt.Fprintf(w, "read %d, wrote %d to %d file(s)", stats.Read, stats.Written, len(stats.Files))
		if stats.Filtered > 0 {
			fmt.Fprintf(w, ", filtered %d", stats.Filtered)
		}
		if stats.Corrupted > 0 {
			fmt.Fprintf(w, ", corrupted %d", stats.Corrupted)
		}
		if stats.Skipped > 0 {
			fmt.Fprintf(w, ", skipped %d unreadable", stats.Skipped)
		}
		fmt.Fprintln(w)
	}
	return nil
}
