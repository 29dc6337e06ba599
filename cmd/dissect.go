package cmd

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/capdissect/internal/capfile"
	"firestige.xyz/capdissect/internal/config"
	"firestige.xyz/capdissect/internal/decoder"
	"firestige.xyz/capdissect/internal/filter"
	"firestige.xyz/capdissect/internal/pipeline"
	"firestige.xyz/capdissect/internal/sink/console"
)

var dissectCmd = &cobra.Command{
	Use:   "dissect [flags] <file>",
	Short: "Dissect SMTP and DCE/RPC conversations in a capture file",
	Long: `Decode every record of a capture file, reassemble TCP streams and
dissect SMTP and connection-oriented DCE/RPC traffic found on the
configured ports. One summary line is printed per SMTP segment or RPC PDU;
-v adds the decoded field tree.

Examples:
  capdissect dissect mail.pcap
  capdissect dissect -v --smtp-ports 25,2525 mail.pcapng
  capdissect dissect --filter "host 10.1.1.5" --dcerpc-ports 135,445 smb.pcap`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDissect(cmd.Context(), appConfig, args[0], dissectVerbose, os.Stdout); err != nil {
			exitWithError("dissect failed", err)
		}
	},
}

var dissectVerbose bool

func init() {
	f := dissectCmd.Flags()
	f.BoolVarP(&dissectVerbose, "verbose", "v", false, "print the field tree of every result")
	f.StringSlice("smtp-ports", []string{"25", "587"}, "TCP ports dissected as SMTP")
	f.StringSlice("dcerpc-ports", []string{"135", "445"}, "TCP ports dissected as DCE/RPC")
	f.Int("max-line", 4096, "maximum SMTP command or reply line length")
	f.Duration("fragment-timeout", 30*time.Second, "drop IPv4 fragments older than this, in capture time")
	f.Int("max-fragments", 100, "maximum fragments per IPv4 datagram")
	f.String("filter", "", `dissect only Ethernet frames matching an IP filter, e.g. "net 10.0.0.0/8"`)
}

func runDissect(ctx context.Context, cfg *config.Config, path string, verbose bool, w io.Writer) error {
	d := cfg.Dissect
	b := pipeline.NewBuilder().
		WithSMTPPorts(d.SMTPPorts...).
		WithDCERPCPorts(d.DCERPCPorts...).
		WithMaxLineLength(d.MaxLineLength).
		WithReassembly(decoder.ReassemblyConfig{
			MaxFragments: d.MaxFragments,
			Timeout:      d.FragmentTimeout,
			MaxPerSource: d.MaxPerSource,
		}).
		WithSinks(console.NewSink(w, verbose))
	if d.Filter != "" {
		m, err := filter.NewMatcher(d.Filter)
		if err != nil {
			return err
		}
		b.WithFilter(m)
	}

	r, err := capfile.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	_, err = b.Build().Run(ctx, r)
	return err
}
