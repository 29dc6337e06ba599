package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/capdissect/internal/capfile"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List supported capture formats and link types",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runFormats(capfile.Default(), os.Stdout); err != nil {
			exitWithError("formats failed", err)
		}
	},
}

func runFormats(reg *capfile.Registry, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "FORMAT\tDESCRIPTION\tWRITABLE")
	for _, f := range reg.Formats() {
		_, writable := f.(capfile.Encoder)
		fmt.Fprintf(tw, "%s\t%s\t%t\n", f.Name(), f.Description(), writable)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nLink types: %s\n", strings.Join(capfile.LinkTypeNames(), ", "))
	return err
}
