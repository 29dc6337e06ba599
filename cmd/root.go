// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/capdissect/internal/config"
	"firestige.xyz/capdissect/internal/log"
	"firestige.xyz/capdissect/internal/metrics"
)

var (
	// Global flags
	configFile string

	appConfig     *config.Config
	metricsServer *metrics.Server
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "capdissect",
	Short: "capdissect - capture file tools and protocol dissector",
	Long: `capdissect reads, summarizes and rewrites packet capture files and
dissects the SMTP and DCE/RPC conversations they contain.

Capture formats are detected automatically: pcap, nanosecond pcap, pcapng,
Sun snoop and router console hex dumps.

Settings come from an optional YAML file (--config), CAPDISSECT_*
environment variables and command-line flags, in increasing priority.`,
	Version:            "0.1.0",
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// SIGINT and SIGTERM cancel the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "pattern", "log format: pattern or json")
	rootCmd.PersistentFlags().String("metrics-listen", ":9091", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(dissectCmd)
	rootCmd.AddCommand(formatsCmd)
}

// setup loads the configuration, initializes logging and starts the metrics
// server when enabled.
func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("metrics-listen") {
		cfg.Metrics.Enabled = true
	}
	if err := log.Init(&cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	appConfig = cfg

	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := metricsServer.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return nil
}

func teardown(cmd *cobra.Command, _ []string) error {
	if metricsServer == nil {
		return nil
	}
	err := metricsServer.Stop(context.Background())
	metricsServer = nil
	return err
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
