package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "logsentry",
		Short: "Detect anomalies in nginx access and error logs",
		Long: `logsentry learns a rolling statistical baseline of nginx traffic per
endpoint, client, status class and error-log level, flags observations that
deviate from it and groups them into incident reports.

Without a subcommand it runs as a service: logs arrive on stdin, over TCP or
from configured files, reports are stored in DuckDB and served over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runServer(cfg)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is $HOME/.config/logsentry/config.yml)")

	root.AddCommand(newAnalyzeCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "logsentry - nginx log anomaly detector\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		},
	}
}
