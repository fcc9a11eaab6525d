package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wizmini/wizmini/pkg/wizmini/config"
	"github.com/wizmini/wizmini/pkg/wizmini/logging"
)

var (
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "wizmini",
		Short: "Keyboard-first local file finder engine",
		Long: `Wizmini indexes local volumes and answers filename queries in
milliseconds. The overlay UI talks to this engine; the CLI below drives
the same API for indexing, one-shot searches, and diagnostics.

Examples:
  wizmini index current          # Index the working directory
  wizmini index c                # Index drive C: (volume enumeration)
  wizmini search current readme  # Find names containing "readme"
  wizmini search all 'sr?z*.log' # Wildcard search across all drives`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads configuration and initializes logging for a subcommand.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logging.Init(logging.Config{Level: cfg.Logging.Level, Path: cfg.Logging.Path}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fail prints an error the way cobra users expect and returns it.
func fail(err error) error {
	fmt.Fprintln(os.Stderr, "wizmini:", err)
	return err
}
