// Command memtrace runs a memory-augmented conversation with an LLM and
// records every turn as a replayable trace.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/internal/observability"
	"github.com/aixgo-dev/memtrace/pkg/config"
)

// Version information (set via ldflags)
var Version = "dev"

var (
	configFile string
	logLevel   string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "memtrace",
	Short: "Traced conversations with an LLM that manages its own memory",
	Long: `memtrace runs conversations in which the model reads and writes a
persistent memory directory through a tool. Every turn is recorded as an
ordered event log that can be replayed as a Mermaid sequence diagram.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		if verbose {
			cfg.Logging.Level = "debug"
			cfg.Logging.Development = true
		}

		logger, err = observability.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("MEMTRACE_CONFIG"), "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose development logging")

	rootCmd.AddCommand(serveCmd, chatCmd, diagramCmd, sessionsCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "memtrace", Version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
