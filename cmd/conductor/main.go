// Command conductor runs the orchestration service and its operator tools.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/logger"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

var (
	cfg        *config.Config
	configPath string
	logCloser  logger.Closer = nopCloser{}
)

type nopCloser struct{}

func (nopCloser) Close() {}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Multi-domain reasoning orchestrator",
	Long: `Conductor splits a request into domain subtasks, routes each to the
best reasoning service, executes them with retry and fallback, and merges the
answers into one response. Low-confidence decisions are escalated for review.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, path, err := config.LoadWithCLI(config.FlagsFrom(cmd.Flags()))
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		cfg, configPath = loaded, path

		l, closer := logger.New(cfg.Logging)
		slog.SetDefault(l)
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		logCloser.Close()
	},
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(constraintsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	// Skip config loading.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "conductor version %s\n", version)
	},
}
