package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/Conductor/internal/adapter/constraintfile"
)

var constraintsCmd = &cobra.Command{
	Use:   "constraints",
	Short: "Inspect the constraint model",
}

var constraintsCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Validate a constraint file and print its summary",
	Long: `Parse and validate a constraint file without starting the service.
Defaults to the configured constraints path. Prints the number of values and
rules, the domain catalogue and the effective confidence threshold.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Constraints.Path
		if len(args) == 1 {
			path = args[0]
		}
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		m, err := constraintfile.Parse(data)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(m.Summarize(cfg.Orchestrator.ConfidenceThreshold))
	},
}

func init() {
	constraintsCmd.AddCommand(constraintsCheckCmd)
}
