package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/Conductor/internal/domain/task"
)

var (
	runContext map[string]string
	runTimeout time.Duration
	runFull    bool
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Orchestrate one request and print the result",
	Long: `Run a single request through the full pipeline in this process and
print the outcome as JSON. All arguments are joined into the request text.

By default only the result (response, per-subtask results, escalation or
error) is printed. Use --full for the complete task record including the
plan, routing decisions and state history.

The command exits non-zero when the task fails. An escalated task is a
valid outcome and exits zero.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	runCmd.Flags().StringToStringVar(&runContext, "context", nil, "User context as key=value pairs")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "Abort the task after this long (0 disables)")
	runCmd.Flags().BoolVar(&runFull, "full", false, "Print the full task record")
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Route on fresh health instead of waiting for the first probe tick.
	a.registry.ProbeAll(ctx)

	t, err := a.orch.Run(ctx, &task.Request{
		Request:     strings.Join(args, " "),
		UserContext: runContext,
	})
	if err != nil {
		return err
	}

	var out any = t
	if !runFull {
		if out, err = a.orch.GetResult(context.WithoutCancel(ctx), t.ID); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if t.Status == task.StatusFailed {
		if t.Error != nil {
			return fmt.Errorf("task %s failed: %s: %s", t.ID, t.Error.Code, t.Error.Message)
		}
		return fmt.Errorf("task %s failed", t.ID)
	}
	return nil
}
