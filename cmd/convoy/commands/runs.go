package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dyluth/convoy/internal/history"
	"github.com/dyluth/convoy/internal/printer"
	"github.com/dyluth/convoy/pkg/runboard"
	"github.com/spf13/cobra"
)

var (
	runsInstance string
	runsOutput   string
	runsSince    string
	runsUntil    string
	runsBranch   string
	runsStatus   string
	runsLimit    int
)

var runsCmd = &cobra.Command{
	Use:   "runs [RUN_ID]",
	Short: "Inspect release run records",
	Long: `List recorded runs, or show one run with its per-platform task results.

List Mode (no RUN_ID):
  Newest first, as a table or JSONL stream.

Get Mode (with RUN_ID):
  Pretty-printed JSON. Accepts a unique ID prefix of at least 4 characters.

Examples:
  # Failed runs on stable branches in the last day
  convoy runs --branch 'stable-*' --status failed --since 24h

  # Stream as JSONL for jq
  convoy runs -o jsonl | jq 'select(.status=="failed") | .reason'

  # One run by short ID
  convoy runs 3f2a9c1b`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVarP(&runsInstance, "name", "n", "", "Instance name (default $CONVOY_INSTANCE_NAME or 'default')")
	runsCmd.Flags().StringVarP(&runsOutput, "output", "o", "default", "Output format: default or jsonl (ignored in get mode)")
	runsCmd.Flags().StringVar(&runsSince, "since", "", "Runs started after (duration, date or RFC3339)")
	runsCmd.Flags().StringVar(&runsUntil, "until", "", "Runs started before (duration, date or RFC3339)")
	runsCmd.Flags().StringVar(&runsBranch, "branch", "", "Filter by branch (glob pattern)")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status: pending, running, succeeded, failed, superseded")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "Maximum runs to list (0 = all)")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	instance := instanceName(runsInstance)

	board, err := connectRunboard(ctx, instance, true)
	if err != nil {
		return err
	}
	defer board.Close()

	if len(args) == 1 {
		err := history.GetRun(ctx, board, args[0], cmd.OutOrStdout())
		var ambErr *history.AmbiguousIDError
		switch {
		case err == nil:
			return nil
		case history.IsNotFound(err):
			return printer.Error(
				fmt.Sprintf("run '%s' not found", args[0]),
				fmt.Sprintf("No run with that ID is recorded for instance '%s'.", instance),
				[]string{"List recent runs:\n  convoy runs"},
			)
		case errors.As(err, &ambErr):
			for _, id := range ambErr.Matches {
				fmt.Fprintf(os.Stderr, "  %s\n", id)
			}
			return printer.Error("ambiguous run ID", err.Error(), []string{"Use a longer prefix"})
		default:
			return fmt.Errorf("failed to get run: %w", err)
		}
	}

	var format history.OutputFormat
	switch runsOutput {
	case "default":
		format = history.OutputFormatDefault
	case "jsonl":
		format = history.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", runsOutput),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	sinceMS, untilMS, err := history.ParseRange(runsSince, runsUntil, time.Now())
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use a duration like '1h30m', a date like '2025-10-29' or RFC3339"},
		)
	}

	status := runboard.RunStatus(runsStatus)
	if status != "" {
		if err := status.Validate(); err != nil {
			return printer.Error("invalid status filter", err.Error(), nil)
		}
	}

	filters := &history.FilterCriteria{
		SinceTimestampMs: sinceMS,
		UntilTimestampMs: untilMS,
		BranchGlob:       runsBranch,
		Status:           status,
		Limit:            runsLimit,
	}
	if err := history.ListRuns(ctx, board, instance, format, filters, cmd.OutOrStdout()); err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	return nil
}
