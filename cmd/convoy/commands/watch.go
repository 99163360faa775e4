package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/convoy/internal/history"
	"github.com/dyluth/convoy/internal/printer"
	"github.com/spf13/cobra"
)

var (
	watchInstance string
	watchOutput   string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream run state changes as they happen",
	Long: `Follow every run of an instance: creation, stage changes and the final
outcome. Delivery is best-effort; use 'convoy runs' for the full record.

Examples:
  convoy watch
  convoy watch -o jsonl > runs.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchInstance, "name", "n", "", "Instance name (default $CONVOY_INSTANCE_NAME or 'default')")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var format history.OutputFormat
	switch watchOutput {
	case "default":
		format = history.OutputFormatDefault
	case "jsonl":
		format = history.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutput),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance := instanceName(watchInstance)
	board, err := connectRunboard(ctx, instance, true)
	if err != nil {
		return err
	}
	defer board.Close()

	sub, err := board.SubscribeRunEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	if format == history.OutputFormatDefault {
		printer.Step("Watching runs for instance '%s' (Ctrl-C to stop)\n", instance)
	}
	return history.Stream(ctx, sub.Events(), sub.Errors(), format, cmd.OutOrStdout())
}
