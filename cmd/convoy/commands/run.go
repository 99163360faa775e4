package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/convoy/internal/build"
	"github.com/dyluth/convoy/internal/git"
	"github.com/dyluth/convoy/internal/pipeline"
	"github.com/dyluth/convoy/internal/printer"
	"github.com/dyluth/convoy/internal/serial"
	"github.com/dyluth/convoy/internal/setup"
	"github.com/dyluth/convoy/internal/trigger"
	"github.com/spf13/cobra"
)

var (
	runEvent     eventFlags
	runInstance  string
	runWorkspace string
	runVerbose   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one release run in the foreground",
	Long: `Gate an event and, if it qualifies, build, package, upload and publish.

Run records go to Redis when REDIS_URL is set, so 'convoy runs' and
'convoy watch' see foreground runs too. Ctrl-C cancels the run.

Examples:
  # Replay a push webhook payload
  convoy run --event push.json

  # Manual run on an alpha branch with a mode override
  convoy run --ref alpha-2 --mode restricted-mode-X

  # Release the checked-out commit as if it had been pushed
  convoy run --push`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runEvent.register(runCmd)
	runCmd.Flags().StringVarP(&runInstance, "name", "n", "", "Instance name (default $CONVOY_INSTANCE_NAME or 'default')")
	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", "", "Source tree to build (default: current directory)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Stream build output (local driver)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, creds, err := loadConfig()
	if err != nil {
		return err
	}
	ev, err := runEvent.event(ctx, cfg, runWorkspace)
	if err != nil {
		return printer.Error("invalid event", err.Error(), nil)
	}
	warnDirtyWorkspace(ctx, runWorkspace)

	instance := instanceName(runInstance)
	opts := setup.Options{
		InstanceName: instance,
		Workspace:    runWorkspace,
		OnTask: func(s build.TaskState) {
			switch s.Status {
			case build.TaskSucceeded:
				printer.Success("%s built in %s\n", s.Platform.Triple(), s.Duration.Round(time.Second))
			case build.TaskFailed:
				printer.Warning("%s failed: %v\n", s.Platform.Triple(), s.Err)
			}
		},
	}

	if runVerbose {
		opts.BuildOutput = cmd.ErrOrStderr()
	}

	board, err := connectRunboard(ctx, instance, cfg.Serializer.Backend == "redis")
	if err != nil {
		return err
	}
	if board != nil {
		defer board.Close()
		opts.Redis = board.Redis()
		opts.Runs = board
	} else {
		opts.Runs = pipeline.NewMemoryRuns()
	}

	components, err := setup.New(ctx, cfg, creds, opts)
	if err != nil {
		return printer.Error("failed to set up pipeline", err.Error(), nil)
	}
	defer components.Close()

	printer.Step("Evaluating %s event on %s\n", ev.Kind, ev.Ref)
	run, err := components.Orchestrator.Execute(ctx, ev)
	switch {
	case errors.Is(err, trigger.ErrGateRejected):
		printer.Warning("Event skipped: %v\n", err)
		return nil
	case errors.Is(err, serial.ErrSuperseded):
		printer.Warning("Run %s was superseded by a newer run on %s\n", run.ID, run.Ref)
		return nil
	case err != nil:
		ctxInfo := map[string]string{"Run": "-", "Stage": "-"}
		if run != nil {
			ctxInfo["Run"] = run.ID
			ctxInfo["Stage"] = string(run.Stage)
		}
		return printer.ErrorWithContext("release run failed", err.Error(), ctxInfo, nil)
	}

	printer.Success("Run %s succeeded\n", run.ID)
	switch {
	case run.ReleaseTag != "":
		printer.Info("  release: %s %s\n", run.ReleaseTag, run.ReleaseURL)
	case run.ReleaseURL != "":
		printer.Info("  draft release: %s\n", run.ReleaseURL)
	default:
		printer.Info("  no product changed version; nothing published\n")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

// warnDirtyWorkspace notes uncommitted changes, which end up in the built
// binaries but not in the commit recorded on the run.
func warnDirtyWorkspace(ctx context.Context, dir string) {
	checker := git.NewChecker(dir)
	if ok, err := checker.IsGitRepository(ctx); err != nil || !ok {
		return
	}
	dirty, err := checker.GetDirtyFiles(ctx)
	if err != nil || dirty == "" {
		return
	}
	printer.Warning("Workspace has uncommitted changes:\n%s\n\n", dirty)
}
