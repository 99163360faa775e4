package commands

import (
	"context"
	"fmt"

	dockerpkg "github.com/dyluth/convoy/internal/docker"
	"github.com/dyluth/convoy/internal/devstack"
	"github.com/dyluth/convoy/internal/printer"
	"github.com/spf13/cobra"
)

var downInstance string

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the local services of a convoy instance",
	Long: `Stop and remove the Redis and MinIO containers and the network created
by 'convoy up'. Build containers of running pipelines are left alone.

The command does not prompt for confirmation and executes immediately.`,
	Args: cobra.NoArgs,
	RunE: runDown,
}

func init() {
	downCmd.Flags().StringVarP(&downInstance, "name", "n", "", "Instance name (default $CONVOY_INSTANCE_NAME or 'default')")
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	instance := instanceName(downInstance)

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	exists, err := devstack.Exists(ctx, cli, instance)
	if err != nil {
		return err
	}
	if !exists {
		return printer.Error(
			fmt.Sprintf("instance '%s' not found", instance),
			fmt.Sprintf("No service containers found with instance name '%s'.", instance),
			[]string{"Start one first:\n  convoy up"},
		)
	}

	if err := devstack.Down(ctx, cli, instance, func(msg string) {
		printer.Step("%s...\n", msg)
	}); err != nil {
		return err
	}

	printer.Success("\nInstance '%s' removed successfully\n", instance)
	return nil
}
