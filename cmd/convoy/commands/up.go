package commands

import (
	"context"
	"fmt"

	dockerpkg "github.com/dyluth/convoy/internal/docker"
	"github.com/dyluth/convoy/internal/devstack"
	"github.com/dyluth/convoy/internal/printer"
	"github.com/spf13/cobra"
)

var upInstance string

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start local Redis and MinIO for a convoy instance",
	Long: `Start the services convoyd needs on a developer machine.

Creates and starts:
  • Isolated Docker network
  • Redis container (serializer leases and run records)
  • MinIO container (archive bucket)

Host ports are allocated from 6379 and 9000 upwards so several instances can
run side by side. The printed environment points convoyd and 'convoy runs' at
the new services.`,
	Args: cobra.NoArgs,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVarP(&upInstance, "name", "n", "", "Instance name (default $CONVOY_INSTANCE_NAME or 'default')")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	instance := instanceName(upInstance)

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	exists, err := devstack.Exists(ctx, cli, instance)
	if err != nil {
		return err
	}
	if exists {
		return printer.Error(
			fmt.Sprintf("instance '%s' already exists", instance),
			"Found existing service containers with this instance name.",
			[]string{
				fmt.Sprintf("Stop the existing instance:\n  convoy down --name %s", instance),
				"Choose a different name:\n  convoy up --name other-name",
			},
		)
	}

	stack, err := devstack.Up(ctx, cli, instance, dockerpkg.GenerateRunID(), devstack.DefaultServices(), func(msg string) {
		printer.Success("%s\n", msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}

	printer.Success("\nInstance '%s' started\n\n", instance)
	fmt.Fprintf(cmd.OutOrStdout(), "Environment:\n")
	for _, kv := range stack.Env() {
		fmt.Fprintf(cmd.OutOrStdout(), "  export %s\n", kv)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nCreate the bucket named in convoy.yml, or let convoyd create it on start.\n")
	fmt.Fprintf(cmd.OutOrStdout(), "Run 'convoy down --name %s' when finished.\n", instance)
	return nil
}
