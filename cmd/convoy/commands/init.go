package commands

import (
	"fmt"
	"os"

	"github.com/dyluth/convoy/internal/printer"
	"github.com/dyluth/convoy/internal/scaffold"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter convoy.yml",
	Long: `Create convoy.yml and an example build script in the current directory.

The generated configuration uses the local build driver and a MinIO bucket
on 127.0.0.1:9000, matching the services started by 'convoy up'.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	if err := scaffold.Initialize(dir, initForce); err != nil {
		if !initForce && scaffold.CheckExisting(dir) != nil {
			return printer.Error(
				"project already initialized",
				fmt.Sprintf("%s already exists in %s.", scaffold.ConfigFile, dir),
				[]string{"Reinitialize, overwriting it:\n  convoy init --force"},
			)
		}
		return err
	}

	scaffold.PrintSuccess(cmd.OutOrStdout())
	return nil
}
