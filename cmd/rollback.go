package cmd

import (
	"github.com/spf13/cobra"
)

var rollbackYes bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Return the proxy to HTTP-only and deregister renewal",
	Long: `Switch nginx back to the HTTP-only configuration and remove the
unattended renewal job. Certificate artifacts stay on disk so a later
setup can reuse them.`,
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().BoolVarP(&rollbackYes, "yes", "y", false, "skip the confirmation prompt")
}

func runRollback(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}

	if !rollbackYes {
		ok, err := promptConfirm("This switches the deployment back to plain HTTP. Continue?")
		if err != nil {
			return err
		}
		if !ok {
			cmd.Println("Rollback aborted.")
			return nil
		}
	}

	orch, err := c.buildOrchestrator(true)
	if err != nil {
		return err
	}
	return orch.Rollback(cmd.Context())
}
