package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/torrust/tracker-certs/pkg/lifecycle"
)

var setupYes bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Obtain certificates and switch the proxy to HTTPS",
	Long: `Run the full certificate rollout: validate that every hostname resolves
to the deployment's public address, obtain one certificate bundle covering
all hostnames, switch nginx to HTTPS atomically and register unattended
renewal.

In production mode a rehearsal against the staging CA runs first, and the
production request is confirmed interactively unless --yes is given.`,
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
	setupCmd.Flags().BoolVarP(&setupYes, "yes", "y", false, "skip the production confirmation prompt")
}

func runSetup(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}

	orch, err := c.buildOrchestrator(setupYes)
	if err != nil {
		return err
	}

	_, err = orch.Setup(cmd.Context())
	if errors.Is(err, lifecycle.ErrAborted) {
		cmd.Println("Setup aborted. The proxy still serves HTTP only.")
		return nil
	}
	return err
}
