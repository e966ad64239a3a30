package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/torrust/tracker-certs/pkg/renewal"
	"github.com/torrust/tracker-certs/pkg/telemetry"
)

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Run one renewal pass",
	Long: `Run a single renewal pass: check whether the bundle is due, obtain a
replacement from the certificate authority and reload the proxy with it.
A bundle that is not yet due is skipped. This is the command the cron
entry invokes; it is safe to run by hand at any time.`,
	RunE: runRenew,
}

var renewActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Install the unattended renewal cron entry",
	RunE:  runRenewActivate,
}

var renewDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Remove the unattended renewal cron entry",
	RunE:  runRenewDeactivate,
}

func init() {
	rootCmd.AddCommand(renewCmd)
	renewCmd.AddCommand(renewActivateCmd)
	renewCmd.AddCommand(renewDeactivateCmd)
}

func runRenew(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}

	ctx, span := telemetry.TraceRenewal(cmd.Context(), c.cfg.Hostnames())
	defer span.End()

	outcome, err := c.scheduler.RunOnce(ctx)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	switch outcome.Status {
	case renewal.RunSkipped:
		fmt.Printf("⏭  Renewal skipped: %s\n", outcome.Detail)
	case renewal.RunSucceeded:
		fmt.Printf("✓ %s\n", outcome.Detail)
	}
	if outcome.ExpiredServing {
		fmt.Fprintln(os.Stderr, "Warning: the serving certificate had already expired before this run")
	}
	return nil
}

func runRenewActivate(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}

	binPath, err := os.Executable()
	if err != nil {
		binPath = os.Args[0]
	}
	if err := c.scheduler.Register(binPath); err != nil {
		return err
	}
	fmt.Printf("✓ Renewal scheduled: %s\n", c.cfg.Renewal.Schedule)
	return nil
}

func runRenewDeactivate(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	if err := c.scheduler.Deregister(); err != nil {
		return err
	}
	fmt.Println("✓ Renewal deregistered")
	return nil
}
