package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/torrust/tracker-certs/pkg/health"
	"github.com/torrust/tracker-certs/pkg/nginx"
)

var statusLive bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show certificate and proxy status",
	Long: `Show the proxy state, the stored certificate bundle and the renewal job.
With --live each hostname's public endpoint is probed to verify what
clients actually see.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusLive, "live", false, "probe the public endpoints")
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}

	orch, err := c.buildOrchestrator(true)
	if err != nil {
		return err
	}

	report, err := orch.Status()
	if err != nil {
		return err
	}

	fmt.Printf("\nCertificate Status for %s (%s mode)\n", c.cfg.Project.Name, c.cfg.Issuer.Mode)
	fmt.Println("─────────────────────────────────────────────────────────────────")

	proxyIcon := "⏳"
	proxyText := "HTTP only"
	if report.ProxyState == nginx.StateHTTPSActive {
		proxyIcon = "✓"
		proxyText = "HTTPS active"
	}
	fmt.Printf("\nProxy:     %s %s", proxyIcon, proxyText)
	if !report.AppliedAt.IsZero() {
		fmt.Printf(" (applied %s ago)", time.Since(report.AppliedAt).Round(time.Minute))
	}
	fmt.Println()

	if report.Bundle == nil {
		fmt.Println("Bundle:    none — run setup to obtain a certificate")
	} else {
		icon := "✓"
		note := fmt.Sprintf("valid for %s", report.Remaining.Round(time.Hour))
		if report.Expired {
			icon = "✗"
			note = fmt.Sprintf("EXPIRED %s ago", (-report.Remaining).Round(time.Hour))
		} else if report.Remaining < c.cfg.Renewal.RenewBefore.Std() {
			icon = "⏳"
			note += " (renewal due)"
		}
		fmt.Printf("Bundle:    %s %v, %s\n", icon, report.Bundle.Hostnames, note)
		fmt.Printf("           issued %s, expires %s\n",
			report.Bundle.IssuedAt.Format("2006-01-02"),
			report.Bundle.NotAfter.Format("2006-01-02"))
		if !report.Bundle.Mode.Trusted() {
			fmt.Printf("           note: %s certificates are not browser-trusted\n", report.Bundle.Mode)
		}
	}

	if report.Job == nil {
		fmt.Println("Renewal:   not scheduled")
	} else {
		fmt.Printf("Renewal:   ✓ scheduled (%s)\n", report.Job.Schedule)
		if report.Job.LastRun.IsZero() {
			fmt.Println("           no runs yet")
		} else {
			result := "unknown"
			if report.Job.LastResult != nil {
				result = string(report.Job.LastResult.Status)
				if report.Job.LastResult.SkipReason != "" {
					result += " (" + report.Job.LastResult.SkipReason + ")"
				}
			}
			fmt.Printf("           last run %s ago: %s\n",
				time.Since(report.Job.LastRun).Round(time.Minute), result)
		}
	}

	if statusLive {
		fmt.Println("\nLive endpoints")
		fmt.Println("─────────────────────────────────────────────────────────────────")
		checker := health.NewChecker()
		results, err := checker.CheckAll(cmd.Context(), c.cfg.Hostnames())
		if err != nil {
			return err
		}
		for _, r := range results {
			icon := "✓"
			if len(r.Errors) > 0 {
				icon = "✗"
			}
			fmt.Printf("%-30s %s", r.Hostname, icon)
			if r.HTTPSAccessible && r.CertValid {
				fmt.Printf(" HTTPS ok, cert expires %s", r.CertExpiry.Format("2006-01-02"))
			}
			fmt.Println()
			for _, e := range r.Errors {
				fmt.Printf("  └─ %s\n", e)
			}
		}
	}

	fmt.Println()
	return nil
}
